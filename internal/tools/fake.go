package tools

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// FakeRunner scripts external command behavior for tests. Responses are
// matched by binary name plus an argument substring; unmatched invocations
// succeed with empty output unless Strict is set.
type FakeRunner struct {
	mu        sync.Mutex
	Responses []FakeResponse
	Calls     []Invocation
	Strict    bool
}

// FakeResponse matches an invocation and supplies its outcome.
type FakeResponse struct {
	Binary   string
	ArgsLike string // substring of the joined argument list; empty matches any
	Result   Result
	Err      error
	// Hook, when set, is invoked instead of returning the static Result.
	Hook func(inv Invocation) (Result, error)
}

// Run records the invocation and replays the first matching response.
func (f *FakeRunner) Run(ctx context.Context, inv Invocation) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	f.mu.Lock()
	f.Calls = append(f.Calls, inv)
	f.mu.Unlock()

	joined := strings.Join(inv.Args, " ")
	for _, r := range f.Responses {
		if r.Binary != "" && r.Binary != inv.Binary {
			continue
		}
		if r.ArgsLike != "" && !strings.Contains(joined, r.ArgsLike) {
			continue
		}
		if r.Hook != nil {
			return r.Hook(inv)
		}
		return r.Result, r.Err
	}
	if f.Strict {
		return Result{ExitCode: -1}, fmt.Errorf("unexpected invocation: %s %s", inv.Binary, joined)
	}
	return Result{}, nil
}

// CallsTo returns recorded invocations of the given binary.
func (f *FakeRunner) CallsTo(binary string) []Invocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Invocation
	for _, c := range f.Calls {
		if c.Binary == binary {
			out = append(out, c)
		}
	}
	return out
}
