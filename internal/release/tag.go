package release

import (
	"context"
	"fmt"
	"strings"

	"fleetrel/internal/tools"
)

// Tagger manages the git tag a release is anchored to.
type Tagger struct {
	Runner  tools.Runner
	GitPath string
	Dir     string // repository working directory
}

// Ensure makes tag exist at HEAD and pushed to origin. A tag that already
// exists at HEAD is fine; one pointing elsewhere is a conflict the operator
// must resolve by hand, never by silent retagging.
func (t *Tagger) Ensure(ctx context.Context, tag string) error {
	head, err := t.revParse(ctx, "HEAD")
	if err != nil {
		return fmt.Errorf("%w: resolve HEAD: %v", ErrPublish, err)
	}

	at, err := t.revParse(ctx, "refs/tags/"+tag+"^{commit}")
	switch {
	case err == nil && at == head:
		// Already tagged here; still push in case the remote lags.
	case err == nil:
		return fmt.Errorf("%w: %s is at %s, HEAD is %s", ErrTagConflict, tag, short(at), short(head))
	default:
		if _, err := t.run(ctx, "tag", tag); err != nil {
			return fmt.Errorf("%w: create tag: %v", ErrPublish, err)
		}
	}

	if _, err := t.run(ctx, "push", "origin", "refs/tags/"+tag); err != nil {
		return fmt.Errorf("%w: push tag: %v", ErrPublish, err)
	}
	return nil
}

func (t *Tagger) revParse(ctx context.Context, ref string) (string, error) {
	res, err := t.run(ctx, "rev-parse", "--verify", ref)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

func (t *Tagger) run(ctx context.Context, args ...string) (tools.Result, error) {
	return t.Runner.Run(ctx, tools.Invocation{Binary: t.GitPath, Args: args, Dir: t.Dir})
}

func short(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
