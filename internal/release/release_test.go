package release

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetrel/internal/logging"
	"fleetrel/internal/tools"
)

// fakeHost records host calls without touching any forge.
type fakeHost struct {
	exists  bool
	url     string
	creates int
	deletes int
	uploads [][]string
	assets  []string
	failUp  error
}

func (f *fakeHost) ReleaseExists(ctx context.Context, tag string) (bool, string, error) {
	return f.exists, f.url, nil
}

func (f *fakeHost) CreateRelease(ctx context.Context, tag string, opts CreateOptions) (string, error) {
	f.creates++
	f.exists = true
	f.url = "https://github.com/acme/fleet-schema-gen/releases/tag/" + tag
	return f.url, nil
}

func (f *fakeHost) DeleteRelease(ctx context.Context, tag string) error {
	f.deletes++
	f.exists = false
	return nil
}

func (f *fakeHost) Upload(ctx context.Context, tag string, files []string) error {
	if f.failUp != nil {
		return f.failUp
	}
	f.uploads = append(f.uploads, files)
	return nil
}

func (f *fakeHost) ListAssets(ctx context.Context, tag string) ([]string, error) {
	if f.assets != nil {
		return f.assets, nil
	}
	// Clobber semantics: the last upload is the full asset set.
	if len(f.uploads) == 0 {
		return nil, nil
	}
	return f.uploads[len(f.uploads)-1], nil
}

func TestPublish(t *testing.T) {
	files := []string{"a.tar.gz", "a.tar.gz.sha256"}

	t.Run("creates release when absent", func(t *testing.T) {
		host := &fakeHost{}
		p := &Publisher{Host: host, Log: logging.NewNop()}

		rec, err := p.Publish(context.Background(), "v1.4.0", files, Options{})
		require.NoError(t, err)
		assert.True(t, rec.Created)
		assert.Equal(t, 1, host.creates)
		assert.Equal(t, files, rec.Uploaded)
	})

	t.Run("publish is idempotent", func(t *testing.T) {
		host := &fakeHost{}
		p := &Publisher{Host: host, Log: logging.NewNop()}

		first, err := p.Publish(context.Background(), "v1.4.0", files, Options{})
		require.NoError(t, err)
		second, err := p.Publish(context.Background(), "v1.4.0", files, Options{})
		require.NoError(t, err)

		assert.True(t, first.Created)
		assert.False(t, second.Created)
		assert.Equal(t, first.URL, second.URL)
		assert.Equal(t, 1, host.creates)
		assert.Len(t, host.uploads, 2)
	})

	t.Run("force deletes and recreates", func(t *testing.T) {
		host := &fakeHost{exists: true, url: "https://example.com/old"}
		p := &Publisher{Host: host, Log: logging.NewNop()}

		rec, err := p.Publish(context.Background(), "v1.4.0", files, Options{Force: true})
		require.NoError(t, err)
		assert.True(t, rec.Created)
		assert.Equal(t, 1, host.deletes)
		assert.Equal(t, 1, host.creates)
	})

	t.Run("no assets is an error", func(t *testing.T) {
		p := &Publisher{Host: &fakeHost{}, Log: logging.NewNop()}
		_, err := p.Publish(context.Background(), "v1.4.0", nil, Options{})
		assert.ErrorIs(t, err, ErrPublish)
	})

	t.Run("duplicate asset name after upload is a tag conflict", func(t *testing.T) {
		host := &fakeHost{assets: []string{"a.tar.gz", "a.tar.gz"}}
		p := &Publisher{Host: host, Log: logging.NewNop()}
		_, err := p.Publish(context.Background(), "v1.4.0", files, Options{})
		assert.ErrorIs(t, err, ErrTagConflict)
	})

	t.Run("upload failure surfaces", func(t *testing.T) {
		host := &fakeHost{failUp: fmt.Errorf("502 from forge")}
		p := &Publisher{Host: host, Log: logging.NewNop()}
		_, err := p.Publish(context.Background(), "v1.4.0", files, Options{})
		assert.ErrorIs(t, err, ErrPublish)
		assert.Contains(t, err.Error(), "502")
	})
}

func TestGhHost(t *testing.T) {
	t.Run("view not found means absent", func(t *testing.T) {
		runner := &tools.FakeRunner{
			Responses: []tools.FakeResponse{{
				Binary:   "gh",
				ArgsLike: "release view",
				Result:   tools.Result{ExitCode: 1, Stderr: "release not found"},
				Err:      fmt.Errorf("gh: exit 1: release not found"),
			}},
		}
		h := &GhHost{Runner: runner, GhPath: "gh", Repo: "acme/fleet-schema-gen"}

		exists, _, err := h.ReleaseExists(context.Background(), "v1.4.0")
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("view parses url", func(t *testing.T) {
		runner := &tools.FakeRunner{
			Responses: []tools.FakeResponse{{
				Binary:   "gh",
				ArgsLike: "release view",
				Result:   tools.Result{Stdout: `{"url":"https://github.com/acme/fleet-schema-gen/releases/tag/v1.4.0"}`},
			}},
		}
		h := &GhHost{Runner: runner, GhPath: "gh", Repo: "acme/fleet-schema-gen"}

		exists, url, err := h.ReleaseExists(context.Background(), "v1.4.0")
		require.NoError(t, err)
		assert.True(t, exists)
		assert.Contains(t, url, "v1.4.0")
	})

	t.Run("upload clobbers in one call", func(t *testing.T) {
		runner := &tools.FakeRunner{}
		h := &GhHost{Runner: runner, GhPath: "gh", Repo: "acme/fleet-schema-gen"}

		err := h.Upload(context.Background(), "v1.4.0", []string{"a.tar.gz", "a.sha256"})
		require.NoError(t, err)

		calls := runner.CallsTo("gh")
		require.Len(t, calls, 1)
		joined := strings.Join(calls[0].Args, " ")
		assert.Contains(t, joined, "release upload v1.4.0 a.tar.gz a.sha256")
		assert.Contains(t, joined, "--clobber")
	})

	t.Run("create passes draft and prerelease flags", func(t *testing.T) {
		runner := &tools.FakeRunner{
			Responses: []tools.FakeResponse{{
				Binary: "gh",
				Result: tools.Result{Stdout: "https://github.com/acme/fleet-schema-gen/releases/tag/v1.4.0\n"},
			}},
		}
		h := &GhHost{Runner: runner, GhPath: "gh", Repo: "acme/fleet-schema-gen"}

		url, err := h.CreateRelease(context.Background(), "v1.4.0", CreateOptions{Draft: true, Prerelease: true})
		require.NoError(t, err)
		assert.Equal(t, "https://github.com/acme/fleet-schema-gen/releases/tag/v1.4.0", url)

		joined := strings.Join(runner.Calls[0].Args, " ")
		assert.Contains(t, joined, "--draft")
		assert.Contains(t, joined, "--prerelease")
		assert.Contains(t, joined, "--generate-notes")
	})
}

func TestTagger(t *testing.T) {
	head := "aabbccddeeff00112233445566778899aabbccdd"

	t.Run("creates and pushes a new tag", func(t *testing.T) {
		runner := &tools.FakeRunner{
			Responses: []tools.FakeResponse{
				{Binary: "git", ArgsLike: "rev-parse --verify HEAD", Result: tools.Result{Stdout: head + "\n"}},
				{Binary: "git", ArgsLike: "rev-parse --verify refs/tags/v1.4.0", Err: fmt.Errorf("unknown revision")},
			},
		}
		tg := &Tagger{Runner: runner, GitPath: "git"}

		require.NoError(t, tg.Ensure(context.Background(), "v1.4.0"))

		calls := runner.CallsTo("git")
		require.Len(t, calls, 4)
		assert.Equal(t, []string{"tag", "v1.4.0"}, calls[2].Args)
		assert.Equal(t, []string{"push", "origin", "refs/tags/v1.4.0"}, calls[3].Args)
	})

	t.Run("existing tag at HEAD only pushes", func(t *testing.T) {
		runner := &tools.FakeRunner{
			Responses: []tools.FakeResponse{
				{Binary: "git", ArgsLike: "rev-parse", Result: tools.Result{Stdout: head + "\n"}},
			},
		}
		tg := &Tagger{Runner: runner, GitPath: "git"}

		require.NoError(t, tg.Ensure(context.Background(), "v1.4.0"))

		calls := runner.CallsTo("git")
		require.Len(t, calls, 3)
		assert.Equal(t, "push", calls[2].Args[0])
	})

	t.Run("tag at another commit is a conflict", func(t *testing.T) {
		runner := &tools.FakeRunner{
			Responses: []tools.FakeResponse{
				{Binary: "git", ArgsLike: "rev-parse --verify HEAD", Result: tools.Result{Stdout: head + "\n"}},
				{Binary: "git", ArgsLike: "refs/tags/v1.4.0", Result: tools.Result{Stdout: "0000000000000000000000000000000000000000\n"}},
			},
		}
		tg := &Tagger{Runner: runner, GitPath: "git"}

		err := tg.Ensure(context.Background(), "v1.4.0")
		assert.ErrorIs(t, err, ErrTagConflict)
		assert.Len(t, runner.CallsTo("git"), 2)
	})
}
