package release

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"fleetrel/internal/tools"
)

// GhHost implements Host over the gh CLI, which carries its own forge
// authentication.
type GhHost struct {
	Runner tools.Runner
	GhPath string
	Repo   string // owner/name
}

// ReleaseExists probes the release with gh release view. A "release not
// found" failure means absent; any other failure is surfaced.
func (h *GhHost) ReleaseExists(ctx context.Context, tag string) (bool, string, error) {
	res, err := h.Runner.Run(ctx, tools.Invocation{
		Binary: h.GhPath,
		Args:   []string{"release", "view", tag, "--repo", h.Repo, "--json", "url"},
	})
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()+res.Stderr), "not found") {
			return false, "", nil
		}
		return false, "", fmt.Errorf("gh release view: %w", err)
	}

	var view struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal([]byte(res.Stdout), &view); err != nil {
		return false, "", fmt.Errorf("gh release view: parse: %w", err)
	}
	return true, view.URL, nil
}

func (h *GhHost) CreateRelease(ctx context.Context, tag string, opts CreateOptions) (string, error) {
	args := []string{"release", "create", tag, "--repo", h.Repo}
	if opts.Title != "" {
		args = append(args, "--title", opts.Title)
	}
	if opts.Notes != "" {
		args = append(args, "--notes", opts.Notes)
	} else {
		args = append(args, "--generate-notes")
	}
	if opts.Draft {
		args = append(args, "--draft")
	}
	if opts.Prerelease {
		args = append(args, "--prerelease")
	}

	res, err := h.Runner.Run(ctx, tools.Invocation{Binary: h.GhPath, Args: args})
	if err != nil {
		return "", fmt.Errorf("gh release create: %w", err)
	}
	return strings.TrimSpace(res.Stdout), nil
}

func (h *GhHost) DeleteRelease(ctx context.Context, tag string) error {
	_, err := h.Runner.Run(ctx, tools.Invocation{
		Binary: h.GhPath,
		Args:   []string{"release", "delete", tag, "--repo", h.Repo, "--yes"},
	})
	if err != nil {
		return fmt.Errorf("gh release delete: %w", err)
	}
	return nil
}

// ListAssets names the assets currently attached to the release.
func (h *GhHost) ListAssets(ctx context.Context, tag string) ([]string, error) {
	res, err := h.Runner.Run(ctx, tools.Invocation{
		Binary: h.GhPath,
		Args:   []string{"release", "view", tag, "--repo", h.Repo, "--json", "assets"},
	})
	if err != nil {
		return nil, fmt.Errorf("gh release view: %w", err)
	}
	var view struct {
		Assets []struct {
			Name string `json:"name"`
		} `json:"assets"`
	}
	if err := json.Unmarshal([]byte(res.Stdout), &view); err != nil {
		return nil, fmt.Errorf("gh release view: parse: %w", err)
	}
	names := make([]string, 0, len(view.Assets))
	for _, a := range view.Assets {
		names = append(names, a.Name)
	}
	return names, nil
}

// Upload pushes all files in one invocation with --clobber so repeated
// publishes overwrite rather than duplicate or fail.
func (h *GhHost) Upload(ctx context.Context, tag string, files []string) error {
	args := append([]string{"release", "upload", tag}, files...)
	args = append(args, "--repo", h.Repo, "--clobber")
	if _, err := h.Runner.Run(ctx, tools.Invocation{Binary: h.GhPath, Args: args}); err != nil {
		return fmt.Errorf("gh release upload: %w", err)
	}
	return nil
}
