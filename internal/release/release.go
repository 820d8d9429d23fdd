// Package release publishes packaged assets to a GitHub release, reusing or
// recreating the release as requested and keeping uploads idempotent.
package release

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	// ErrPublish is wrapped by every publish failure.
	ErrPublish = errors.New("publish failed")
	// ErrTagConflict reports a tag that already exists but points at a
	// different commit than the one being released.
	ErrTagConflict = errors.New("tag conflict")
)

// Host abstracts the release side of the forge. Upload must overwrite
// same-named assets so re-running a publish converges instead of failing.
type Host interface {
	ReleaseExists(ctx context.Context, tag string) (bool, string, error)
	CreateRelease(ctx context.Context, tag string, opts CreateOptions) (string, error)
	DeleteRelease(ctx context.Context, tag string) error
	Upload(ctx context.Context, tag string, files []string) error
	ListAssets(ctx context.Context, tag string) ([]string, error)
}

// CreateOptions shape a newly created release.
type CreateOptions struct {
	Title      string
	Notes      string
	Draft      bool
	Prerelease bool
}

// Options control one publish run.
type Options struct {
	CreateOptions
	// Force deletes an existing release for the tag and recreates it.
	Force bool
	// PushTag creates and pushes the git tag before publishing.
	PushTag bool
}

// Record summarizes what a publish run did.
type Record struct {
	Tag      string
	URL      string
	Created  bool // false when an existing release was reused
	Uploaded []string
}

// Publisher drives a Host and, optionally, a Tagger.
type Publisher struct {
	Host   Host
	Tagger *Tagger // nil disables tag management
	Log    *zap.Logger
}

// Publish ensures a release exists for tag and uploads files to it. Running
// it twice with the same inputs yields the same release; uploads clobber.
func (p *Publisher) Publish(ctx context.Context, tag string, files []string, opts Options) (Record, error) {
	if len(files) == 0 {
		return Record{}, fmt.Errorf("%w: no assets to upload", ErrPublish)
	}

	if opts.PushTag {
		if p.Tagger == nil {
			return Record{}, fmt.Errorf("%w: tag push requested but no tagger configured", ErrPublish)
		}
		if err := p.Tagger.Ensure(ctx, tag); err != nil {
			return Record{}, err
		}
	}

	rec := Record{Tag: tag}

	exists, url, err := p.Host.ReleaseExists(ctx, tag)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrPublish, err)
	}

	switch {
	case exists && opts.Force:
		p.Log.Info("recreating release", zap.String("tag", tag))
		if err := p.Host.DeleteRelease(ctx, tag); err != nil {
			return Record{}, fmt.Errorf("%w: delete: %v", ErrPublish, err)
		}
		exists = false
	case exists:
		p.Log.Info("reusing existing release", zap.String("tag", tag), zap.String("url", url))
		rec.URL = url
	}

	if !exists {
		url, err := p.Host.CreateRelease(ctx, tag, opts.CreateOptions)
		if err != nil {
			return Record{}, fmt.Errorf("%w: create: %v", ErrPublish, err)
		}
		rec.Created = true
		rec.URL = url
	}

	if err := p.Host.Upload(ctx, tag, files); err != nil {
		return Record{}, fmt.Errorf("%w: upload: %v", ErrPublish, err)
	}
	rec.Uploaded = files

	// Clobbering uploads must converge to one asset per filename. A
	// duplicate after upload means the release diverged underneath us.
	names, err := p.Host.ListAssets(ctx, tag)
	if err != nil {
		return Record{}, fmt.Errorf("%w: list assets: %v", ErrPublish, err)
	}
	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		if _, dup := seen[n]; dup {
			return Record{}, fmt.Errorf("%w: duplicate asset %s on %s", ErrTagConflict, n, tag)
		}
		seen[n] = struct{}{}
	}

	p.Log.Info("release published",
		zap.String("tag", tag),
		zap.String("url", rec.URL),
		zap.Bool("created", rec.Created),
		zap.Int("assets", len(files)))
	return rec, nil
}
