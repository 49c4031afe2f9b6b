// Package artifact resolves artifact references handed to the queue.
//
// A reference is either an absolute local path (optionally file://) or an
// s3://bucket/key URI. The Locator checks that a reference exists when a job
// is marked ready and stages remote artifacts into a local directory before a
// runner is invoked, so runners always receive a local path.
package artifact

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/3leaps/pushq/pkg/provider"
	"github.com/3leaps/pushq/pkg/provider/file"
	"github.com/3leaps/pushq/pkg/provider/s3"
)

const stagedDirMode = 0o700

// Ref is a parsed artifact reference.
type Ref struct {
	Scheme provider.ProviderType

	// Path is the absolute local path for file references.
	Path string

	Bucket string
	Key    string
}

func (r Ref) String() string {
	if r.Scheme == provider.ProviderS3 {
		return "s3://" + r.Bucket + "/" + r.Key
	}
	return r.Path
}

// Parse interprets a reference string.
func Parse(ref string) (Ref, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Ref{}, fmt.Errorf("artifact reference is empty")
	}

	switch {
	case strings.HasPrefix(ref, "s3://"):
		u, err := url.Parse(ref)
		if err != nil {
			return Ref{}, fmt.Errorf("invalid s3 uri %q: %w", ref, err)
		}
		key := strings.TrimPrefix(u.Path, "/")
		if u.Host == "" || key == "" || strings.HasSuffix(key, "/") {
			return Ref{}, fmt.Errorf("invalid s3 uri %q: expected s3://bucket/key", ref)
		}
		return Ref{Scheme: provider.ProviderS3, Bucket: u.Host, Key: key}, nil
	case strings.HasPrefix(ref, "file://"):
		ref = strings.TrimPrefix(ref, "file://")
	case strings.Contains(ref, "://"):
		return Ref{}, fmt.Errorf("unsupported artifact scheme in %q", ref)
	}

	if !filepath.IsAbs(ref) {
		return Ref{}, fmt.Errorf("artifact path must be absolute: %q", ref)
	}
	return Ref{Scheme: provider.ProviderFile, Path: filepath.Clean(ref)}, nil
}

// S3Options configures access to s3:// artifacts. Credentials come from the
// SDK default chain.
type S3Options struct {
	Region         string
	Endpoint       string
	Profile        string
	ForcePathStyle bool
}

// Locator checks and stages artifact references. It is safe for concurrent
// use; S3 providers are created per bucket on first use.
type Locator struct {
	opts   S3Options
	logger *zap.Logger

	local provider.Provider
	newS3 func(ctx context.Context, cfg s3.Config) (provider.Provider, error)

	mu      sync.Mutex
	buckets map[string]provider.Provider
}

func NewLocator(opts S3Options, logger *zap.Logger) (*Locator, error) {
	local, err := file.New(file.Config{BaseDir: string(filepath.Separator)})
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Locator{
		opts:   opts,
		logger: logger,
		local:  local,
		newS3: func(ctx context.Context, cfg s3.Config) (provider.Provider, error) {
			return s3.New(ctx, cfg)
		},
		buckets: make(map[string]provider.Provider),
	}, nil
}

// Check verifies that the referenced artifact exists and is readable.
func (l *Locator) Check(ctx context.Context, ref string) error {
	r, err := Parse(ref)
	if err != nil {
		return err
	}
	p, key, err := l.providerFor(ctx, r)
	if err != nil {
		return err
	}
	if _, err := p.Head(ctx, key); err != nil {
		return err
	}
	return nil
}

// Stage makes the artifact available as a local file. Local references are
// returned unchanged. Remote ones are downloaded into dir, which cleanup
// removes.
func (l *Locator) Stage(ctx context.Context, ref, dir string) (string, func(), error) {
	r, err := Parse(ref)
	if err != nil {
		return "", nil, err
	}
	if r.Scheme == provider.ProviderFile {
		if _, err := l.local.Head(ctx, r.Path); err != nil {
			return "", nil, err
		}
		return r.Path, func() {}, nil
	}

	p, key, err := l.providerFor(ctx, r)
	if err != nil {
		return "", nil, err
	}

	if err := os.MkdirAll(dir, stagedDirMode); err != nil {
		return "", nil, fmt.Errorf("create staging dir: %w", err)
	}
	cleanup := func() {
		if err := os.RemoveAll(dir); err != nil {
			l.logger.Warn("Failed to remove staging dir", zap.String("dir", dir), zap.Error(err))
		}
	}

	dest := filepath.Join(dir, path.Base(key))
	if err := download(ctx, p, key, dest); err != nil {
		cleanup()
		return "", nil, err
	}
	l.logger.Debug("Staged artifact", zap.String("ref", r.String()), zap.String("path", dest))
	return dest, cleanup, nil
}

// Close releases cached providers.
func (l *Locator) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for name, p := range l.buckets {
		_ = p.Close()
		delete(l.buckets, name)
	}
	return l.local.Close()
}

func (l *Locator) providerFor(ctx context.Context, r Ref) (provider.Provider, string, error) {
	if r.Scheme == provider.ProviderFile {
		return l.local, r.Path, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if p, ok := l.buckets[r.Bucket]; ok {
		return p, r.Key, nil
	}
	p, err := l.newS3(ctx, s3.Config{
		Bucket:         r.Bucket,
		Region:         l.opts.Region,
		Endpoint:       l.opts.Endpoint,
		Profile:        l.opts.Profile,
		ForcePathStyle: l.opts.ForcePathStyle,
	})
	if err != nil {
		return nil, "", err
	}
	l.buckets[r.Bucket] = p
	return p, r.Key, nil
}

func download(ctx context.Context, p provider.Provider, key, dest string) error {
	body, _, err := p.GetObject(ctx, key)
	if err != nil {
		return err
	}
	defer func() { _ = body.Close() }()

	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create staged artifact: %w", err)
	}
	if _, err := io.Copy(f, body); err != nil {
		_ = f.Close()
		return fmt.Errorf("download artifact: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close staged artifact: %w", err)
	}
	return nil
}
