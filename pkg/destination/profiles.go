package destination

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

const (
	profileExt     = ".toml"
	profileDirMode = 0o700
	profileMode    = 0o600
)

var profileNameRe = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// LoadOptions controls how missing or unreadable profiles are handled.
type LoadOptions struct {
	// AllowMissing returns empty settings instead of ErrProfileNotFound.
	AllowMissing bool
}

type profileDocument struct {
	Destination string         `toml:"destination"`
	Settings    map[string]any `toml:"settings"`
}

// ProfileStore keeps named, validated settings maps per destination under
// <root>/<destination>/<profile>.toml.
type ProfileStore struct {
	root     string
	registry *Registry
}

func NewProfileStore(root string, registry *Registry) *ProfileStore {
	return &ProfileStore{root: strings.TrimSpace(root), registry: registry}
}

func (p *ProfileStore) RootDir() string {
	return p.root
}

// Save validates settings against the destination and overwrites the profile.
func (p *ProfileStore) Save(dest, profile string, settings map[string]any) error {
	if err := checkProfileName(profile); err != nil {
		return err
	}
	if settings == nil {
		settings = map[string]any{}
	}
	if p.registry != nil {
		if err := p.registry.Validate(dest, settings, nil); err != nil {
			return err
		}
	} else if err := checkName("destination", dest); err != nil {
		return err
	}

	dir := filepath.Join(p.root, dest)
	if err := os.MkdirAll(dir, profileDirMode); err != nil {
		return fmt.Errorf("create profile dir: %w", err)
	}
	_ = os.Chmod(dir, profileDirMode)

	data, err := toml.Marshal(profileDocument{Destination: dest, Settings: settings})
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+profile+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp profile: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if err := tmp.Chmod(profileMode); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("chmod temp profile: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp profile: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp profile: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp profile: %w", err)
	}
	if err := os.Rename(tmpName, p.path(dest, profile)); err != nil {
		cleanup()
		return fmt.Errorf("rename profile: %w", err)
	}
	return nil
}

// Load reads a profile. Missing or corrupt files yield ErrProfileNotFound
// unless opts.AllowMissing is set, in which case an empty map is returned.
func (p *ProfileStore) Load(dest, profile string, opts LoadOptions) (map[string]any, error) {
	settings, err := p.load(dest, profile)
	if err != nil {
		if opts.AllowMissing {
			return map[string]any{}, nil
		}
		return nil, err
	}
	return settings, nil
}

func (p *ProfileStore) load(dest, profile string) (map[string]any, error) {
	if err := checkName("destination", dest); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProfileNotFound, err)
	}
	if err := checkProfileName(profile); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProfileNotFound, err)
	}

	data, err := os.ReadFile(p.path(dest, profile))
	if err != nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrProfileNotFound, dest, profile)
	}
	var doc profileDocument
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s/%s: %v", ErrProfileNotFound, dest, profile, err)
	}
	if doc.Settings == nil {
		doc.Settings = map[string]any{}
	}
	return doc.Settings, nil
}

// Merge layers overrides on top of a saved profile. An empty profile name
// skips the lookup; a named profile must exist.
func (p *ProfileStore) Merge(dest, profile string, overrides map[string]any) (map[string]any, error) {
	merged := map[string]any{}
	if profile != "" {
		base, err := p.Load(dest, profile, LoadOptions{})
		if err != nil {
			return nil, err
		}
		for k, v := range base {
			merged[k] = v
		}
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged, nil
}

// List returns the profile names saved for a destination, sorted.
func (p *ProfileStore) List(dest string) ([]string, error) {
	if err := checkName("destination", dest); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(p.root, dest))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read profile dir: %w", err)
	}

	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, profileExt) {
			continue
		}
		names = append(names, strings.TrimSuffix(name, profileExt))
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes a profile. Missing profiles yield ErrProfileNotFound.
func (p *ProfileStore) Delete(dest, profile string) error {
	if err := checkName("destination", dest); err != nil {
		return err
	}
	if err := checkProfileName(profile); err != nil {
		return err
	}
	if err := os.Remove(p.path(dest, profile)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s/%s", ErrProfileNotFound, dest, profile)
		}
		return fmt.Errorf("delete profile: %w", err)
	}
	return nil
}

func (p *ProfileStore) path(dest, profile string) string {
	return filepath.Join(p.root, dest, profile+profileExt)
}

func checkProfileName(name string) error {
	if !profileNameRe.MatchString(name) || strings.HasPrefix(name, ".") {
		return ValidationError{Field: "profile", Message: fmt.Sprintf("invalid profile name %q (allowed: A-Z a-z 0-9 . _ -)", name)}
	}
	return nil
}
