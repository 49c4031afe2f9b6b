package destination

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fulmenhq/gofulmen/schema"
	"gopkg.in/yaml.v3"

	schemasassets "github.com/3leaps/pushq/internal/assets/schemas"
)

// Cached validator instance (compiled once from embedded schema)
var (
	validatorOnce sync.Once
	validator     *schema.Validator
	validatorErr  error
)

// Registry discovers destinations under a root directory, one subdirectory
// per destination. Descriptors are read-only at runtime and cached after the
// first successful load.
type Registry struct {
	root string

	mu    sync.Mutex
	cache map[string]*Descriptor
}

func NewRegistry(root string) *Registry {
	return &Registry{root: strings.TrimSpace(root), cache: make(map[string]*Descriptor)}
}

func (r *Registry) RootDir() string {
	return r.root
}

// List returns the names of all directories that hold a descriptor, sorted.
func (r *Registry) List() ([]string, error) {
	if r.root == "" {
		return nil, fmt.Errorf("destinations root dir is empty")
	}
	entries, err := os.ReadDir(r.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read destinations root: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if _, err := os.Stat(filepath.Join(r.root, entry.Name(), DescriptorFile)); err != nil {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Resolve loads the named descriptor. Unknown names yield ErrNotFound.
func (r *Registry) Resolve(name string) (*Descriptor, error) {
	name = strings.TrimSpace(name)
	if err := checkName("destination", name); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.cache[name]; ok {
		return d, nil
	}

	dir := filepath.Join(r.root, name)
	data, err := os.ReadFile(filepath.Join(dir, DescriptorFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("read descriptor %s: %w", name, err)
	}

	d, err := parseDescriptor(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve destination dir: %w", err)
	}
	d.Name = name
	d.Dir = abs

	r.cache[name] = d
	return d, nil
}

// RunnerPath returns the absolute execution target of a destination.
func (r *Registry) RunnerPath(name string) (string, error) {
	d, err := r.Resolve(name)
	if err != nil {
		return "", err
	}
	runner := filepath.Clean(filepath.FromSlash(d.Runner))
	if filepath.IsAbs(runner) || runner == ".." || strings.HasPrefix(runner, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s: runner must be relative to the destination directory", ErrInvalidDescriptor, name)
	}
	return filepath.Join(d.Dir, runner), nil
}

// Defaults returns the declared setting defaults of a destination.
func (r *Registry) Defaults(name string) (map[string]any, error) {
	d, err := r.Resolve(name)
	if err != nil {
		return nil, err
	}
	return d.Defaults(), nil
}

// RedactedValue replaces secret setting values in Redact output.
const RedactedValue = "********"

// Redact returns a copy of settings with secret values masked. Unknown
// destinations are returned unmasked.
func (r *Registry) Redact(name string, settings map[string]any) map[string]any {
	out := make(map[string]any, len(settings))
	for k, v := range settings {
		out[k] = v
	}
	d, err := r.Resolve(name)
	if err != nil {
		return out
	}
	for key, spec := range d.Settings {
		if _, ok := out[key]; ok && spec.Secret {
			out[key] = RedactedValue
		}
	}
	return out
}

// Validate checks settings against the destination's schema. When
// artifactName is non-nil it must not be empty.
func (r *Registry) Validate(name string, settings map[string]any, artifactName *string) error {
	d, err := r.Resolve(name)
	if err != nil {
		return err
	}

	var errs ValidationErrors
	if artifactName != nil && strings.TrimSpace(*artifactName) == "" {
		errs = append(errs, ValidationError{Field: "artifact_name", Message: "artifact name must not be empty"})
	}
	if err := d.ValidateSettings(settings); err != nil {
		if ve, ok := err.(ValidationErrors); ok {
			errs = append(errs, ve...)
		} else {
			return err
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

func parseDescriptor(data []byte) (*Descriptor, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, fmt.Errorf("%w: descriptor is empty", ErrInvalidDescriptor)
	}

	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: invalid YAML: %v", ErrInvalidDescriptor, err)
	}
	jsonData, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: convert to JSON: %v", ErrInvalidDescriptor, err)
	}
	if err := validateRaw(jsonData); err != nil {
		return nil, err
	}

	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	if d.Settings == nil {
		d.Settings = map[string]SettingSpec{}
	}
	if err := d.compile(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	return &d, nil
}

// validateRaw checks descriptor JSON against the embedded schema.
func validateRaw(jsonData []byte) error {
	v, err := getValidator()
	if err != nil {
		return err
	}

	diags, err := v.ValidateJSON(jsonData)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	var msgs []string
	for _, d := range diags {
		// Only include errors, not warnings
		if d.Severity == schema.SeverityError {
			if d.Pointer != "" {
				msgs = append(msgs, d.Pointer+": "+d.Message)
			} else {
				msgs = append(msgs, d.Message)
			}
		}
	}
	if len(msgs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalidDescriptor, strings.Join(msgs, "; "))
}

func getValidator() (*schema.Validator, error) {
	validatorOnce.Do(func() {
		if len(schemasassets.DestinationDescriptorSchema) == 0 {
			validatorErr = fmt.Errorf("embedded destination-descriptor schema is empty")
			return
		}
		validator, validatorErr = schema.NewValidator(schemasassets.DestinationDescriptorSchema)
		if validatorErr != nil {
			validatorErr = fmt.Errorf("failed to compile descriptor schema: %w", validatorErr)
		}
	})
	return validator, validatorErr
}

func checkName(kind, name string) error {
	if name == "" {
		return fmt.Errorf("%s name is required", kind)
	}
	if strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("invalid %s name %q", kind, name)
	}
	return nil
}
