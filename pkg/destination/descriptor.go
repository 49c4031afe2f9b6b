// Package destination resolves upload destinations and validates their
// settings.
//
// Each destination lives in its own directory under a registry root and is
// described by a destination.yaml document:
//
//	display_name: Example object store
//	target_types: [disk-image, archive]
//	runner: upload.sh
//	settings:
//	  region:
//	    type: string
//	    default: us-east-1
//	    pattern: "[a-z]{2}-[a-z]+-[0-9]"
//	  public:
//	    type: boolean
//	    default: false
//
// The runner path is resolved relative to the destination directory. Adding a
// destination needs only a new directory; validation is driven entirely by
// the declared settings schema.
package destination

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// DescriptorFile is the descriptor document name inside a destination directory.
const DescriptorFile = "destination.yaml"

// SettingType is the declared type of a setting value.
type SettingType string

const (
	SettingString  SettingType = "string"
	SettingBoolean SettingType = "boolean"
)

// SettingSpec declares one setting key.
type SettingSpec struct {
	Type        SettingType `json:"type" yaml:"type"`
	Default     any         `json:"default,omitempty" yaml:"default,omitempty"`
	Placeholder string      `json:"placeholder,omitempty" yaml:"placeholder,omitempty"`
	Pattern     string      `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`

	// Secret marks values that must not be echoed by front ends.
	Secret bool `json:"secret,omitempty" yaml:"secret,omitempty"`

	pattern *regexp.Regexp
}

// Descriptor is the read-only description of one destination.
type Descriptor struct {
	// Name is the directory name; it is not part of the document.
	Name string `json:"name" yaml:"-"`

	DisplayName string                 `json:"display_name" yaml:"display_name"`
	Description string                 `json:"description,omitempty" yaml:"description,omitempty"`
	TargetTypes []string               `json:"target_types,omitempty" yaml:"target_types,omitempty"`
	Runner      string                 `json:"runner" yaml:"runner"`
	Settings    map[string]SettingSpec `json:"settings,omitempty" yaml:"settings,omitempty"`

	// Dir is the absolute destination directory.
	Dir string `json:"-" yaml:"-"`
}

// compile prepares patterns and checks declared defaults against their own spec.
func (d *Descriptor) compile() error {
	for key, spec := range d.Settings {
		if spec.Pattern != "" {
			if spec.Type != SettingString {
				return fmt.Errorf("setting %q: pattern is only allowed on string settings", key)
			}
			// Patterns must match the whole value.
			re, err := regexp.Compile("^(?:" + spec.Pattern + ")$")
			if err != nil {
				return fmt.Errorf("setting %q: invalid pattern: %w", key, err)
			}
			spec.pattern = re
		}
		if spec.Default != nil {
			if err := spec.check(key, spec.Default); err != nil {
				return fmt.Errorf("setting %q: invalid default: %w", key, err)
			}
		}
		d.Settings[key] = spec
	}
	return nil
}

// Keys returns the declared setting keys in sorted order.
func (d *Descriptor) Keys() []string {
	keys := make([]string, 0, len(d.Settings))
	for k := range d.Settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Defaults returns the declared defaults.
func (d *Descriptor) Defaults() map[string]any {
	out := make(map[string]any)
	for k, spec := range d.Settings {
		if spec.Default != nil {
			out[k] = spec.Default
		}
	}
	return out
}

// ParseSetting converts a raw command-line value to the declared type.
func (d *Descriptor) ParseSetting(key, raw string) (any, error) {
	spec, ok := d.Settings[key]
	if !ok {
		return nil, ValidationError{Field: key, Message: "unknown setting"}
	}
	switch spec.Type {
	case SettingBoolean:
		b, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return nil, ValidationError{Field: key, Message: fmt.Sprintf("expected boolean, got %q", raw)}
		}
		return b, nil
	default:
		return raw, nil
	}
}

// ValidateSettings checks every key against the declared schema and collects
// all failures.
func (d *Descriptor) ValidateSettings(settings map[string]any) error {
	var errs ValidationErrors
	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		spec, ok := d.Settings[key]
		if !ok {
			errs = append(errs, ValidationError{Field: key, Message: fmt.Sprintf("unknown setting for destination %s", d.Name)})
			continue
		}
		if err := spec.check(key, settings[key]); err != nil {
			errs = append(errs, ValidationError{Field: key, Message: err.Error()})
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

func (s SettingSpec) check(key string, value any) error {
	switch s.Type {
	case SettingString:
		str, ok := value.(string)
		if !ok {
			return fmt.Errorf("expected string, got %s", describeType(value))
		}
		if s.pattern != nil && !s.pattern.MatchString(str) {
			return fmt.Errorf("value does not match pattern %q", s.Pattern)
		}
	case SettingBoolean:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("expected boolean, got %s", describeType(value))
		}
	default:
		return fmt.Errorf("setting %q has unsupported declared type %q", key, s.Type)
	}
	return nil
}

func describeType(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, json.Number:
		return "integer"
	case float32, float64:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}
