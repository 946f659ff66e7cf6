package stageopts

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"mpiapp/internal/services"
)

// Kind is the expected type of an option value.
type Kind int

const (
	String Kind = iota
	Int
	Float
	Bool
)

func (k Kind) String() string {
	switch k {
	case Int:
		return "int"
	case Float:
		return "float"
	case Bool:
		return "bool"
	default:
		return "string"
	}
}

// Field declares one option.
type Field struct {
	Name     string
	Kind     Kind
	Required bool
	// Default is used when the option is absent. nil means no default.
	Default any
	// Reserved fields are bound per attempt and rejected in configuration.
	Reserved bool
}

// Schema is the option contract of one stage.
type Schema struct {
	Stage  string
	Fields []Field
}

func (s Schema) field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Resolve validates configured options and extras, fills defaults, and
// returns them in schema order followed by extras sorted by key. overrides
// are applied before validation and win over configured values; stages use
// them to inject shared microscope parameters.
func (s Schema) Resolve(configured, extra, overrides map[string]any) (Options, error) {
	merged := make(map[string]any, len(configured)+len(overrides))
	for k, v := range configured {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}

	var unknown []string
	for key := range merged {
		f, ok := s.field(key)
		if !ok {
			unknown = append(unknown, key)
			continue
		}
		if f.Reserved {
			if _, fromOverride := overrides[key]; !fromOverride {
				return Options{}, s.errorf("option %q is reserved and bound per attempt", key)
			}
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return Options{}, s.errorf("unknown options %s (use the extra table for pass-through keys)", strings.Join(unknown, ", "))
	}

	var out Options
	for _, f := range s.Fields {
		raw, present := merged[f.Name]
		if !present {
			raw = f.Default
		}
		if raw == nil {
			if f.Required && !f.Reserved {
				return Options{}, s.errorf("option %q is required", f.Name)
			}
			continue
		}
		rendered, err := render(f.Kind, raw)
		if err != nil {
			return Options{}, s.errorf("option %q: %v", f.Name, err)
		}
		out.entries = append(out.entries, Option{Key: f.Name, Value: rendered})
	}

	extraKeys := make([]string, 0, len(extra))
	for key := range extra {
		extraKeys = append(extraKeys, key)
	}
	sort.Strings(extraKeys)
	for _, key := range extraKeys {
		if _, ok := s.field(key); ok {
			return Options{}, s.errorf("extra key %q shadows a schema option", key)
		}
		rendered, err := renderLoose(extra[key])
		if err != nil {
			return Options{}, s.errorf("extra %q: %v", key, err)
		}
		out.entries = append(out.entries, Option{Key: key, Value: rendered})
	}
	return out, nil
}

func (s Schema) errorf(format string, args ...any) error {
	return services.Wrap(services.ErrConfiguration, s.Stage, "options", fmt.Sprintf(format, args...), nil)
}

func render(kind Kind, raw any) (string, error) {
	switch kind {
	case Int:
		n, ok := asFloat(raw)
		if !ok || n != math.Trunc(n) {
			return "", fmt.Errorf("expected %s, got %T (%v)", kind, raw, raw)
		}
		return strconv.FormatInt(int64(n), 10), nil
	case Float:
		n, ok := asFloat(raw)
		if !ok {
			return "", fmt.Errorf("expected %s, got %T (%v)", kind, raw, raw)
		}
		return strconv.FormatFloat(n, 'f', -1, 64), nil
	case Bool:
		switch v := raw.(type) {
		case bool:
			if v {
				return "1", nil
			}
			return "0", nil
		default:
			n, ok := asFloat(raw)
			if !ok || (n != 0 && n != 1) {
				return "", fmt.Errorf("expected %s or 0/1, got %T (%v)", kind, raw, raw)
			}
			return strconv.Itoa(int(n)), nil
		}
	default:
		switch raw.(type) {
		case string, []any, []string:
			return renderLoose(raw)
		default:
			return "", fmt.Errorf("expected %s, got %T (%v)", kind, raw, raw)
		}
	}
}

// renderLoose renders pass-through values: lists become space-separated.
func renderLoose(raw any) (string, error) {
	switch v := raw.(type) {
	case string:
		return v, nil
	case bool:
		return render(Bool, v)
	case []string:
		return strings.Join(v, " "), nil
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			s, err := renderLoose(item)
			if err != nil {
				return "", err
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, " "), nil
	default:
		if n, ok := asFloat(raw); ok {
			return strconv.FormatFloat(n, 'f', -1, 64), nil
		}
		return "", fmt.Errorf("unsupported value type %T", raw)
	}
}

func asFloat(raw any) (float64, bool) {
	switch v := raw.(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float64:
		return v, true
	case float32:
		return float64(v), true
	default:
		return 0, false
	}
}

