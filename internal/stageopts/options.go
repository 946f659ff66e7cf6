package stageopts

import (
	"slices"
	"strings"
)

// Option is one rendered key/value pair.
type Option struct {
	Key   string
	Value string
}

// Options is an ordered, immutable option set. Every method that changes it
// returns a copy.
type Options struct {
	entries []Option
}

// Get returns the value for key.
func (o Options) Get(key string) (string, bool) {
	for _, e := range o.entries {
		if e.Key == key {
			return e.Value, true
		}
	}
	return "", false
}

// Len returns the number of options.
func (o Options) Len() int {
	return len(o.entries)
}

// Entries returns a copy of the options in order.
func (o Options) Entries() []Option {
	return slices.Clone(o.entries)
}

// With returns a copy with key set to value. An existing key keeps its
// position; a new key is appended.
func (o Options) With(key, value string) Options {
	out := Options{entries: slices.Clone(o.entries)}
	for i := range out.entries {
		if out.entries[i].Key == key {
			out.entries[i].Value = value
			return out
		}
	}
	out.entries = append(out.entries, Option{Key: key, Value: value})
	return out
}

// Expand returns a copy with {name} placeholders in values replaced from vars.
func (o Options) Expand(vars map[string]string) Options {
	if len(vars) == 0 {
		return Options{entries: slices.Clone(o.entries)}
	}
	pairs := make([]string, 0, len(vars)*2)
	for name, value := range vars {
		pairs = append(pairs, "{"+name+"}", value)
	}
	replacer := strings.NewReplacer(pairs...)
	out := Options{entries: make([]Option, len(o.entries))}
	for i, e := range o.entries {
		out.entries[i] = Option{Key: e.Key, Value: replacer.Replace(e.Value)}
	}
	return out
}

// Args renders the options as prefix+key value pairs, for example
// "-Gpu 0" with prefix "-" or "--gid 0" with prefix "--".
func (o Options) Args(prefix string) []string {
	args := make([]string, 0, len(o.entries)*2)
	for _, e := range o.entries {
		args = append(args, prefix+e.Key, e.Value)
	}
	return args
}
