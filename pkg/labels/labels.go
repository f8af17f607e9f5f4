// Package labels decides which discovered endpoints a provider considers,
// based on the endpoint's key/value labels.
package labels

import (
	"fmt"
	"sort"
	"strings"
)

const logPrefix = "labels:labels"

// Matcher is a predicate over endpoint labels.
type Matcher interface {
	IsSatisfy(labels map[string]string) bool
}

// Mode is the polarity of a Condition.
type Mode int

const (
	ModeInclude Mode = iota + 1
	ModeExclude
)

func (m Mode) String() string {
	if m == ModeExclude {
		return "exclude"
	}
	return "include"
}

// Condition matches label keys against allowed (or forbidden) values.
//
// Include: every key must be present and hold one of its values; an empty
// value list only requires presence.
// Exclude: no key may be present with one of its values; an empty value
// list forbids the key altogether. Absent keys always pass.
type Condition struct {
	Mode   Mode
	Values map[string][]string
}

// Include builds an include condition.
func Include(values map[string][]string) Condition {
	return Condition{Mode: ModeInclude, Values: values}
}

// Exclude builds an exclude condition.
func Exclude(values map[string][]string) Condition {
	return Condition{Mode: ModeExclude, Values: values}
}

// IsSatisfy implements Matcher.
func (c Condition) IsSatisfy(labels map[string]string) bool {
	for key, allowed := range c.Values {
		v, present := labels[key]
		hit := present && (len(allowed) == 0 || contains(allowed, v))
		switch c.Mode {
		case ModeExclude:
			if hit {
				return false
			}
		default:
			if !hit {
				return false
			}
		}
	}
	return true
}

func contains(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

// Filter is the conjunction of its matchers. The empty Filter accepts
// everything.
type Filter []Matcher

// IsSatisfy implements Matcher.
func (f Filter) IsSatisfy(labels map[string]string) bool {
	for _, m := range f {
		if m != nil && !m.IsSatisfy(labels) {
			return false
		}
	}
	return true
}

// Parse reads "k:v,k2:v2" into a label map. Whitespace around keys and
// values is ignored; an empty string yields an empty map.
func Parse(s string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, ":")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("%s - invalid label %q, want key:value", logPrefix, pair)
		}
		out[k] = strings.TrimSpace(v)
	}
	return out, nil
}

// Format is the inverse of Parse with keys in sorted order.
func Format(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+":"+labels[k])
	}
	return strings.Join(parts, ",")
}
