// Package protocol implements the agent output parse grammar from spec §6:
// a sequence of `KEY: value` lines, where a value continues until the next
// line matching the key pattern. This is the explicit continuation rule
// spec §9's Open Questions asks implementers to pick.
package protocol

import (
	"regexp"
	"strings"
)

// keyLine matches the start of a new KEY: value line. ASCII uppercase and
// underscore only, per spec §6 ("Keys are case-sensitive ASCII identifiers").
var keyLine = regexp.MustCompile(`^([A-Z_]+):\s?(.*)$`)

// Parse splits raw agent output into an ordered list of key/value pairs.
// A value spans every line up to (but not including) the next line that
// matches the key pattern; trailing blank lines on a value are trimmed.
func Parse(raw string) []KV {
	lines := strings.Split(raw, "\n")
	var out []KV
	var cur *KV

	flush := func() {
		if cur != nil {
			cur.Value = strings.TrimRight(cur.Value, "\n")
			out = append(out, *cur)
			cur = nil
		}
	}

	for _, line := range lines {
		if m := keyLine.FindStringSubmatch(line); m != nil {
			flush()
			cur = &KV{Key: m[1], Value: m[2]}
			continue
		}
		if cur != nil {
			cur.Value += "\n" + line
		}
	}
	flush()
	return out
}

// KV is one parsed KEY: value pair, in declared order.
type KV struct {
	Key   string
	Value string
}

// ToMap collapses a KV list to a map, keeping the last occurrence of a
// repeated key (matching typical "last write wins" line-oriented parsers).
func ToMap(kvs []KV) map[string]string {
	m := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		m[kv.Key] = kv.Value
	}
	return m
}

// MissingRequired returns the subset of required keys absent, or present
// but empty, from values.
func MissingRequired(values map[string]string, required []string) []string {
	var missing []string
	for _, k := range required {
		v, ok := values[k]
		if !ok || strings.TrimSpace(v) == "" {
			missing = append(missing, k)
		}
	}
	return missing
}
