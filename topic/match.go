// Package topic indexes MQTT subscriptions for O(segments) lookup of the
// subscribers of a concrete topic name.
package topic

import (
	"strings"
	"unicode/utf8"
)

// Wildcard segments (MQTT 4.7.1).
const (
	single = "+" // exactly one non-empty level
	multi  = "#" // zero or more trailing levels, final segment only
)

// ValidateFilter reports whether filter is a well-formed topic filter:
// non-empty UTF-8, `#` only as the final segment, `+` only as a whole
// segment.
func ValidateFilter(filter string) error {
	if filter == "" || !utf8.ValidString(filter) {
		return ErrInvalidFilter
	}
	segments := strings.Split(filter, "/")
	for i, seg := range segments {
		if seg == multi && i != len(segments)-1 {
			return ErrInvalidFilter
		}
		if seg != multi && strings.Contains(seg, multi) {
			return ErrInvalidFilter
		}
		if seg != single && strings.Contains(seg, single) {
			return ErrInvalidFilter
		}
	}
	return nil
}

// ValidateName reports whether name is a publishable topic name: non-empty
// UTF-8 without wildcard characters [MQTT-3.3.2-2].
func ValidateName(name string) error {
	if name == "" || !utf8.ValidString(name) || strings.ContainsAny(name, "+#") {
		return ErrInvalidName
	}
	return nil
}

// Match reports whether a concrete topic name satisfies a filter. Filters
// beginning with a wildcard never match topics beginning with '$'
// [MQTT-4.7.2-1].
func Match(filter, topic string) bool {
	if strings.HasPrefix(topic, "$") && (strings.HasPrefix(filter, single) || strings.HasPrefix(filter, multi)) {
		return false
	}

	f := strings.Split(filter, "/")
	t := strings.Split(topic, "/")
	for i, seg := range f {
		if seg == multi {
			// "a/#" also matches "a" itself (4.7.1.2).
			return true
		}
		if i >= len(t) {
			return false
		}
		if seg == single {
			if t[i] == "" {
				return false
			}
			continue
		}
		if seg != t[i] {
			return false
		}
	}
	return len(f) == len(t)
}
