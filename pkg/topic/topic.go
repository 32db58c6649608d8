// Package topic validates MQTT topic names and filters and matches one
// against the other. MQTT 3.1.1 Section 4.7.
package topic

import (
	"strings"

	"github.com/bromq-dev/mqttcore/pkg/packet"
)

const (
	// Separator is the topic level separator.
	Separator = '/'

	// MultiWildcard matches the parent level and any number of child levels.
	MultiWildcard = '#'

	// SingleWildcard matches exactly one level.
	SingleWildcard = '+'

	// SysPrefix starts server-internal topics such as $SYS/.
	SysPrefix = '$'
)

// ValidateName checks a topic name used in PUBLISH.
func ValidateName(name string) error {
	if err := validateCommon(name); err != nil {
		return err
	}
	if HasWildcard(name) {
		return ErrWildcardInName
	}
	return nil
}

// ValidateFilter checks a topic filter used in a subscription or ACL rule.
func ValidateFilter(filter string) error {
	if err := validateCommon(filter); err != nil {
		return err
	}

	rest := filter
	for {
		level, tail, more := strings.Cut(rest, string(Separator))
		if strings.IndexByte(level, MultiWildcard) >= 0 && (level != "#" || more) {
			return ErrInvalidMultiWildcard
		}
		if strings.IndexByte(level, SingleWildcard) >= 0 && level != "+" {
			return ErrInvalidSingleWildcard
		}
		if !more {
			return nil
		}
		rest = tail
	}
}

func validateCommon(s string) error {
	if s == "" {
		return ErrEmptyTopic
	}
	if len(s) > packet.MaxFieldLength {
		return ErrTopicTooLong
	}
	if strings.IndexByte(s, 0) >= 0 {
		return ErrNullCharacter
	}
	return nil
}

// Match reports whether name matches filter.
// Filters beginning with a wildcard never match names beginning with '$'.
func Match(filter, name string) bool {
	if filter == "" || name == "" {
		return false
	}
	if name[0] == SysPrefix && (filter[0] == MultiWildcard || filter[0] == SingleWildcard) {
		return false
	}

	for {
		f, fRest, fMore := strings.Cut(filter, string(Separator))
		if f == "#" {
			return true
		}
		n, nRest, nMore := strings.Cut(name, string(Separator))
		if f != "+" && f != n {
			return false
		}

		switch {
		case !fMore && !nMore:
			return true
		case !nMore:
			// "a/#" matches "a".
			return fRest == "#"
		case !fMore:
			return false
		}
		filter, name = fRest, nRest
	}
}

// HasWildcard reports whether s contains '+' or '#'.
func HasWildcard(s string) bool {
	return strings.ContainsAny(s, "+#")
}

// IsSysTopic reports whether name is a server-internal topic.
func IsSysTopic(name string) bool {
	return len(name) > 0 && name[0] == SysPrefix
}
