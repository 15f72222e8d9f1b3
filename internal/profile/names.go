package profile

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/IGLOU-EU/go-wildcard/v2"

	serrors "github.com/DDDHLA/cursor-switcher/internal/errors"
)

// MaxNameLength bounds profile names so they stay usable as file names by
// the legacy archive layout.
const MaxNameLength = 128

// ValidateName checks that name can identify a profile.
func ValidateName(name string) error {
	invalid := func(format string, args ...any) error {
		return serrors.Newf(serrors.KindInvalidName, "validate name", name, format, args...)
	}

	if name == "" || strings.TrimSpace(name) == "" {
		return invalid("profile name must not be empty")
	}
	if name == "." || name == ".." {
		return invalid("profile name must not be %q", name)
	}
	if strings.ContainsAny(name, `/\`) {
		return invalid("profile name must not contain path separators")
	}
	if len(name) > MaxNameLength {
		return invalid("profile name is longer than %d bytes", MaxNameLength)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return invalid("profile name contains control character %U", r)
		}
	}
	return nil
}

func quoteNames(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = fmt.Sprintf("%q", n)
	}
	return strings.Join(quoted, ", ")
}

// MatchNames returns the names matching any of the wildcard patterns
// (* and ?), in the order of names.
func MatchNames(names, patterns []string) []string {
	var matched []string
	for _, n := range names {
		for _, pattern := range patterns {
			if wildcard.Match(pattern, n) {
				matched = append(matched, n)
				break
			}
		}
	}
	return matched
}

func appendUnique(names []string, more ...string) []string {
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		seen[n] = true
	}
	for _, n := range more {
		if !seen[n] {
			seen[n] = true
			names = append(names, n)
		}
	}
	return names
}
