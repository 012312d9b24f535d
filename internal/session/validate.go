package session

import (
	"fmt"
	"regexp"
)

// Session names become directory names under ~/.converse/sessions, so
// they are restricted to characters that are safe in a path on every
// platform: lowercase letters, digits, underscore and hyphen.
var namePattern = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName rejects names that could not safely be used as a
// session directory.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("invalid session name %q: use 1-64 lowercase letters, digits, _ or -", name)
	}
	return nil
}
