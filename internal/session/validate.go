package session

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrInvalidName is wrapped by every ValidateName failure.
var ErrInvalidName = errors.New("invalid session name")

const maxNameLen = 64

// Session names become directory names under BaseDir, so a leading '-' is
// rejected to keep them from parsing as flags in shell tooling.
var nameRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// ValidateName checks that name can be used as a session directory.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty", ErrInvalidName)
	case len(name) > maxNameLen:
		return fmt.Errorf("%w %q: longer than %d characters", ErrInvalidName, name, maxNameLen)
	case !nameRegexp.MatchString(name):
		return fmt.Errorf("%w %q: use lowercase letters, digits, '_' and '-'", ErrInvalidName, name)
	}
	return nil
}
