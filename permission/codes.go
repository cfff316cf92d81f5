package permission

import (
	"fmt"
	"regexp"
)

// Wildcard granted through a role or an override resolves to All.
const Wildcard = "*"

var codePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*:[a-z][a-z0-9_.-]*$`)

// ValidateCode accepts resource:action codes and the wildcard.
func ValidateCode(code string) error {
	if code == Wildcard || codePattern.MatchString(code) {
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidCode, code)
}

func validateCodes(codes []string) error {
	for _, c := range codes {
		if err := ValidateCode(c); err != nil {
			return err
		}
	}
	return nil
}
