package region

import (
	"strings"

	"github.com/meridian/backend/internal/domain/shared"
)

// Code identifies a geographic region, e.g. "eu-west-1" or "us-east-1".
// The set of valid codes is deployment configuration, not domain knowledge,
// so the domain only validates shape.
type Code string

// String returns the string representation of the region code
func (c Code) String() string {
	return string(c)
}

// IsZero returns true if no region is set
func (c Code) IsZero() bool {
	return c == ""
}

// Validate checks that the code is a plausible region identifier
func (c Code) Validate() error {
	s := string(c)
	if s == "" {
		return shared.NewDomainError("INVALID_REGION", "Region code cannot be empty")
	}
	if len(s) > 32 {
		return shared.NewDomainError("INVALID_REGION", "Region code cannot exceed 32 characters")
	}
	for _, r := range s {
		if !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-') {
			return shared.NewDomainError("INVALID_REGION", "Region code can only contain lowercase letters, digits, and hyphens")
		}
	}
	return nil
}

// ParseCode parses and validates a region code
func ParseCode(s string) (Code, error) {
	c := Code(strings.ToLower(strings.TrimSpace(s)))
	if err := c.Validate(); err != nil {
		return "", err
	}
	return c, nil
}

// CodeList is a set of region codes
type CodeList []Code

// Contains returns true if the list includes the given code
func (l CodeList) Contains(c Code) bool {
	for _, r := range l {
		if r == c {
			return true
		}
	}
	return false
}

// Strings returns the codes as plain strings
func (l CodeList) Strings() []string {
	out := make([]string, len(l))
	for i, c := range l {
		out[i] = string(c)
	}
	return out
}

// CodesFromStrings converts raw strings into a CodeList, validating each
func CodesFromStrings(raw []string) (CodeList, error) {
	out := make(CodeList, 0, len(raw))
	for _, s := range raw {
		c, err := ParseCode(s)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
