package iface

import (
	"fmt"
	"strings"

	buserr "github.com/vinayprograms/peerbus/errors"
)

// MaxNameLength bounds interface, member and bus names.
const MaxNameLength = 255

// ValidateInterfaceName checks a reverse-domain interface name: at least
// two dot separated elements, each starting with a letter or underscore.
func ValidateInterfaceName(name string) error {
	if len(name) == 0 || len(name) > MaxNameLength {
		return invalidName("interface", name)
	}
	parts := strings.Split(name, ".")
	if len(parts) < 2 {
		return invalidName("interface", name)
	}
	for _, p := range parts {
		if !isIdentifier(p) {
			return invalidName("interface", name)
		}
	}
	return nil
}

// ValidateMemberName checks a method, signal or property name.
func ValidateMemberName(name string) error {
	if len(name) > MaxNameLength || !isIdentifier(name) {
		return invalidName("member", name)
	}
	return nil
}

// ValidateWellKnownName checks a well-known bus name. The rules match
// interface names except that elements may also contain '-' and start
// with a digit after the first element.
func ValidateWellKnownName(name string) error {
	if len(name) == 0 || len(name) > MaxNameLength || strings.HasPrefix(name, ":") {
		return invalidName("bus", name)
	}
	parts := strings.Split(name, ".")
	if len(parts) < 2 {
		return invalidName("bus", name)
	}
	for i, p := range parts {
		if p == "" {
			return invalidName("bus", name)
		}
		for j, r := range p {
			digit := r >= '0' && r <= '9'
			if i == 0 && j == 0 && digit {
				return invalidName("bus", name)
			}
			if !(digit || r == '_' || r == '-' || isLetter(r)) {
				return invalidName("bus", name)
			}
		}
	}
	return nil
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if r == '_' || isLetter(r) {
			continue
		}
		if i > 0 && r >= '0' && r <= '9' {
			continue
		}
		return false
	}
	return true
}

func isLetter(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

func invalidName(kind, name string) error {
	return buserr.New(buserr.ErrCodeInvalidName, fmt.Sprintf("invalid %s name %q", kind, name))
}
