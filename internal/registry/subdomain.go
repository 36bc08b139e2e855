package registry

import "strings"

// reservedSubdomains may never be registered by a client.
var reservedSubdomains = map[string]struct{}{
	"www":    {},
	"api":    {},
	"admin":  {},
	"app":    {},
	"auth":   {},
	"static": {},
	"assets": {},
	"cdn":    {},
	"mail":   {},
	"root":   {},
}

// ValidateSubdomain checks a client-requested subdomain against the naming
// rules: ASCII, 3-63 chars, [a-z0-9-], not starting/ending with '-', and not
// a reserved name.
func ValidateSubdomain(s string) bool {
	if len(s) < 3 || len(s) > 63 {
		return false
	}
	if s[0] == '-' || s[len(s)-1] == '-' {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= 'a' && c <= 'z') && !(c >= '0' && c <= '9') && c != '-' {
			return false
		}
	}
	if _, reserved := reservedSubdomains[strings.ToLower(s)]; reserved {
		return false
	}
	return true
}
