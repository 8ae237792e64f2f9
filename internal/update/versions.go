package update

import "strings"

// CompareVersions returns -1, 0 or 1 as a is older than, equal to or newer
// than b. Versions are dot separated; a component that is not all digits
// counts as 0 and missing components are 0. A leading "v" is ignored.
// Components of any length compare numerically.
func CompareVersions(a, b string) int {
	parts1 := splitVersion(a)
	parts2 := splitVersion(b)

	maxLen := len(parts1)
	if len(parts2) > maxLen {
		maxLen = len(parts2)
	}

	for i := 0; i < maxLen; i++ {
		n1, n2 := "0", "0"
		if i < len(parts1) {
			n1 = numericPart(parts1[i])
		}
		if i < len(parts2) {
			n2 = numericPart(parts2[i])
		}
		if c := compareDigits(n1, n2); c != 0 {
			return c
		}
	}
	return 0
}

func splitVersion(v string) []string {
	v = strings.TrimSpace(v)
	v = strings.TrimPrefix(strings.TrimPrefix(v, "v"), "V")
	if v == "" {
		return nil
	}
	return strings.Split(v, ".")
}

// numericPart returns s without leading zeros, or "0" when s is not a
// plain decimal number.
func numericPart(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "0"
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return "0"
		}
	}
	s = strings.TrimLeft(s, "0")
	if s == "" {
		return "0"
	}
	return s
}

// compareDigits orders two normalized digit strings numerically.
func compareDigits(a, b string) int {
	switch {
	case len(a) != len(b):
		if len(a) < len(b) {
			return -1
		}
		return 1
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
