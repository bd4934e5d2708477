package phone

import "strings"

// Normalize converts raw provider phone strings into a canonical E.164-ish
// form so identity comparisons behave the same on both sides of every lookup.
//
// Rules:
// - strip everything except digits and '+'
// - 10 digits -> assume US/CA, prefix "+1"
// - 11 digits starting with '1' -> prefix "+"
// - anything else -> prefix "+" if missing
//
// Normalize is idempotent: Normalize(Normalize(x)) == Normalize(x).
func Normalize(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if (r >= '0' && r <= '9') || r == '+' {
			b.WriteRune(r)
		}
	}
	s := b.String()
	if s == "" {
		return ""
	}

	digits := strings.TrimPrefix(s, "+")
	switch {
	case len(digits) == 10:
		return "+1" + digits
	case len(digits) == 11 && strings.HasPrefix(digits, "1"):
		return "+" + digits
	default:
		return "+" + digits
	}
}

// Same reports whether two raw phone strings refer to the same number.
func Same(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return Normalize(a) == Normalize(b)
}
