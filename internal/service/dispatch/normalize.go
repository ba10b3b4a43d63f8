package dispatch

import "strings"

// Normalize reduces a raw recipient string to its canonical digit-only form.
// Idempotent: normalizing an already-normalized value is a no-op.
func Normalize(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizeAll normalizes every entry in order, dropping entries that contain
// no digits at all. Duplicates are preserved.
func NormalizeAll(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		if n := Normalize(r); n != "" {
			out = append(out, n)
		}
	}
	return out
}
