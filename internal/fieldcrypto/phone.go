package fieldcrypto

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizePhone folds compatibility characters (fullwidth digits and plus
// signs), strips everything that is not a digit and keeps a leading '+'.
// "010-1234-5678", "010 1234 5678" and "01012345678" all normalize to
// "01012345678".
func NormalizePhone(value string) string {
	value = strings.TrimSpace(norm.NFKC.String(value))
	var b strings.Builder
	b.Grow(len(value))
	if strings.HasPrefix(value, "+") {
		b.WriteByte('+')
	}
	for _, r := range value {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	out := b.String()
	if out == "+" {
		return ""
	}
	return out
}

// lookupValue is the canonical form hashed for a field. Phone fields use the
// normalized number; values with no digits at all hash their trimmed form.
func lookupValue(field, value string) string {
	if field == FieldTo || field == FieldFrom {
		if normalized := NormalizePhone(value); normalized != "" {
			return normalized
		}
	}
	return strings.TrimSpace(value)
}
