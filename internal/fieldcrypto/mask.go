package fieldcrypto

import (
	"strings"
	"unicode/utf8"
)

type Masker func(field, value string) string

// DefaultMasker keeps the last four digits of phone fields and the first and
// last character of anything else.
func DefaultMasker(field, value string) string {
	if value == "" {
		return ""
	}
	if field == FieldTo || field == FieldFrom {
		if phone := NormalizePhone(value); phone != "" {
			return maskPhone(phone)
		}
	}
	n := utf8.RuneCountInString(value)
	if n <= 2 {
		return strings.Repeat("*", n)
	}
	first, _ := utf8.DecodeRuneInString(value)
	last, _ := utf8.DecodeLastRuneInString(value)
	return string(first) + strings.Repeat("*", n-2) + string(last)
}

func maskPhone(phone string) string {
	prefix := ""
	if strings.HasPrefix(phone, "+") {
		prefix = "+"
		phone = phone[1:]
	}
	if len(phone) <= 4 {
		return prefix + strings.Repeat("*", len(phone))
	}
	return prefix + strings.Repeat("*", len(phone)-4) + phone[len(phone)-4:]
}

// maskTree masks every string leaf of a decoded JSON value.
func maskTree(mask Masker, path string, v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[k] = maskTree(mask, path+"."+k, child)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = maskTree(mask, path, child)
		}
		return out
	case string:
		return mask(path, t)
	default:
		return v
	}
}
