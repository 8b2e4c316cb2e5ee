package sqlutil

import (
	"strconv"
	"strings"
)

func QuoteIdentifier(name, quote string) string {
	return quote + escapeIdentifier(name, quote) + quote
}

func escapeIdentifier(name, quote string) string {
	if name == "" {
		return ""
	}
	escapedQuote := quote + quote
	return strings.ReplaceAll(name, quote, escapedQuote)
}

// Rebind rewrites '?' placeholders to PostgreSQL's $1, $2, ... form.
// Question marks inside single-quoted literals are left alone.
func Rebind(query string) string {
	var (
		b       strings.Builder
		n       int
		literal bool
	)
	b.Grow(len(query) + 8)
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			literal = !literal
			b.WriteByte(c)
		case c == '?' && !literal:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
