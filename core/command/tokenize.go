package command

import (
	"strings"
	"unicode"
)

// Tokenize splits s on whitespace. Single or double quotes group words into one
// token and a backslash escapes the next rune. An unterminated quote runs to the end
// of the input. Everything else, including $ and *, is kept literally.
func Tokenize(s string) []string {
	var (
		tokens  []string
		cur     strings.Builder
		inToken bool
		quote   rune
		escaped bool
	)
	flush := func() {
		if inToken {
			tokens = append(tokens, cur.String())
			cur.Reset()
			inToken = false
		}
	}

	for _, r := range s {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
			inToken = true
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '"' || r == '\'':
			quote = r
			inToken = true
		case unicode.IsSpace(r):
			flush()
		default:
			cur.WriteRune(r)
			inToken = true
		}
	}
	if escaped {
		cur.WriteRune('\\')
	}
	flush()
	return tokens
}
