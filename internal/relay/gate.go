// ABOUTME: Lexical read-only check for SQL handed to execute_sql in ask mode
// ABOUTME: Leading whitespace, comments, and parentheses are skipped before the keyword test

package relay

import (
	"strings"
	"unicode"
)

// IsReadOnlySQL reports whether stmt lexically starts with SELECT and holds a
// single statement. A trailing semicolon is allowed.
func IsReadOnlySQL(stmt string) bool {
	s := skipNoise(stmt, true)
	if len(s) < len("select") || !strings.EqualFold(s[:len("select")], "select") {
		return false
	}
	rest := s[len("select"):]
	if rest != "" && isIdentRune(firstRune(rest)) {
		return false
	}
	return !hasSecondStatement(rest)
}

// skipNoise drops leading whitespace and comments, and opening parentheses
// when parens is true.
func skipNoise(s string, parens bool) string {
	for {
		s = strings.TrimLeftFunc(s, unicode.IsSpace)
		switch {
		case strings.HasPrefix(s, "--"):
			i := strings.IndexByte(s, '\n')
			if i < 0 {
				return ""
			}
			s = s[i+1:]
		case strings.HasPrefix(s, "/*"):
			i := strings.Index(s[2:], "*/")
			if i < 0 {
				return ""
			}
			s = s[i+4:]
		case parens && strings.HasPrefix(s, "("):
			s = s[1:]
		default:
			return s
		}
	}
}

// hasSecondStatement reports whether a semicolon outside quotes and comments
// is followed by anything other than whitespace or comments.
func hasSecondStatement(s string) bool {
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"' || c == '`':
			quote = c
		case strings.HasPrefix(s[i:], "--"):
			end := strings.IndexByte(s[i:], '\n')
			if end < 0 {
				return false
			}
			i += end
		case strings.HasPrefix(s[i:], "/*"):
			end := strings.Index(s[i+2:], "*/")
			if end < 0 {
				return false
			}
			i += end + 3
		case c == ';':
			return skipNoise(strings.TrimLeft(s[i:], ";"), false) != ""
		}
	}
	return false
}

func firstRune(s string) rune {
	for _, r := range s {
		return r
	}
	return 0
}

func isIdentRune(r rune) bool {
	return r == '_' || r == '$' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
