package validator

import (
	"errors"
	"strings"
)

// lexOptions describes the quoting and comment syntax of a dialect
type lexOptions struct {
	hashComments     bool // MySQL: # to end of line
	slashComments    bool // MDX: // to end of line
	dollarQuotes     bool // PostgreSQL: $tag$ ... $tag$
	backticks        bool // MySQL identifiers
	brackets         bool // SQL Server, SQLite and MDX identifiers
	backslashEscapes bool // MySQL string escapes
	escapeStrings    bool // PostgreSQL: E'...' takes backslash escapes
	versionComments  bool // MySQL: /*! ... */ bodies are executed
}

var (
	errUnterminatedString  = errors.New("unterminated quoted string")
	errUnterminatedComment = errors.New("unterminated block comment")
	errNestedComment       = errors.New("nested executable comment")
)

// strip removes comments and blanks out the contents of string literals and
// quoted identifiers, so keyword scanning only sees statement structure.
// Comments become a single space; quoted text becomes an empty pair of its quotes.
func strip(q string, opts lexOptions) (string, error) {
	var b strings.Builder
	b.Grow(len(q))
	inVersion := false

	for i := 0; i < len(q); {
		c := q[i]
		var next byte
		if i+1 < len(q) {
			next = q[i+1]
		}

		switch {
		case c == '-' && next == '-',
			opts.slashComments && c == '/' && next == '/',
			opts.hashComments && c == '#':
			i = skipLine(q, i)
			b.WriteByte(' ')

		case inVersion && c == '*' && next == '/':
			inVersion = false
			i += 2
			b.WriteByte(' ')

		case opts.versionComments && c == '/' && next == '*' && isVersionComment(q[i+2:]):
			if inVersion {
				return "", errNestedComment
			}
			inVersion = true
			i = skipVersionPrefix(q, i+2)
			b.WriteByte(' ')

		case c == '/' && next == '*':
			end := strings.Index(q[i+2:], "*/")
			if end < 0 {
				return "", errUnterminatedComment
			}
			i += 2 + end + 2
			b.WriteByte(' ')

		case c == '\'' || c == '"' || (opts.backticks && c == '`'):
			backslash := opts.backslashEscapes && c != '`'
			if opts.escapeStrings && c == '\'' && isEscapePrefix(b.String()) {
				backslash = true
			}
			end, err := skipQuoted(q, i, c, backslash)
			if err != nil {
				return "", err
			}
			b.WriteByte(c)
			b.WriteByte(c)
			i = end

		case opts.brackets && c == '[':
			end, err := skipQuoted(q, i, ']', false)
			if err != nil {
				return "", err
			}
			b.WriteString("[]")
			i = end

		case opts.dollarQuotes && c == '$' && !inIdentifier(b.String()):
			tag, ok := dollarTag(q, i)
			if !ok {
				b.WriteByte(c)
				i++
				continue
			}
			end := strings.Index(q[i+len(tag):], tag)
			if end < 0 {
				return "", errUnterminatedString
			}
			b.WriteString("''")
			i += len(tag) + end + len(tag)

		default:
			b.WriteByte(c)
			i++
		}
	}
	if inVersion {
		return "", errUnterminatedComment
	}

	return b.String(), nil
}

// isVersionComment reports whether a block comment body starts with ! or M!,
// the MySQL and MariaDB executable comment markers.
func isVersionComment(body string) bool {
	return strings.HasPrefix(body, "!") || strings.HasPrefix(body, "M!")
}

// skipVersionPrefix skips the marker and optional version number of an
// executable comment whose body starts at i.
func skipVersionPrefix(q string, i int) int {
	if q[i] == 'M' {
		i++
	}
	i++
	for i < len(q) && q[i] >= '0' && q[i] <= '9' {
		i++
	}
	return i
}

// isEscapePrefix reports whether a quote following the stripped text out
// opens an E'...' escape string, that is out ends in a standalone E.
func isEscapePrefix(out string) bool {
	n := len(out)
	if n == 0 || (out[n-1] != 'E' && out[n-1] != 'e') {
		return false
	}
	return !inIdentifier(out[:n-1])
}

// inIdentifier reports whether the stripped text out ends inside a word, where
// PostgreSQL reads $ as an identifier character rather than a quote.
func inIdentifier(out string) bool {
	if out == "" {
		return false
	}
	c := out[len(out)-1]
	return isWordChar(c) || c == '$'
}

func skipLine(q string, i int) int {
	nl := strings.IndexByte(q[i:], '\n')
	if nl < 0 {
		return len(q)
	}
	return i + nl + 1
}

// skipQuoted returns the index just past the closing quote. A doubled quote
// is an escaped quote, which also covers ]] inside a bracketed identifier.
func skipQuoted(q string, start int, quote byte, backslash bool) (int, error) {
	for i := start + 1; i < len(q); {
		ch := q[i]
		if backslash && ch == '\\' {
			i += 2
			continue
		}
		if ch == quote {
			if i+1 < len(q) && q[i+1] == quote {
				i += 2
				continue
			}
			return i + 1, nil
		}
		i++
	}
	return 0, errUnterminatedString
}

// dollarTag reads a PostgreSQL dollar-quote delimiter such as $$ or $body$.
// Positional parameters like $1 are not delimiters.
func dollarTag(q string, i int) (string, bool) {
	j := i + 1
	for j < len(q) && isWordChar(q[j]) {
		j++
	}
	if j >= len(q) || q[j] != '$' {
		return "", false
	}
	tag := q[i : j+1]
	if len(tag) > 2 && tag[1] >= '0' && tag[1] <= '9' {
		return "", false
	}
	return tag, true
}

func isWordChar(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// leadingKeyword returns the first word of a stripped statement, upper-cased.
// Opening parentheses before it are skipped.
func leadingKeyword(s string) string {
	s = strings.TrimLeft(s, " \t\r\n(")
	end := 0
	for end < len(s) && isWordChar(s[end]) {
		end++
	}
	return strings.ToUpper(s[:end])
}

// trimTerminator removes trailing whitespace and statement terminators
func trimTerminator(s string) string {
	return strings.TrimRight(strings.TrimSpace(s), "; \t\r\n")
}
