// Package strescape removes characters from untrusted strings before they are
// logged or shown in a terminal.
package strescape

import (
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Identifier returns s without chars that don't belong in a thread or
// participant id: whitespace, control chars and invalid utf-8.
func Identifier(s string) string {
	return strings.Map(func(r rune) rune {
		if r == utf8.RuneError || unicode.IsSpace(r) || !strconv.IsPrint(r) {
			return -1
		}
		return r
	}, s)
}

// Terminal returns s without chars that could alter the state of a terminal.
// Whitespace is kept and line endings are converted to \n.
func Terminal(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\r':
			return '\n'
		case r == utf8.RuneError:
			return -1
		case unicode.IsSpace(r):
			return r
		case !strconv.IsGraphic(r):
			return -1
		}
		return r
	}, s)
}
