package sqlsafe

import (
	"errors"
	"strings"

	"sqlpilot/internal/core"
)

var errUnterminated = errors.New("unterminated string literal or quoted identifier")

type tokenKind int

const (
	tokWord tokenKind = iota
	tokString
	tokPunct
)

type token struct {
	kind tokenKind
	text string // literal content for strings, lower-cased for words
}

// tokenize splits a statement into words, string literals and single-character punctuation,
// following the quoting rules of engine:
//   - PostgreSQL: '' doubles a quote; backslash escapes only inside E'...'; $tag$...$tag$
//     is a string; "x" is an identifier.
//   - MySQL: backslash escapes and doubling in '...' and "..." (both strings); `x` is an
//     identifier.
//
// Comments are not understood; statements carrying them are rejected before tokenizing.
// A literal or quoted identifier that never closes returns errUnterminated.
func tokenize(query string, engine core.Engine) ([]token, error) {
	mysql := engine == core.EngineMySQL
	var toks []token
	i := 0
	for i < len(query) {
		c := query[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f':
			i++
		case c == '\'' || (mysql && c == '"'):
			text, next, err := scanString(query, i, mysql)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokString, text: text})
			i = next
		case !mysql && (c == 'e' || c == 'E') && i+1 < len(query) && query[i+1] == '\'' && (i == 0 || !isWordByte(query[i-1])):
			text, next, err := scanString(query, i+1, true)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokString, text: text})
			i = next
		case !mysql && c == '$' && dollarTag(query[i:]) != "":
			tag := dollarTag(query[i:])
			end := strings.Index(query[i+len(tag):], tag)
			if end < 0 {
				return nil, errUnterminated
			}
			toks = append(toks, token{kind: tokString, text: query[i+len(tag) : i+len(tag)+end]})
			i += len(tag) + end + len(tag)
		case c == '"' || c == '`' || isWordByte(c):
			ident, next, err := scanIdentifier(query, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokWord, text: strings.ToLower(ident)})
			i = next
		default:
			toks = append(toks, token{kind: tokPunct, text: string(c)})
			i++
		}
	}
	return toks, nil
}

// scanString reads the literal opened by the quote at i and returns its content and the
// index after the closing quote. A doubled quote is an escaped quote; with backslash set,
// a backslash escapes the next byte.
func scanString(query string, i int, backslash bool) (string, int, error) {
	quote := query[i]
	var b strings.Builder
	i++
	for i < len(query) {
		c := query[i]
		switch {
		case c == quote:
			if i+1 < len(query) && query[i+1] == quote {
				b.WriteByte(quote)
				i += 2
				continue
			}
			return b.String(), i + 1, nil
		case backslash && c == '\\':
			if i+1 >= len(query) {
				return "", 0, errUnterminated
			}
			b.WriteByte(query[i+1])
			i += 2
		default:
			b.WriteByte(c)
			i++
		}
	}
	return "", 0, errUnterminated
}

// dollarTag returns the opening $tag$ or $$ delimiter at the start of s, or "". Positional
// parameters such as $1 are not delimiters.
func dollarTag(s string) string {
	if len(s) < 2 || s[0] != '$' {
		return ""
	}
	if s[1] == '$' {
		return "$$"
	}
	c := s[1]
	if !(c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c >= 0x80) {
		return ""
	}
	for j := 2; j < len(s); j++ {
		switch c := s[j]; {
		case c == '$':
			return s[:j+1]
		case c == '_' || c >= 0x80 || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9'):
		default:
			return ""
		}
	}
	return ""
}

// scanIdentifier reads a possibly qualified, possibly quoted identifier starting at i and
// returns it without quotes, e.g. "public"."Orders" -> public.Orders.
func scanIdentifier(query string, i int) (string, int, error) {
	var b strings.Builder
	for i < len(query) {
		c := query[i]
		if c == '"' || c == '`' {
			end := strings.IndexByte(query[i+1:], c)
			if end < 0 {
				return "", 0, errUnterminated
			}
			b.WriteString(query[i+1 : i+1+end])
			i += end + 2
		} else {
			start := i
			for i < len(query) && isWordByte(query[i]) {
				i++
			}
			b.WriteString(query[start:i])
		}

		if i+1 < len(query) && query[i] == '.' && (isWordByte(query[i+1]) || query[i+1] == '"' || query[i+1] == '`') {
			b.WriteByte('.')
			i++
			continue
		}
		return b.String(), i, nil
	}
	return b.String(), i, nil
}

func isWordByte(c byte) bool {
	return c == '_' || c == '$' || c >= 0x80 ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func (t token) is(word string) bool {
	return t.kind == tokWord && t.text == word
}

func (t token) isPunct(p string) bool {
	return t.kind == tokPunct && t.text == p
}
