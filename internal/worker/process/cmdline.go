package process

import "strings"

// Tokenize splits a shell-like command line into argv-style tokens.
//
// Tokens are separated by unquoted spaces; every such space starts a new token,
// so consecutive spaces yield empty tokens. A single or double quote opens a
// quoted span that only the same quote character closes; the other quote
// character inside the span is kept literally. Quote characters that open or
// close a span are dropped. There is no escape character.
//
// An empty command yields a single empty token.
func Tokenize(cmd string) []string {
	tokens := make([]string, 0, 4)
	var current strings.Builder
	var quote rune

	for _, r := range cmd {
		switch {
		case quote == 0 && (r == '"' || r == '\''):
			quote = r
		case quote != 0 && r == quote:
			quote = 0
		case quote == 0 && r == ' ':
			tokens = append(tokens, current.String())
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	return append(tokens, current.String())
}
