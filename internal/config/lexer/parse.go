// Package-level notice: this file is part of dkim-verifier, a DKIM
// verification library and local policy engine.
//
// Licensed under the GNU General Public License v3.0 or later.

package lexer

import (
	"io"
)

// allTokens lexes the entire input, but does not parse it.
// It returns all the tokens from the input, unstructured
// and in order.
func allTokens(input io.Reader) ([]Token, error) {
	l := new(lexer)
	err := l.load(input)
	if err != nil {
		return nil, err
	}
	var tokens []Token
	for l.next() {
		tokens = append(tokens, l.token)
	}
	if err := l.err(); err != nil {
		return nil, err
	}
	return tokens, nil
}
