// Package tokens defines the supported token types and the exchange-rate
// table used for swaps and USDT normalization.
package tokens

import (
	"strings"

	"github.com/mbd888/fiatbridge/internal/apperr"
)

// Token is a token type.
type Token string

const (
	NT   Token = "NT"
	CT   Token = "CT"
	USDT Token = "USDT"
)

// All lists every supported token type.
var All = []Token{NT, CT, USDT}

// Valid reports whether t is a supported token type.
func (t Token) Valid() bool {
	switch t {
	case NT, CT, USDT:
		return true
	}
	return false
}

func (t Token) String() string { return string(t) }

// Parse normalizes s and rejects unknown token types.
func Parse(s string) (Token, error) {
	t := Token(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", apperr.Validation("unknown token type %q", s)
	}
	return t, nil
}
