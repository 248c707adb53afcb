// Package token mints the opaque per-peer tokens exchanged at handshake.
// A token is presented by a caller and looked up verbatim; it carries no
// structure and is never derived from peer data.
package token

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
)

// Size is the raw entropy of a minted token in bytes.
const Size = 32

var ErrMint = errors.New("token generation failed")

// Mint returns a fresh opaque token, base64url-encoded without padding.
func Mint() (string, error) {
	buf := make([]byte, Size)
	if _, err := rand.Read(buf); err != nil {
		return "", ErrMint
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
