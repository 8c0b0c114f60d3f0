// Package id produces and checks the identifiers used for jobs and
// uploaded files. Identifiers are 32 lowercase hex characters, which
// keeps them safe to embed in filesystem paths without escaping.
package id

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
)

var ErrMalformed = errors.New("malformed identifier")

func New() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand does not fail on supported platforms; keep New
		// infallible anyway.
		panic("id: crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(b[:])
}

// Valid reports whether s matches the canonical identifier shape.
// Everything that touches the filesystem re-checks identifiers with
// this, so a forged value containing separators or ".." never reaches
// a path join.
func Valid(s string) bool {
	if len(s) != 32 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Check returns ErrMalformed when s fails the canonical shape check.
func Check(s string) error {
	if !Valid(s) {
		return ErrMalformed
	}
	return nil
}
