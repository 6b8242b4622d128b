// Package paircode generates short human-enterable pairing codes.
package paircode

import (
	"strings"

	"github.com/pion/randutil"
)

const (
	// Alphabet is the 32-character set codes are drawn from.
	// Digits 0 and 1 and letters I and O are excluded because they are
	// easily confused when read aloud or typed from a screen.
	Alphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"

	// Length is the fixed length of every pairing code.
	Length = 6
)

var generator = randutil.NewMathRandomGenerator()

// Generate returns a new pairing code.
// Codes are not checked for global uniqueness here; the registry insert
// surfaces a collision to the caller.
func Generate() string {
	return generator.GenerateString(Length, Alphabet)
}

// Valid reports whether code has the exact shape of a generated pairing code.
func Valid(code string) bool {
	if len(code) != Length {
		return false
	}
	for i := 0; i < len(code); i++ {
		if strings.IndexByte(Alphabet, code[i]) < 0 {
			return false
		}
	}
	return true
}
