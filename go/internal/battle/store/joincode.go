package store

import (
	"fmt"

	gonanoid "github.com/jaevor/go-nanoid"
)

// JoinCodeAlphabet leaves out characters that are easy to misread aloud
// (0/O, 1/I/L).
const JoinCodeAlphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"

const JoinCodeLength = 6

// NewJoinCodeGenerator returns a generator of short human-shareable room
// codes.
func NewJoinCodeGenerator() (func() string, error) {
	gen, err := gonanoid.CustomASCII(JoinCodeAlphabet, JoinCodeLength)
	if err != nil {
		return nil, fmt.Errorf("create join code generator: %w", err)
	}
	return gen, nil
}
