package helmrelease

import (
	"github.com/google/uuid"
)

const releaseNameAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
const releaseNameLength = 8

// NewReleaseName mints an 8-character lowercase-alphanumeric release name,
// valid as a DNS-1123 label prefix. The entropy source is a UUIDv4 (the
// same source used for exec's ExecutionRecord IDs): each of its first 8
// bytes is folded into the fixed 36-character alphabet by taking it
// modulo 36, so the remaining bytes are unused and the first four letters
// of the alphabet come up slightly more often than the rest.
func NewReleaseName() (string, error) {
	id := uuid.New()
	raw := id[:]

	b := make([]byte, releaseNameLength)
	for i := range b {
		b[i] = releaseNameAlphabet[int(raw[i])%len(releaseNameAlphabet)]
	}
	return string(b), nil
}
