package protocol

import (
	"crypto/rand"
	"encoding/base32"
	"strings"
)

// idBytes gives 136 bits of randomness per id.
const idBytes = 17

var idEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// GenerateID returns a random correlation id, drawing again while taken
// reports the candidate as already in use. taken may be nil.
func GenerateID(taken func(id string) bool) string {
	buf := make([]byte, idBytes)
	for {
		// crypto/rand.Read never returns an error on supported platforms
		_, _ = rand.Read(buf)
		id := strings.ToLower(idEncoding.EncodeToString(buf))
		if taken == nil || !taken(id) {
			return id
		}
	}
}
