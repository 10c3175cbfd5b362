package mesh

import (
	"math/rand/v2"
	"strings"
)

const (
	idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	idLength   = 4
	keyLength  = 8
)

var (
	adjectives = []string{
		"Brave", "Swift", "Bold", "Keen", "Calm", "Wild", "Wise", "Warm",
		"Cool", "Fair", "Glad", "Pale", "Dark", "Soft", "Loud", "True",
	}
	animals = []string{
		"Fox", "Owl", "Bear", "Deer", "Hawk", "Wolf", "Lynx", "Hare",
		"Crow", "Dove", "Seal", "Moth", "Wren", "Newt", "Frog", "Swan",
	}
)

// Identity is a peer's id and display name. PeerID is short and random; it
// is not a security boundary.
type Identity struct {
	PeerID string
	Name   string
}

// NewIdentity generates a random 4-character id and an "Adjective Animal"
// display name.
func NewIdentity() Identity {
	return Identity{PeerID: randomToken(idLength), Name: RandomName()}
}

func RandomName() string {
	return adjectives[rand.IntN(len(adjectives))] + " " + animals[rand.IntN(len(animals))]
}

func randomToken(n int) string {
	var b strings.Builder
	b.Grow(n)
	for range n {
		b.WriteByte(idAlphabet[rand.IntN(len(idAlphabet))])
	}
	return b.String()
}

// Pending link keys.
const (
	prefixTemp    = "temp-"
	prefixRelay   = "relay-"
	prefixReoffer = "reoffer-"
)

func newKey(prefix string) string {
	return prefix + randomToken(keyLength)
}

func isRelayKey(key string) bool {
	return strings.HasPrefix(key, prefixRelay)
}
