package kademlia

import (
	"math/rand"
)

// randIntN returns a uniform random int in [0, n). Unlike Random()/crypto's
// Id generation, this is used only for non-adversarial internal choices
// (which peer to refresh, which occupant to sample), so the weaker PRNG is
// fine here.
func randIntN(n int) int {
	if n <= 0 {
		return 0
	}
	return rand.Intn(n)
}
