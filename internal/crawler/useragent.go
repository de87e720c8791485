package crawler

import (
	"math/rand/v2"
	"sync"
)

// DefaultUserAgents is the desktop browser pool rotated through on blocks.
var DefaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:120.0) Gecko/20100101 Firefox/120.0",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:119.0) Gecko/20100101 Firefox/119.0",
}

// userAgentRotator holds the current index into a UA pool. An empty pool
// yields "" and leaves the transport default in place.
type userAgentRotator struct {
	mu     sync.Mutex
	agents []string
	index  int
	intn   func(n int) int
}

func newUserAgentRotator(agents []string) *userAgentRotator {
	pool := make([]string, len(agents))
	copy(pool, agents)
	return &userAgentRotator{agents: pool, intn: rand.IntN}
}

func (r *userAgentRotator) current() (string, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.agents) == 0 {
		return "", 0
	}
	return r.agents[r.index], r.index
}

// rotate advances the index and returns the old and new positions.
func (r *userAgentRotator) rotate() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.index
	if len(r.agents) > 0 {
		r.index = (r.index + 1) % len(r.agents)
	}
	return old, r.index
}

func (r *userAgentRotator) randomize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.agents) > 0 {
		r.index = r.intn(len(r.agents))
	}
	return r.index
}
