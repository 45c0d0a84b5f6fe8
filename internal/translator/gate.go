package translator

import (
	"sort"
	"sync"
)

// claim marks a route as being loaded. done is closed once the load finished;
// err holds its outcome.
type claim struct {
	done chan struct{}
	err  error
}

type gates struct {
	mu     sync.Mutex
	claims map[string]*claim
}

func newGates() *gates {
	return &gates{claims: map[string]*claim{}}
}

// acquire returns the claim for key. owner is true if the caller created it
// and must call release.
func (g *gates) acquire(key string) (c *claim, owner bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if c := g.claims[key]; c != nil {
		return c, false
	}
	c = &claim{done: make(chan struct{})}
	g.claims[key] = c
	return c, true
}

func (g *gates) release(key string, c *claim, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	c.err = err
	if g.claims[key] == c {
		delete(g.claims, key)
	}
	// Wake waiters.
	close(c.done)
}

func (g *gates) keys() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]string, 0, len(g.claims))
	for k := range g.claims {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
