package engine

import (
	"sync"
	"time"

	"chainguard/internal/model"
)

// cooldown suppresses repeated automatic alerts of one type for a contract.
type cooldown struct {
	mu   sync.Mutex
	last map[string]time.Time
}

func newCooldown() *cooldown {
	return &cooldown{last: make(map[string]time.Time)}
}

func cooldownKey(contract model.Address, t model.AlertType) string {
	return contract.Hex() + "|" + string(t)
}

// Ready reports whether key is outside its cooldown at now. It records
// nothing; Mark starts the cooldown once the alert exists.
func (c *cooldown) Ready(key string, now time.Time, span time.Duration) bool {
	if span <= 0 {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ts, ok := c.last[key]
	return !ok || now.Sub(ts) >= span
}

func (c *cooldown) Mark(key string, now time.Time, span time.Duration) {
	if span <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last[key] = now
	if len(c.last) > 10000 {
		for k, ts := range c.last {
			if now.Sub(ts) >= span {
				delete(c.last, k)
			}
		}
	}
}
