// Package prefsync keeps a client's displayed preference values in step with
// the server without ever overwriting values the user is editing.
package prefsync

import (
	"sync"

	"swiftnotes/api/internal/preferences"
)

// Cache holds the last document the server confirmed and the values being
// displayed. Displayed values are set explicitly, never derived from the
// confirmed document. Accessors return copies.
type Cache struct {
	mu            sync.RWMutex
	lastConfirmed preferences.Document
	displayed     preferences.Document
}

func NewCache() *Cache {
	return &Cache{displayed: preferences.Defaults()}
}

// LastConfirmed returns the last server document and whether one has been
// received.
func (c *Cache) LastConfirmed() (preferences.Document, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.lastConfirmed == nil {
		return nil, false
	}
	return c.lastConfirmed.Clone(), true
}

func (c *Cache) Displayed() preferences.Document {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.displayed.Clone()
}

func (c *Cache) setLastConfirmed(doc preferences.Document) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastConfirmed = doc.Clone()
}

func (c *Cache) setDisplayed(doc preferences.Document) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.displayed = doc.Clone()
}

func (c *Cache) setDisplayedKey(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.displayed[key] = value
}
