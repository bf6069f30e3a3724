package prefsync

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"swiftnotes/api/internal/preferences"
)

type State int

const (
	Uninitialized State = iota
	Synced
	LocallyModified
	Saving
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Synced:
		return "synced"
	case LocallyModified:
		return "locally_modified"
	case Saving:
		return "saving"
	default:
		return "unknown"
	}
}

var (
	ErrSaveInProgress = errors.New("save already in progress")
	ErrNothingToSave  = errors.New("no unsaved preference changes")
)

// Remote is the server side of the sync. client.Client implements it.
type Remote interface {
	FetchPreferences(ctx context.Context) (preferences.Document, error)
	UpdatePreferences(ctx context.Context, patch preferences.Document) (preferences.Document, error)
}

// Snapshot is what listeners see after every transition. Seq increases
// with every transition and listeners receive snapshots in Seq order.
type Snapshot struct {
	Seq       uint64
	State     State
	Displayed preferences.Document
	Err       error
}

type subscription struct {
	id int
	fn func(Snapshot)
}

type Controller struct {
	remote Remote
	cache  *Cache
	logger *zap.Logger

	mu    sync.Mutex
	state State
	// pending holds edits not yet sent; inflight the edits of the running save.
	pending   preferences.Document
	inflight  preferences.Document
	lastErr   error
	listeners []subscription
	nextID    int
	// queue holds snapshots not yet delivered; dispatching is set while one
	// goroutine drains it.
	seq         uint64
	queue       []Snapshot
	dispatching bool
}

func NewController(remote Remote, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		remote:  remote,
		cache:   NewCache(),
		logger:  logger,
		pending: preferences.Document{},
	}
}

func (c *Controller) Cache() *Cache {
	return c.cache
}

// Load fetches the server document. The first successful load initializes
// the displayed values; later loads only refresh the confirmed document. On
// failure the controller keeps its state, so an uninitialized controller
// keeps showing defaults and may be loaded again.
func (c *Controller) Load(ctx context.Context) error {
	doc, err := c.remote.FetchPreferences(ctx)
	if err != nil {
		c.mu.Lock()
		c.lastErr = err
		c.publishLocked()
		c.mu.Unlock()
		c.logger.Warn("fetch preferences failed", zap.Error(err))
		c.dispatch()
		return err
	}
	c.ApplyServerDocument(doc)
	return nil
}

// ApplyServerDocument records a document received from the server.
func (c *Controller) ApplyServerDocument(doc preferences.Document) {
	c.mu.Lock()
	c.cache.setLastConfirmed(doc)
	if c.state == Uninitialized {
		c.cache.setDisplayed(preferences.Resolve(doc))
		c.state = Synced
		c.lastErr = nil
	}
	c.publishLocked()
	c.mu.Unlock()
	c.dispatch()
}

// Edit validates and applies a local change. Invalid values are rejected
// without touching state.
func (c *Controller) Edit(key string, value any) error {
	canonical, err := preferences.ValidateField(key, value)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.pending[key] = canonical
	c.cache.setDisplayedKey(key, canonical)
	if c.state != Saving {
		c.state = LocallyModified
	}
	c.publishLocked()
	c.mu.Unlock()
	c.dispatch()
	return nil
}

// BeginSave moves the pending edits into flight and returns them. Edits
// made after this call are kept for the next save.
func (c *Controller) BeginSave() (preferences.Document, error) {
	c.mu.Lock()
	if c.state == Saving {
		c.mu.Unlock()
		return nil, ErrSaveInProgress
	}
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return nil, ErrNothingToSave
	}
	c.inflight = c.pending
	c.pending = preferences.Document{}
	c.state = Saving
	patch := c.inflight.Clone()
	c.publishLocked()
	c.mu.Unlock()
	c.dispatch()
	return patch, nil
}

// CompleteSave finishes the save started by BeginSave. On success the
// server's document becomes the confirmed one and is displayed unless the
// user edited during the save. On failure the sent edits go back to pending
// underneath any newer ones and the displayed values stay as they are.
func (c *Controller) CompleteSave(result preferences.Document, saveErr error) {
	c.mu.Lock()
	if c.state != Saving {
		c.mu.Unlock()
		return
	}

	if saveErr != nil {
		c.pending = preferences.Merge(c.inflight, c.pending)
		c.inflight = nil
		c.state = LocallyModified
		c.lastErr = saveErr
	} else {
		c.cache.setLastConfirmed(result)
		c.inflight = nil
		c.lastErr = nil
		if len(c.pending) == 0 {
			c.cache.setDisplayed(preferences.Resolve(result))
			c.state = Synced
		} else {
			c.state = LocallyModified
		}
	}
	c.publishLocked()
	c.mu.Unlock()

	if saveErr != nil {
		c.logger.Warn("save preferences failed", zap.Error(saveErr))
	}
	c.dispatch()
}

// Save sends the pending edits and waits for the result. The request runs
// outside the lock so edits can continue meanwhile.
func (c *Controller) Save(ctx context.Context) error {
	patch, err := c.BeginSave()
	if err != nil {
		return err
	}
	result, err := c.remote.UpdatePreferences(ctx, patch)
	c.CompleteSave(result, err)
	return err
}

// Discard drops all unsaved edits and displays the last confirmed server
// document, or the defaults if none was ever received.
func (c *Controller) Discard() error {
	c.mu.Lock()
	if c.state == Saving {
		c.mu.Unlock()
		return ErrSaveInProgress
	}
	c.pending = preferences.Document{}
	c.lastErr = nil
	confirmed, ok := c.cache.LastConfirmed()
	c.cache.setDisplayed(preferences.Resolve(confirmed))
	if ok {
		c.state = Synced
	} else {
		c.state = Uninitialized
	}
	c.publishLocked()
	c.mu.Unlock()
	c.dispatch()
	return nil
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Displayed() preferences.Document {
	return c.cache.Displayed()
}

// Pending returns the edits not yet sent.
func (c *Controller) Pending() preferences.Document {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending.Clone()
}

// Err returns the error of the last failed load or save, cleared by the next
// successful save.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Subscribe registers fn for every transition and returns a function that
// removes it. fn is called without the controller's lock held and may call
// back into the controller; snapshots caused by such calls are delivered
// after fn returns. Calls to fn never overlap.
func (c *Controller) Subscribe(fn func(Snapshot)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.listeners = append(c.listeners, subscription{id: id, fn: fn})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, sub := range c.listeners {
			if sub.id == id {
				c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
				return
			}
		}
	}
}

func (c *Controller) publishLocked() {
	c.seq++
	c.queue = append(c.queue, Snapshot{
		Seq:       c.seq,
		State:     c.state,
		Displayed: c.cache.Displayed(),
		Err:       c.lastErr,
	})
}

// dispatch delivers queued snapshots in order. Only one goroutine drains
// the queue at a time; the others return at once and leave their snapshots
// to it.
func (c *Controller) dispatch() {
	c.mu.Lock()
	if c.dispatching {
		c.mu.Unlock()
		return
	}
	c.dispatching = true
	for len(c.queue) > 0 {
		snap := c.queue[0]
		c.queue = c.queue[1:]
		listeners := append([]subscription(nil), c.listeners...)
		c.mu.Unlock()
		for _, sub := range listeners {
			sub.fn(Snapshot{Seq: snap.Seq, State: snap.State, Displayed: snap.Displayed.Clone(), Err: snap.Err})
		}
		c.mu.Lock()
	}
	c.dispatching = false
	c.mu.Unlock()
}
