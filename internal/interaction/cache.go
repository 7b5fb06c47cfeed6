// Package interaction keeps the last fetched copy of each status and applies
// favourite, boost, bookmark and mute toggles optimistically, rolling them
// back when the server rejects them.
package interaction

import (
	"context"
	"iter"
	"log/slog"
	"sync"

	"github.com/pkg/errors"

	"github.com/harrybrwn/fedi/internal/session"
	"github.com/harrybrwn/fedi/mastodon"
	"github.com/harrybrwn/fedi/pubsub"
)

var ErrNoClient = errors.New("no authenticated client")

// API is the part of [mastodon.Client] used to toggle interactions.
type API interface {
	Favourite(ctx context.Context, id string) (*mastodon.Status, error)
	Unfavourite(ctx context.Context, id string) (*mastodon.Status, error)
	Reblog(ctx context.Context, id string) (*mastodon.Status, error)
	Unreblog(ctx context.Context, id string) (*mastodon.Status, error)
	Bookmark(ctx context.Context, id string) (*mastodon.Status, error)
	Unbookmark(ctx context.Context, id string) (*mastodon.Status, error)
	MuteConversation(ctx context.Context, id string) (*mastodon.Status, error)
	UnmuteConversation(ctx context.Context, id string) (*mastodon.Status, error)
}

var _ API = (*mastodon.Client)(nil)

// ClientSource resolves the client of the current account at call time.
type ClientSource interface {
	Client(ctx context.Context) (API, error)
}

type ClientSourceFunc func(ctx context.Context) (API, error)

func (fn ClientSourceFunc) Client(ctx context.Context) (API, error) { return fn(ctx) }

// SessionSource uses the active Mastodon account of a session store.
func SessionSource(s *session.Store) ClientSource {
	return ClientSourceFunc(func(context.Context) (API, error) {
		c, err := s.MastodonClient()
		if err != nil {
			return nil, err
		}
		return c, nil
	})
}

// Event is published whenever the visible state of a status changes.
type Event struct {
	ID    string
	Kind  Kind
	Value bool
	// Count is the visible counter or -1 for kinds without one.
	Count int
	Phase Phase
	// Err is set when a toggle failed and was rolled back.
	Err     error
	Removed bool
}

type entry struct {
	status *mastodon.Status
	// states holds only unsettled kinds. Settled kinds read from status.
	states map[Kind]State
}

func (e *entry) state(k Kind) State {
	if st, ok := e.states[k]; ok {
		return st
	}
	return synced(k.serverValue(e.status))
}

func (e *entry) setState(k Kind, st State) {
	if st.Phase == Synced {
		delete(e.states, k)
		return
	}
	e.states[k] = st
}

func (e *entry) value(k Kind) bool { return e.state(k).Value() }

func (e *entry) count(k Kind) int {
	p := k.counter(e.status)
	if p == nil {
		return -1
	}
	n := *p
	if st, ok := e.states[k]; ok {
		n += b2i(st.Value()) - b2i(k.serverValue(e.status))
	}
	return max(n, 0)
}

func (e *entry) event(id string, k Kind) Event {
	st := e.state(k)
	return Event{ID: id, Kind: k, Value: st.Value(), Count: e.count(k), Phase: st.Phase}
}

type Cache struct {
	Source ClientSource
	Logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	seq     uint64
	bus     *pubsub.ChannelBus[Event]
}

func New(src ClientSource) *Cache {
	return &Cache{
		Source:  src,
		Logger:  slog.Default(),
		entries: make(map[string]*entry),
		bus:     pubsub.NewMemoryBus[Event](),
	}
}

// Observe stores a freshly fetched status. Settled kinds adopt the server
// values. Kinds with a request in flight keep their optimistic value and
// have their counter delta applied on top of the new server counter. A
// boost wrapper also stores the boosted status.
func (c *Cache) Observe(s *mastodon.Status) {
	if s == nil || len(s.ID) == 0 {
		return
	}
	c.mu.Lock()
	events := c.observe(s)
	if s.Reblog != nil && len(s.Reblog.ID) > 0 {
		events = append(events, c.observe(s.Reblog)...)
	}
	c.mu.Unlock()
	c.publish(events...)
}

func (c *Cache) ObserveAll(statuses []mastodon.Status) {
	for i := range statuses {
		c.Observe(&statuses[i])
	}
}

func (c *Cache) observe(s *mastodon.Status) []Event {
	s = s.Clone()
	e, ok := c.entries[s.ID]
	if !ok {
		c.entries[s.ID] = &entry{status: s, states: make(map[Kind]State)}
		return nil
	}
	before := make([]Event, len(Kinds))
	for i, k := range Kinds {
		before[i] = e.event(s.ID, k)
	}
	for _, k := range Kinds {
		if f := k.flag(s); *f == nil {
			*f = *k.flag(e.status)
		}
	}
	e.status = s
	var events []Event
	for i, k := range Kinds {
		after := e.event(s.ID, k)
		if after.Value != before[i].Value || after.Count != before[i].Count {
			events = append(events, after)
		}
	}
	return events
}

// Remove forgets a status, for example after it was deleted.
func (c *Cache) Remove(id string) {
	c.mu.Lock()
	_, ok := c.entries[id]
	delete(c.entries, id)
	c.mu.Unlock()
	if ok {
		c.publish(Event{ID: id, Removed: true, Count: -1})
	}
}

// Len is the number of cached statuses.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Effective returns the visible value of k for a status. The second result
// is false when the status has never been observed or toggled.
func (c *Cache) Effective(id string, k Kind) (bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return false, false
	}
	return e.value(k), true
}

// Count returns the visible counter of k, or -1 when k has no counter.
func (c *Cache) Count(id string, k Kind) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return 0, false
	}
	return e.count(k), true
}

// State returns the state machine value of one (status, kind) pair.
func (c *Cache) State(id string, k Kind) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return State{}, false
	}
	return e.state(k), true
}

// Status returns a copy of the cached status with the visible flags and
// counters applied.
func (c *Cache) Status(id string) (*mastodon.Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	s := e.status.Clone()
	for k := range e.states {
		*k.flag(s) = mastodon.Bool(e.value(k))
		if p := k.counter(s); p != nil {
			*p = e.count(k)
		}
	}
	return s, true
}

// Subscribe streams change events until ctx is done. Slow consumers miss
// events rather than blocking toggles.
func (c *Cache) Subscribe(ctx context.Context) (iter.Seq[Event], error) {
	return pubsub.Subscribe(ctx, c.bus)
}

func (c *Cache) ToggleFavourite(ctx context.Context, id string) (bool, error) {
	return c.Toggle(ctx, id, Favourite)
}

func (c *Cache) ToggleBoost(ctx context.Context, id string) (bool, error) {
	return c.Toggle(ctx, id, Boost)
}

func (c *Cache) ToggleBookmark(ctx context.Context, id string) (bool, error) {
	return c.Toggle(ctx, id, Bookmark)
}

func (c *Cache) ToggleMute(ctx context.Context, id string) (bool, error) {
	return c.Toggle(ctx, id, Mute)
}

// Toggle inverts the visible value of k immediately and sends the matching
// request. A status that was never observed starts out false. On success the server's copy of the status replaces the cached
// one. On failure, including cancellation of ctx, the value and counter are
// restored and the error is returned. The result is the visible value once
// the request has settled.
func (c *Cache) Toggle(ctx context.Context, id string, k Kind) (bool, error) {
	if !k.valid() {
		return false, errors.Errorf("invalid interaction kind %d", k)
	}
	if c.Source == nil {
		return false, ErrNoClient
	}
	api, err := c.Source.Client(ctx)
	if err != nil {
		return false, errors.Wrap(ErrNoClient, err.Error())
	}
	if api == nil {
		return false, ErrNoClient
	}

	c.mu.Lock()
	e, ok := c.entries[id]
	if !ok {
		// the server's response fills in the body
		e = &entry{status: &mastodon.Status{ID: id}, states: make(map[Kind]State)}
		c.entries[id] = e
	}
	c.seq++
	seq := c.seq
	st := e.state(k).toggle(seq)
	e.setState(k, st)
	target := st.Next
	ev := e.event(id, k)
	c.mu.Unlock()
	c.publish(ev)

	res, err := call(ctx, api, k, target, id)
	if err == nil {
		err = ctx.Err()
	}

	c.mu.Lock()
	if cur, ok := c.entries[id]; !ok || cur != e {
		// removed while the request was in flight
		c.mu.Unlock()
		if err != nil {
			return !target, err
		}
		return target, nil
	}
	cur := e.state(k)
	if err != nil {
		st, err2 := cur.fail(seq)
		if err2 != nil {
			c.mu.Unlock()
			return false, errors.Wrap(err2, err.Error())
		}
		e.setState(k, st)
	} else {
		server := match(res, id)
		if server == nil {
			server = e.status.Clone()
			*k.flag(server) = mastodon.Bool(target)
			if p := k.counter(server); p != nil {
				*p += b2i(target) - b2i(k.serverValue(e.status))
			}
		}
		st, err2 := cur.succeed(seq, k.serverValue(server))
		if err2 != nil {
			c.mu.Unlock()
			return false, err2
		}
		e.status = server
		e.setState(k, st)
	}
	ev = e.event(id, k)
	value := ev.Value
	c.mu.Unlock()

	if err != nil {
		ev.Err = err
		c.Logger.Warn("interaction rolled back",
			"id", id,
			"kind", k,
			"value", value,
			"error", err)
	}
	c.publish(ev)
	return value, err
}

func call(ctx context.Context, api API, k Kind, on bool, id string) (*mastodon.Status, error) {
	switch k {
	case Favourite:
		if on {
			return api.Favourite(ctx, id)
		}
		return api.Unfavourite(ctx, id)
	case Boost:
		if on {
			return api.Reblog(ctx, id)
		}
		return api.Unreblog(ctx, id)
	case Bookmark:
		if on {
			return api.Bookmark(ctx, id)
		}
		return api.Unbookmark(ctx, id)
	case Mute:
		if on {
			return api.MuteConversation(ctx, id)
		}
		return api.UnmuteConversation(ctx, id)
	}
	return nil, errors.Errorf("invalid interaction kind %d", k)
}

// match returns the status with the given id out of a toggle response. A
// reblog returns the new wrapper status holding the original.
func match(res *mastodon.Status, id string) *mastodon.Status {
	switch {
	case res == nil:
		return nil
	case res.ID == id:
		return res.Clone()
	case res.Reblog != nil && res.Reblog.ID == id:
		return res.Reblog.Clone()
	}
	return nil
}

// Apply feeds a streaming event into the cache. Updates are observed and
// deletions remove the status. Other events are ignored.
func (c *Cache) Apply(ev *mastodon.StreamEvent) error {
	switch ev.Event {
	case mastodon.EventUpdate, mastodon.EventStatusUpdate:
		s, err := ev.Status()
		if err != nil {
			return err
		}
		c.Observe(s)
	case mastodon.EventDelete:
		c.Remove(ev.Payload)
	case mastodon.EventNotification:
		n, err := ev.Notification()
		if err != nil {
			return err
		}
		c.Observe(n.Status)
	}
	return nil
}

func (c *Cache) publish(events ...Event) {
	for _, ev := range events {
		// Pub only fails on a done context
		_ = c.bus.Pub(context.Background(), ev)
	}
}

// Close ends all subscriptions.
func (c *Cache) Close() error { return c.bus.Close() }

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}
