// Package coalesce implements the pending-downloads map of spec.md §3/§4.6
// step 5: a fan-out broadcaster keyed by hash (or destination path, when no
// hash is known up front) so that concurrent requests for the same content
// share one fetch instead of triggering redundant downloads.
//
// The shape is modeled on the teacher's blobWriterReader: a single writer
// produces events, and any number of readers can attach mid-stream and
// receive events from their join point forward.
package coalesce

import "sync"

// Group coordinates one in-flight fetch and its subscribers, all sharing
// one Registry key.
type Group[E any] struct {
	mu          sync.Mutex
	subscribers map[int]chan E
	nextID      int
	history     []E
	done        bool
	final       E
}

func newGroup[E any]() *Group[E] {
	return &Group[E]{subscribers: make(map[int]chan E)}
}

// Registry tracks in-flight Groups keyed by K, so a second caller for the
// same key joins the first caller's fetch instead of starting a new one.
type Registry[K comparable, E any] struct {
	mu     sync.Mutex
	groups map[K]*Group[E]
}

// NewRegistry returns an empty Registry.
func NewRegistry[K comparable, E any]() *Registry[K, E] {
	return &Registry[K, E]{groups: make(map[K]*Group[E])}
}

// Join attempts to attach to an in-flight Group for key. If one exists, it
// returns (subscription-channel, false) — the caller should NOT start a
// fetch, only drain the channel. If none exists, it creates one and
// returns (nil, true) — the caller owns the fetch and must call Publish
// for every event, then Finish exactly once.
func (r *Registry[K, E]) Join(key K) (sub <-chan E, owner bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if g, ok := r.groups[key]; ok {
		return g.subscribe(), false
	}

	g := newGroup[E]()
	r.groups[key] = g
	return nil, true
}

// Subscribe attaches an additional listener to the owning caller's Group
// for key. It is a programmer error to call this for a key with no owner
// yet (use Join instead); it returns ok=false in that case.
func (r *Registry[K, E]) Subscribe(key K) (sub <-chan E, ok bool) {
	r.mu.Lock()
	g, exists := r.groups[key]
	r.mu.Unlock()
	if !exists {
		return nil, false
	}
	return g.subscribe(), true
}

// Publish broadcasts event to every current subscriber of key's Group.
// It is a no-op if key has no owning Group (e.g. Finish already ran).
func (r *Registry[K, E]) Publish(key K, event E) {
	r.mu.Lock()
	g, ok := r.groups[key]
	r.mu.Unlock()
	if !ok {
		return
	}
	g.publish(event)
}

// Finish closes out key's Group, delivering final to every subscriber
// (including any that joins in the narrow window before removal) and then
// removing the Group from the registry so a subsequent call starts fresh.
func (r *Registry[K, E]) Finish(key K, final E) {
	r.mu.Lock()
	g, ok := r.groups[key]
	if ok {
		delete(r.groups, key)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	g.finish(final)
}

// Unsubscribe detaches sub from key's Group (for a caller whose HTTP client
// disconnects mid-stream). It returns how many subscribers remain after
// removing this one — zero tells a caller that nobody is left listening to
// the underlying fetch, per spec.md §5's cancellation semantics — and
// ok=false if key has no Group.
func (r *Registry[K, E]) Unsubscribe(key K, sub <-chan E) (remaining int, ok bool) {
	r.mu.Lock()
	g, exists := r.groups[key]
	r.mu.Unlock()
	if !exists {
		return 0, false
	}
	return g.unsubscribe(sub), true
}

func (g *Group[E]) subscribe() <-chan E {
	g.mu.Lock()
	defer g.mu.Unlock()

	ch := make(chan E, len(g.history)+8)
	for _, e := range g.history {
		ch <- e
	}
	if g.done {
		ch <- g.final
		close(ch)
		return ch
	}

	id := g.nextID
	g.nextID++
	g.subscribers[id] = ch
	return ch
}

func (g *Group[E]) publish(event E) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.history = append(g.history, event)
	for _, ch := range g.subscribers {
		ch <- event
	}
}

func (g *Group[E]) finish(final E) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.done = true
	g.final = final
	for id, ch := range g.subscribers {
		ch <- final
		close(ch)
		delete(g.subscribers, id)
	}
}

func (g *Group[E]) unsubscribe(target <-chan E) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	for id, ch := range g.subscribers {
		if ch == target {
			close(ch)
			delete(g.subscribers, id)
			break
		}
	}
	return len(g.subscribers)
}
