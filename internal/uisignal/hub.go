package uisignal

import "sync"

// Hub is the in-process implementation of the UI-signal collaborator. It
// exposes the five capabilities the detection engine depends on: named-event
// listeners scoped to a region, selector matching (via Selector), structural
// change observation, on-demand structural queries, and a named out-of-band
// signal channel.
//
// Listener callbacks are invoked synchronously on the goroutine that reports
// the event, outside the hub lock, so callbacks may register and unregister
// freely.
type Hub struct {
	mu     sync.RWMutex
	nextID int

	// region → event name → listener id → callback
	listeners map[string]map[string]map[int]func(Event)
	// region → observer id → callback
	observers map[string]map[int]func()
	// signal name → listener id → callback
	signals map[string]map[int]func()
	// region → current content snapshot
	regions map[string]*Element
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		listeners: make(map[string]map[string]map[int]func(Event)),
		observers: make(map[string]map[int]func()),
		signals:   make(map[string]map[int]func()),
		regions:   make(map[string]*Element),
	}
}

// RegionAny subscribes a listener or observer to every region, and widens a
// query to all known regions.
const RegionAny = ""

// Listen registers a callback for a named interaction event within a region.
// Passing RegionAny receives the event regardless of region. The returned
// cancel function unregisters it and is safe to call more than once.
func (h *Hub) Listen(region, event string, fn func(Event)) (cancel func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	byEvent, ok := h.listeners[region]
	if !ok {
		byEvent = make(map[string]map[int]func(Event))
		h.listeners[region] = byEvent
	}
	byID, ok := byEvent[event]
	if !ok {
		byID = make(map[int]func(Event))
		byEvent[event] = byID
	}

	h.nextID++
	id := h.nextID
	byID[id] = fn

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if byEvent, ok := h.listeners[region]; ok {
			if byID, ok := byEvent[event]; ok {
				delete(byID, id)
			}
		}
	}
}

// OnSignal registers a callback for a named out-of-band signal.
func (h *Hub) OnSignal(name string, fn func()) (cancel func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	byID, ok := h.signals[name]
	if !ok {
		byID = make(map[int]func())
		h.signals[name] = byID
	}
	h.nextID++
	id := h.nextID
	byID[id] = fn

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if byID, ok := h.signals[name]; ok {
			delete(byID, id)
		}
	}
}

// Observe registers a callback invoked whenever the region's content snapshot
// changes.
func (h *Hub) Observe(region string, fn func()) (cancel func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	byID, ok := h.observers[region]
	if !ok {
		byID = make(map[int]func())
		h.observers[region] = byID
	}
	h.nextID++
	id := h.nextID
	byID[id] = fn

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if byID, ok := h.observers[region]; ok {
			delete(byID, id)
		}
	}
}

// Dispatch delivers a reported interaction event to all listeners registered
// for its region and name.
func (h *Hub) Dispatch(ev Event) {
	if ev.Target != nil {
		ev.Target.Normalize()
	}

	h.mu.RLock()
	var fns []func(Event)
	for _, region := range []string{ev.Region, RegionAny} {
		if byEvent, ok := h.listeners[region]; ok {
			for _, fn := range byEvent[ev.Name] {
				fns = append(fns, fn)
			}
		}
	}
	h.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// Emit fires a named out-of-band signal.
func (h *Hub) Emit(name string) {
	h.mu.RLock()
	var fns []func()
	for _, fn := range h.signals[name] {
		fns = append(fns, fn)
	}
	h.mu.RUnlock()

	for _, fn := range fns {
		fn()
	}
}

// UpdateRegion replaces a region's content snapshot and notifies its
// observers. A nil root clears the region.
func (h *Hub) UpdateRegion(region string, root *Element) {
	if root != nil {
		root.Normalize()
	}

	h.mu.Lock()
	h.regions[region] = root
	var fns []func()
	for _, fn := range h.observers[region] {
		fns = append(fns, fn)
	}
	for _, fn := range h.observers[RegionAny] {
		fns = append(fns, fn)
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Query counts elements matching the given targeting expression in the
// region's current snapshot, or across every known region for RegionAny. A
// malformed expression returns an error; an unknown region yields zero
// matches.
func (h *Hub) Query(region, expr string) (int, error) {
	sel, err := Parse(expr)
	if err != nil {
		return 0, err
	}

	h.mu.RLock()
	var roots []*Element
	if region == RegionAny {
		for _, root := range h.regions {
			if root != nil {
				roots = append(roots, root)
			}
		}
	} else if root := h.regions[region]; root != nil {
		roots = append(roots, root)
	}
	h.mu.RUnlock()

	count := 0
	for _, root := range roots {
		root.Walk(func(e *Element) bool {
			if sel.Matches(e) {
				count++
			}
			return true
		})
	}
	return count, nil
}
