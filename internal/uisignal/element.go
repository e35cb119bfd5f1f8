// Package uisignal implements the user-interface signal collaborator: an
// in-process hub over which the product frontend reports interaction events,
// content-region snapshots, and named out-of-band signals, plus the targeting
// engine that matches elements against selector expressions.
package uisignal

// Element is one node of a reported content region. It is a rendering-
// technology-neutral description: tag name, optional id, classes, and
// attributes.
type Element struct {
	Tag     string            `json:"tag"`
	ID      string            `json:"id,omitempty"`
	Classes []string          `json:"classes,omitempty"`
	Attrs   map[string]string `json:"attrs,omitempty"`

	Children []*Element `json:"children,omitempty"`

	// Parent is set by Normalize and is not part of the wire shape.
	Parent *Element `json:"-"`
}

// Normalize links parent pointers throughout the tree rooted at e. Snapshots
// arrive over the wire without parent links; matching with ancestor context
// needs them.
func (e *Element) Normalize() {
	for _, c := range e.Children {
		c.Parent = e
		c.Normalize()
	}
}

// HasClass reports whether the element carries the given class.
func (e *Element) HasClass(name string) bool {
	for _, c := range e.Classes {
		if c == name {
			return true
		}
	}
	return false
}

// Walk visits e and all descendants in depth-first order. The visit function
// returns false to stop early.
func (e *Element) Walk(visit func(*Element) bool) bool {
	if !visit(e) {
		return false
	}
	for _, c := range e.Children {
		if !c.Walk(visit) {
			return false
		}
	}
	return true
}

// Event is a single reported user interaction: a named event on a target
// element within a region. Target carries its ancestor chain via Parent
// links so selectors can match with ancestor context.
type Event struct {
	Region string
	Name   string
	Target *Element
}
