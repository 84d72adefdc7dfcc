// Package links resolves the named links between events.
//
// Links are planned before an operation reaches storage: local references
// (by_ref) are resolved against the events of the operation and against the
// events committed by earlier operations of the same document, and every
// declared link is expanded into a forward and a reciprocal edge. Only by_uuid
// targets are left for storage to check.
package links

import (
	"strconv"

	"github.com/google/uuid"

	"github.com/eboa-io/eboa/internal/engine"
	"github.com/eboa-io/eboa/internal/faults"
)

type (
	// Registry maps the link references of committed events to their identifiers.
	// It lives for one document so later operations can link to earlier ones.
	// A Registry is not safe for concurrent use.
	Registry struct {
		refs map[string]uuid.UUID
	}

	// Result is the outcome of planning an operation's links.
	Result struct {
		Edges []engine.LinkEdge

		// Skipped counts links whose target was dropped from the operation.
		Skipped int
	}

	pair struct {
		a, b int
	}

	declaration struct {
		from    int
		forward string
		back    string
	}

	edgeKey struct {
		from, to engine.Endpoint
		name     string
	}
)

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{refs: make(map[string]uuid.UUID)}
}

// Lookup returns the identifier registered for a link reference.
func (r *Registry) Lookup(ref string) (uuid.UUID, bool) {
	id, ok := r.refs[ref]

	return id, ok
}

// Register records the identifier of a committed event.
func (r *Registry) Register(ref string, id uuid.UUID) {
	if ref != "" {
		r.refs[ref] = id
	}
}

// Len returns the number of registered references.
func (r *Registry) Len() int {
	return len(r.refs)
}

// CheckRefs indexes the link_ref of every event by event index. It fails with
// DuplicatedEventLinkRef when a reference is declared twice in events or was
// already committed by an earlier operation of the document.
func CheckRefs(events []engine.Event, registry *Registry) (map[string]int, error) {
	local := make(map[string]int)

	for _, e := range events {
		if e.LinkRef == "" {
			continue
		}

		if first, ok := local[e.LinkRef]; ok {
			return nil, faults.New(faults.DuplicatedEventLinkRef, "link_ref used by two events of the operation").
				With("link_ref", e.LinkRef).
				With("events", strconv.Itoa(first)+","+strconv.Itoa(e.Index))
		}

		if registry != nil {
			if _, ok := registry.Lookup(e.LinkRef); ok {
				return nil, faults.New(faults.DuplicatedEventLinkRef, "link_ref already used by an earlier operation").
					With("link_ref", e.LinkRef).
					With("event", strconv.Itoa(e.Index))
			}
		}

		local[e.LinkRef] = e.Index
	}

	return local, nil
}

// Plan validates the links of an operation's events and returns their edges.
//
// Parameters:
//   - events: the events of the operation, after clipping
//   - registry: references committed by earlier operations of the document (may be nil)
//   - dropped: references of events removed by clipping; links to them are skipped
//
// Errors:
//   - DuplicatedEventLinkRef: see CheckRefs
//   - UndefinedEventLink: a by_ref target matches no event
//   - LinksInconsistency: two events declare links to each other with contradicting names
func Plan(events []engine.Event, registry *Registry, dropped map[string]bool) (*Result, error) {
	if registry == nil {
		registry = NewRegistry()
	}

	local, err := CheckRefs(events, registry)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	declared := make(map[pair][]declaration)
	seen := make(map[edgeKey]bool)

	add := func(edge engine.LinkEdge) {
		key := edgeKey{from: edge.From, to: edge.To, name: edge.Name}
		if !seen[key] {
			seen[key] = true
			result.Edges = append(result.Edges, edge)
		}
	}

	for _, e := range events {
		from := engine.BatchEndpoint(e.Index)

		for _, l := range e.Links {
			to, ok, err := target(l, e.Index, local, registry, dropped)
			if err != nil {
				return nil, err
			}

			if !ok {
				result.Skipped++

				continue
			}

			back := l.BackRef
			if back == "" {
				back = l.Name
			}

			if to.InBatch() {
				if err := checkConsistency(declared, e.Index, to.Index, l.Name, back); err != nil {
					return nil, err
				}
			}

			add(engine.LinkEdge{From: from, To: to, Name: l.Name})
			add(engine.LinkEdge{From: to, To: from, Name: back})
		}
	}

	return result, nil
}

func target(
	l engine.EventLink,
	owner int,
	local map[string]int,
	registry *Registry,
	dropped map[string]bool,
) (engine.Endpoint, bool, error) {
	if l.Mode == engine.ByUUID {
		return engine.StoredEndpoint(l.Target), true, nil
	}

	if i, ok := local[l.Link]; ok {
		return engine.BatchEndpoint(i), true, nil
	}

	if id, ok := registry.Lookup(l.Link); ok {
		return engine.StoredEndpoint(id), true, nil
	}

	if dropped[l.Link] {
		return engine.Endpoint{}, false, nil
	}

	return engine.Endpoint{}, false, faults.New(faults.UndefinedEventLink, "link target matches no event").
		With("event", strconv.Itoa(owner)).
		With("link", l.Link)
}

// checkConsistency compares the declaration of a link from a to b with the
// declarations already seen between the same two events. A declaration from
// the other side must agree on both names or on neither.
func checkConsistency(declared map[pair][]declaration, a, b int, forward, back string) error {
	key := pair{a: min(a, b), b: max(a, b)}

	for _, d := range declared[key] {
		if d.from == a {
			continue
		}

		// d declares b -> a as d.forward and a -> b as d.back.
		forwardMatches := d.back == forward
		backMatches := d.forward == back

		if forwardMatches != backMatches {
			return faults.New(faults.LinksInconsistency, "links between two events disagree").
				With("events", strconv.Itoa(key.a)+","+strconv.Itoa(key.b)).
				With("name", forward).
				With("back_ref", back)
		}
	}

	declared[key] = append(declared[key], declaration{from: a, forward: forward, back: back})

	return nil
}
