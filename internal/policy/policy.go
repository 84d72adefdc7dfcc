// Package policy implements the storage-independent half of the insertion
// policies: the validation pass run before an operation touches storage, the
// deterministic grouping of events per gauge and the priority arithmetic
// used when stored events compete with incoming ones.
package policy

import (
	"sort"
	"strconv"
	"time"

	"github.com/eboa-io/eboa/internal/engine"
	"github.com/eboa-io/eboa/internal/faults"
	"github.com/eboa-io/eboa/internal/timeline"
)

type (
	// GaugeKey identifies a gauge within one operation. The DIM signature
	// is shared by every event of an operation so it is not part of the key.
	GaugeKey struct {
		Name   string
		System string
	}

	// Group holds the events of one gauge in operation order.
	Group struct {
		Gauge  GaugeKey
		Events []engine.Event
	}
)

// Validate checks the insertion policies of an operation's events.
//
// Checks per gauge:
//   - at most one SET_COUNTER event (DuplicatedSetCounter)
//   - no SET_COUNTER together with UPDATE_COUNTER (MixedOperationsWithCounter)
//   - a source priority for every *_with_PRIORITY event (PriorityNotDefined)
//   - a key for every EVENT_KEYS event (FileNotValid) and no key twice (DuplicatedEventKey)
func Validate(src engine.Source, events []engine.Event) error {
	for _, g := range GroupByGauge(events) {
		var setCounters, updateCounters int

		keys := make(map[string]int)

		for _, e := range g.Events {
			it := e.Gauge.InsertionType

			if it.RequiresPriority() && src.Priority == nil {
				return faults.Newf(faults.PriorityNotDefined, "%s requires a source priority", it).
					With("source", src.Name).
					With("gauge", g.Gauge.Name)
			}

			switch {
			case it == engine.SetCounter:
				setCounters++
			case it == engine.UpdateCounter:
				updateCounters++
			case it.UsesKeys():
				if e.Key == "" {
					return faults.Newf(faults.FileNotValid, "%s event without key", it).
						With("gauge", g.Gauge.Name).
						With("event", strconv.Itoa(e.Index))
				}

				if first, seen := keys[e.Key]; seen {
					return faults.New(faults.DuplicatedEventKey, "event key used twice in the operation").
						With("gauge", g.Gauge.Name).
						With("key", e.Key).
						With("events", strconv.Itoa(first)+","+strconv.Itoa(e.Index))
				}

				keys[e.Key] = e.Index
			}
		}

		if setCounters > 1 {
			return faults.Newf(faults.DuplicatedSetCounter, "%d SET_COUNTER events for one gauge", setCounters).
				With("gauge", g.Gauge.Name).
				With("system", g.Gauge.System)
		}

		if setCounters > 0 && updateCounters > 0 {
			return faults.New(faults.MixedOperationsWithCounter, "SET_COUNTER and UPDATE_COUNTER for one gauge").
				With("gauge", g.Gauge.Name).
				With("system", g.Gauge.System)
		}
	}

	return nil
}

// ValidateAnnotations fails with PriorityNotDefined when an annotation uses a
// *_with_PRIORITY policy and src has no priority.
func ValidateAnnotations(src engine.Source, annotations []engine.Annotation) error {
	if src.Priority != nil {
		return nil
	}

	for _, a := range annotations {
		if it := a.Config.InsertionType; it.RequiresPriority() {
			return faults.Newf(faults.PriorityNotDefined, "%s requires a source priority", it).
				With("source", src.Name).
				With("annotation", a.Config.Name).
				With("index", strconv.Itoa(a.Index))
		}
	}

	return nil
}

// GroupByGauge splits events per gauge. Groups are sorted by (name, system) so
// gauge rows are always created and locked in the same order.
func GroupByGauge(events []engine.Event) []Group {
	index := make(map[GaugeKey]int)

	var groups []Group

	for _, e := range events {
		key := GaugeKey{Name: e.Gauge.Name, System: e.Gauge.System}

		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, Group{Gauge: key})
		}

		groups[i].Events = append(groups[i].Events, e)
	}

	sort.SliceStable(groups, func(i, j int) bool {
		if groups[i].Gauge.Name != groups[j].Gauge.Name {
			return groups[i].Gauge.Name < groups[j].Gauge.Name
		}

		return groups[i].Gauge.System < groups[j].Gauge.System
	})

	return groups
}

// Window returns the smallest interval holding every given interval.
// ok is false when no interval is given.
func Window[I timeline.Interval](sets ...[]I) (start, stop time.Time, ok bool) {
	for _, set := range sets {
		for _, i := range set {
			s, e := i.Bounds()

			if !ok || s.Before(start) {
				start = s
			}

			if !ok || e.After(stop) {
				stop = e
			}

			ok = true
		}
	}

	return start, stop, ok
}

// Supersedes reports whether an incoming event replaces a stored one.
// The higher priority wins; on equal priority the incoming event wins.
func Supersedes(incomingPriority, storedPriority int) bool {
	return incomingPriority >= storedPriority
}

// ResolvePriority removes from an incoming event the parts covered by stronger
// stored events and returns the surviving fragments in time order.
//
// Every fragment shares the event values. Only the first fragment keeps the
// link reference and the links, so a link target stays unique. A fully covered
// event yields no fragment.
func ResolvePriority(incoming engine.Event, stronger []timeline.Segment) []engine.Event {
	if len(stronger) == 0 {
		return []engine.Event{incoming}
	}

	sorted := append([]timeline.Segment(nil), stronger...)
	timeline.Sort(sorted)

	coverage := timeline.Segments(timeline.Merge(sorted))
	pieces := timeline.Only(
		[]timeline.Segment{{ID: strconv.Itoa(incoming.Index), Start: incoming.Start, Stop: incoming.Stop}},
		coverage,
	)

	fragments := make([]engine.Event, 0, len(pieces))

	for i, p := range pieces {
		f := incoming
		f.Start = p.Start
		f.Stop = p.Stop

		if i > 0 {
			f.LinkRef = ""
			f.Links = nil
		}

		fragments = append(fragments, f)
	}

	return fragments
}
