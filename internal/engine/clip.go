package engine

import (
	"strconv"
	"time"

	"github.com/eboa-io/eboa/internal/timeline"
)

// Repair kinds reported by ClipEvents.
const (
	RepairClippedStart = "clipped_start"
	RepairClippedStop  = "clipped_stop"
	RepairDropped      = "dropped"
)

// Repair records a change ClipEvents made to an event.
type Repair struct {
	Index int
	Kind  string
	Start time.Time
	Stop  time.Time
}

// ClipEvents fits events into the validity period of their source.
//
// Events partially outside the period are clipped to it and events entirely
// outside are dropped. Kept events retain their Index. The returned repairs
// describe every change, in event order.
func ClipEvents(events []Event, validityStart, validityStop time.Time) ([]Event, []Repair) {
	validity := []timeline.Segment{{ID: "validity", Start: validityStart, Stop: validityStop}}

	kept := make([]Event, 0, len(events))

	var repairs []Repair

	for _, e := range events {
		overlap := timeline.Intersect(
			[]timeline.Segment{{ID: strconv.Itoa(e.Index), Start: e.Start, Stop: e.Stop}},
			validity,
		)

		if len(overlap) == 0 {
			repairs = append(repairs, Repair{Index: e.Index, Kind: RepairDropped, Start: e.Start, Stop: e.Stop})

			continue
		}

		if start := overlap[0].Start; !start.Equal(e.Start) {
			repairs = append(repairs, Repair{Index: e.Index, Kind: RepairClippedStart, Start: e.Start, Stop: start})
			e.Start = start
		}

		if stop := overlap[0].Stop; !stop.Equal(e.Stop) {
			repairs = append(repairs, Repair{Index: e.Index, Kind: RepairClippedStop, Start: stop, Stop: e.Stop})
			e.Stop = stop
		}

		kept = append(kept, e)
	}

	return kept, repairs
}

// DroppedLinkRefs returns the link references of the events dropped by a clipping pass.
func DroppedLinkRefs(events []Event, repairs []Repair) map[string]bool {
	dropped := make(map[int]bool)

	for _, r := range repairs {
		if r.Kind == RepairDropped {
			dropped[r.Index] = true
		}
	}

	refs := make(map[string]bool)

	for _, e := range events {
		if dropped[e.Index] && e.LinkRef != "" {
			refs[e.LinkRef] = true
		}
	}

	return refs
}
