// Package timeline provides set operations over lists of time intervals.
//
// Every function is pure and expects its inputs sorted by start (see Sort).
// Intervals are closed on both ends and may have zero length; a zero-length
// interval contributes no duration but still takes part in overlap tests.
package timeline

import (
	"sort"
	"strings"
	"time"
)

type (
	// Segment is an identified interval with Start <= Stop.
	Segment struct {
		ID    string
		Start time.Time
		Stop  time.Time
	}

	// Tagged is a result interval carrying the ids of the segments it came from.
	Tagged struct {
		IDs   []string
		Start time.Time
		Stop  time.Time
	}

	// Interval is implemented by Segment and Tagged.
	Interval interface {
		Bounds() (start, stop time.Time)
	}
)

// Bounds returns the start and stop of the segment.
func (s Segment) Bounds() (time.Time, time.Time) { return s.Start, s.Stop }

// Bounds returns the start and stop of the tagged interval.
func (t Tagged) Bounds() (time.Time, time.Time) { return t.Start, t.Stop }

// Overlaps reports whether a and b share a non-empty instant range.
func Overlaps(a, b Interval) bool {
	aStart, aStop := a.Bounds()
	bStart, bStop := b.Bounds()

	return aStop.After(bStart) && aStart.Before(bStop)
}

// Sort orders segments by start, then stop. Equal segments keep their order.
func Sort(segments []Segment) {
	sort.SliceStable(segments, func(i, j int) bool {
		if !segments[i].Start.Equal(segments[j].Start) {
			return segments[i].Start.Before(segments[j].Start)
		}

		return segments[i].Stop.Before(segments[j].Stop)
	})
}

// Intersect returns, for every overlapping pair (a, b), the common interval
// tagged with both ids in that order.
func Intersect(a, b []Segment) []Tagged {
	var out []Tagged

	for _, x := range a {
		for _, y := range b {
			if !Overlaps(x, y) {
				continue
			}

			out = append(out, Tagged{
				IDs:   []string{x.ID, y.ID},
				Start: latest(x.Start, y.Start),
				Stop:  earliest(x.Stop, y.Stop),
			})
		}
	}

	return out
}

// Difference returns the intervals covered by exactly one of a and b, tagged
// with the ids of the covering segments of the owning list, ordered by start.
func Difference(a, b []Segment) []Tagged {
	out := append(Only(a, b), Only(b, a)...)

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Start.Before(out[j].Start)
	})

	return out
}

// Only returns the parts of a that no segment of b covers.
//
// Adjacent pieces covered by the same segments of a are coalesced. A zero-length
// segment of a is kept as is unless it overlaps some segment of b.
func Only(a, b []Segment) []Tagged {
	if len(a) == 0 {
		return nil
	}

	points := boundaries(a, b)

	var out []Tagged

	for i := 0; i+1 < len(points); i++ {
		piece := Segment{Start: points[i], Stop: points[i+1]}

		ids := covering(a, piece)
		if len(ids) == 0 || len(covering(b, piece)) > 0 {
			continue
		}

		if n := len(out); n > 0 && out[n-1].Stop.Equal(piece.Start) && sameIDs(out[n-1].IDs, ids) {
			out[n-1].Stop = piece.Stop

			continue
		}

		out = append(out, Tagged{IDs: ids, Start: piece.Start, Stop: piece.Stop})
	}

	for _, x := range a {
		if !x.Start.Equal(x.Stop) || overlapsAny(x, b) {
			continue
		}

		out = append(out, Tagged{IDs: []string{x.ID}, Start: x.Start, Stop: x.Stop})
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Start.Before(out[j].Start)
	})

	return out
}

// Merge coalesces overlapping or touching segments into maximal runs, each
// tagged with the ids of its contributing segments in input order.
func Merge(segments []Segment) []Tagged {
	if len(segments) == 0 {
		return nil
	}

	out := []Tagged{{IDs: []string{segments[0].ID}, Start: segments[0].Start, Stop: segments[0].Stop}}

	for _, s := range segments[1:] {
		last := &out[len(out)-1]

		if !s.Start.After(last.Stop) {
			last.IDs = append(last.IDs, s.ID)
			last.Stop = latest(last.Stop, s.Stop)

			continue
		}

		out = append(out, Tagged{IDs: []string{s.ID}, Start: s.Start, Stop: s.Stop})
	}

	return out
}

// Duration returns the summed length of the intervals in seconds.
func Duration[I Interval](intervals []I) float64 {
	var total time.Duration

	for _, i := range intervals {
		start, stop := i.Bounds()
		total += stop.Sub(start)
	}

	return total.Seconds()
}

// Segments turns tagged intervals back into segments whose id joins the tags with ",".
func Segments(tagged []Tagged) []Segment {
	out := make([]Segment, 0, len(tagged))
	for _, t := range tagged {
		out = append(out, Segment{ID: strings.Join(t.IDs, ","), Start: t.Start, Stop: t.Stop})
	}

	return out
}

func boundaries(a, b []Segment) []time.Time {
	points := make([]time.Time, 0, 2*(len(a)+len(b)))
	for _, list := range [][]Segment{a, b} {
		for _, s := range list {
			points = append(points, s.Start, s.Stop)
		}
	}

	sort.Slice(points, func(i, j int) bool { return points[i].Before(points[j]) })

	unique := points[:0]
	for _, p := range points {
		if len(unique) == 0 || !unique[len(unique)-1].Equal(p) {
			unique = append(unique, p)
		}
	}

	return unique
}

func covering(list []Segment, piece Segment) []string {
	var ids []string

	for _, s := range list {
		if !s.Start.After(piece.Start) && !s.Stop.Before(piece.Stop) && s.Start.Before(s.Stop) {
			ids = append(ids, s.ID)
		}
	}

	return ids
}

func overlapsAny(x Segment, list []Segment) bool {
	for _, y := range list {
		if Overlaps(x, y) {
			return true
		}
	}

	return false
}

func sameIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}

func latest(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}

	return b
}

func earliest(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}

	return b
}
