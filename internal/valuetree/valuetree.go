// Package valuetree implements the typed value trees attached to events and annotations.
//
// A tree is a list of named nodes. Leaf nodes carry a scalar of kind text, double,
// boolean, timestamp or geometry; object nodes nest further nodes. For storage a tree
// is flattened into position-addressed rows and rebuilt from them on query:
//
//   - Position: 0-based index of the node among the siblings of its parent.
//   - ParentLevel: depth of the parent, -1 for root-level nodes.
//   - ParentPosition: ordinal of the parent among all nodes of the parent's depth,
//     taken in (ParentPosition, Position) order. Root-level nodes use 0.
//
// With this addressing (ParentLevel, ParentPosition) identifies a parent uniquely,
// so the position counter is scoped per parent and Rebuild(Flatten(t)) == t.
package valuetree

import (
	"sort"
	"strconv"
	"time"

	"github.com/eboa-io/eboa/internal/faults"
)

// Type is the kind of a node.
type Type string

// Node kinds.
const (
	TypeText      Type = "text"
	TypeDouble    Type = "double"
	TypeBoolean   Type = "boolean"
	TypeTimestamp Type = "timestamp"
	TypeGeometry  Type = "geometry"
	TypeObject    Type = "object"
)

// RootLevel is the parent level of root-level nodes.
const RootLevel = -1

type (
	// Node is one named value of a tree.
	// Object nodes use Values; every other kind uses Value.
	Node struct {
		Name   string `json:"name"`
		Type   Type   `json:"type"`
		Value  string `json:"value,omitempty"`
		Values []Node `json:"values,omitempty"`
	}

	// Row is the flattened, storage-ready form of a node.
	//
	// Value keeps the lexical form received so the tree rebuilds exactly. The typed
	// field matching Type holds the coerced value used for querying.
	Row struct {
		Name           string
		Type           Type
		Value          string
		Double         float64
		Boolean        bool
		Timestamp      time.Time
		Geometry       string
		Position       int
		ParentLevel    int
		ParentPosition int
	}

	group struct {
		nodes          []Node
		parentLevel    int
		parentPosition int
	}

	rowKey struct {
		level, parentPosition, position int
	}

	built struct {
		node     Node
		children []*built
	}
)

// IsValid reports whether t is a known node kind.
func (t Type) IsValid() bool {
	switch t {
	case TypeText, TypeDouble, TypeBoolean, TypeTimestamp, TypeGeometry, TypeObject:
		return true
	}

	return false
}

// Level returns the depth of the node the row describes.
func (r Row) Level() int {
	return r.ParentLevel + 1
}

// Flatten converts a tree into rows, coercing every scalar.
// Any failing node aborts the whole tree: no rows are returned with an error.
func Flatten(nodes []Node) ([]Row, error) {
	var rows []Row

	ranks := make(map[int]int)
	queue := []group{{nodes: nodes, parentLevel: RootLevel, parentPosition: 0}}

	// Breadth-first traversal assigns level ranks in (parent_position, position) order.
	for len(queue) > 0 {
		g := queue[0]
		queue = queue[1:]
		level := g.parentLevel + 1

		for i, n := range g.nodes {
			rank := ranks[level]
			ranks[level]++

			row, err := coerce(n)
			if err != nil {
				return nil, err
			}

			row.Position = i
			row.ParentLevel = g.parentLevel
			row.ParentPosition = g.parentPosition
			rows = append(rows, row)

			if n.Type == TypeObject {
				queue = append(queue, group{nodes: n.Values, parentLevel: level, parentPosition: rank})
			}
		}
	}

	return rows, nil
}

// Rebuild converts rows back into a tree.
// Rows may come in any order. Objects always rebuild with a non-nil Values
// slice, empty for a childless object.
func Rebuild(rows []Row) ([]Node, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	byLevel := make(map[int][]Row)
	seen := make(map[rowKey]bool, len(rows))
	maxLevel := 0

	for _, r := range rows {
		key := rowKey{level: r.Level(), parentPosition: r.ParentPosition, position: r.Position}
		if seen[key] {
			return nil, faults.New(faults.FileNotValid, "duplicated value position").
				With("name", r.Name).
				With("position", strconv.Itoa(r.Position))
		}

		seen[key] = true

		if r.ParentLevel < RootLevel {
			return nil, faults.New(faults.FileNotValid, "negative parent level").With("name", r.Name)
		}

		byLevel[r.Level()] = append(byLevel[r.Level()], r)

		if r.Level() > maxLevel {
			maxLevel = r.Level()
		}
	}

	levels := make([][]*built, maxLevel+1)

	for level := 0; level <= maxLevel; level++ {
		rs := byLevel[level]
		sort.Slice(rs, func(i, j int) bool {
			if rs[i].ParentPosition != rs[j].ParentPosition {
				return rs[i].ParentPosition < rs[j].ParentPosition
			}

			return rs[i].Position < rs[j].Position
		})

		levels[level] = make([]*built, len(rs))

		for rank, r := range rs {
			b := &built{node: Node{Name: r.Name, Type: r.Type, Value: r.Value}}
			levels[level][rank] = b

			if level == 0 {
				if r.ParentPosition != 0 {
					return nil, faults.New(faults.FileNotValid, "root value with a parent position").With("name", r.Name)
				}

				continue
			}

			parents := levels[level-1]
			if r.ParentPosition < 0 || r.ParentPosition >= len(parents) {
				return nil, faults.New(faults.FileNotValid, "value without parent").With("name", r.Name)
			}

			parent := parents[r.ParentPosition]
			if parent.node.Type != TypeObject {
				return nil, faults.New(faults.FileNotValid, "value parent is not an object").
					With("name", r.Name).
					With("parent", parent.node.Name)
			}

			parent.children = append(parent.children, b)
		}
	}

	if len(levels) == 0 {
		return nil, nil
	}

	roots := make([]Node, 0, len(levels[0]))
	for _, b := range levels[0] {
		roots = append(roots, b.materialize())
	}

	return roots, nil
}

func (b *built) materialize() Node {
	n := b.node
	if n.Type == TypeObject {
		n.Values = make([]Node, 0, len(b.children))
		for _, c := range b.children {
			n.Values = append(n.Values, c.materialize())
		}
	}

	return n
}

// LevelCounts returns the number of nodes per depth.
func LevelCounts(rows []Row) map[int]int {
	counts := make(map[int]int)
	for _, r := range rows {
		counts[r.Level()]++
	}

	return counts
}

// Shift readdresses rows of a new tree so they can be appended after an existing
// tree whose per-depth node counts are given. The existing rows stay untouched and
// the combined rows rebuild into the existing roots followed by the new ones.
func Shift(rows []Row, existing map[int]int) []Row {
	shifted := make([]Row, len(rows))

	for i, r := range rows {
		if r.ParentLevel == RootLevel {
			r.Position += existing[0]
		} else {
			r.ParentPosition += existing[r.ParentLevel]
		}

		shifted[i] = r
	}

	return shifted
}
