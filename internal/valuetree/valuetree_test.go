package valuetree

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eboa-io/eboa/internal/faults"
)

func sampleTree() []Node {
	return []Node{
		{Name: "satellite", Type: TypeText, Value: "S2A"},
		{Name: "details", Type: TypeObject, Values: []Node{
			{Name: "station", Type: TypeText, Value: "MPS"},
			{Name: "antenna", Type: TypeObject, Values: []Node{
				{Name: "elevation", Type: TypeDouble, Value: "12.5"},
				{Name: "ok", Type: TypeBoolean, Value: "TRUE"},
			}},
		}},
		{Name: "quality", Type: TypeObject, Values: []Node{
			{Name: "footprint", Type: TypeObject, Values: []Node{
				{Name: "polygon", Type: TypeGeometry, Value: "1 2 3 4"},
			}},
			{Name: "checked_at", Type: TypeTimestamp, Value: "2018-06-05T08:07:03.123"},
		}},
	}
}

func TestFlatten_AddressesNodesPerParent(t *testing.T) {
	rows, err := Flatten(sampleTree())
	require.NoError(t, err)
	require.Len(t, rows, 10)

	byName := make(map[string]Row)
	for _, r := range rows {
		byName[r.Name] = r
	}

	assert.Equal(t, Row{Name: "satellite", Type: TypeText, Value: "S2A", Position: 0, ParentLevel: -1}, byName["satellite"])
	assert.Equal(t, 2, byName["quality"].Position)
	assert.Equal(t, -1, byName["quality"].ParentLevel)

	// Children of "details" (rank 1 at depth 0).
	assert.Equal(t, 0, byName["station"].Position)
	assert.Equal(t, 0, byName["station"].ParentLevel)
	assert.Equal(t, 1, byName["station"].ParentPosition)

	// "footprint" is position 0 below "quality" (rank 2 at depth 0).
	assert.Equal(t, 0, byName["footprint"].Position)
	assert.Equal(t, 2, byName["footprint"].ParentPosition)

	// Depth 1 ranks: station(0) antenna(1) footprint(2) checked_at(3).
	assert.Equal(t, 1, byName["elevation"].ParentLevel)
	assert.Equal(t, 1, byName["elevation"].ParentPosition)
	assert.Equal(t, 1, byName["ok"].Position)
	assert.Equal(t, 2, byName["polygon"].ParentPosition)

	assert.InDelta(t, 12.5, byName["elevation"].Double, 1e-9)
	assert.True(t, byName["ok"].Boolean)
	assert.Equal(t, "POLYGON((1 2,3 4))", byName["polygon"].Geometry)
	assert.Equal(t, time.Date(2018, 6, 5, 8, 7, 3, 123000000, time.UTC), byName["checked_at"].Timestamp)
}

func TestRebuild_RoundTrip(t *testing.T) {
	tree := sampleTree()

	rows, err := Flatten(tree)
	require.NoError(t, err)

	// Storage returns rows in arbitrary order.
	reversed := make([]Row, len(rows))
	for i, r := range rows {
		reversed[len(rows)-1-i] = r
	}

	rebuilt, err := Rebuild(reversed)
	require.NoError(t, err)
	assert.Equal(t, tree, rebuilt)
}

func TestRebuild_SameShapeObjectsStayApart(t *testing.T) {
	tree := []Node{
		{Name: "a", Type: TypeObject, Values: []Node{
			{Name: "x", Type: TypeObject, Values: []Node{{Name: "leaf", Type: TypeText, Value: "a.x"}}},
		}},
		{Name: "b", Type: TypeObject, Values: []Node{
			{Name: "x", Type: TypeObject, Values: []Node{{Name: "leaf", Type: TypeText, Value: "b.x"}}},
		}},
	}

	rows, err := Flatten(tree)
	require.NoError(t, err)

	rebuilt, err := Rebuild(rows)
	require.NoError(t, err)
	assert.Equal(t, tree, rebuilt)
}

func TestRebuild_ChildlessObject(t *testing.T) {
	tree := []Node{
		{Name: "empty", Type: TypeObject, Values: []Node{}},
		{Name: "outer", Type: TypeObject, Values: []Node{
			{Name: "inner", Type: TypeObject, Values: []Node{}},
		}},
	}

	rows, err := Flatten(tree)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	rebuilt, err := Rebuild(rows)
	require.NoError(t, err)
	assert.Equal(t, tree, rebuilt)
}

func TestRebuild_Empty(t *testing.T) {
	nodes, err := Rebuild(nil)
	require.NoError(t, err)
	assert.Nil(t, nodes)
}

func TestRebuild_RejectsOrphans(t *testing.T) {
	rows := []Row{
		{Name: "root", Type: TypeText, Value: "v", ParentLevel: -1},
		{Name: "child", Type: TypeText, Value: "v", ParentLevel: 0, ParentPosition: 0},
	}

	_, err := Rebuild(rows)
	assert.ErrorIs(t, err, faults.FileNotValid)
}

func TestFlatten_GeometryCoercion(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		want    string
		wantErr faults.Code
	}{
		{"even coordinates", "1 2 3 4", "POLYGON((1 2,3 4))", faults.OK},
		{"polygon literal", "POLYGON((1 2,3 4,1 2))", "POLYGON((1 2,3 4,1 2))", faults.OK},
		{"odd coordinates", "1 2 3", "", faults.OddNumberOfCoordinates},
		{"non numeric", "1 a 3 4", "", faults.InvalidValue},
		{"empty", "   ", "", faults.InvalidValue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows, err := Flatten([]Node{{Name: "footprint", Type: TypeGeometry, Value: tt.value}})
			if tt.wantErr != faults.OK {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, rows)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, rows[0].Geometry)
		})
	}
}

func TestFlatten_ScalarCoercion(t *testing.T) {
	tests := []struct {
		name    string
		node    Node
		wantErr faults.Code
	}{
		{"boolean lower", Node{Name: "v", Type: TypeBoolean, Value: "false"}, faults.OK},
		{"boolean mixed case", Node{Name: "v", Type: TypeBoolean, Value: "TrUe"}, faults.OK},
		{"boolean numeric", Node{Name: "v", Type: TypeBoolean, Value: "1"}, faults.InvalidValue},
		{"double", Node{Name: "v", Type: TypeDouble, Value: "-3.5e2"}, faults.OK},
		{"double text", Node{Name: "v", Type: TypeDouble, Value: "abc"}, faults.InvalidValue},
		{"double nan", Node{Name: "v", Type: TypeDouble, Value: "NaN"}, faults.InvalidValue},
		{"timestamp zone", Node{Name: "v", Type: TypeTimestamp, Value: "2018-06-05T02:07:03Z"}, faults.OK},
		{"timestamp date only", Node{Name: "v", Type: TypeTimestamp, Value: "2018-06-05"}, faults.OK},
		{"timestamp garbage", Node{Name: "v", Type: TypeTimestamp, Value: "yesterday"}, faults.InvalidValue},
		{"unknown type", Node{Name: "v", Type: "integer", Value: "1"}, faults.FileNotValid},
		{"missing name", Node{Type: TypeText, Value: "x"}, faults.FileNotValid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Flatten([]Node{tt.node})
			if tt.wantErr == faults.OK {
				assert.NoError(t, err)

				return
			}

			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestFlatten_FailureAbortsWholeTree(t *testing.T) {
	tree := []Node{
		{Name: "good", Type: TypeText, Value: "ok"},
		{Name: "nested", Type: TypeObject, Values: []Node{
			{Name: "bad", Type: TypeDouble, Value: "not-a-number"},
		}},
	}

	rows, err := Flatten(tree)
	require.Error(t, err)
	assert.Nil(t, rows)

	var fe *faults.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "bad", fe.Fields["name"])
}

func TestShift_AppendsAfterExistingTree(t *testing.T) {
	existing := sampleTree()
	extra := []Node{
		{Name: "late", Type: TypeObject, Values: []Node{
			{Name: "inner", Type: TypeObject, Values: []Node{{Name: "leaf", Type: TypeText, Value: "z"}}},
		}},
	}

	existingRows, err := Flatten(existing)
	require.NoError(t, err)

	extraRows, err := Flatten(extra)
	require.NoError(t, err)

	combined := append(existingRows, Shift(extraRows, LevelCounts(existingRows))...)

	rebuilt, err := Rebuild(combined)
	require.NoError(t, err)
	assert.Equal(t, append(existing, extra...), rebuilt)
}
