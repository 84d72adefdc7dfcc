package valuetree

import (
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/eboa-io/eboa/internal/faults"
)

const polygonPrefix = "POLYGON"

// timestampLayouts are tried in order. Layouts without a zone are read as UTC.
// Fractional seconds are accepted after the seconds field by every layout.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

func coerce(n Node) (Row, error) {
	row := Row{Name: n.Name, Type: n.Type, Value: n.Value}

	if n.Name == "" {
		return row, faults.New(faults.FileNotValid, "value without name").With("type", string(n.Type))
	}

	if n.Type != TypeObject && len(n.Values) > 0 {
		return row, faults.New(faults.FileNotValid, "nested values on a scalar node").With("name", n.Name)
	}

	var err error

	switch n.Type {
	case TypeText, TypeObject:
	case TypeBoolean:
		row.Boolean, err = ParseBoolean(n.Value)
	case TypeDouble:
		row.Double, err = ParseDouble(n.Value)
	case TypeTimestamp:
		row.Timestamp, err = ParseTimestamp(n.Value)
	case TypeGeometry:
		row.Geometry, err = ParseGeometry(n.Value)
	default:
		return row, faults.New(faults.FileNotValid, "unknown value type").
			With("name", n.Name).
			With("type", string(n.Type))
	}

	if err != nil {
		var fe *faults.Error
		if !errors.As(err, &fe) {
			fe = faults.Wrap(faults.InvalidValue, err, "")
		}

		return row, fe.With("name", n.Name).With("type", string(n.Type))
	}

	return row, nil
}

// ParseBoolean accepts "true" and "false" in any letter case.
func ParseBoolean(value string) (bool, error) {
	switch {
	case strings.EqualFold(value, "true"):
		return true, nil
	case strings.EqualFold(value, "false"):
		return false, nil
	}

	return false, faults.Newf(faults.InvalidValue, "%q is not a boolean", value)
}

// ParseDouble parses a finite decimal float.
func ParseDouble(value string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, faults.Newf(faults.InvalidValue, "%q is not a decimal number", value)
	}

	return f, nil
}

// ParseTimestamp parses an ISO-8601-like date-time. Values without zone are UTC.
func ParseTimestamp(value string) (time.Time, error) {
	v := strings.TrimSpace(value)

	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}

	return time.Time{}, faults.Newf(faults.InvalidValue, "%q is not a timestamp", value)
}

// ParseGeometry returns the WKT polygon for a geometry value.
//
// A value starting with POLYGON is passed through unchanged. Otherwise the value is a
// whitespace-separated list of coordinates "lon1 lat1 lon2 lat2 ..." which must hold
// an even number of numbers.
func ParseGeometry(value string) (string, error) {
	v := strings.TrimSpace(value)
	if strings.HasPrefix(strings.ToUpper(v), polygonPrefix) {
		return v, nil
	}

	coordinates := strings.Fields(v)
	if len(coordinates) == 0 {
		return "", faults.New(faults.InvalidValue, "empty geometry")
	}

	if len(coordinates)%2 != 0 {
		return "", faults.Newf(faults.OddNumberOfCoordinates,
			"geometry has %d coordinates", len(coordinates))
	}

	pairs := make([]string, 0, len(coordinates)/2)

	for i := 0; i < len(coordinates); i += 2 {
		for _, c := range coordinates[i : i+2] {
			if _, err := strconv.ParseFloat(c, 64); err != nil {
				return "", faults.Newf(faults.InvalidValue, "%q is not a coordinate", c)
			}
		}

		pairs = append(pairs, coordinates[i]+" "+coordinates[i+1])
	}

	return polygonPrefix + "((" + strings.Join(pairs, ",") + "))", nil
}
