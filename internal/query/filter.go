// Package query provides the typed filters of the query facade.
//
// Filters form a closed set: StringFilter, FloatFilter, TimeFilter and
// ListFilter. Each accepts the operators listed in a fixed table and renders
// itself into a SQL predicate with positional parameters through a Builder.
// Nothing is evaluated dynamically; an operator outside the table of its
// filter kind is rejected with ErrUnsupportedOperator.
package query

import (
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Op is a filter operator.
type Op string

// Operators.
const (
	Eq      Op = "=="
	Ne      Op = "!="
	Lt      Op = "<"
	Le      Op = "<="
	Gt      Op = ">"
	Ge      Op = ">="
	In      Op = "in"
	NotIn   Op = "notin"
	Like    Op = "like"
	NotLike Op = "notlike"
)

// ErrUnsupportedOperator is returned when a filter is used with an operator its kind does not accept.
var ErrUnsupportedOperator = errors.New("unsupported filter operator")

type kind int

const (
	kindString kind = iota
	kindFloat
	kindTime
	kindList
)

var kindNames = map[kind]string{
	kindString: "string",
	kindFloat:  "float",
	kindTime:   "time",
	kindList:   "list",
}

var comparison = map[Op]string{
	Eq: "=",
	Ne: "<>",
	Lt: "<",
	Le: "<=",
	Gt: ">",
	Ge: ">=",
}

// operators is the dispatch table: the SQL template of every accepted
// (kind, operator) pair. %[1]s is the column and %[2]s the parameter.
var operators = map[kind]map[Op]string{
	kindString: withComparisons(map[Op]string{
		Like:    "%[1]s LIKE %[2]s",
		NotLike: "%[1]s NOT LIKE %[2]s",
	}),
	kindFloat: withComparisons(map[Op]string{}),
	kindTime:  withComparisons(map[Op]string{}),
	kindList: {
		In:    "%[1]s = ANY(%[2]s)",
		NotIn: "NOT (%[1]s = ANY(%[2]s))",
	},
}

func withComparisons(table map[Op]string) map[Op]string {
	for op, sqlOp := range comparison {
		table[op] = "%[1]s " + sqlOp + " %[2]s"
	}

	return table
}

type (
	// Filter is implemented by the four filter kinds of this package only.
	Filter interface {
		kind() kind
		operator() Op
		value() any
	}

	// StringFilter compares a text column.
	StringFilter struct {
		Value string
		Op    Op
	}

	// FloatFilter compares a numeric column.
	FloatFilter struct {
		Value float64
		Op    Op
	}

	// TimeFilter compares a timestamp column.
	TimeFilter struct {
		Value time.Time
		Op    Op
	}

	// ListFilter tests membership of a text column in a set.
	ListFilter struct {
		Values []string
		Op     Op
	}
)

func (f StringFilter) kind() kind   { return kindString }
func (f StringFilter) operator() Op { return f.Op }
func (f StringFilter) value() any   { return f.Value }

func (f FloatFilter) kind() kind   { return kindFloat }
func (f FloatFilter) operator() Op { return f.Op }
func (f FloatFilter) value() any   { return f.Value }

func (f TimeFilter) kind() kind   { return kindTime }
func (f TimeFilter) operator() Op { return f.Op }
func (f TimeFilter) value() any   { return f.Value.UTC() }

func (f ListFilter) kind() kind   { return kindList }
func (f ListFilter) operator() Op { return f.Op }
func (f ListFilter) value() any   { return pq.Array(f.Values) }

// Str returns a StringFilter.
func Str(op Op, value string) StringFilter { return StringFilter{Value: value, Op: op} }

// Float returns a FloatFilter.
func Float(op Op, value float64) FloatFilter { return FloatFilter{Value: value, Op: op} }

// Time returns a TimeFilter.
func Time(op Op, value time.Time) TimeFilter { return TimeFilter{Value: value, Op: op} }

// List returns a ListFilter.
func List(op Op, values ...string) ListFilter { return ListFilter{Values: values, Op: op} }

// Validate checks that the filter accepts its operator.
func Validate(f Filter) error {
	if _, ok := operators[f.kind()][f.operator()]; !ok {
		return fmt.Errorf("%w: %q on %s filter", ErrUnsupportedOperator, f.operator(), kindNames[f.kind()])
	}

	return nil
}

// Builder accumulates SQL predicates joined with AND and their positional parameters.
//
// Example:
//
//	b := query.NewBuilder()
//	_ = b.Add("g.name", query.Str(query.Like, "PLANNED_%"))
//	b.Where("e.status = %s", "ACTIVE")
//	rows, err := db.QueryContext(ctx, "SELECT ... FROM events e"+b.Clause(), b.Args()...)
type Builder struct {
	conds []string
	args  []any
}

// NewBuilder creates an empty builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Param registers a parameter and returns its placeholder.
func (b *Builder) Param(v any) string {
	b.args = append(b.args, v)

	return fmt.Sprintf("$%d", len(b.args))
}

// Add appends the predicate of a filter on a column. A nil filter is ignored.
func (b *Builder) Add(column string, f Filter) error {
	if f == nil {
		return nil
	}

	if err := Validate(f); err != nil {
		return fmt.Errorf("%s: %w", column, err)
	}

	tmpl := operators[f.kind()][f.operator()]
	b.conds = append(b.conds, fmt.Sprintf(tmpl, column, b.Param(f.value())))

	return nil
}

// Where appends a raw predicate. Each %s in cond is replaced by the placeholder
// of the matching argument.
func (b *Builder) Where(cond string, args ...any) {
	placeholders := make([]any, len(args))
	for i, a := range args {
		placeholders[i] = b.Param(a)
	}

	b.conds = append(b.conds, fmt.Sprintf(cond, placeholders...))
}

// Clause returns " WHERE ..." or an empty string when no predicate was added.
func (b *Builder) Clause() string {
	if len(b.conds) == 0 {
		return ""
	}

	clause := " WHERE " + b.conds[0]
	for _, c := range b.conds[1:] {
		clause += " AND " + c
	}

	return clause
}

// Args returns the parameters in placeholder order.
func (b *Builder) Args() []any {
	return b.args
}
