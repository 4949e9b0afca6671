package query

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dozerdb/cache-engine/internal/schema"
)

// Op is a comparison the planner and executor understand. Unlike the
// textual front end's ComparisonOp, there is deliberately no NotEquals:
// the restricted filter tree has no way to express it without a full
// scan, so the translation step rejects it at parse time.
type Op int

const (
	OpEq Op = iota
	OpLt
	OpLte
	OpGt
	OpGte
	OpFilterContains
)

func (o Op) String() string {
	switch o {
	case OpEq:
		return "="
	case OpLt:
		return "<"
	case OpLte:
		return "<="
	case OpGt:
		return ">"
	case OpGte:
		return ">="
	case OpFilterContains:
		return "~"
	default:
		return "?"
	}
}

func (o Op) isRange() bool {
	return o == OpLt || o == OpLte || o == OpGt || o == OpGte
}

// Filter is a tagged union: either a conjunction of simple field
// comparisons, or a single comparison. There is no OR or NOT node — a
// top-level OR becomes multiple QueryExpression values instead (see
// ParseExpressions), matching the planner's no-OR-at-this-layer input.
type Filter struct {
	isAnd  bool
	and    []Filter // the conjuncts, when isAnd is true (possibly empty: vacuously true)
	field  string
	fieldI int // resolved position into the schema, set by bind
	op     Op
	value  schema.Value
}

// And builds a conjunction filter. An empty conjunction is vacuously
// true — this is what an empty residual filter becomes after planning,
// and Matches must treat it as "always matches", not as a comparison
// against a zero-value field.
func And(filters []Filter) Filter { return Filter{isAnd: true, and: filters} }

// Simple builds a single field comparison.
func Simple(field string, op Op, value schema.Value) Filter {
	return Filter{field: field, fieldI: -1, op: op, value: value}
}

// IsAnd reports whether f is a conjunction (including an empty or
// single-element one).
func (f Filter) IsAnd() bool { return f.isAnd }

// Terms returns the conjuncts of an And filter, or a one-element slice
// containing f itself if f is a simple comparison.
func (f Filter) Terms() []Filter {
	if f.isAnd {
		return f.and
	}
	return []Filter{f}
}

func (f Filter) Field() string      { return f.field }
func (f Filter) FieldIndex() int    { return f.fieldI }
func (f Filter) Op() Op             { return f.op }
func (f Filter) Value() schema.Value { return f.value }

// ErrFilter is wrapped by every translation/binding failure in this file.
var ErrFilter = errors.New("query: invalid filter")

// bind resolves every field name in f against sch, filling in fieldI and
// rejecting unknown fields or type-mismatched values.
func bind(sch *schema.Schema, f Filter) (Filter, error) {
	if f.isAnd {
		bound := make([]Filter, len(f.and))
		for i, t := range f.and {
			b, err := bind(sch, t)
			if err != nil {
				return Filter{}, err
			}
			bound[i] = b
		}
		return Filter{isAnd: true, and: bound}, nil
	}
	fd, pos, ok := sch.FieldByName(f.field)
	if !ok {
		return Filter{}, fmt.Errorf("%w: unknown field %q", ErrFilter, f.field)
	}
	if f.op == OpFilterContains {
		if fd.Type != schema.FieldTypeString && fd.Type != schema.FieldTypeText {
			return Filter{}, fmt.Errorf("%w: contains is only valid on string/text fields, field %q is %s", ErrFilter, f.field, fd.Type)
		}
	} else if !f.value.IsNull() && f.value.Kind() != fd.Type {
		return Filter{}, fmt.Errorf("%w: field %q expects %s, got %s", ErrFilter, f.field, fd.Type, f.value.Kind())
	}
	f.fieldI = pos
	return f, nil
}

// OrderTerm is one (field, descending) pair from an ORDER BY clause.
type OrderTerm struct {
	Field      string
	FieldIndex int
	Descending bool
}

// QueryExpression is one fully resolved, independently-planned query: a
// Filter tree with no top-level OR, plus ordering and pagination. Parsing
// a query string that contains a top-level OR yields one QueryExpression
// per OR branch; the caller unions the results.
type QueryExpression struct {
	Filter  Filter
	OrderBy []OrderTerm
	Skip    int
	Limit   int
}

// DefaultLimit is applied when a query specifies none, per the executor's
// pagination contract.
const DefaultLimit = 50

// ParseExpressions parses a query string against sch, splitting a
// top-level OR into multiple expressions. OR nested inside a
// parenthesized group, and NOT anywhere, are rejected explicitly (not
// silently dropped) — the restricted filter tree has no way to represent
// them.
func ParseExpressions(sch *schema.Schema, input string, orderBy []OrderTerm, skip, limit int) ([]QueryExpression, error) {
	node, err := Parse(input)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrFilter, err)
	}

	branches, err := splitTopLevelOr(node)
	if err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = DefaultLimit
	}

	exprs := make([]QueryExpression, 0, len(branches))
	for _, b := range branches {
		f, err := nodeToFilter(b, true)
		if err != nil {
			return nil, err
		}
		bound, err := bind(sch, f)
		if err != nil {
			return nil, err
		}
		exprs = append(exprs, QueryExpression{Filter: bound, OrderBy: orderBy, Skip: skip, Limit: limit})
	}
	return exprs, nil
}

// splitTopLevelOr walks only the top-level OR spine (an OrNode is
// right-leaning from the parser's precedence climbing) and returns its
// leaves. A bare node with no top-level OR returns a single-element slice.
func splitTopLevelOr(n Node) ([]Node, error) {
	if or, ok := n.(*OrNode); ok {
		left, err := splitTopLevelOr(or.Left)
		if err != nil {
			return nil, err
		}
		right, err := splitTopLevelOr(or.Right)
		if err != nil {
			return nil, err
		}
		return append(left, right...), nil
	}
	return []Node{n}, nil
}

// nodeToFilter converts an AST node with no remaining top-level OR into a
// Filter. OR and NOT are rejected wherever they appear; topLevel is not
// consulted.
func nodeToFilter(n Node, topLevel bool) (Filter, error) {
	switch v := n.(type) {
	case *ComparisonNode:
		op, val, err := translateComparison(v)
		if err != nil {
			return Filter{}, err
		}
		return Simple(v.Field, op, val), nil
	case *AndNode:
		left, err := nodeToFilter(v.Left, false)
		if err != nil {
			return Filter{}, err
		}
		right, err := nodeToFilter(v.Right, false)
		if err != nil {
			return Filter{}, err
		}
		return And(append(left.Terms(), right.Terms()...)), nil
	case *OrNode:
		return Filter{}, fmt.Errorf("%w: OR is only allowed at the top level of a query", ErrFilter)
	case *NotNode:
		return Filter{}, fmt.Errorf("%w: NOT is not supported", ErrFilter)
	default:
		return Filter{}, fmt.Errorf("%w: unrecognized AST node %T", ErrFilter, n)
	}
}

func translateComparison(c *ComparisonNode) (Op, schema.Value, error) {
	var op Op
	switch c.Op {
	case OpEquals:
		op = OpEq
	case OpLess:
		op = OpLt
	case OpLessEq:
		op = OpLte
	case OpGreater:
		op = OpGt
	case OpGreaterEq:
		op = OpGte
	case OpContains:
		op = OpFilterContains
	case OpNotEquals:
		return 0, schema.Value{}, fmt.Errorf("%w: != has no index-backed plan; this engine offers no full-table scan fallback", ErrFilter)
	default:
		return 0, schema.Value{}, fmt.Errorf("%w: unsupported operator %s", ErrFilter, c.Op)
	}

	val, err := coerceTokenValue(c.Value, c.ValueType)
	return op, val, err
}

// coerceTokenValue converts a raw token into an untyped schema.Value
// whose Kind binding happens later against the schema (bind rejects a
// mismatch). "null" is recognized as the literal sentinel regardless of
// surrounding field type, resolved to the field's Kind lazily is not
// possible here, so a bare Null with FieldTypeInt64 placeholder is used
// and bind is responsible for accepting it for any field type.
func coerceTokenValue(raw string, kind TokenType) (schema.Value, error) {
	if kind == TokenIdent && strings.EqualFold(raw, "null") {
		return schema.Null(schema.FieldTypeInt64), nil
	}
	switch kind {
	case TokenString, TokenIdent:
		return schema.StringValue(raw), nil
	case TokenNumber:
		if strings.Contains(raw, ".") {
			f, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return schema.Value{}, fmt.Errorf("%w: bad numeric literal %q: %s", ErrFilter, raw, err)
			}
			return schema.Float64Value(f), nil
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return schema.Value{}, fmt.Errorf("%w: bad integer literal %q: %s", ErrFilter, raw, err)
		}
		return schema.IntValue(schema.FieldTypeInt64, n), nil
	case TokenDuration:
		d, err := parseDurationLiteral(raw)
		if err != nil {
			return schema.Value{}, err
		}
		return schema.DurationValue(d), nil
	default:
		return schema.Value{}, fmt.Errorf("%w: unexpected value token kind %v", ErrFilter, kind)
	}
}

// parseDurationLiteral parses the lexer's "7d"/"24h"-style tokens. Only
// the suffixes the lexer itself recognizes as duration terminators need
// handling here.
func parseDurationLiteral(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, fmt.Errorf("%w: empty duration literal", ErrFilter)
	}
	suffix := raw[len(raw)-1]
	numPart := raw[:len(raw)-1]
	n, err := strconv.ParseInt(numPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad duration literal %q: %s", ErrFilter, raw, err)
	}
	switch suffix {
	case 's', 'S':
		return time.Duration(n) * time.Second, nil
	case 'm', 'M':
		return time.Duration(n) * time.Minute, nil
	case 'h', 'H':
		return time.Duration(n) * time.Hour, nil
	case 'd', 'D':
		return time.Duration(n) * 24 * time.Hour, nil
	case 'w', 'W':
		return time.Duration(n) * 7 * 24 * time.Hour, nil
	case 'y', 'Y':
		return time.Duration(n) * 365 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("%w: unknown duration suffix %q", ErrFilter, string(suffix))
	}
}

// Matches evaluates f against rec directly, used by the executor to apply
// residual (non-index-covered) filters after hydration.
func Matches(sch *schema.Schema, f Filter, rec schema.Record) bool {
	if f.isAnd {
		for _, t := range f.and {
			if !Matches(sch, t, rec) {
				return false
			}
		}
		return true
	}
	v := rec.Values[f.fieldI]
	if f.op == OpFilterContains {
		return !v.IsNull() && strings.Contains(strings.ToLower(v.String()), strings.ToLower(f.value.String()))
	}
	if f.value.IsNull() {
		cmp := -1
		if v.IsNull() {
			cmp = 0
		}
		return compareWithOp(cmp, f.op)
	}
	if v.IsNull() {
		return compareWithOp(1, f.op)
	}
	return compareWithOp(v.Compare(f.value), f.op)
}

func compareWithOp(cmp int, op Op) bool {
	switch op {
	case OpEq:
		return cmp == 0
	case OpLt:
		return cmp < 0
	case OpLte:
		return cmp <= 0
	case OpGt:
		return cmp > 0
	case OpGte:
		return cmp >= 0
	default:
		return false
	}
}
