// Package segment evaluates audience match criteria and places attendees
// into breakout rooms.
package segment

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/spf13/cast"

	"github.com/dkeye/Breakout/internal/domain"
)

var knownOperators = map[domain.Operator]bool{
	domain.OpEquals: true, domain.OpNotEquals: true,
	domain.OpContains: true, domain.OpNotContains: true,
	domain.OpStartsWith: true, domain.OpEndsWith: true,
	domain.OpIn: true, domain.OpNotIn: true,
	domain.OpGt: true, domain.OpGte: true, domain.OpLt: true, domain.OpLte: true,
	domain.OpExists: true, domain.OpRegex: true,
}

var patterns sync.Map // string -> *regexp.Regexp

func compile(pattern string) (*regexp.Regexp, error) {
	if re, ok := patterns.Load(pattern); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	patterns.Store(pattern, re)
	return re, nil
}

// ValidateCriteria rejects malformed criteria. A nil criteria is valid and
// marks a segment that is only populated by hand.
func ValidateCriteria(c *domain.Criteria) error {
	if c == nil {
		return nil
	}
	forms := 0
	if c.Field != "" || c.Operator != "" {
		forms++
	}
	if len(c.All) > 0 {
		forms++
	}
	if len(c.Any) > 0 {
		forms++
	}
	if forms != 1 {
		return fmt.Errorf("%w: criteria must be exactly one of condition, all or any", domain.ErrValidation)
	}
	conds := c.All
	if len(c.Any) > 0 {
		conds = c.Any
	}
	if len(conds) == 0 {
		conds = []domain.Condition{c.Condition}
	}
	for i, cond := range conds {
		if err := validateCondition(cond); err != nil {
			return fmt.Errorf("condition %d: %w", i, err)
		}
	}
	return nil
}

func validateCondition(c domain.Condition) error {
	if c.Field == "" {
		return fmt.Errorf("%w: field required", domain.ErrValidation)
	}
	if !knownOperators[c.Operator] {
		return fmt.Errorf("%w: unknown operator %q", domain.ErrValidation, c.Operator)
	}
	switch c.Operator {
	case domain.OpExists:
		if c.Value != nil {
			if _, err := cast.ToBoolE(c.Value); err != nil {
				return fmt.Errorf("%w: exists takes a boolean", domain.ErrValidation)
			}
		}
	case domain.OpIn, domain.OpNotIn:
		if _, ok := toList(c.Value); !ok {
			return fmt.Errorf("%w: %s takes a list", domain.ErrValidation, c.Operator)
		}
	case domain.OpRegex:
		pattern, err := cast.ToStringE(c.Value)
		if err != nil {
			return fmt.Errorf("%w: regex takes a string", domain.ErrValidation)
		}
		if _, err := compile(pattern); err != nil {
			return fmt.Errorf("%w: bad regex: %v", domain.ErrValidation, err)
		}
	default:
		if c.Value == nil {
			return fmt.Errorf("%w: %s needs a value", domain.ErrValidation, c.Operator)
		}
	}
	return nil
}

// Match evaluates c against an attendee attribute map. A nil criteria
// never matches.
func Match(c *domain.Criteria, attrs map[string]any) bool {
	if c == nil {
		return false
	}
	switch {
	case len(c.All) > 0:
		for _, cond := range c.All {
			if !Eval(cond, attrs) {
				return false
			}
		}
		return true
	case len(c.Any) > 0:
		for _, cond := range c.Any {
			if Eval(cond, attrs) {
				return true
			}
		}
		return false
	case c.Field != "":
		return Eval(c.Condition, attrs)
	}
	return false
}

// lookup resolves dotted field paths through nested maps.
func lookup(attrs map[string]any, field string) (any, bool) {
	if v, ok := attrs[field]; ok {
		return v, v != nil
	}
	parts := strings.Split(field, ".")
	var cur any = attrs
	for _, p := range parts {
		m, err := cast.ToStringMapE(cur)
		if err != nil {
			return nil, false
		}
		v, ok := m[p]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, cur != nil
}

// Eval evaluates one condition. String comparisons are case-sensitive.
// A missing attribute satisfies only the negative operators.
func Eval(c domain.Condition, attrs map[string]any) bool {
	v, present := lookup(attrs, c.Field)
	if c.Operator == domain.OpExists {
		want := true
		if c.Value != nil {
			want = cast.ToBool(c.Value)
		}
		return present == want
	}
	if !present {
		switch c.Operator {
		case domain.OpNotEquals, domain.OpNotContains, domain.OpNotIn:
			return true
		}
		return false
	}

	switch c.Operator {
	case domain.OpEquals:
		return equal(v, c.Value)
	case domain.OpNotEquals:
		return !equal(v, c.Value)
	case domain.OpContains:
		return contains(v, c.Value)
	case domain.OpNotContains:
		return !contains(v, c.Value)
	case domain.OpStartsWith:
		return strings.HasPrefix(cast.ToString(v), cast.ToString(c.Value))
	case domain.OpEndsWith:
		return strings.HasSuffix(cast.ToString(v), cast.ToString(c.Value))
	case domain.OpIn:
		return in(v, c.Value)
	case domain.OpNotIn:
		return !in(v, c.Value)
	case domain.OpGt, domain.OpGte, domain.OpLt, domain.OpLte:
		cmp, ok := compare(v, c.Value)
		if !ok {
			return false
		}
		switch c.Operator {
		case domain.OpGt:
			return cmp > 0
		case domain.OpGte:
			return cmp >= 0
		case domain.OpLt:
			return cmp < 0
		default:
			return cmp <= 0
		}
	case domain.OpRegex:
		re, err := compile(cast.ToString(c.Value))
		if err != nil {
			return false
		}
		return re.MatchString(cast.ToString(v))
	}
	return false
}

func isNumber(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return true
	}
	return false
}

func equal(a, b any) bool {
	if list, ok := toList(a); ok {
		for _, x := range list {
			if equal(x, b) {
				return true
			}
		}
		return false
	}
	if _, ok := a.(bool); ok {
		bb, err := cast.ToBoolE(b)
		return err == nil && bb == a.(bool)
	}
	if isNumber(a) || isNumber(b) {
		fa, errA := cast.ToFloat64E(a)
		fb, errB := cast.ToFloat64E(b)
		if errA == nil && errB == nil {
			return fa == fb
		}
	}
	sa, errA := cast.ToStringE(a)
	sb, errB := cast.ToStringE(b)
	return errA == nil && errB == nil && sa == sb
}

func contains(v, needle any) bool {
	if list, ok := toList(v); ok {
		for _, x := range list {
			if equal(x, needle) {
				return true
			}
		}
		return false
	}
	return strings.Contains(cast.ToString(v), cast.ToString(needle))
}

func in(v, set any) bool {
	list, ok := toList(set)
	if !ok {
		return false
	}
	for _, x := range list {
		if equal(v, x) {
			return true
		}
	}
	return false
}

// compare orders numbers numerically, then timestamps, then strings.
func compare(a, b any) (int, bool) {
	fa, errA := cast.ToFloat64E(a)
	fb, errB := cast.ToFloat64E(b)
	if errA == nil && errB == nil {
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}
	ta, errA := cast.ToTimeE(a)
	tb, errB := cast.ToTimeE(b)
	if errA == nil && errB == nil {
		return ta.Compare(tb), true
	}
	sa, errA := cast.ToStringE(a)
	sb, errB := cast.ToStringE(b)
	if errA != nil || errB != nil {
		return 0, false
	}
	return strings.Compare(sa, sb), true
}

func toList(v any) ([]any, bool) {
	if v == nil {
		return nil, false
	}
	if l, ok := v.([]any); ok {
		return l, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
