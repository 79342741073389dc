package vm

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Value: tagged runtime value
// ---------------------------------------------------------------------------

// ValueKind tags the variant held by a Value.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindBool
	KindInt
	KindUint
	KindFloat
	KindString
	KindSymbol
	KindArray
	KindMap
	KindBinary
	KindLambda
	KindInstructions
	KindCustom
)

var valueKindNames = [...]string{
	KindNull:         "null",
	KindBool:         "boolean",
	KindInt:          "integer",
	KindUint:         "unsigned_integer",
	KindFloat:        "float",
	KindString:       "string",
	KindSymbol:       "symbol",
	KindArray:        "array",
	KindMap:          "map",
	KindBinary:       "binary",
	KindLambda:       "lambda",
	KindInstructions: "instructions",
	KindCustom:       "custom",
}

func (k ValueKind) String() string {
	if int(k) < len(valueKindNames) {
		return valueKindNames[k]
	}
	return fmt.Sprintf("ValueKind(%d)", uint8(k))
}

// Value is the machine's runtime value. Primitives live in num/str; heap
// variants (array, map, binary, lambda, instruction block, custom carrier)
// live behind ref. The zero Value is Null.
type Value struct {
	kind ValueKind
	num  uint64
	str  string
	ref  any
}

// Null is the null value.
var Null = Value{}

// True and False are the boolean values.
var (
	True  = Value{kind: KindBool, num: 1}
	False = Value{kind: KindBool}
)

// ---------------------------------------------------------------------------
// Constructors
// ---------------------------------------------------------------------------

func BoolValue(b bool) Value {
	if b {
		return True
	}
	return False
}

func IntValue(n int64) Value {
	return Value{kind: KindInt, num: uint64(n)}
}

func UintValue(n uint64) Value {
	return Value{kind: KindUint, num: n}
}

func FloatValue(f float64) Value {
	return Value{kind: KindFloat, num: math.Float64bits(f)}
}

func StringValue(s string) Value {
	return Value{kind: KindString, str: s}
}

// SymbolValue interns nothing: symbols compare by name, which is cheap
// enough for the machine's symbol traffic.
func SymbolValue(name string) Value {
	return Value{kind: KindSymbol, str: name}
}

func ArrayValue(a *Array) Value {
	if a == nil {
		a = &Array{}
	}
	return Value{kind: KindArray, ref: a}
}

func NewArrayValue(elements ...Value) Value {
	return ArrayValue(&Array{Elements: elements})
}

func MapValue(m *OrderedMap) Value {
	if m == nil {
		m = NewOrderedMap()
	}
	return Value{kind: KindMap, ref: m}
}

func BinaryValue(b []byte) Value {
	return Value{kind: KindBinary, ref: b}
}

func LambdaValue(l *Lambda) Value {
	return Value{kind: KindLambda, ref: l}
}

func InstructionsValue(code []Instruction) Value {
	return Value{kind: KindInstructions, ref: code}
}

func CustomValue(c Custom) Value {
	return Value{kind: KindCustom, ref: c}
}

// ---------------------------------------------------------------------------
// Accessors and predicates
// ---------------------------------------------------------------------------

func (v Value) Kind() ValueKind { return v.kind }

func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) IsNumeric() bool {
	return v.kind == KindInt || v.kind == KindUint || v.kind == KindFloat
}

func (v Value) IsInteger() bool {
	return v.kind == KindInt || v.kind == KindUint
}

func (v Value) Bool() bool { return v.kind == KindBool && v.num != 0 }

func (v Value) Int() int64 { return int64(v.num) }

func (v Value) Uint() uint64 { return v.num }

func (v Value) Float() float64 { return math.Float64frombits(v.num) }

// Str returns the payload of a string or symbol value.
func (v Value) Str() string { return v.str }

func (v Value) Array() *Array {
	if v.kind != KindArray {
		return nil
	}
	return v.ref.(*Array)
}

func (v Value) Map() *OrderedMap {
	if v.kind != KindMap {
		return nil
	}
	return v.ref.(*OrderedMap)
}

func (v Value) Bytes() []byte {
	if v.kind != KindBinary {
		return nil
	}
	return v.ref.([]byte)
}

func (v Value) Lambda() *Lambda {
	if v.kind != KindLambda {
		return nil
	}
	return v.ref.(*Lambda)
}

func (v Value) Instructions() []Instruction {
	if v.kind != KindInstructions {
		return nil
	}
	return v.ref.([]Instruction)
}

func (v Value) Custom() Custom {
	if v.kind != KindCustom {
		return nil
	}
	return v.ref.(Custom)
}

// AsFloat widens any numeric value to float64.
func (v Value) AsFloat() float64 {
	switch v.kind {
	case KindInt:
		return float64(int64(v.num))
	case KindUint:
		return float64(v.num)
	case KindFloat:
		return math.Float64frombits(v.num)
	}
	return 0
}

// Truthy implements the machine's truthiness: null and false are falsy,
// empty strings, arrays, maps and binaries are falsy, everything else truthy.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindNull:
		return false
	case KindBool:
		return v.num != 0
	case KindString, KindSymbol:
		return v.str != ""
	case KindArray:
		return len(v.Array().Elements) > 0
	case KindMap:
		return v.Map().Len() > 0
	case KindBinary:
		return len(v.Bytes()) > 0
	}
	return true
}

func (v Value) TypeName() string { return v.kind.String() }

// ---------------------------------------------------------------------------
// Cloning
// ---------------------------------------------------------------------------

// Clone deep-copies collections and binaries. Lambdas, instruction blocks
// and custom carriers keep their identity, matching their identity-based
// equality.
func (v Value) Clone() Value {
	switch v.kind {
	case KindArray:
		src := v.Array().Elements
		dst := make([]Value, len(src))
		for i, e := range src {
			dst[i] = e.Clone()
		}
		return NewArrayValue(dst...)
	case KindMap:
		return MapValue(v.Map().Clone())
	case KindBinary:
		src := v.Bytes()
		dst := make([]byte, len(src))
		copy(dst, src)
		return BinaryValue(dst)
	}
	return v
}

// ---------------------------------------------------------------------------
// Equality and ordering
// ---------------------------------------------------------------------------

// Equals is structural for primitives and collections, cross-type within
// numerics, and identity-based for lambdas, instruction blocks and custom
// carriers (customs with an identity, like monitor refs, compare by id).
func (v Value) Equals(other Value) bool {
	if v.IsNumeric() && other.IsNumeric() {
		return numericEqual(v, other)
	}
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.num == other.num
	case KindString, KindSymbol:
		return v.str == other.str
	case KindArray:
		a, b := v.Array().Elements, other.Array().Elements
		if len(a) != len(b) {
			return false
		}
		for i := range a {
			if !a[i].Equals(b[i]) {
				return false
			}
		}
		return true
	case KindMap:
		return v.Map().Equals(other.Map())
	case KindBinary:
		a, b := v.Bytes(), other.Bytes()
		if len(a) != len(b) {
			return false
		}
		for i := range a {
			if a[i] != b[i] {
				return false
			}
		}
		return true
	case KindLambda:
		return v.ref == other.ref
	case KindInstructions:
		return sameInstructionBlock(v.Instructions(), other.Instructions())
	case KindCustom:
		return v.Custom().SameIdentity(other.Custom())
	}
	return false
}

func sameInstructionBlock(a, b []Instruction) bool {
	return len(a) == len(b) && (len(a) == 0 || &a[0] == &b[0])
}

// Identical is the ID/NID comparison: identity for heap variants, structural
// for primitives.
func (v Value) Identical(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindArray, KindMap, KindLambda, KindCustom:
		return v.ref == other.ref
	case KindBinary:
		a, b := v.Bytes(), other.Bytes()
		return len(a) == len(b) && (len(a) == 0 || &a[0] == &b[0])
	case KindInstructions:
		return sameInstructionBlock(v.Instructions(), other.Instructions())
	}
	return v.Equals(other)
}

func numericEqual(a, b Value) bool {
	if a.kind == KindFloat || b.kind == KindFloat {
		return a.AsFloat() == b.AsFloat()
	}
	if a.kind == KindUint && b.kind == KindUint {
		return a.num == b.num
	}
	if a.kind == KindInt && b.kind == KindInt {
		return int64(a.num) == int64(b.num)
	}
	// Mixed signedness: compare in the wider domain.
	if a.kind == KindInt {
		return int64(a.num) >= 0 && a.num == b.num
	}
	return int64(b.num) >= 0 && a.num == b.num
}

// Compare returns -1, 0 or 1. Numbers compare cross-type, strings and
// symbols lexicographically, binaries bytewise, arrays pairwise with length
// as tie-breaker. Unlike non-numeric kinds and NaN ordering are errors.
func (v Value) Compare(other Value) (int, error) {
	if v.IsNumeric() && other.IsNumeric() {
		if v.kind == KindFloat || other.kind == KindFloat {
			a, b := v.AsFloat(), other.AsFloat()
			if math.IsNaN(a) || math.IsNaN(b) {
				return 0, Errf(ErrTypeMismatch, "cannot order NaN")
			}
			return cmpFloat(a, b), nil
		}
		if numericEqual(v, other) {
			return 0, nil
		}
		if numericLess(v, other) {
			return -1, nil
		}
		return 1, nil
	}
	if v.kind != other.kind {
		return 0, Errf(ErrTypeMismatch, "cannot compare %s with %s", v.TypeName(), other.TypeName())
	}
	switch v.kind {
	case KindString, KindSymbol:
		return strings.Compare(v.str, other.str), nil
	case KindBinary:
		a, b := v.Bytes(), other.Bytes()
		n := len(a)
		if len(b) < n {
			n = len(b)
		}
		for i := 0; i < n; i++ {
			if a[i] != b[i] {
				if a[i] < b[i] {
					return -1, nil
				}
				return 1, nil
			}
		}
		return cmpInt(len(a), len(b)), nil
	case KindArray:
		a, b := v.Array().Elements, other.Array().Elements
		n := len(a)
		if len(b) < n {
			n = len(b)
		}
		for i := 0; i < n; i++ {
			c, err := a[i].Compare(b[i])
			if err != nil {
				return 0, err
			}
			if c != 0 {
				return c, nil
			}
		}
		return cmpInt(len(a), len(b)), nil
	}
	return 0, Errf(ErrTypeMismatch, "cannot order values of type %s", v.TypeName())
}

func numericLess(a, b Value) bool {
	if a.kind == KindInt && b.kind == KindInt {
		return int64(a.num) < int64(b.num)
	}
	if a.kind == KindUint && b.kind == KindUint {
		return a.num < b.num
	}
	if a.kind == KindInt {
		return int64(a.num) < 0 || a.num < b.num
	}
	return int64(b.num) >= 0 && a.num < b.num
}

func cmpFloat(a, b float64) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

func cmpInt(a, b int) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

// ---------------------------------------------------------------------------
// Rendering
// ---------------------------------------------------------------------------

func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindBool:
		if v.num != 0 {
			return "true"
		}
		return "false"
	case KindInt:
		return fmt.Sprintf("%d", int64(v.num))
	case KindUint:
		return fmt.Sprintf("%du", v.num)
	case KindFloat:
		return fmt.Sprintf("%g", v.Float())
	case KindString:
		return fmt.Sprintf("%q", v.str)
	case KindSymbol:
		return ":" + v.str
	case KindArray:
		var b strings.Builder
		b.WriteByte('[')
		for i, e := range v.Array().Elements {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(e.String())
		}
		b.WriteByte(']')
		return b.String()
	case KindMap:
		m := v.Map()
		var b strings.Builder
		b.WriteByte('{')
		for i, k := range m.Keys() {
			if i > 0 {
				b.WriteString(", ")
			}
			val, _ := m.Get(k)
			fmt.Fprintf(&b, "%s: %s", k, val.String())
		}
		b.WriteByte('}')
		return b.String()
	case KindBinary:
		return fmt.Sprintf("<<%d bytes>>", len(v.Bytes()))
	case KindLambda:
		l := v.Lambda()
		return fmt.Sprintf("lambda/%d", len(l.Params))
	case KindInstructions:
		return fmt.Sprintf("instructions/%d", len(v.Instructions()))
	case KindCustom:
		return v.Custom().CustomName()
	}
	return "?"
}

// ---------------------------------------------------------------------------
// Array
// ---------------------------------------------------------------------------

// Array is a mutable sequence of values.
type Array struct {
	Elements []Value
}

// ---------------------------------------------------------------------------
// OrderedMap: insertion-ordered string-keyed map
// ---------------------------------------------------------------------------

// OrderedMap preserves insertion order of keys.
type OrderedMap struct {
	keys  []string
	items map[string]Value
}

func NewOrderedMap() *OrderedMap {
	return &OrderedMap{items: make(map[string]Value)}
}

// MapOf builds an OrderedMap value from alternating key, value pairs.
func MapOf(pairs ...any) Value {
	m := NewOrderedMap()
	for i := 0; i+1 < len(pairs); i += 2 {
		m.Set(pairs[i].(string), pairs[i+1].(Value))
	}
	return MapValue(m)
}

func (m *OrderedMap) Get(key string) (Value, bool) {
	v, ok := m.items[key]
	return v, ok
}

func (m *OrderedMap) Set(key string, value Value) {
	if _, ok := m.items[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.items[key] = value
}

func (m *OrderedMap) Delete(key string) bool {
	if _, ok := m.items[key]; !ok {
		return false
	}
	delete(m.items, key)
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
	return true
}

func (m *OrderedMap) Has(key string) bool {
	_, ok := m.items[key]
	return ok
}

func (m *OrderedMap) Len() int { return len(m.keys) }

// Keys returns the keys in insertion order. The slice is shared; callers
// must not mutate it.
func (m *OrderedMap) Keys() []string { return m.keys }

func (m *OrderedMap) Clone() *OrderedMap {
	out := NewOrderedMap()
	for _, k := range m.keys {
		out.Set(k, m.items[k].Clone())
	}
	return out
}

func (m *OrderedMap) Equals(other *OrderedMap) bool {
	if len(m.items) != len(other.items) {
		return false
	}
	for k, v := range m.items {
		ov, ok := other.items[k]
		if !ok || !v.Equals(ov) {
			return false
		}
	}
	return true
}

// ---------------------------------------------------------------------------
// Lambda
// ---------------------------------------------------------------------------

// Lambda is a closure: a body, parameter names, the environment captured at
// creation time, an index-addressable upvalue list over the same captures,
// and any arguments bound by partial application. Lambdas compare by
// identity.
type Lambda struct {
	Instructions []Instruction
	Params       []string
	Captured     *OrderedMap
	Upvalues     []Value
	Bound        []Value
}

// NewLambda builds a lambda over the given body and parameter names with an
// empty environment.
func NewLambda(body []Instruction, params []string) *Lambda {
	return &Lambda{
		Instructions: body,
		Params:       params,
		Captured:     NewOrderedMap(),
	}
}

// Bind returns a partial application of l: invoking the result prepends the
// bound arguments before any call-site arguments.
func (l *Lambda) Bind(args []Value) *Lambda {
	bound := make([]Value, 0, len(l.Bound)+len(args))
	bound = append(bound, l.Bound...)
	bound = append(bound, args...)
	return &Lambda{
		Instructions: l.Instructions,
		Params:       l.Params,
		Captured:     l.Captured,
		Upvalues:     l.Upvalues,
		Bound:        bound,
	}
}

// ---------------------------------------------------------------------------
// Custom carriers
// ---------------------------------------------------------------------------

// Custom is a host-defined value carrier (monitor references, timer
// references). Equality is identity-based: carriers with an id compare by
// id, others by pointer.
type Custom interface {
	CustomName() string
	SameIdentity(other Custom) bool
}

// MonitorRef identifies a monitor from a watcher to a watched process.
// Identity equality on ID.
type MonitorRef struct {
	ID        uint64
	Watcher   Address
	Watched   Address
	CreatedAt time.Time
}

func (r *MonitorRef) CustomName() string { return fmt.Sprintf("#monitor<%d>", r.ID) }

func (r *MonitorRef) SameIdentity(other Custom) bool {
	o, ok := other.(*MonitorRef)
	return ok && o.ID == r.ID
}

// TimerRef identifies a pending timer-manager entry.
type TimerRef struct {
	ID string
}

func (r *TimerRef) CustomName() string { return fmt.Sprintf("#timer<%s>", r.ID) }

func (r *TimerRef) SameIdentity(other Custom) bool {
	o, ok := other.(*TimerRef)
	return ok && o.ID == r.ID
}
