package vm

import (
	"math"
	"strconv"
	"strings"
	"sync"
)

// ---------------------------------------------------------------------------
// Built-in function registry
// ---------------------------------------------------------------------------

// BuiltinFunc is a pure value transformer invoked by CALL_BUILT_IN.
type BuiltinFunc func(args []Value) (Value, error)

type builtinKey struct {
	module string
	name   string
	arity  int
}

// BuiltinRegistry maps (module, function, arity) to implementations.
type BuiltinRegistry struct {
	mu    sync.RWMutex
	funcs map[builtinKey]BuiltinFunc
}

func NewBuiltinRegistry() *BuiltinRegistry {
	r := &BuiltinRegistry{funcs: make(map[builtinKey]BuiltinFunc)}
	r.registerStandard()
	return r
}

// Register installs a function under (module, name, arity).
func (r *BuiltinRegistry) Register(module, name string, arity int, fn BuiltinFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[builtinKey{module, name, arity}] = fn
}

// Lookup resolves a function; ok is false when the key is absent.
func (r *BuiltinRegistry) Lookup(module, name string, arity int) (BuiltinFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[builtinKey{module, name, arity}]
	return fn, ok
}

// ---------------------------------------------------------------------------
// Standard library
// ---------------------------------------------------------------------------

func (r *BuiltinRegistry) registerStandard() {
	// type
	r.Register("type", "is_integer", 1, func(a []Value) (Value, error) {
		return BoolValue(a[0].IsInteger()), nil
	})
	r.Register("type", "is_float", 1, func(a []Value) (Value, error) {
		return BoolValue(a[0].Kind() == KindFloat), nil
	})
	r.Register("type", "is_string", 1, func(a []Value) (Value, error) {
		return BoolValue(a[0].Kind() == KindString), nil
	})
	r.Register("type", "is_symbol", 1, func(a []Value) (Value, error) {
		return BoolValue(a[0].Kind() == KindSymbol), nil
	})
	r.Register("type", "is_array", 1, func(a []Value) (Value, error) {
		return BoolValue(a[0].Kind() == KindArray), nil
	})
	r.Register("type", "is_map", 1, func(a []Value) (Value, error) {
		return BoolValue(a[0].Kind() == KindMap), nil
	})
	r.Register("type", "is_binary", 1, func(a []Value) (Value, error) {
		return BoolValue(a[0].Kind() == KindBinary), nil
	})
	r.Register("type", "is_lambda", 1, func(a []Value) (Value, error) {
		return BoolValue(a[0].Kind() == KindLambda), nil
	})
	r.Register("type", "is_null", 1, func(a []Value) (Value, error) {
		return BoolValue(a[0].IsNull()), nil
	})
	r.Register("type", "type_of", 1, func(a []Value) (Value, error) {
		return SymbolValue(a[0].TypeName()), nil
	})

	// string
	r.Register("string", "length", 1, func(a []Value) (Value, error) {
		if a[0].Kind() != KindString {
			return Null, Errf(ErrTypeMismatch, "string.length expects a string")
		}
		return IntValue(int64(len(a[0].Str()))), nil
	})
	r.Register("string", "upper", 1, stringUnary(strings.ToUpper))
	r.Register("string", "lower", 1, stringUnary(strings.ToLower))
	r.Register("string", "trim", 1, stringUnary(strings.TrimSpace))
	r.Register("string", "concat", 2, func(a []Value) (Value, error) {
		if a[0].Kind() != KindString || a[1].Kind() != KindString {
			return Null, Errf(ErrTypeMismatch, "string.concat expects strings")
		}
		return StringValue(a[0].Str() + a[1].Str()), nil
	})
	r.Register("string", "contains", 2, func(a []Value) (Value, error) {
		if a[0].Kind() != KindString || a[1].Kind() != KindString {
			return Null, Errf(ErrTypeMismatch, "string.contains expects strings")
		}
		return BoolValue(strings.Contains(a[0].Str(), a[1].Str())), nil
	})
	r.Register("string", "slice", 3, func(a []Value) (Value, error) {
		if a[0].Kind() != KindString || !a[1].IsInteger() || !a[2].IsInteger() {
			return Null, Errf(ErrTypeMismatch, "string.slice expects (string, int, int)")
		}
		s := a[0].Str()
		from, to := int(asSigned(a[1])), int(asSigned(a[2]))
		if from < 0 || to > len(s) || from > to {
			return Null, Errf(ErrIndexOutOfBounds, "string.slice [%d, %d) outside [0, %d]", from, to, len(s))
		}
		return StringValue(s[from:to]), nil
	})
	r.Register("string", "split", 2, func(a []Value) (Value, error) {
		if a[0].Kind() != KindString || a[1].Kind() != KindString {
			return Null, Errf(ErrTypeMismatch, "string.split expects strings")
		}
		parts := strings.Split(a[0].Str(), a[1].Str())
		out := make([]Value, len(parts))
		for i, part := range parts {
			out[i] = StringValue(part)
		}
		return NewArrayValue(out...), nil
	})

	// array
	r.Register("array", "length", 1, func(a []Value) (Value, error) {
		if a[0].Kind() != KindArray {
			return Null, Errf(ErrTypeMismatch, "array.length expects an array")
		}
		return IntValue(int64(len(a[0].Array().Elements))), nil
	})
	r.Register("array", "head", 1, func(a []Value) (Value, error) {
		el := arrayArg(a[0], "array.head")
		if len(el) == 0 {
			return Null, nil
		}
		return el[0], nil
	})
	r.Register("array", "tail", 1, func(a []Value) (Value, error) {
		el := arrayArg(a[0], "array.tail")
		if len(el) == 0 {
			return NewArrayValue(), nil
		}
		rest := make([]Value, len(el)-1)
		copy(rest, el[1:])
		return NewArrayValue(rest...), nil
	})
	r.Register("array", "reverse", 1, func(a []Value) (Value, error) {
		el := arrayArg(a[0], "array.reverse")
		out := make([]Value, len(el))
		for i, v := range el {
			out[len(el)-1-i] = v
		}
		return NewArrayValue(out...), nil
	})
	r.Register("array", "append", 2, func(a []Value) (Value, error) {
		el := arrayArg(a[0], "array.append")
		out := make([]Value, 0, len(el)+1)
		out = append(out, el...)
		out = append(out, a[1])
		return NewArrayValue(out...), nil
	})
	r.Register("array", "at", 2, func(a []Value) (Value, error) {
		el := arrayArg(a[0], "array.at")
		if !a[1].IsInteger() {
			return Null, Errf(ErrTypeMismatch, "array.at expects an integer index")
		}
		i := int(asSigned(a[1]))
		if i < 0 || i >= len(el) {
			return Null, Errf(ErrIndexOutOfBounds, "array.at index %d outside [0, %d)", i, len(el))
		}
		return el[i], nil
	})
	r.Register("array", "contains", 2, func(a []Value) (Value, error) {
		for _, v := range arrayArg(a[0], "array.contains") {
			if v.Equals(a[1]) {
				return True, nil
			}
		}
		return False, nil
	})
	r.Register("array", "join", 2, func(a []Value) (Value, error) {
		el := arrayArg(a[0], "array.join")
		if a[1].Kind() != KindString {
			return Null, Errf(ErrTypeMismatch, "array.join expects a string separator")
		}
		parts := make([]string, len(el))
		for i, v := range el {
			if v.Kind() == KindString {
				parts[i] = v.Str()
			} else {
				parts[i] = v.String()
			}
		}
		return StringValue(strings.Join(parts, a[1].Str())), nil
	})

	// map
	r.Register("map", "size", 1, func(a []Value) (Value, error) {
		return IntValue(int64(mapArg(a[0], "map.size").Len())), nil
	})
	r.Register("map", "keys", 1, func(a []Value) (Value, error) {
		m := mapArg(a[0], "map.keys")
		out := make([]Value, 0, m.Len())
		for _, k := range m.Keys() {
			out = append(out, StringValue(k))
		}
		return NewArrayValue(out...), nil
	})
	r.Register("map", "has", 2, func(a []Value) (Value, error) {
		return BoolValue(mapArg(a[0], "map.has").Has(keyArg(a[1]))), nil
	})
	r.Register("map", "get", 2, func(a []Value) (Value, error) {
		if v, ok := mapArg(a[0], "map.get").Get(keyArg(a[1])); ok {
			return v, nil
		}
		return Null, nil
	})
	r.Register("map", "put", 3, func(a []Value) (Value, error) {
		out := mapArg(a[0], "map.put").Clone()
		out.Set(keyArg(a[1]), a[2])
		return MapValue(out), nil
	})
	r.Register("map", "delete", 2, func(a []Value) (Value, error) {
		out := mapArg(a[0], "map.delete").Clone()
		out.Delete(keyArg(a[1]))
		return MapValue(out), nil
	})

	// binary
	r.Register("binary", "size", 1, func(a []Value) (Value, error) {
		if a[0].Kind() != KindBinary {
			return Null, Errf(ErrTypeMismatch, "binary.size expects a binary")
		}
		return IntValue(int64(len(a[0].Bytes()))), nil
	})
	r.Register("binary", "to_string", 1, func(a []Value) (Value, error) {
		if a[0].Kind() != KindBinary {
			return Null, Errf(ErrTypeMismatch, "binary.to_string expects a binary")
		}
		return StringValue(string(a[0].Bytes())), nil
	})
	r.Register("binary", "from_string", 1, func(a []Value) (Value, error) {
		if a[0].Kind() != KindString {
			return Null, Errf(ErrTypeMismatch, "binary.from_string expects a string")
		}
		return BinaryValue([]byte(a[0].Str())), nil
	})

	// math
	r.Register("math", "sqrt", 1, mathUnary(math.Sqrt))
	r.Register("math", "exp", 1, mathUnary(math.Exp))
	r.Register("math", "log", 1, mathUnary(math.Log))

	// convert
	r.Register("convert", "to_string", 1, func(a []Value) (Value, error) {
		if a[0].Kind() == KindString {
			return a[0], nil
		}
		return StringValue(a[0].String()), nil
	})
	r.Register("convert", "to_int", 1, func(a []Value) (Value, error) {
		switch a[0].Kind() {
		case KindInt:
			return a[0], nil
		case KindUint:
			return IntValue(int64(a[0].Uint())), nil
		case KindFloat:
			return IntValue(int64(a[0].Float())), nil
		case KindString:
			n, err := strconv.ParseInt(a[0].Str(), 10, 64)
			if err != nil {
				return Null, Errf(ErrConversion, "cannot parse %q as integer", a[0].Str())
			}
			return IntValue(n), nil
		}
		return Null, Errf(ErrConversion, "cannot convert %s to integer", a[0].TypeName())
	})
	r.Register("convert", "to_float", 1, func(a []Value) (Value, error) {
		switch a[0].Kind() {
		case KindFloat:
			return a[0], nil
		case KindInt, KindUint:
			return FloatValue(a[0].AsFloat()), nil
		case KindString:
			f, err := strconv.ParseFloat(a[0].Str(), 64)
			if err != nil {
				return Null, Errf(ErrConversion, "cannot parse %q as float", a[0].Str())
			}
			return FloatValue(f), nil
		}
		return Null, Errf(ErrConversion, "cannot convert %s to float", a[0].TypeName())
	})
}

func stringUnary(fn func(string) string) BuiltinFunc {
	return func(a []Value) (Value, error) {
		if a[0].Kind() != KindString {
			return Null, Errf(ErrTypeMismatch, "expected a string, got %s", a[0].TypeName())
		}
		return StringValue(fn(a[0].Str())), nil
	}
}

func mathUnary(fn func(float64) float64) BuiltinFunc {
	return func(a []Value) (Value, error) {
		if !a[0].IsNumeric() {
			return Null, Errf(ErrTypeMismatch, "expected a number, got %s", a[0].TypeName())
		}
		return FloatValue(fn(a[0].AsFloat())), nil
	}
}

func arrayArg(v Value, who string) []Value {
	if v.Kind() != KindArray {
		panic(Errf(ErrTypeMismatch, "%s expects an array, got %s", who, v.TypeName()))
	}
	return v.Array().Elements
}

func mapArg(v Value, who string) *OrderedMap {
	if v.Kind() != KindMap {
		panic(Errf(ErrTypeMismatch, "%s expects a map, got %s", who, v.TypeName()))
	}
	return v.Map()
}

func keyArg(v Value) string {
	if v.Kind() != KindString && v.Kind() != KindSymbol {
		panic(Errf(ErrTypeMismatch, "map keys are strings, got %s", v.TypeName()))
	}
	return v.Str()
}
