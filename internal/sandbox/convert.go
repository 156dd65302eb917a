package sandbox

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"go.starlark.net/starlark"
)

var ErrUnconvertible = errors.New("sandbox: value cannot cross the agent boundary")

// toStarlark maps a decoded wire value into the interpreter. Lists come
// in as Starlark lists so guest code can mutate its own copies.
func toStarlark(v any) (starlark.Value, error) {
	switch x := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(x), nil
	case string:
		return starlark.String(x), nil
	case []byte:
		return starlark.Bytes(x), nil
	case int:
		return starlark.MakeInt(x), nil
	case int64:
		return starlark.MakeInt64(x), nil
	case uint64:
		return starlark.MakeUint64(x), nil
	case float64:
		return starlark.Float(x), nil
	case []any:
		elems := make([]starlark.Value, 0, len(x))
		for _, e := range x {
			sv, err := toStarlark(e)
			if err != nil {
				return nil, err
			}
			elems = append(elems, sv)
		}
		return starlark.NewList(elems), nil
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		d := starlark.NewDict(len(x))
		for _, k := range keys {
			sv, err := toStarlark(x[k])
			if err != nil {
				return nil, err
			}
			if err := d.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return d, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnconvertible, v)
	}
}

func toStarlarkTuple(args []any) (starlark.Tuple, error) {
	out := make(starlark.Tuple, 0, len(args))
	for _, a := range args {
		sv, err := toStarlark(a)
		if err != nil {
			return nil, err
		}
		out = append(out, sv)
	}
	return out, nil
}

// fromStarlark maps a guest value onto the wire. Dict keys must be
// strings; functions and other host objects never leave the sandbox.
func fromStarlark(v starlark.Value) (any, error) {
	switch x := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(x), nil
	case starlark.String:
		return string(x), nil
	case starlark.Bytes:
		return []byte(x), nil
	case starlark.Int:
		if n, ok := x.Int64(); ok {
			return n, nil
		}
		if n, ok := x.Uint64(); ok {
			return n, nil
		}
		return nil, fmt.Errorf("%w: integer %s out of range", ErrUnconvertible, x)
	case starlark.Float:
		f := float64(x)
		if math.IsNaN(f) {
			return nil, fmt.Errorf("%w: NaN", ErrUnconvertible)
		}
		return f, nil
	case *starlark.List:
		out := make([]any, 0, x.Len())
		for i := 0; i < x.Len(); i++ {
			e, err := fromStarlark(x.Index(i))
			if err != nil {
				return nil, err
			}
			out = append(out, e)
		}
		return out, nil
	case starlark.Tuple:
		return fromStarlarkTuple(x)
	case *starlark.Dict:
		out := make(map[string]any, x.Len())
		for _, item := range x.Items() {
			k, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("%w: dict key of type %s", ErrUnconvertible, item[0].Type())
			}
			e, err := fromStarlark(item[1])
			if err != nil {
				return nil, err
			}
			out[string(k)] = e
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnconvertible, v.Type())
	}
}

func fromStarlarkTuple(args starlark.Tuple) ([]any, error) {
	out := make([]any, 0, len(args))
	for _, a := range args {
		e, err := fromStarlark(a)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
