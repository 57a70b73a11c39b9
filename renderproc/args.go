package renderproc

import (
	"fmt"
	"math"
)

// argument decoding of received messages. Numbers are accepted in any
// integer or float type since stream peers may not use the Go types.

func nargs(m Message, n int) error {
	if len(m.Args) != n {
		return fmt.Errorf("%w: %s expects %d arguments, got %d", ErrProtocol, m.Op, n, len(m.Args))
	}
	return nil
}

// nargsRange checks a command with trailing optional arguments.
func nargsRange(m Message, lo, hi int) error {
	if len(m.Args) < lo || len(m.Args) > hi {
		return fmt.Errorf("%w: %s expects %d to %d arguments, got %d", ErrProtocol, m.Op, lo, hi, len(m.Args))
	}
	return nil
}

func argErr(m Message, i int, want string) error {
	return fmt.Errorf("%w: %s argument %d must be %s, got %T", ErrProtocol, m.Op, i, want, m.Args[i])
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		if n <= math.MaxInt64 {
			return int64(n), true
		}
	case float32:
		if f := float64(n); f == math.Trunc(f) {
			return int64(f), true
		}
	case float64:
		if n == math.Trunc(n) && math.Abs(n) < 1<<53 {
			return int64(n), true
		}
	}
	return 0, false
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	if i, ok := toInt64(v); ok {
		return float64(i), true
	}
	return 0, false
}

func argInt(m Message, i int) (int, error) {
	n, ok := toInt64(m.Args[i])
	if !ok {
		return 0, argErr(m, i, "an integer")
	}
	return int(n), nil
}

// argOptInt returns def for a nil argument.
func argOptInt(m Message, i, def int) (int, error) {
	if i >= len(m.Args) || m.Args[i] == nil {
		return def, nil
	}
	return argInt(m, i)
}

func argFloat(m Message, i int) (float64, error) {
	f, ok := toFloat64(m.Args[i])
	if !ok {
		return 0, argErr(m, i, "a number")
	}
	return f, nil
}

func argBool(m Message, i int) (bool, error) {
	b, ok := m.Args[i].(bool)
	if !ok {
		return false, argErr(m, i, "a bool")
	}
	return b, nil
}

// argString accepts string kinds. A nil argument is the empty string.
func argString(m Message, i int) (string, error) {
	switch s := m.Args[i].(type) {
	case nil:
		return "", nil
	case string:
		return s, nil
	case StreamMode:
		return string(s), nil
	}
	return "", argErr(m, i, "a string")
}

func argSize(m Message, i int) ([2]int, error) {
	switch s := m.Args[i].(type) {
	case [2]int:
		return s, nil
	case []int:
		if len(s) == 2 {
			return [2]int{s[0], s[1]}, nil
		}
	}
	return [2]int{}, argErr(m, i, "a [2]int size")
}

// arg type asserts a non-nil argument.
func arg[T any](m Message, i int) (T, error) {
	v, ok := m.Args[i].(T)
	if !ok {
		var zero T
		return zero, argErr(m, i, fmt.Sprintf("%T", zero))
	}
	return v, nil
}

// argOpt type asserts an argument that may be nil.
func argOpt[T any](m Message, i int) (T, error) {
	if m.Args[i] == nil {
		var zero T
		return zero, nil
	}
	return arg[T](m, i)
}
