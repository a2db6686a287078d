package query

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"

	"github.com/l7mp/livequery/pkg/util"
)

func IsList(d any) bool {
	if d == nil {
		return false
	}
	dv := reflect.ValueOf(d)
	return dv.Kind() == reflect.Slice || dv.Kind() == reflect.Array
}

func AsList(d any) ([]any, error) {
	if !IsList(d) {
		return nil, fmt.Errorf("argument is not a list: %s", util.Stringify(d))
	}

	if ret, ok := d.([]any); ok {
		return ret, nil
	}

	dv := reflect.ValueOf(d)
	ret := make([]any, dv.Len())
	for i := range ret {
		ret[i] = dv.Index(i).Interface()
	}
	return ret, nil
}

func AsBool(d any) (bool, error) {
	if d == nil {
		return false, errors.New("argument is nil")
	}

	if reflect.ValueOf(d).Kind() == reflect.Bool {
		return reflect.ValueOf(d).Bool(), nil
	}
	return false, fmt.Errorf("argument is not a boolean: %s", util.Stringify(d))
}

// Truthy converts a predicate result into a boolean: nil is false.
func Truthy(d any) bool {
	b, err := AsBool(d)
	return err == nil && b
}

func AsString(d any) (string, error) {
	if d == nil {
		return "", errors.New("argument is nil")
	}

	switch reflect.ValueOf(d).Kind() { //nolint:exhaustive
	case reflect.String:
		return reflect.ValueOf(d).String(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(reflect.ValueOf(d).Int(), 10), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(reflect.ValueOf(d).Uint(), 10), nil
	case reflect.Float32, reflect.Float64:
		return strconv.FormatFloat(reflect.ValueOf(d).Float(), 'f', -1, 64), nil
	case reflect.Bool:
		return strconv.FormatBool(reflect.ValueOf(d).Bool()), nil
	}

	return "", fmt.Errorf("argument is not a string: %s", util.Stringify(d))
}

// IsInt is true if the argument is of an integer kind.
func IsInt(d any) bool {
	if d == nil {
		return false
	}
	switch reflect.ValueOf(d).Kind() { //nolint:exhaustive
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return true
	}
	return false
}

// IsNumber is true if the argument is of an integer or float kind.
func IsNumber(d any) bool {
	if d == nil {
		return false
	}
	k := reflect.ValueOf(d).Kind()
	return IsInt(d) || k == reflect.Float32 || k == reflect.Float64
}

func AsInt(d any) (int64, error) {
	if d == nil {
		return int64(0), errors.New("argument is nil")
	}

	switch reflect.ValueOf(d).Kind() { //nolint:exhaustive
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return reflect.ValueOf(d).Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(reflect.ValueOf(d).Uint()), nil
	case reflect.Float32, reflect.Float64:
		f := reflect.ValueOf(d).Float()
		if f == float64(int64(f)) {
			return int64(f), nil
		}
	case reflect.String:
		if i, err := strconv.ParseInt(d.(string), 10, 64); err == nil {
			return i, nil
		}
	}

	return 0, fmt.Errorf("argument is not an int: %s", util.Stringify(d))
}

func AsFloat(d any) (float64, error) {
	if d == nil {
		return 0.0, errors.New("argument is nil")
	}

	if reflect.ValueOf(d).Kind() == reflect.Float32 ||
		reflect.ValueOf(d).Kind() == reflect.Float64 {
		return reflect.ValueOf(d).Float(), nil
	}
	if IsInt(d) {
		return reflect.ValueOf(d).Convert(reflect.TypeOf(0.0)).Float(), nil
	}

	if reflect.ValueOf(d).Kind() == reflect.String {
		f, err := strconv.ParseFloat(d.(string), 64)
		if err == nil {
			return f, nil
		}
	}

	return 0.0, fmt.Errorf("argument is not a float: %s", util.Stringify(d))
}

// NormalizeKey converts a value into a comparable key so that values that compare equal produce
// equal keys: numbers become float64, lists and maps become their JSON representation.
func NormalizeKey(d any) any {
	if d == nil {
		return nil
	}
	if IsNumber(d) {
		f, _ := AsFloat(d)
		return f
	}
	switch reflect.ValueOf(d).Kind() { //nolint:exhaustive
	case reflect.Slice, reflect.Array, reflect.Map, reflect.Struct, reflect.Pointer:
		return util.Stringify(d)
	}
	return d
}
