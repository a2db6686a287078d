// Package util contains small helpers shared by the query packages.
package util

import (
	"fmt"

	"k8s.io/apimachinery/pkg/util/json"
)

// Map applies a function to every element of a slice.
func Map[T, U any](f func(T) U, s []T) []U {
	result := make([]U, len(s))
	for i, v := range s {
		result[i] = f(v)
	}
	return result
}

// Stringify renders a value as compact JSON. Map keys are sorted, so equal values render to the
// same string and the result can serve as a composite key. Values that cannot be encoded fall back
// to their Go syntax representation.
func Stringify(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%#v", v)
	}
	return string(b)
}
