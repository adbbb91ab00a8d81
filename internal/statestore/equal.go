package statestore

import (
	"fmt"
	"reflect"
)

// Equal decides whether two values of one field are the same for the
// purpose of merging and change detection.
type Equal func(a, b any) bool

var boolType = reflect.TypeOf(true)

// DefaultEqual uses the value's own Equal(T) bool method when it has one
// (fixed.Decimal, positions, time.Time) and falls back to reflect.DeepEqual.
func DefaultEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if va.Type() != vb.Type() {
		return false
	}
	if m := va.MethodByName("Equal"); m.IsValid() {
		mt := m.Type()
		if mt.NumIn() == 1 && mt.In(0) == va.Type() && mt.NumOut() == 1 && mt.Out(0) == boolType {
			return m.Call([]reflect.Value{vb})[0].Bool()
		}
	}
	return reflect.DeepEqual(a, b)
}

// Rendered compares the values' fmt rendering, for fields whose visible
// form matters more than their raw representation.
func Rendered(a, b any) bool {
	return fmt.Sprint(a) == fmt.Sprint(b)
}
