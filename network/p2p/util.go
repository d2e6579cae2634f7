package p2p

import "reflect"

// pointerValue extracts a stable numeric identity for a pointer-shaped value
// (pointer, interface wrapping a pointer, map, chan, slice, func). Used only
// to mix Channel's hash; it is never dereferenced.
func pointerValue(v interface{}) uintptr {
	if v == nil {
		return 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return rv.Pointer()
	case reflect.Slice:
		return rv.Pointer()
	default:
		return 0
	}
}
