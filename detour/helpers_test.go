package detour

import "reflect"

//go:noinline
func a() string {
	return "a"
}

func b() string {
	return "b"
}

func c() string {
	return "c"
}

func typeOf(fn any) reflect.Type {
	return reflect.TypeOf(fn)
}
