// Hook methods of a managed runtime at run time
//
// An [Engine] owns a runtime context and hands out one [Endpoint] per
// method. Hooks attached to an endpoint wrap every call of the method, the
// newest one outermost, and each can call the implementation it wraps.
// Manipulators rewrite the method's instructions, and calls run the
// rewritten body until the manipulator is removed again.
//
//	ep, err := engine.Endpoint(method)
//	if err != nil {
//		...
//	}
//	ep.Add(func(orig rt.Func, args []any) any {
//		return orig(args)
//	})
//
// Changes can also be staged with [Engine.Stage] or [Endpoint.Stage] and
// applied together by [Pending.Commit].
//
// Limitations:
//   - Only supports amd64 and arm64, since every hook is a native detour
//   - Relies on internal Go APIs that can break at any time
//   - Manipulators must give the same result each time they run, because
//     removing one replays the rest
//   - Generic methods can't be manipulated
package hookstack
