//go:build amd64 || arm64

package hookstack

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"

	"github.com/pboyd/hookstack/access"
	"github.com/pboyd/hookstack/config"
	"github.com/pboyd/hookstack/detour"
	"github.com/pboyd/hookstack/il"
	"github.com/pboyd/hookstack/meta"
	"github.com/pboyd/hookstack/rt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type arcade struct {
	engine *Engine
	mod    *rt.Module
}

func arcadeAssembly() *meta.AssemblyDefinition {
	asm := meta.NewAssembly("Arcade", "1.0.0.0")
	m := asm.MainModule()

	score := m.DefineGlobalMethod("Score", meta.Int64).SetBody(
		il.Create(il.LdcI8, int64(10)),
		il.Create(il.Ret, nil),
	)
	m.DefineGlobalMethod("Bonus", meta.Int64).SetBody(
		il.Create(il.Call, meta.ImportMethod(score)),
		il.Create(il.LdcI8, int64(1)),
		il.Create(il.Add, nil),
		il.Create(il.Ret, nil),
	)
	m.DefineGlobalMethod("Native", meta.Int64).Impl = func([]any) any { return int64(3) }

	vault := m.DefineType("Arcade", "Vault", nil)
	vault.DefineStaticField("code", meta.Int64).Public = false

	static := markerRef("StaticAccess`1")
	decl := &meta.GenericInstanceType{Element: static, Arguments: []meta.TypeReference{meta.Import(vault)}}
	m.DefineGlobalMethod("Peek", meta.Object).SetBody(
		il.Create(il.Ldstr, "code"),
		il.Create(il.Newobj, markerMethod(decl, ".ctor")),
		il.Create(il.LdcI4, 0),
		il.Create(il.Newarr, meta.Object),
		il.Create(il.Call, markerMethod(decl, access.OpGet)),
		il.Create(il.Ret, nil),
	)
	return asm
}

func markerRef(name string) *meta.TypeRef {
	for _, t := range access.Markers().MainModule().Types {
		if t.Name == name {
			return meta.Import(t)
		}
	}
	return nil
}

func markerMethod(decl *meta.GenericInstanceType, name string) *meta.MethodReference {
	elem := decl.Element.(*meta.TypeRef)
	for _, t := range access.Markers().MainModule().Types {
		if t.Name != elem.Name {
			continue
		}
		for _, m := range t.Methods {
			if m.Name == name {
				ref := m.MethodReference
				ref.DeclaringType = decl
				return &ref
			}
		}
	}
	return nil
}

func newArcade(t *testing.T) *arcade {
	t.Helper()
	e, err := New()
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })

	asm, err := e.Load(arcadeAssembly())
	require.NoError(t, err)
	return &arcade{engine: e, mod: asm.MainModule()}
}

func (a *arcade) method(name string) *rt.Method {
	for _, m := range a.mod.Methods() {
		if m.Name() == name {
			return m
		}
	}
	return nil
}

func (a *arcade) endpoint(t *testing.T, name string) *Endpoint {
	t.Helper()
	ep, err := a.engine.Endpoint(a.method(name))
	require.NoError(t, err)
	return ep
}

func (a *arcade) call(t *testing.T, name string) any {
	t.Helper()
	v, err := a.method(name).Invoke()
	require.NoError(t, err)
	return v
}

func plus(n int64) HookFunc {
	return func(orig rt.Func, args []any) any {
		return orig(args).(int64) + n
	}
}

// setConst replaces the constant of the first instruction.
func setConst(f func(int64) int64) il.Manipulator {
	return func(b *il.Body) error {
		v, ok := b.At(0).Operand.(int64)
		if !ok {
			return errors.New("no constant")
		}
		return b.Replace(0, il.Create(il.LdcI8, f(v)))
	}
}

func TestEndpoint_HookOrder(t *testing.T) {
	a := newArcade(t)
	ep := a.endpoint(t, "Score")

	var calls []string
	first := HookFunc(func(orig rt.Func, args []any) any {
		calls = append(calls, "first")
		return orig(args)
	})
	second := HookFunc(func(orig rt.Func, args []any) any {
		calls = append(calls, "second")
		return orig(args).(int64) * 2
	})
	require.NoError(t, ep.Add(first))
	require.NoError(t, ep.Add(second))

	assert.Equal(t, int64(20), a.call(t, "Score"))
	assert.Equal(t, []string{"second", "first"}, calls)
	assert.Len(t, ep.Callbacks(), 2)
}

func TestEndpoint_SameCallback(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	a := newArcade(t)
	ep := a.endpoint(t, "Score")
	inc := plus(1)

	require.NoError(ep.Add(inc))
	require.NoError(ep.Add(inc))
	assert.Equal(2, ep.Count(inc))
	assert.Len(ep.Callbacks(), 1)
	assert.Equal(int64(12), a.call(t, "Score"))

	require.NoError(ep.Remove(inc))
	assert.Equal(1, ep.Count(inc))
	assert.Equal(int64(11), a.call(t, "Score"))

	require.NoError(ep.Remove(inc))
	assert.Equal(0, ep.Count(inc))
	assert.Empty(ep.Callbacks())
	assert.Equal(int64(10), a.call(t, "Score"))

	// Removing what isn't there is fine.
	assert.NoError(ep.Remove(inc))
	assert.NoError(ep.Remove(plus(5)))

	// Each evaluation of a func literal is its own callback.
	require.NoError(ep.Add(plus(1)))
	require.NoError(ep.Remove(plus(1)))
	assert.Len(ep.Callbacks(), 1)
	assert.Equal(int64(11), a.call(t, "Score"))
}

func TestEndpoint_NilHook(t *testing.T) {
	a := newArcade(t)
	ep := a.endpoint(t, "Score")

	assert.NoError(t, ep.Add(nil))
	assert.NoError(t, ep.Remove(nil))
	assert.Empty(t, ep.Callbacks())

	_, err := ep.Stage().With(nil).With(plus(1)).Commit()
	require.NoError(t, err)
	assert.Len(t, ep.Callbacks(), 1)
	assert.Equal(t, int64(11), a.call(t, "Score"))
}

func TestEndpoint_RemoveMiddle(t *testing.T) {
	a := newArcade(t)
	ep := a.endpoint(t, "Score")
	one, hundred := plus(1), plus(100)

	require.NoError(t, ep.Add(one))
	require.NoError(t, ep.Add(hundred))
	require.NoError(t, ep.Remove(one))

	assert.Equal(t, int64(110), a.call(t, "Score"))
	assert.Equal(t, []uintptr{funcID(hundred)}, callbackIDs(ep))
}

func callbackIDs(ep *Endpoint) []uintptr {
	var ids []uintptr
	for _, fn := range ep.Callbacks() {
		ids = append(ids, funcID(fn))
	}
	return ids
}

func TestEndpoint_CallsFromBodies(t *testing.T) {
	a := newArcade(t)
	ep := a.endpoint(t, "Score")
	require.NoError(t, ep.Add(plus(90)))

	assert.Equal(t, int64(101), a.call(t, "Bonus"))
}

func TestEndpoint_Modify(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	a := newArcade(t)
	ep := a.endpoint(t, "Score")

	var seen int64
	m1 := setConst(func(int64) int64 { return 20 })
	m2 := setConst(func(v int64) int64 {
		seen = v
		return v * 2
	})
	require.NoError(ep.Modify(m1))
	assert.Equal(int64(20), a.call(t, "Score"))

	require.NoError(ep.Modify(m2))
	assert.Equal(int64(20), seen, "later manipulators see the output of earlier ones")
	assert.Equal(int64(40), a.call(t, "Score"))
	assert.Equal(2, ep.Manipulators())

	// Hooks wrap the rewritten body.
	require.NoError(ep.Add(plus(1)))
	assert.Equal(int64(41), a.call(t, "Score"))
}

func TestEndpoint_ModifyFailure(t *testing.T) {
	a := newArcade(t)
	ep := a.endpoint(t, "Score")
	require.NoError(t, ep.Modify(setConst(func(int64) int64 { return 5 })))

	err := ep.Modify(func(b *il.Body) error {
		b.RemoveAt(0)
		return errors.New("broken")
	})
	require.Error(t, err)
	assert.Equal(t, CodeInternal, CodeOf(err))
	assert.Equal(t, 1, ep.Manipulators())
	assert.Equal(t, int64(5), a.call(t, "Score"))

	// An invalid body fails to compile and is rolled back too.
	err = ep.Modify(func(b *il.Body) error {
		return b.Replace(1, il.Create(il.Br, il.Create(il.Nop, nil)))
	})
	require.Error(t, err)
	assert.Equal(t, 1, ep.Manipulators())
	assert.Equal(t, int64(5), a.call(t, "Score"))
}

func TestEndpoint_Unmodify(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	a := newArcade(t)
	ep := a.endpoint(t, "Score")
	m1 := setConst(func(v int64) int64 { return v + 10 })
	m2 := setConst(func(v int64) int64 { return v * 3 })

	require.NoError(ep.Modify(m1))
	require.NoError(ep.Modify(m2))
	assert.Equal(int64(60), a.call(t, "Score"))

	// m2 replays against the original body.
	require.NoError(ep.Unmodify(m1))
	assert.Equal(int64(30), a.call(t, "Score"))
	assert.Equal(1, ep.Manipulators())

	require.NoError(ep.Unmodify(m2))
	assert.Equal(int64(10), a.call(t, "Score"))
	assert.Equal(0, ep.Manipulators())

	assert.NoError(ep.Unmodify(m1))
}

func TestEndpoint_ReplayFailure(t *testing.T) {
	a := newArcade(t)
	ep := a.endpoint(t, "Score")

	runs := 0
	once := il.Manipulator(func(b *il.Body) error {
		runs++
		if runs > 1 {
			return errors.New("can't run twice")
		}
		return setConst(func(v int64) int64 { return v + 1 })(b)
	})
	double := setConst(func(v int64) int64 { return v * 2 })
	require.NoError(t, ep.Modify(double))
	require.NoError(t, ep.Modify(once))
	assert.Equal(t, int64(21), a.call(t, "Score"))

	err := ep.Unmodify(double)
	require.Error(t, err)
	assert.Equal(t, CodeReplayFailed, CodeOf(err))
	assert.True(t, errors.Is(err, &Error{Code: CodeReplayFailed}))
	assert.Equal(t, 2, ep.Manipulators())
	assert.Equal(t, int64(21), a.call(t, "Score"))
}

func TestEndpoint_AccessPass(t *testing.T) {
	a := newArcade(t)
	vault := a.mod.Type("Arcade.Vault")
	require.NoError(t, vault.Field("code").Store(nil, int64(1234)))

	_, err := a.method("Peek").Invoke()
	require.Error(t, err)

	ep := a.endpoint(t, "Peek")
	require.NoError(t, ep.Modify(a.engine.AccessPass()))
	assert.Equal(t, int64(1234), a.call(t, "Peek"))
	assert.True(t, vault.Field("code").IsPublic())

	require.NoError(t, ep.Unmodify(a.engine.AccessPass()))
	assert.Equal(t, 0, ep.Manipulators())
}

func TestEndpoint_Errors(t *testing.T) {
	a := newArcade(t)

	ep := a.endpoint(t, "Native")
	err := ep.Modify(setConst(func(v int64) int64 { return v }))
	assert.Equal(t, CodeCompileFailed, CodeOf(err))

	require.NoError(t, ep.Dispose())
	err = ep.Add(plus(1))
	assert.Equal(t, CodeDisposed, CodeOf(err))
	assert.ErrorIs(t, err, ErrDisposed)
	assert.NoError(t, ep.Dispose())
	assert.Equal(t, int64(3), a.call(t, "Native"))
}

func TestEngine_Endpoint(t *testing.T) {
	assert := assert.New(t)

	a := newArcade(t)
	score := a.method("Score")
	ep := a.endpoint(t, "Score")

	assert.Same(ep, a.endpoint(t, "Score"))
	found, ok := a.engine.Lookup(IdentityOf(score))
	assert.True(ok)
	assert.Same(ep, found)
	assert.Equal(IdentityOf(score), ep.Identity())

	require.NoError(t, ep.Add(plus(1)))
	require.NoError(t, ep.Modify(setConst(func(int64) int64 { return 50 })))
	require.NoError(t, ep.Dispose())
	assert.Equal(int64(10), a.call(t, "Score"), "disposing restores the method")

	_, ok = a.engine.Lookup(IdentityOf(score))
	assert.False(ok)
	next := a.endpoint(t, "Score")
	assert.NotEqual(ep.ID(), next.ID())
	assert.Equal(int64(10), a.call(t, "Score"))
}

func TestEngine_Close(t *testing.T) {
	a := newArcade(t)
	require.NoError(t, a.endpoint(t, "Score").Add(plus(1)))
	require.NoError(t, a.endpoint(t, "Bonus").Add(plus(1)))

	require.NoError(t, a.engine.Close())
	assert.Equal(t, int64(11), a.call(t, "Bonus"))

	_, err := a.engine.Endpoint(a.method("Score"))
	assert.Equal(t, CodeDisposed, CodeOf(err))
}

func TestEngine_SharedContext(t *testing.T) {
	assert := assert.New(t)

	a := newArcade(t)
	ep := a.endpoint(t, "Score")
	require.NoError(t, ep.Add(plus(1)))
	require.NoError(t, ep.Modify(setConst(func(int64) int64 { return 50 })))
	assert.Equal(int64(51), a.call(t, "Score"))

	other, err := New(WithContext(a.engine.Context()))
	require.NoError(t, err)
	shared, err := other.Endpoint(a.method("Score"))
	require.NoError(t, err)
	assert.Same(ep, shared)
	assert.Equal(int64(51), a.call(t, "Score"))

	require.NoError(t, shared.Add(plus(1000)))
	assert.Equal(int64(1051), a.call(t, "Score"))

	// Closing the second engine leaves endpoints it didn't create.
	require.NoError(t, other.Close())
	assert.Equal(int64(1051), a.call(t, "Score"))
	found, ok := a.engine.Lookup(IdentityOf(a.method("Score")))
	assert.True(ok)
	assert.Same(ep, found)

	require.NoError(t, a.engine.Close())
	assert.Equal(int64(10), a.call(t, "Score"))
}

func TestNew_ArenaAllocated(t *testing.T) {
	a := newArcade(t)
	a.endpoint(t, "Score")

	var buf bytes.Buffer
	cfg := config.Default()
	cfg.Detour.ArenaSize = 1 << 16
	e, err := New(WithConfig(cfg), WithLogHandler(slog.NewTextHandler(&buf, nil)))
	require.NoError(t, err)
	defer e.Close()
	assert.Contains(t, buf.String(), "ignoring its configured size")
}

func TestPending_Commit(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	a := newArcade(t)
	score := a.method("Score")
	one, ten := plus(1), plus(10)

	staged := a.engine.Stage(score)
	p1 := staged.With(one)
	p2 := p1.With(ten).With(one).Without(one)
	assert.Equal(0, staged.Len())
	assert.Equal(1, p1.Len())
	assert.Equal(4, p2.Len())
	assert.Equal(1, p2.Count(one))
	assert.Equal(1, p2.Count(ten))

	_, ok := a.engine.Lookup(IdentityOf(score))
	assert.False(ok, "staging doesn't create the endpoint")
	assert.Equal(int64(10), a.call(t, "Score"))

	ep, err := p2.Commit()
	require.NoError(err)
	assert.Equal(1, ep.Count(one))
	assert.Equal(1, ep.Count(ten))
	assert.Equal(int64(21), a.call(t, "Score"))

	// Every value derived from the same stage is consumed.
	assert.True(p1.Consumed())
	_, err = p1.Commit()
	assert.Equal(CodeStateConsumed, CodeOf(err))
	assert.ErrorIs(err, ErrConsumed)
	assert.Panics(func() { p2.With(one) })

	next, err := ep.Stage().Without(ten).ModifyWith(setConst(func(int64) int64 { return 7 })).Commit()
	require.NoError(err)
	assert.Same(ep, next)
	assert.Equal(int64(8), a.call(t, "Score"))
}

func TestPending_Rollback(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	a := newArcade(t)
	score := a.method("Score")
	broken := il.Manipulator(func(*il.Body) error { return errors.New("broken") })
	keep, add := plus(1), plus(100)

	// A failed commit that created the endpoint disposes it again.
	_, err := a.engine.Stage(score).With(add).ModifyWith(broken).Commit()
	require.Error(err)
	_, ok := a.engine.Lookup(IdentityOf(score))
	assert.False(ok)
	assert.Equal(int64(10), a.call(t, "Score"))

	ep := a.endpoint(t, "Score")
	require.NoError(ep.Add(keep))
	m := setConst(func(int64) int64 { return 40 })

	_, err = ep.Stage().
		With(add).
		Without(keep).
		ModifyWith(m).
		ModifyWith(broken).
		Commit()
	require.Error(err)

	assert.Equal(1, ep.Count(keep))
	assert.Equal(0, ep.Count(add))
	assert.Equal(0, ep.Manipulators())
	assert.Equal(int64(11), a.call(t, "Score"))
}

func TestPending_RollbackErrors(t *testing.T) {
	a := newArcade(t)
	ep := a.endpoint(t, "Score")
	keep := plus(1)
	require.NoError(t, ep.Add(keep))
	rec := ep.hooks[funcID(keep)][0]

	// Disposing the removed record means rollback can't put it back.
	broken := il.Manipulator(func(*il.Body) error {
		rec.detour.Dispose()
		return errors.New("broken")
	})
	_, err := ep.Stage().Without(keep).ModifyWith(broken).Commit()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
	assert.ErrorIs(t, err, detour.ErrDisposed, "the failed undo is reported")
	assert.Equal(t, 0, ep.Count(keep))
	assert.Equal(t, int64(10), a.call(t, "Score"))
}
