package access

import (
	"testing"

	"github.com/pboyd/hookstack/dmd"
	"github.com/pboyd/hookstack/il"
	"github.com/pboyd/hookstack/meta"
	"github.com/pboyd/hookstack/resolve"
	"github.com/pboyd/hookstack/rt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type zooDefs struct {
	foo    *meta.TypeDefinition
	fooRef *meta.TypeRef
	bar    *meta.FieldDefinition
	spy    *meta.TypeDefinition
}

type zoo struct {
	ctx  *rt.Context
	res  *resolve.Resolver
	pass *Pass
	foo  *rt.Type
	spy  *rt.Type
}

// newZoo builds Zoo.Foo, whose members are all private, and Zoo.Spy, whose
// methods are added by define.
func newZoo(t *testing.T, define func(*zooDefs), opts ...Option) *zoo {
	t.Helper()

	asm := meta.NewAssembly("Zoo")
	m := asm.MainModule()

	foo := m.DefineType("Zoo", "Foo", nil)
	d := &zooDefs{foo: foo, fooRef: meta.Import(foo)}
	d.bar = foo.DefineField("bar", meta.Int64)
	d.bar.Public = false
	foo.DefineStaticField("secret", meta.Int64).Public = false

	ctor := foo.DefineConstructor(meta.Param("n", meta.Int64))
	ctor.Public = false
	ctor.Impl = func(args []any) any {
		args[0].(*rt.Object).Set("bar", args[1])
		return nil
	}
	double := foo.DefineMethod("double", meta.Int64, meta.Param("n", meta.Int64))
	double.Public = false
	double.Impl = func(args []any) any {
		n, _ := rt.AsInt(args[1])
		return 2 * n
	}
	noise := foo.DefineMethod("noise", meta.Void)
	noise.Public = false
	noise.Impl = func([]any) any { return nil }
	count := foo.DefineStaticMethod("Count", meta.Int64, meta.Param("items", meta.ObjectArray))
	count.Public = false
	count.Impl = func(args []any) any { return int64(args[0].(*rt.Array).Len()) }

	d.spy = m.DefineType("Zoo", "Spy", nil)
	define(d)

	ctx := rt.NewContext()
	res := resolve.New(ctx)
	ctx.SetCompiler(dmd.Compiler{Resolver: res})
	_, err := ctx.Load(Markers())
	require.NoError(t, err)
	loaded, err := ctx.Load(asm)
	require.NoError(t, err)

	return &zoo{
		ctx:  ctx,
		res:  res,
		pass: New(res, opts...),
		foo:  loaded.MainModule().Type("Zoo.Foo"),
		spy:  loaded.MainModule().Type("Zoo.Spy"),
	}
}

func (z *zoo) definition(t *testing.T, name string) *dmd.Definition {
	t.Helper()
	d, err := dmd.New(z.spy.MethodsNamed(name)[0], z.res)
	require.NoError(t, err)
	return d
}

// rewrite applies the pass to a copy of the named method and compiles it.
func (z *zoo) rewrite(t *testing.T, name string) (*il.Body, rt.Func) {
	t.Helper()
	d := z.definition(t, name)
	require.NoError(t, d.Apply(z.pass.Manipulator()))
	fn, err := d.Generate()
	require.NoError(t, err)
	return d.Body(), fn
}

func (z *zoo) newFoo(bar int64) *rt.Object {
	obj := rt.NewObject(z.foo)
	obj.Set("bar", bar)
	return obj
}

func markerDef(name string) *meta.TypeDefinition {
	for _, t := range Markers().MainModule().Types {
		if t.Name == name {
			return t
		}
	}
	return nil
}

func plain(name string) meta.TypeReference {
	return meta.Import(markerDef(name))
}

func generic(name string, arg meta.TypeReference) meta.TypeReference {
	return &meta.GenericInstanceType{Element: plain(name + "`1"), Arguments: []meta.TypeReference{arg}}
}

func markerCtor(decl meta.TypeReference, params int) *meta.MethodReference {
	def := markerDef(meta.ElementType(decl).(*meta.TypeRef).Name)
	for _, m := range def.Methods {
		if m.Name == ".ctor" && len(m.Parameters) == params {
			ref := m.MethodReference
			ref.DeclaringType = decl
			return &ref
		}
	}
	return nil
}

func markerOp(decl meta.TypeReference, op string) *meta.MethodReference {
	def := markerDef(meta.ElementType(decl).(*meta.TypeRef).Name)
	for _, m := range def.Methods {
		if m.Name == op {
			ref := m.MethodReference
			ref.DeclaringType = decl
			return &ref
		}
	}
	return nil
}

// header starts a window's argument array of n elements.
func header(n int) []*il.Instruction {
	return []*il.Instruction{il.Create(il.LdcI4, n), il.Create(il.Newarr, meta.Object)}
}

// element stores the value pushed by value at index i.
func element(i int, value ...*il.Instruction) []*il.Instruction {
	out := []*il.Instruction{il.Create(il.Dup, nil), il.Create(il.LdcI4, i)}
	out = append(out, value...)
	return append(out, il.Create(il.Stelem, nil))
}

func seq(parts ...[]*il.Instruction) []*il.Instruction {
	var out []*il.Instruction
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func one(op il.OpCode, operand any) []*il.Instruction {
	return []*il.Instruction{il.Create(op, operand)}
}

func call(fn rt.Func, args ...any) (v any, exc *rt.Exception) {
	defer func() {
		if r := recover(); r != nil {
			e, ok := r.(*rt.Exception)
			if !ok {
				panic(r)
			}
			exc = e
		}
	}()
	return fn(args), nil
}

func TestPass_FieldGet(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	z := newZoo(t, func(d *zooDefs) {
		accessFoo := generic("Access", d.fooRef)
		d.spy.DefineStaticMethod("Peek", meta.Object, meta.Param("foo", d.foo)).SetBody(seq(
			one(il.Ldarg, 0),
			one(il.Ldstr, "bar"),
			one(il.Newobj, markerCtor(accessFoo, 2)),
			header(0),
			one(il.Call, markerOp(accessFoo, OpGet)),
			one(il.Ret, nil),
		)...)
		d.spy.DefineStaticMethod("Direct", meta.Int64, meta.Param("foo", d.foo)).SetBody(
			il.Create(il.Ldarg, 0),
			il.Create(il.Ldfld, meta.ImportField(d.bar)),
			il.Create(il.Ret, nil),
		)
	})
	foo := z.newFoo(42)

	// Unrewritten markers and direct access both fail.
	unrewritten, err := z.definition(t, "Peek").Generate()
	require.NoError(err)
	_, exc := call(unrewritten, foo)
	require.NotNil(exc)
	assert.True(exc.IsA("System.NotSupportedException"))

	direct, err := z.definition(t, "Direct").Generate()
	require.NoError(err)
	_, exc = call(direct, foo)
	require.NotNil(exc)
	assert.True(exc.IsA("System.MemberAccessException"))

	body, fn := z.rewrite(t, "Peek")
	require.Equal(3, body.Len())
	assert.Equal(il.Ldarg, body.At(0).OpCode)
	assert.Equal(il.Ldfld, body.At(1).OpCode)
	assert.Same(z.foo.Field("bar"), body.At(1).Operand)
	assert.Equal(il.Ret, body.At(2).OpCode)
	assert.True(z.foo.Field("bar").IsPublic())

	v, exc := call(fn, foo)
	require.Nil(exc)
	assert.Equal(int64(42), v)

	v, exc = call(direct, foo)
	require.Nil(exc)
	assert.Equal(int64(42), v)
}

func TestPass_Static(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	z := newZoo(t, func(d *zooDefs) {
		static := plain("StaticAccess")
		d.spy.DefineStaticMethod("Store", meta.Void, meta.Param("n", meta.Int64)).SetBody(seq(
			one(il.Ldstr, "Zoo.Foo"),
			one(il.Ldstr, "field:secret"),
			one(il.Newobj, markerCtor(static, 2)),
			header(1),
			element(0, il.Create(il.Ldarg, 0), il.Create(il.Box, meta.Int64)),
			one(il.Call, markerOp(static, OpSet)),
			one(il.Ret, nil),
		)...)
		d.spy.DefineStaticMethod("Load", meta.Object).SetBody(seq(
			one(il.Ldstr, "Zoo.Foo"),
			one(il.Ldstr, "secret"),
			one(il.Newobj, markerCtor(static, 2)),
			header(0),
			one(il.Call, markerOp(static, OpGet)),
			one(il.Ret, nil),
		)...)
	})

	store, fn := z.rewrite(t, "Store")
	require.Equal(3, store.Len())
	assert.Equal(il.Ldarg, store.At(0).OpCode)
	assert.Equal(il.Stsfld, store.At(1).OpCode)

	_, exc := call(fn, int64(9))
	require.Nil(exc)
	v, err := z.foo.Field("secret").Load(nil)
	require.NoError(err)
	assert.Equal(int64(9), v)

	load, fn := z.rewrite(t, "Load")
	require.Equal(2, load.Len())
	assert.Equal(il.Ldsfld, load.At(0).OpCode)
	v, exc = call(fn)
	require.Nil(exc)
	assert.Equal(int64(9), v)
}

func TestPass_Call(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	z := newZoo(t, func(d *zooDefs) {
		accessFoo := generic("Access", d.fooRef)
		d.spy.DefineStaticMethod("Double", meta.Object, meta.Param("foo", d.foo), meta.Param("n", meta.Int64)).SetBody(seq(
			one(il.Ldarg, 0),
			one(il.Ldstr, "method:double"),
			one(il.Newobj, markerCtor(accessFoo, 2)),
			header(1),
			element(0, il.Create(il.Ldarg, 1), il.Create(il.Box, meta.Int64)),
			one(il.Call, markerOp(accessFoo, OpCall)),
			one(il.Ret, nil),
		)...)

		access := plain("Access")
		d.spy.DefineStaticMethod("Noise", meta.Object, meta.Param("foo", d.foo)).SetBody(seq(
			one(il.Ldarg, 0),
			one(il.Ldstr, "Zoo.Foo"),
			one(il.Ldstr, "noise"),
			one(il.Newobj, markerCtor(access, 3)),
			header(0),
			one(il.Call, markerOp(access, OpCall)),
			one(il.Ret, nil),
		)...)
	})
	foo := z.newFoo(0)

	body, fn := z.rewrite(t, "Double")
	require.Equal(4, body.Len())
	assert.Equal([]il.OpCode{il.Ldarg, il.Ldarg, il.Callvirt, il.Ret}, opcodes(body))
	v, exc := call(fn, foo, int64(21))
	require.Nil(exc)
	assert.Equal(int64(42), v)

	body, fn = z.rewrite(t, "Noise")
	assert.Equal([]il.OpCode{il.Ldarg, il.Callvirt, il.Ldnull, il.Ret}, opcodes(body))
	v, exc = call(fn, foo)
	require.Nil(exc)
	assert.Nil(v)
}

func TestPass_New(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	z := newZoo(t, func(d *zooDefs) {
		static := generic("StaticAccess", d.fooRef)
		d.spy.DefineStaticMethod("Make", meta.Object, meta.Param("n", meta.Int64)).SetBody(seq(
			one(il.Ldstr, ".ctor"),
			one(il.Newobj, markerCtor(static, 1)),
			header(1),
			element(0, il.Create(il.Ldarg, 0)),
			one(il.Call, markerOp(static, OpNew)),
			one(il.Ret, nil),
		)...)
	})

	body, fn := z.rewrite(t, "Make")
	assert.Equal([]il.OpCode{il.Ldarg, il.Newobj, il.Ret}, opcodes(body))

	v, exc := call(fn, int64(5))
	require.Nil(exc)
	obj, ok := v.(*rt.Object)
	require.True(ok)
	assert.Same(z.foo, obj.Type())
	bar, _ := obj.Get("bar")
	assert.Equal(int64(5), bar)
}

func TestPass_Nested(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	z := newZoo(t, func(d *zooDefs) {
		accessFoo := generic("Access", d.fooRef)
		inner := seq(
			one(il.Ldarg, 0),
			one(il.Ldstr, "bar"),
			one(il.Newobj, markerCtor(accessFoo, 2)),
			header(0),
			one(il.Call, markerOp(accessFoo, OpGet)),
		)
		d.spy.DefineStaticMethod("Twice", meta.Object, meta.Param("foo", d.foo)).SetBody(seq(
			one(il.Ldarg, 0),
			one(il.Ldstr, "double"),
			one(il.Newobj, markerCtor(accessFoo, 2)),
			header(1),
			element(0, inner...),
			one(il.Call, markerOp(accessFoo, OpCall)),
			one(il.Ret, nil),
		)...)

		static := generic("StaticAccess", d.fooRef)
		items := seq(
			header(2),
			element(0, il.Create(il.Ldarg, 0)),
			element(1, il.Create(il.Ldnull, nil)),
		)
		d.spy.DefineStaticMethod("Tally", meta.Object, meta.Param("foo", d.foo)).SetBody(seq(
			one(il.Ldstr, "Count"),
			one(il.Newobj, markerCtor(static, 1)),
			header(1),
			element(0, items...),
			one(il.Call, markerOp(static, OpCall)),
			one(il.Ret, nil),
		)...)
	})
	foo := z.newFoo(21)

	body, fn := z.rewrite(t, "Twice")
	assert.Equal([]il.OpCode{il.Ldarg, il.Ldarg, il.Ldfld, il.Callvirt, il.Ret}, opcodes(body))
	v, exc := call(fn, foo)
	require.Nil(exc)
	assert.Equal(int64(42), v)

	// The plain array passed as an argument stays.
	body, fn = z.rewrite(t, "Tally")
	assert.Equal([]il.OpCode{
		il.LdcI4, il.Newarr,
		il.Dup, il.LdcI4, il.Ldarg, il.Stelem,
		il.Dup, il.LdcI4, il.Ldnull, il.Stelem,
		il.Call, il.Ret,
	}, opcodes(body))
	v, exc = call(fn, foo)
	require.Nil(exc)
	assert.Equal(int64(2), v)
}

func TestPass_Errors(t *testing.T) {
	z := newZoo(t, func(d *zooDefs) {
		accessFoo := generic("Access", d.fooRef)
		static := plain("StaticAccess")
		get := func(name string) []*il.Instruction {
			return seq(
				one(il.Ldarg, 0),
				one(il.Ldstr, name),
				one(il.Newobj, markerCtor(accessFoo, 2)),
				header(0),
				one(il.Call, markerOp(accessFoo, OpGet)),
				one(il.Ret, nil),
			)
		}
		param := meta.Param("foo", d.foo)

		d.spy.DefineStaticMethod("Missing", meta.Object, param).SetBody(get("weight")...)
		d.spy.DefineStaticMethod("FieldCall", meta.Object, param).SetBody(seq(
			one(il.Ldarg, 0),
			one(il.Ldstr, "field:bar"),
			one(il.Newobj, markerCtor(accessFoo, 2)),
			header(0),
			one(il.Call, markerOp(accessFoo, OpCall)),
			one(il.Ret, nil),
		)...)
		d.spy.DefineStaticMethod("NoType", meta.Object).SetBody(seq(
			one(il.Ldstr, "Zoo.Ghost"),
			one(il.Ldstr, "bar"),
			one(il.Newobj, markerCtor(static, 2)),
			header(0),
			one(il.Call, markerOp(static, OpGet)),
			one(il.Ret, nil),
		)...)
		d.spy.DefineStaticMethod("NoName", meta.Object, param).SetBody(seq(
			one(il.Ldarg, 0),
			one(il.Newobj, markerCtor(accessFoo, 2)),
			header(0),
			one(il.Call, markerOp(accessFoo, OpGet)),
			one(il.Ret, nil),
		)...)
		d.spy.DefineStaticMethod("NoDispatch", meta.Object, param).SetBody(seq(
			one(il.Ldarg, 0),
			one(il.Ldstr, "bar"),
			one(il.Newobj, markerCtor(accessFoo, 2)),
			header(0),
			one(il.Ret, nil),
		)...)
		d.spy.DefineStaticMethod("InstanceNew", meta.Object, param).SetBody(seq(
			one(il.Ldarg, 0),
			one(il.Ldstr, ".ctor"),
			one(il.Newobj, markerCtor(accessFoo, 2)),
			header(0),
			one(il.Call, markerOp(accessFoo, OpNew)),
			one(il.Ret, nil),
		)...)
		d.spy.DefineStaticMethod("StaticField", meta.Object).SetBody(seq(
			one(il.Ldstr, "Zoo.Foo"),
			one(il.Ldstr, "bar"),
			one(il.Newobj, markerCtor(static, 2)),
			header(0),
			one(il.Call, markerOp(static, OpGet)),
			one(il.Ret, nil),
		)...)
	})

	tests := []struct {
		method string
		want   error
	}{
		{"Missing", ErrNotFound},
		{"FieldCall", ErrNotFound},
		{"NoType", ErrNotFound},
		{"NoName", ErrMalformed},
		{"NoDispatch", ErrMalformed},
		{"InstanceNew", ErrInstanceNew},
		{"StaticField", ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			d := z.definition(t, tt.method)
			before := d.Body().Len()
			err := d.Apply(z.pass.Manipulator())
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, before, d.Body().Len(), "a failed pass leaves the body alone")
		})
	}
	assert.False(t, z.foo.Field("bar").IsPublic())
}

func TestPass_MaxDepth(t *testing.T) {
	define := func(d *zooDefs) {
		accessFoo := generic("Access", d.fooRef)
		inner := seq(
			one(il.Ldarg, 0),
			one(il.Ldstr, "bar"),
			one(il.Newobj, markerCtor(accessFoo, 2)),
			header(0),
			one(il.Call, markerOp(accessFoo, OpGet)),
		)
		d.spy.DefineStaticMethod("Twice", meta.Object, meta.Param("foo", d.foo)).SetBody(seq(
			one(il.Ldarg, 0),
			one(il.Ldstr, "double"),
			one(il.Newobj, markerCtor(accessFoo, 2)),
			header(1),
			element(0, inner...),
			one(il.Call, markerOp(accessFoo, OpCall)),
			one(il.Ret, nil),
		)...)
	}

	z := newZoo(t, define, WithMaxDepth(1))
	err := z.definition(t, "Twice").Apply(z.pass.Manipulator())
	assert.ErrorIs(t, err, ErrTooDeep)

	z = newZoo(t, define, WithMaxDepth(2))
	assert.NoError(t, z.definition(t, "Twice").Apply(z.pass.Manipulator()))
}

func TestMarkers(t *testing.T) {
	assert := assert.New(t)

	asm := Markers()
	assert.Same(asm, Markers())
	assert.Equal(MarkerAssembly, asm.Name.Name)

	for _, name := range []string{"Access", "Access`1", "StaticAccess", "StaticAccess`1"} {
		def := markerDef(name)
		if assert.NotNil(def, name) {
			for _, op := range []string{OpNew, OpCall, OpGet, OpSet} {
				assert.NotNil(markerOp(meta.Import(def), op), "%s.%s", name, op)
			}
		}
	}
}

func opcodes(b *il.Body) []il.OpCode {
	out := make([]il.OpCode, b.Len())
	for i, ins := range b.Instructions {
		out[i] = ins.OpCode
	}
	return out
}
