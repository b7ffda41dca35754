package interp

import (
	"testing"

	"github.com/pboyd/hookstack/il"
	"github.com/pboyd/hookstack/meta"
	"github.com/pboyd/hookstack/rt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bank struct {
	ctx     *rt.Context
	mod     *rt.Module
	account *rt.Type
	savings *rt.Type
	teller  *rt.Type
}

func newBank(t *testing.T) *bank {
	t.Helper()

	asm := meta.NewAssembly("Bank", "1.0.0.0")
	m := asm.MainModule()

	account := m.DefineType("Bank", "Account", nil)
	account.DefineConstructor().Impl = func([]any) any { return nil }
	account.DefineField("Balance", meta.Int64)
	account.DefineField("pin", meta.Int32).Public = false
	describe := account.DefineMethod("Describe", meta.String)
	describe.Virtual = true
	describe.Impl = func([]any) any { return "account" }
	account.DefineStaticMethod("Peek", meta.Int32, meta.Param("a", account))

	savings := m.DefineType("Bank", "Savings", account)
	override := savings.DefineMethod("Describe", meta.String)
	override.Virtual = true
	override.Impl = func([]any) any { return "savings" }

	teller := m.DefineType("Bank", "Teller", nil)
	teller.DefineStaticMethod("Peek", meta.Int32, meta.Param("a", account))

	m.DefineGlobalMethod("Double", meta.Int64, meta.Param("n", meta.Int64)).Impl = func(args []any) any {
		n, _ := rt.AsInt(args[0])
		return 2 * n
	}
	m.DefineGlobalMethod("Fail", meta.Void).Impl = func([]any) any {
		meta.Throw("System.InvalidOperationException", "boom")
		return nil
	}
	m.DefineGlobalMethod("Sum", meta.Int64, meta.Param("n", meta.Int64))
	m.DefineGlobalMethod("Run", meta.Int64)
	m.DefineGlobalMethod("Name", meta.String, meta.Param("a", account))
	m.DefineGlobalMethod("Open", account)
	m.DefineGlobalField("audits", meta.Int64)

	ctx := rt.NewContext()
	loaded, err := ctx.Load(asm)
	require.NoError(t, err)
	mod := loaded.MainModule()
	return &bank{
		ctx:     ctx,
		mod:     mod,
		account: mod.Type("Bank.Account"),
		savings: mod.Type("Bank.Savings"),
		teller:  mod.Type("Bank.Teller"),
	}
}

func (b *bank) global(name string) *rt.Method {
	for _, m := range b.mod.Methods() {
		if m.Name() == name {
			return m
		}
	}
	panic("no global " + name)
}

func (b *bank) core(name string) *rt.Type {
	return b.ctx.CoreType(name)
}

func (b *bank) compile(t *testing.T, owner *rt.Method, body *il.Body) rt.Func {
	t.Helper()
	fn, err := Compile(owner, body)
	require.NoError(t, err)
	return fn
}

// call runs fn and returns the managed exception it raised, if any.
func call(fn rt.Func, args ...any) (v any, exc *rt.Exception) {
	defer func() {
		if r := recover(); r != nil {
			exc = r.(*rt.Exception)
		}
	}()
	return fn(args), nil
}

func TestCompile_Loop(t *testing.T) {
	b := newBank(t)

	loop := il.Create(il.Ldloc, 1)
	end := il.Create(il.Ldloc, 0)
	body := il.NewBody(
		il.Create(il.LdcI8, int64(0)),
		il.Create(il.Stloc, 0),
		il.Create(il.LdcI8, int64(1)),
		il.Create(il.Stloc, 1),
		loop,
		il.Create(il.Ldarg, 0),
		il.Create(il.Cgt, nil),
		il.Create(il.Brtrue, end),
		il.Create(il.Ldloc, 0),
		il.Create(il.Ldloc, 1),
		il.Create(il.Add, nil),
		il.Create(il.Stloc, 0),
		il.Create(il.Ldloc, 1),
		il.Create(il.LdcI4, int32(1)),
		il.Create(il.Add, nil),
		il.Create(il.Stloc, 1),
		il.Create(il.Br, loop),
		end,
		il.Create(il.Ret, nil),
	)
	body.AddVariable(b.core("System.Int64"))
	body.AddVariable(b.core("System.Int64"))

	fn := b.compile(t, b.global("Sum"), body)
	assert.Equal(t, int64(55), fn([]any{int64(10)}))
	assert.Equal(t, int64(0), fn([]any{int64(0)}))
}

func TestCompile_Arithmetic(t *testing.T) {
	b := newBank(t)
	run := b.global("Run")

	tests := []struct {
		name   string
		instrs []*il.Instruction
		want   any
	}{
		{"sub", []*il.Instruction{il.Create(il.LdcI8, int64(9)), il.Create(il.LdcI8, int64(4)), il.Create(il.Sub, nil)}, int64(5)},
		{"mul", []*il.Instruction{il.Create(il.LdcI8, int64(6)), il.Create(il.LdcI8, int64(7)), il.Create(il.Mul, nil)}, int64(42)},
		{"div", []*il.Instruction{il.Create(il.LdcI8, int64(9)), il.Create(il.LdcI8, int64(2)), il.Create(il.Div, nil)}, int64(4)},
		{"rem", []*il.Instruction{il.Create(il.LdcI8, int64(9)), il.Create(il.LdcI8, int64(2)), il.Create(il.Rem, nil)}, int64(1)},
		{"neg", []*il.Instruction{il.Create(il.LdcI8, int64(3)), il.Create(il.Neg, nil)}, int64(-3)},
		{"float", []*il.Instruction{il.Create(il.LdcR8, 1.5), il.Create(il.LdcI8, int64(2)), il.Create(il.Mul, nil)}, 3.0},
		{"ceq", []*il.Instruction{il.Create(il.Ldstr, "a"), il.Create(il.Ldstr, "a"), il.Create(il.Ceq, nil)}, int64(1)},
		{"clt", []*il.Instruction{il.Create(il.LdcI8, int64(3)), il.Create(il.LdcI8, int64(2)), il.Create(il.Clt, nil)}, int64(0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := il.NewBody(append(tt.instrs, il.Create(il.Ret, nil))...)
			assert.Equal(t, tt.want, b.compile(t, run, body)(nil))
		})
	}

	body := il.NewBody(
		il.Create(il.LdcI8, int64(1)),
		il.Create(il.LdcI8, int64(0)),
		il.Create(il.Div, nil),
		il.Create(il.Ret, nil),
	)
	_, exc := call(b.compile(t, run, body))
	require.NotNil(t, exc)
	assert.True(t, exc.IsA("System.DivideByZeroException"))
}

func TestCompile_Call(t *testing.T) {
	b := newBank(t)
	double := b.global("Double")

	body := il.NewBody(
		il.Create(il.LdcI8, int64(21)),
		il.Create(il.Call, double),
		il.Create(il.Ret, nil),
	)
	assert.Equal(t, int64(42), b.compile(t, b.global("Run"), body)(nil))

	sig := &rt.Signature{
		Return: b.core("System.Int64"),
		Params: []rt.SigParam{{Type: b.core("System.Int64")}},
	}
	body = il.NewBody(
		il.Create(il.LdcI8, int64(4)),
		il.Create(il.Ldftn, double),
		il.Create(il.Calli, sig),
		il.Create(il.Ret, nil),
	)
	assert.Equal(t, int64(8), b.compile(t, b.global("Run"), body)(nil))
}

func TestCompile_Callvirt(t *testing.T) {
	b := newBank(t)
	describe := b.account.MethodsNamed("Describe")[0]

	body := il.NewBody(
		il.Create(il.Ldarg, 0),
		il.Create(il.Callvirt, describe),
		il.Create(il.Ret, nil),
	)
	fn := b.compile(t, b.global("Name"), body)

	v, _ := call(fn, rt.NewObject(b.savings))
	assert.Equal(t, "savings", v)
	v, _ = call(fn, rt.NewObject(b.account))
	assert.Equal(t, "account", v)

	_, exc := call(fn, nil)
	require.NotNil(t, exc)
	assert.True(t, exc.IsA("System.NullReferenceException"))
}

func TestCompile_NewobjAndFields(t *testing.T) {
	b := newBank(t)
	ctor := b.account.MethodsNamed(".ctor")[0]
	balance := b.account.Field("Balance")

	body := il.NewBody(
		il.Create(il.Newobj, ctor),
		il.Create(il.Dup, nil),
		il.Create(il.LdcI8, int64(5)),
		il.Create(il.Stfld, balance),
		il.Create(il.Ret, nil),
	)
	v, exc := call(b.compile(t, b.global("Open"), body))
	require.Nil(t, exc)
	obj := v.(*rt.Object)
	assert.Same(t, b.account, obj.Type())
	got, err := balance.Load(obj)
	assert.NoError(t, err)
	assert.Equal(t, int64(5), got)

	audits := b.mod.Fields()[0]
	body = il.NewBody(
		il.Create(il.Ldsfld, audits),
		il.Create(il.LdcI8, int64(1)),
		il.Create(il.Add, nil),
		il.Create(il.Dup, nil),
		il.Create(il.Stsfld, audits),
		il.Create(il.Ret, nil),
	)
	fn := b.compile(t, b.global("Run"), body)
	fn(nil)
	assert.Equal(t, int64(2), fn(nil))
}

func TestCompile_Arrays(t *testing.T) {
	b := newBank(t)
	body := il.NewBody(
		il.Create(il.LdcI8, int64(3)),
		il.Create(il.Newarr, b.core("System.Int64")),
		il.Create(il.Stloc, 0),
		il.Create(il.Ldloc, 0),
		il.Create(il.LdcI8, int64(1)),
		il.Create(il.LdcI8, int64(9)),
		il.Create(il.Stelem, nil),
		il.Create(il.Ldloc, 0),
		il.Create(il.LdcI8, int64(1)),
		il.Create(il.Ldelem, nil),
		il.Create(il.Ldloc, 0),
		il.Create(il.Ldlen, nil),
		il.Create(il.Add, nil),
		il.Create(il.Ret, nil),
	)
	body.AddVariable(b.core("System.Int64").MakeArray(1))
	assert.Equal(t, int64(12), b.compile(t, b.global("Run"), body)(nil))
}

func TestCompile_Casts(t *testing.T) {
	b := newBank(t)
	cast := il.Create(il.Ldarg, 0)
	body := il.NewBody(
		il.Create(il.Ldarg, 0),
		il.Create(il.Isinst, b.savings),
		il.Create(il.Brfalse, cast),
		il.Create(il.Ldstr, "savings"),
		il.Create(il.Ret, nil),
		cast,
		il.Create(il.Castclass, b.savings),
		il.Create(il.Ret, nil),
	)
	fn := b.compile(t, b.global("Name"), body)

	v, exc := call(fn, rt.NewObject(b.savings))
	require.Nil(t, exc)
	assert.Equal(t, "savings", v)

	_, exc = call(fn, rt.NewObject(b.account))
	require.NotNil(t, exc)
	assert.True(t, exc.IsA("System.InvalidCastException"))
}

func TestCompile_Catch(t *testing.T) {
	b := newBank(t)

	build := func(catchType *rt.Type) *il.Body {
		handler := il.Create(il.Pop, nil)
		end := il.Create(il.Ldloc, 0)
		body := il.NewBody(
			il.Create(il.Call, b.global("Fail")),
			il.Create(il.LdcI8, int64(1)),
			il.Create(il.Stloc, 0),
			il.Create(il.Leave, end),
			handler,
			il.Create(il.LdcI8, int64(2)),
			il.Create(il.Stloc, 0),
			il.Create(il.Leave, end),
			end,
			il.Create(il.Ret, nil),
		)
		body.AddVariable(b.core("System.Int64"))
		body.AddHandler(&il.ExceptionHandler{
			Kind:         il.Catch,
			TryStart:     body.Instructions[0],
			TryEnd:       handler,
			HandlerStart: handler,
			HandlerEnd:   end,
			CatchType:    catchType,
		})
		return body
	}

	v, exc := call(b.compile(t, b.global("Run"), build(b.core("System.InvalidOperationException"))))
	require.Nil(t, exc)
	assert.Equal(t, int64(2), v)

	v, exc = call(b.compile(t, b.global("Run"), build(b.core("System.Exception"))))
	require.Nil(t, exc)
	assert.Equal(t, int64(2), v)

	_, exc = call(b.compile(t, b.global("Run"), build(b.core("System.DivideByZeroException"))))
	require.NotNil(t, exc)
	assert.Equal(t, "boom", exc.Message())
}

func TestCompile_Finally(t *testing.T) {
	b := newBank(t)
	run := b.global("Run")
	audits := b.mod.Fields()[0]

	build := func(try ...*il.Instruction) *il.Body {
		handler := il.Create(il.Ldsfld, audits)
		end := il.Create(il.Ldsfld, audits)
		body := il.NewBody(try...)
		body.Append(
			handler,
			il.Create(il.LdcI8, int64(10)),
			il.Create(il.Add, nil),
			il.Create(il.Stsfld, audits),
			il.Create(il.Endfinally, nil),
			end,
			il.Create(il.Ret, nil),
		)
		body.Instructions[len(try)-1].Operand = end
		body.AddHandler(&il.ExceptionHandler{
			Kind:         il.Finally,
			TryStart:     body.Instructions[0],
			TryEnd:       handler,
			HandlerStart: handler,
			HandlerEnd:   end,
		})
		return body
	}

	fn := b.compile(t, run, build(il.Create(il.Nop, nil), il.Create(il.Leave, nil)))
	assert.Equal(t, int64(10), fn(nil))

	fn = b.compile(t, run, build(il.Create(il.Call, b.global("Fail")), il.Create(il.Leave, nil)))
	_, exc := call(fn)
	require.NotNil(t, exc)
	v, _ := audits.Load(nil)
	assert.Equal(t, int64(20), v)
}

func TestCompile_Rethrow(t *testing.T) {
	b := newBank(t)

	inner := il.Create(il.Pop, nil)
	outer := il.Create(il.Pop, nil)
	end := il.Create(il.Ldloc, 0)
	body := il.NewBody(
		il.Create(il.Call, b.global("Fail")),
		il.Create(il.Leave, end),
		inner,
		il.Create(il.Rethrow, nil),
		outer,
		il.Create(il.LdcI8, int64(3)),
		il.Create(il.Stloc, 0),
		il.Create(il.Leave, end),
		end,
		il.Create(il.Ret, nil),
	)
	body.AddVariable(b.core("System.Int64"))
	// Innermost first.
	body.AddHandler(&il.ExceptionHandler{
		Kind:         il.Catch,
		TryStart:     body.Instructions[0],
		TryEnd:       inner,
		HandlerStart: inner,
		HandlerEnd:   outer,
	})
	body.AddHandler(&il.ExceptionHandler{
		Kind:         il.Catch,
		TryStart:     body.Instructions[0],
		TryEnd:       outer,
		HandlerStart: outer,
		HandlerEnd:   end,
		CatchType:    b.core("System.InvalidOperationException"),
	})

	v, exc := call(b.compile(t, b.global("Run"), body))
	require.Nil(t, exc)
	assert.Equal(t, int64(3), v)

	_, exc = call(b.compile(t, b.global("Run"), il.NewBody(il.Create(il.Rethrow, nil))))
	require.NotNil(t, exc)
	assert.True(t, exc.IsA("System.InvalidOperationException"))
}

func TestCompile_Throw(t *testing.T) {
	b := newBank(t)
	body := il.NewBody(
		il.Create(il.Ldarg, 0),
		il.Create(il.Throw, nil),
	)
	fn := b.compile(t, b.global("Name"), body)

	thrown := b.ctx.NewException("System.NotSupportedException", "nope")
	_, exc := call(fn, thrown.Object)
	require.NotNil(t, exc)
	assert.Same(t, thrown.Object, exc.Object)

	_, exc = call(fn, nil)
	require.NotNil(t, exc)
	assert.True(t, exc.IsA("System.NullReferenceException"))
}

func TestCompile_Access(t *testing.T) {
	b := newBank(t)
	pin := b.account.Field("pin")
	peek := func() *il.Body {
		return il.NewBody(
			il.Create(il.Ldarg, 0),
			il.Create(il.Ldfld, pin),
			il.Create(il.Ret, nil),
		)
	}
	obj := rt.NewObject(b.account)

	v, exc := call(b.compile(t, b.account.MethodsNamed("Peek")[0], peek()), obj)
	require.Nil(t, exc)
	assert.Equal(t, int64(0), v)

	fn := b.compile(t, b.teller.MethodsNamed("Peek")[0], peek())
	_, exc = call(fn, obj)
	require.NotNil(t, exc)
	assert.True(t, exc.IsA("System.MemberAccessException"))
	assert.Contains(t, exc.Message(), "Bank.Teller::Peek")
	assert.Contains(t, exc.Message(), "Bank.Account::pin")

	pin.SetPublic()
	v, exc = call(fn, obj)
	require.Nil(t, exc)
	assert.Equal(t, int64(0), v)
}

func TestCompile_Invalid(t *testing.T) {
	b := newBank(t)
	run := b.global("Run")

	_, err := Compile(run, il.NewBody(
		il.Create(il.Call, meta.ImportMethod(meta.CoreLibrary().MainModule().Types[0].Methods[0])),
	))
	assert.ErrorIs(t, err, ErrUnresolved)

	_, err = Compile(run, il.NewBody(il.Create(il.Ldarg, 0)))
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = Compile(run, il.NewBody(il.Create(il.Br, il.Create(il.Nop, nil))))
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = Compile(run, il.NewBody(il.Create(il.Callvirt, b.global("Double"))))
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = Compile(run, il.NewBody(il.Create(il.Ldfld, "pin")))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestCompile_Snapshot(t *testing.T) {
	b := newBank(t)
	body := il.NewBody(
		il.Create(il.LdcI8, int64(1)),
		il.Create(il.Ret, nil),
	)
	first := b.compile(t, b.global("Run"), body)

	body.Instructions[0].Operand = int64(2)
	second := b.compile(t, b.global("Run"), body)

	assert.Equal(t, int64(1), first(nil))
	assert.Equal(t, int64(2), second(nil))
}
