package interp

import (
	"errors"
	"fmt"
	"math"

	"github.com/pboyd/hookstack/il"
	"github.com/pboyd/hookstack/rt"
)

type exit uint8

const (
	exitFall exit = iota
	exitRet
	exitLeave
	exitEndfinally
)

// result is how a region stopped running.
type result struct {
	kind   exit
	target int
	value  any
}

type frame struct {
	p      *program
	args   []any
	locals []any
	stack  []any

	// caught holds the exceptions of the catch handlers currently running,
	// innermost last.
	caught []*rt.Exception
}

func (p *program) run(args []any) any {
	f := &frame{
		p:      p,
		args:   make([]any, p.nargs),
		locals: make([]any, len(p.locals)),
	}
	copy(f.args, args)
	copy(f.locals, p.locals)

	r := f.exec(0, 0, len(p.ops), -1)
	if r.kind == exitRet {
		return r.value
	}
	return nil
}

// exec runs instructions from pc until control leaves [lo, hi). Only
// protected regions of handlers sorted later than after are entered.
func (f *frame) exec(pc, lo, hi, after int) result {
	ctx := f.p.ctx
	for pc < hi {
		if i := f.handlerAt(pc, after); i >= 0 {
			r := f.protected(i)
			if r.kind == exitLeave && r.target >= lo && r.target < hi {
				pc = r.target
				continue
			}
			return r
		}

		o := &f.p.ops[pc]
		pc++

		switch o.code {
		case il.Nop:

		case il.Ldarg:
			f.push(f.args[o.target])
		case il.Starg:
			f.args[o.target] = f.pop()
		case il.Ldloc:
			f.push(f.locals[o.target])
		case il.Stloc:
			f.locals[o.target] = f.pop()

		case il.LdcI4, il.LdcI8:
			f.push(o.i64)
		case il.LdcR8:
			f.push(o.f64)
		case il.Ldstr:
			f.push(o.operand)
		case il.Ldnull:
			f.push(nil)

		case il.Dup:
			v := f.pop()
			f.push(v)
			f.push(v)
		case il.Pop:
			f.pop()

		case il.Add, il.Sub, il.Mul, il.Div, il.Rem:
			b := f.pop()
			a := f.pop()
			f.push(f.arith(o.code, a, b))
		case il.Neg:
			switch v := f.pop().(type) {
			case int64:
				f.push(-v)
			case float64:
				f.push(-v)
			default:
				ctx.Throw("System.InvalidCastException", "neg of %T", v)
			}

		case il.Ceq, il.Cgt, il.Clt:
			b := f.pop()
			a := f.pop()
			if f.compare(o.code, a, b) {
				f.push(int64(1))
			} else {
				f.push(int64(0))
			}

		case il.Br, il.Leave:
			if o.code == il.Leave {
				f.stack = f.stack[:0]
			}
			if o.target < lo || o.target >= hi {
				return result{kind: exitLeave, target: o.target}
			}
			pc = o.target
		case il.Brtrue, il.Brfalse:
			if truthy(f.pop()) == (o.code == il.Brtrue) {
				if o.target < lo || o.target >= hi {
					return result{kind: exitLeave, target: o.target}
				}
				pc = o.target
			}

		case il.Call:
			m := o.operand.(*rt.Method)
			f.checkMethod(m)
			f.invoke(m, m.Entry(), f.popN(m.ParamCount()))
		case il.Callvirt:
			m := o.operand.(*rt.Method)
			f.checkMethod(m)
			args := f.popN(m.ParamCount())
			target := m
			switch recv := args[0].(type) {
			case nil:
				ctx.Throw("System.NullReferenceException", "calling %s on a null reference", m.Name())
			case *rt.Object:
				target = recv.Type().FindOverride(m)
			}
			f.invoke(target, target.Entry(), args)
		case il.Calli:
			sig := o.operand.(*rt.Signature)
			fn, ok := f.pop().(rt.Func)
			if !ok || fn == nil {
				ctx.Throw("System.NullReferenceException", "calli through a non-callable")
			}
			ret := fn(f.popN(sig.ArgCount()))
			if sig.ReturnsValue() {
				f.push(ret)
			}
		case il.Ldftn:
			m := o.operand.(*rt.Method)
			f.checkMethod(m)
			f.push(m.Entry())
		case il.Newobj:
			f.newobj(o.operand.(*rt.Method))

		case il.Ldfld:
			fld := o.operand.(*rt.Field)
			f.checkField(fld)
			obj := f.object(f.pop(), fld)
			v, err := fld.Load(obj)
			f.check(err)
			f.push(v)
		case il.Stfld:
			fld := o.operand.(*rt.Field)
			f.checkField(fld)
			v := f.pop()
			obj := f.object(f.pop(), fld)
			f.check(fld.Store(obj, v))
		case il.Ldsfld:
			fld := o.operand.(*rt.Field)
			f.checkField(fld)
			v, err := fld.Load(nil)
			f.check(err)
			f.push(v)
		case il.Stsfld:
			fld := o.operand.(*rt.Field)
			f.checkField(fld)
			f.check(fld.Store(nil, f.pop()))

		case il.Newarr:
			n := f.integer(f.pop())
			arr, err := rt.NewArray(o.operand.(*rt.Type).MakeArray(1), int(n))
			f.check(err)
			f.push(arr)
		case il.Ldlen:
			f.push(int64(f.array(f.pop()).Len()))
		case il.Ldelem:
			idx := f.integer(f.pop())
			v, err := f.array(f.pop()).Get(int(idx))
			f.check(err)
			f.push(v)
		case il.Stelem:
			v := f.pop()
			idx := f.integer(f.pop())
			f.check(f.array(f.pop()).Set(v, int(idx)))

		case il.Box:
		case il.Unbox:
			if f.peek() == nil {
				ctx.Throw("System.NullReferenceException", "unboxing a null reference")
			}
		case il.Castclass:
			t := o.operand.(*rt.Type)
			if v := f.peek(); v != nil && !f.isInstance(v, t) {
				ctx.Throw("System.InvalidCastException", "Unable to cast object of type '%s' to type '%s'.", f.typeName(v), t.FullName())
			}
		case il.Isinst:
			if v := f.pop(); v != nil && f.isInstance(v, o.operand.(*rt.Type)) {
				f.push(v)
			} else {
				f.push(nil)
			}

		case il.Throw:
			switch v := f.pop().(type) {
			case *rt.Object:
				panic(&rt.Exception{Object: v})
			case nil:
				ctx.Throw("System.NullReferenceException", "throwing a null reference")
			default:
				ctx.Throw("System.InvalidCastException", "throwing a %T", v)
			}
		case il.Rethrow:
			if len(f.caught) == 0 {
				ctx.Throw("System.InvalidOperationException", "rethrow outside a catch handler")
			}
			panic(f.caught[len(f.caught)-1])
		case il.Endfinally:
			return result{kind: exitEndfinally}

		case il.Ret:
			var v any
			if f.p.owner.ReturnsValue() {
				v = f.pop()
			}
			return result{kind: exitRet, value: v}
		}
	}
	return result{kind: exitFall}
}

// handlerAt returns the first handler past after whose protected region
// starts at pc, or -1.
func (f *frame) handlerAt(pc, after int) int {
	for i := after + 1; i < len(f.p.handlers); i++ {
		if f.p.handlers[i].tryStart == pc {
			return i
		}
	}
	return -1
}

func (f *frame) protected(i int) result {
	if f.p.handlers[i].kind == il.Finally {
		return f.tryFinally(i)
	}
	return f.tryCatch(i)
}

func (f *frame) tryFinally(i int) (r result) {
	h := f.p.handlers[i]
	func() {
		defer func() {
			if x := recover(); x != nil {
				f.stack = f.stack[:0]
				f.exec(h.start, h.start, h.end, i)
				panic(x)
			}
		}()
		r = f.exec(h.tryStart, h.tryStart, h.tryEnd, i)
	}()

	f.stack = f.stack[:0]
	f.exec(h.start, h.start, h.end, i)
	if r.kind == exitFall || r.kind == exitEndfinally {
		r = result{kind: exitLeave, target: h.end}
	}
	return r
}

func (f *frame) tryCatch(i int) (r result) {
	h := f.p.handlers[i]
	var exc *rt.Exception
	func() {
		defer func() {
			if x := recover(); x != nil {
				e, ok := x.(*rt.Exception)
				if !ok || !catches(h, e) {
					panic(x)
				}
				exc = e
			}
		}()
		r = f.exec(h.tryStart, h.tryStart, h.tryEnd, i)
	}()

	if exc != nil {
		f.stack = append(f.stack[:0], exc.Object)
		f.caught = append(f.caught, exc)
		defer func() { f.caught = f.caught[:len(f.caught)-1] }()
		r = f.exec(h.start, h.start, h.end, i)
	}
	if r.kind == exitFall || r.kind == exitEndfinally {
		r = result{kind: exitLeave, target: h.end}
	}
	return r
}

func catches(h handler, exc *rt.Exception) bool {
	return h.catch == nil || exc.Type().IsAssignableTo(h.catch)
}

func (f *frame) push(v any) {
	f.stack = append(f.stack, v)
}

func (f *frame) pop() any {
	n := len(f.stack)
	if n == 0 {
		f.p.ctx.Throw("System.InvalidOperationException", "evaluation stack underflow in %s", f.p.owner.FullName())
	}
	v := f.stack[n-1]
	f.stack = f.stack[:n-1]
	return v
}

func (f *frame) peek() any {
	v := f.pop()
	f.push(v)
	return v
}

// popN pops n values and returns them in push order.
func (f *frame) popN(n int) []any {
	if n > len(f.stack) {
		f.p.ctx.Throw("System.InvalidOperationException", "evaluation stack underflow in %s", f.p.owner.FullName())
	}
	args := make([]any, n)
	copy(args, f.stack[len(f.stack)-n:])
	f.stack = f.stack[:len(f.stack)-n]
	return args
}

func (f *frame) invoke(m *rt.Method, fn rt.Func, args []any) {
	ret := fn(args)
	if m.ReturnsValue() {
		f.push(ret)
	}
}

func (f *frame) newobj(ctor *rt.Method) {
	f.checkMethod(ctor)
	t := ctor.DeclaringType()
	if t.Kind() == rt.KindArray {
		f.push(ctor.Entry()(f.popN(ctor.ParamCount())))
		return
	}

	n := ctor.ParamCount()
	if ctor.HasThis() {
		n--
	}
	args := f.popN(n)
	obj := rt.NewObject(t)
	ctor.Entry()(append([]any{obj}, args...))
	f.push(obj)
}

// check turns a runtime error into the matching managed exception.
func (f *frame) check(err error) {
	switch {
	case err == nil:
	case errors.Is(err, rt.ErrNullReference):
		f.p.ctx.Throw("System.NullReferenceException", "%v", err)
	case errors.Is(err, rt.ErrIndexOutOfRange):
		f.p.ctx.Throw("System.IndexOutOfRangeException", "%v", err)
	default:
		f.p.ctx.Throw("System.InvalidOperationException", "%v", err)
	}
}

func (f *frame) object(v any, fld *rt.Field) *rt.Object {
	switch o := v.(type) {
	case nil:
		return nil
	case *rt.Object:
		return o
	}
	f.p.ctx.Throw("System.InvalidCastException", "%s on a %T", fld.Name(), v)
	return nil
}

func (f *frame) array(v any) *rt.Array {
	switch a := v.(type) {
	case *rt.Array:
		return a
	case nil:
		f.p.ctx.Throw("System.NullReferenceException", "array is a null reference")
	default:
		f.p.ctx.Throw("System.InvalidCastException", "%T is not an array", v)
	}
	return nil
}

func (f *frame) integer(v any) int64 {
	n, ok := rt.AsInt(v)
	if !ok {
		f.p.ctx.Throw("System.InvalidCastException", "%T is not an integer", v)
	}
	return n
}

func (f *frame) arith(code il.OpCode, a, b any) any {
	ctx := f.p.ctx
	x, xok := a.(int64)
	y, yok := b.(int64)
	if xok && yok {
		switch code {
		case il.Add:
			return x + y
		case il.Sub:
			return x - y
		case il.Mul:
			return x * y
		}
		if y == 0 {
			ctx.Throw("System.DivideByZeroException", "Attempted to divide by zero.")
		}
		if code == il.Div {
			return x / y
		}
		return x % y
	}

	fx, xok := float(a)
	fy, yok := float(b)
	if !xok || !yok {
		ctx.Throw("System.InvalidCastException", "%s on %T and %T", code, a, b)
	}
	switch code {
	case il.Add:
		return fx + fy
	case il.Sub:
		return fx - fy
	case il.Mul:
		return fx * fy
	case il.Div:
		return fx / fy
	}
	return math.Mod(fx, fy)
}

func (f *frame) compare(code il.OpCode, a, b any) bool {
	fa, aok := float(a)
	fb, bok := float(b)
	if aok && bok {
		// int64 compares exactly.
		if ia, ok := a.(int64); ok {
			if ib, ok := b.(int64); ok {
				switch code {
				case il.Ceq:
					return ia == ib
				case il.Cgt:
					return ia > ib
				}
				return ia < ib
			}
		}
		switch code {
		case il.Ceq:
			return fa == fb
		case il.Cgt:
			return fa > fb
		}
		return fa < fb
	}

	if code != il.Ceq {
		f.p.ctx.Throw("System.InvalidCastException", "%s on %T and %T", code, a, b)
	}
	// Callables are never equal, and comparing them would panic.
	if _, ok := a.(rt.Func); ok {
		return false
	}
	if _, ok := b.(rt.Func); ok {
		return false
	}
	return a == b
}

func float(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case int64:
		return x != 0
	case int:
		return x != 0
	case int32:
		return x != 0
	case float64:
		return x != 0
	}
	return true
}

func (f *frame) isInstance(v any, t *rt.Type) bool {
	switch x := v.(type) {
	case *rt.Object:
		return x.Type().IsAssignableTo(t)
	case *rt.Array:
		return x.Type().IsAssignableTo(t)
	case int64:
		if t.FullName() == "System.Int32" {
			return true
		}
	}
	vt := f.p.ctx.CoreType(f.typeName(v))
	return vt != nil && vt.IsAssignableTo(t)
}

func (f *frame) typeName(v any) string {
	switch x := v.(type) {
	case *rt.Object:
		return x.Type().FullName()
	case *rt.Array:
		return x.Type().FullName()
	case int64, int, int32:
		return "System.Int64"
	case float64:
		return "System.Double"
	case bool:
		return "System.Boolean"
	case string:
		return "System.String"
	}
	return fmt.Sprintf("%T", v)
}

func (f *frame) checkMethod(m *rt.Method) {
	if !f.accessible(m.DeclaringType(), m.Module(), m.IsPublic()) {
		f.denied(m.FullName())
	}
}

func (f *frame) checkField(fld *rt.Field) {
	if !f.accessible(fld.DeclaringType(), fld.Module(), fld.IsPublic()) {
		f.denied(fld.FullName())
	}
}

// accessible reports whether the running method may use a member. Private
// members are visible to their declaring type and the types nested in it,
// and module globals to their module.
func (f *frame) accessible(declaring *rt.Type, module *rt.Module, public bool) bool {
	if public {
		return true
	}
	owner := f.p.owner
	if declaring == nil {
		return module == owner.Module()
	}
	def := declaring.Definition()
	for t := owner.DeclaringType(); t != nil; t = t.DeclaringType() {
		if t.Definition() == def {
			return true
		}
	}
	return false
}

func (f *frame) denied(member string) {
	f.p.ctx.Throw("System.MemberAccessException", "Attempt by method '%s' to access '%s' failed.", f.p.owner.FullName(), member)
}
