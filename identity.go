package hookstack

import (
	"strings"

	"github.com/pboyd/hookstack/rt"
)

// MethodIdentity identifies one method of one type in one module. Two
// *rt.Method values for the same method have equal identities, so it's
// usable as a map key.
type MethodIdentity struct {
	Assembly      string
	Module        string
	DeclaringType string // "" for module globals
	Name          string
	Signature     string
	Static        bool

	// GenericArguments lists the full names of the type arguments of a
	// generic method instance, comma separated.
	GenericArguments string
}

// IdentityOf returns the identity of m.
func IdentityOf(m *rt.Method) MethodIdentity {
	id := MethodIdentity{
		Name:      m.Name(),
		Signature: m.FindableID(),
		Static:    m.IsStatic(),
	}
	if mod := m.Module(); mod != nil {
		id.Module = mod.Name()
		if asm := mod.Assembly(); asm != nil {
			id.Assembly = asm.Name().FullName()
		}
	}
	if decl := m.DeclaringType(); decl != nil {
		id.DeclaringType = decl.FullName()
	}
	if args := m.GenericArguments(); len(args) > 0 {
		names := make([]string, len(args))
		for i, a := range args {
			names[i] = a.FullName()
		}
		id.GenericArguments = strings.Join(names, ",")
	}
	return id
}

func (id MethodIdentity) String() string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(id.Assembly)
	b.WriteString("]")
	if id.DeclaringType != "" {
		b.WriteString(id.DeclaringType)
		b.WriteString("::")
	}
	b.WriteString(id.Signature)
	if id.GenericArguments != "" {
		b.WriteString("<")
		b.WriteString(id.GenericArguments)
		b.WriteString(">")
	}
	return b.String()
}
