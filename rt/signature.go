package rt

import (
	"strings"

	"github.com/pboyd/hookstack/meta"
)

// SigParam is one parameter of a call-site signature with its modifiers.
type SigParam struct {
	Type     *Type
	Required []*Type
	Optional []*Type
	Pinned   bool
	Sentinel bool
}

func (p SigParam) String() string {
	var sb strings.Builder
	if p.Sentinel {
		sb.WriteString("... ")
	}
	sb.WriteString(p.Type.name)
	for _, m := range p.Required {
		sb.WriteString(" modreq(" + m.name + ")")
	}
	for _, m := range p.Optional {
		sb.WriteString(" modopt(" + m.name + ")")
	}
	if p.Pinned {
		sb.WriteString(" pinned")
	}
	return sb.String()
}

// Signature describes the target of an indirect call.
type Signature struct {
	CallingConvention meta.CallingConvention
	HasThis           bool
	ExplicitThis      bool
	Return            *Type
	Params            []SigParam
}

func (*Signature) symbol() {}

func (s *Signature) FullName() string {
	var sb strings.Builder
	if s.CallingConvention != meta.Default {
		sb.WriteString(s.CallingConvention.String() + " ")
	}
	if s.HasThis {
		sb.WriteString("instance ")
	}
	if s.ExplicitThis {
		sb.WriteString("explicit ")
	}
	if s.Return != nil {
		sb.WriteString(s.Return.name)
	} else {
		sb.WriteString("System.Void")
	}
	sb.WriteString(" *(")
	for i, p := range s.Params {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(p.String())
	}
	sb.WriteByte(')')
	return sb.String()
}

func (s *Signature) String() string { return s.FullName() }

// ReturnsValue reports whether a call leaves a value on the stack.
func (s *Signature) ReturnsValue() bool {
	return s.Return != nil && s.Return.name != "System.Void"
}

// ArgCount is the number of values a call pops for arguments. An explicit
// this is already one of the parameters.
func (s *Signature) ArgCount() int {
	n := len(s.Params)
	if s.HasThis && !s.ExplicitThis {
		n++
	}
	return n
}
