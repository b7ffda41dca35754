package meta

import (
	"strconv"
	"strings"
)

// nameOf formats t the way Cecil does. With ids set, generic parameters
// are written by position (!0 for a type parameter, !!0 for a method
// parameter).
func nameOf(t TypeReference, ids bool) string {
	switch v := t.(type) {
	case nil:
		return ""
	case *TypeRef:
		return refName(v)
	case *TypeDefinition:
		return refName(&v.TypeRef)
	case *ByReferenceType:
		return nameOf(v.Element, ids) + "&"
	case *PointerType:
		return nameOf(v.Element, ids) + "*"
	case *ArrayType:
		return nameOf(v.Element, ids) + "[" + strings.Repeat(",", v.Dimensions()-1) + "]"
	case *GenericInstanceType:
		return nameOf(v.Element, ids) + "<" + joinNames(v.Arguments, ids) + ">"
	case *RequiredModifierType:
		return nameOf(v.Element, ids) + " modreq(" + nameOf(v.Modifier, ids) + ")"
	case *OptionalModifierType:
		return nameOf(v.Element, ids) + " modopt(" + nameOf(v.Modifier, ids) + ")"
	case *PinnedType:
		return nameOf(v.Element, ids) + " pinned"
	case *SentinelType:
		return nameOf(v.Element, ids)
	case *GenericParameter:
		if !ids {
			return v.Name
		}
		if v.Method {
			return "!!" + itoa(v.Position)
		}
		return "!" + itoa(v.Position)
	}
	return t.FullName()
}

func refName(t *TypeRef) string {
	if t.DeclaringType != nil {
		return refName(t.DeclaringType) + "/" + t.Name
	}
	return qualify(t.Namespace, t.Name)
}

func returnName(t TypeReference, ids bool) string {
	if t == nil {
		return "System.Void"
	}
	return nameOf(t, ids)
}

func joinNames(ts []TypeReference, ids bool) string {
	names := make([]string, len(ts))
	for i, t := range ts {
		names[i] = nameOf(t, ids)
	}
	return strings.Join(names, ",")
}

func qualify(namespace, name string) string {
	if namespace == "" {
		return name
	}
	return namespace + "." + name
}

func itoa(n int) string {
	return strconv.Itoa(n)
}

// IsVoid reports whether t names System.Void. A nil type is void.
func IsVoid(t TypeReference) bool {
	return t == nil || nameOf(t, false) == "System.Void"
}
