package resolve

import (
	"fmt"
	"strings"

	"github.com/pboyd/hookstack/meta"
	"github.com/pboyd/hookstack/rt"
)

// keyOf returns the cache key of ref. References that name the same entity
// through the same scope get the same key.
func keyOf(ref meta.Reference) (string, error) {
	switch v := ref.(type) {
	case meta.TypeReference:
		return typeKey(v, false)
	case *meta.MethodDefinition:
		return methodKey(&v.MethodReference)
	case *meta.MethodReference:
		return methodKey(v)
	case *meta.GenericInstanceMethod:
		k, err := methodKey(v.Element)
		if err != nil {
			return "", err
		}
		args, err := typeKeys(v.Arguments, false)
		if err != nil {
			return "", err
		}
		return k + "<" + args + ">", nil
	case *meta.FieldDefinition:
		return fieldKey(&v.FieldReference)
	case *meta.FieldReference:
		return fieldKey(v)
	case *meta.PropertyDefinition:
		return memberKey("P:", v.DeclaringType, v.Name)
	case *meta.PropertyReference:
		return memberKey("P:", v.DeclaringType, v.Name)
	case *meta.EventDefinition:
		return memberKey("E:", v.DeclaringType, v.Name)
	case *meta.EventReference:
		return memberKey("E:", v.DeclaringType, v.Name)
	case *meta.CallSite:
		return callSiteKey(v)
	}
	return "", fmt.Errorf("%w: reference %T", rt.ErrUnsupported, ref)
}

func methodKey(m *meta.MethodReference) (string, error) {
	decl, err := typeKey(m.DeclaringType, false)
	if err != nil {
		return "", err
	}
	return "M:" + decl + "::" + m.FindableID(), nil
}

func fieldKey(f *meta.FieldReference) (string, error) {
	k, err := memberKey("F:", f.DeclaringType, f.Name)
	if err != nil {
		return "", err
	}
	if f.FieldType != nil {
		k += ":" + f.FieldType.FullName()
	}
	return k, nil
}

func memberKey(prefix string, decl meta.TypeReference, name string) (string, error) {
	k, err := typeKey(decl, false)
	if err != nil {
		return "", err
	}
	return prefix + k + "::" + name, nil
}

func callSiteKey(c *meta.CallSite) (string, error) {
	var sb strings.Builder
	sb.WriteString("S:")
	sb.WriteString(c.CallingConvention.String())
	if c.HasThis {
		sb.WriteString(" instance")
	}
	if c.ExplicitThis {
		sb.WriteString(" explicit")
	}
	sb.WriteByte(' ')
	if c.ReturnType == nil {
		sb.WriteString("System.Void")
	} else {
		ret, err := typeKey(c.ReturnType, true)
		if err != nil {
			return "", err
		}
		sb.WriteString(ret)
	}
	params, err := typeKeys(c.Parameters, true)
	if err != nil {
		return "", err
	}
	sb.WriteString("(" + params + ")")
	return sb.String(), nil
}

// typeKey formats t with the scope of every named type. Modifier, pinned
// and sentinel wrappers resolve to their element, so they're dropped unless
// wrappers is set.
func typeKey(t meta.TypeReference, wrappers bool) (string, error) {
	switch v := t.(type) {
	case nil:
		return "", fmt.Errorf("%w: nil type reference", rt.ErrUnsupported)
	case *meta.TypeDefinition:
		return refKey(&v.TypeRef)
	case *meta.TypeRef:
		return refKey(v)
	case *meta.ArrayType:
		e, err := typeKey(v.Element, wrappers)
		return e + "[" + strings.Repeat(",", v.Dimensions()-1) + "]", err
	case *meta.ByReferenceType:
		e, err := typeKey(v.Element, wrappers)
		return e + "&", err
	case *meta.PointerType:
		e, err := typeKey(v.Element, wrappers)
		return e + "*", err
	case *meta.GenericInstanceType:
		e, err := typeKey(v.Element, wrappers)
		if err != nil {
			return "", err
		}
		args, err := typeKeys(v.Arguments, wrappers)
		return e + "<" + args + ">", err
	case *meta.RequiredModifierType:
		e, err := typeKey(v.Element, wrappers)
		if err != nil || !wrappers {
			return e, err
		}
		m, err := typeKey(v.Modifier, wrappers)
		return e + " modreq(" + m + ")", err
	case *meta.OptionalModifierType:
		e, err := typeKey(v.Element, wrappers)
		if err != nil || !wrappers {
			return e, err
		}
		m, err := typeKey(v.Modifier, wrappers)
		return e + " modopt(" + m + ")", err
	case *meta.PinnedType:
		e, err := typeKey(v.Element, wrappers)
		if wrappers {
			e += " pinned"
		}
		return e, err
	case *meta.SentinelType:
		e, err := typeKey(v.Element, wrappers)
		if wrappers {
			e = "..." + e
		}
		return e, err
	case *meta.GenericParameter:
		return "", fmt.Errorf("%w: generic parameter %s", rt.ErrUnsupported, v.Name)
	}
	return "", fmt.Errorf("%w: type reference %T", rt.ErrUnsupported, t)
}

func typeKeys(ts []meta.TypeReference, wrappers bool) (string, error) {
	keys := make([]string, len(ts))
	for i, t := range ts {
		k, err := typeKey(t, wrappers)
		if err != nil {
			return "", err
		}
		keys[i] = k
	}
	return strings.Join(keys, ","), nil
}

func refKey(t *meta.TypeRef) (string, error) {
	if t.DeclaringType != nil {
		outer, err := refKey(t.DeclaringType)
		return outer + "/" + t.Name, err
	}
	scope, err := scopeKey(t.Scope, t.Module)
	if err != nil {
		return "", fmt.Errorf("%s: %w", t.FullName(), err)
	}
	return "[" + scope + "]" + t.FullName(), nil
}

func scopeKey(s meta.Scope, module *meta.ModuleDefinition) (string, error) {
	switch v := s.(type) {
	case *meta.AssemblyNameReference:
		return v.Name, nil
	case *meta.ModuleDefinition:
		if v.Assembly != nil {
			return v.Assembly.Name.Name + "/" + v.Name, nil
		}
	case *meta.ModuleReference:
		if module != nil && module.Assembly != nil {
			return module.Assembly.Name.Name + "/" + v.Name, nil
		}
	}
	return "", fmt.Errorf("%w: scope %v", rt.ErrUnsupported, s)
}
