// README: Shared identifier type used across modules.
package types

type ID string

// Ptr returns a pointer to a copy of id; an empty id yields nil.
func Ptr(id ID) *ID {
	if id == "" {
		return nil
	}
	return &id
}

// Deref returns the id behind p, or "" when p is nil.
func Deref(p *ID) ID {
	if p == nil {
		return ""
	}
	return *p
}
