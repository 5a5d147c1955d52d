package cache

import "fmt"

// GOTKind selects which coalesced GOT section a slot belongs to.
type GOTKind uint8

const (
	GOTRegular GOTKind = iota
	GOTAuth
	GOTAuthPointer
)

func (k GOTKind) String() string {
	switch k {
	case GOTRegular:
		return "got"
	case GOTAuth:
		return "auth_got"
	case GOTAuthPointer:
		return "auth_ptr"
	}
	return fmt.Sprintf("gotkind(%d)", k)
}

// CoalescedGOTs maps the cache address of a dylib's GOT slot to the address of
// the shared slot it was merged into. It is built before binding and only
// read while binding.
type CoalescedGOTs struct {
	Regular     map[uint64]uint64
	Auth        map[uint64]uint64
	AuthPointer map[uint64]uint64
}

// Lookup checks the regular, auth and auth pointer maps in that order.
func (g CoalescedGOTs) Lookup(vmAddr uint64) (uint64, GOTKind, bool) {
	if v, ok := g.Regular[vmAddr]; ok {
		return v, GOTRegular, true
	}
	if v, ok := g.Auth[vmAddr]; ok {
		return v, GOTAuth, true
	}
	if v, ok := g.AuthPointer[vmAddr]; ok {
		return v, GOTAuthPointer, true
	}
	return 0, 0, false
}

// Len returns the number of coalesced slots of every kind.
func (g CoalescedGOTs) Len() int {
	return len(g.Regular) + len(g.Auth) + len(g.AuthPointer)
}
