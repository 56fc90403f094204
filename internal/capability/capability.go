// Package capability provides the capability model shared by the proxies and
// the services they forward to: badges, capabilities, quotas, the badge
// allocator and the object space that serves local objects by capability.
package capability

import (
	"fmt"
	"sync/atomic"
)

// Badge is the locally unique numeric identity of a capability. The zero
// Badge names nothing.
type Badge uint64

// Cap is a reference to a kernel or service object. It carries no data beyond
// the badge that identifies the object.
type Cap struct {
	Badge Badge `json:"badge" cbor:"1,keyasint"`
}

// Invalid is the capability that names nothing.
var Invalid = Cap{}

// Valid reports whether c names an object.
func (c Cap) Valid() bool {
	return c.Badge != 0
}

func (c Cap) String() string {
	if !c.Valid() {
		return "cap<invalid>"
	}

	return fmt.Sprintf("cap<%d>", c.Badge)
}

// CapQuota is an amount of capability slots.
type CapQuota uint64

// RAMQuota is an amount of memory in bytes.
type RAMQuota uint64

// Allocator hands out process-unique badges. It is safe for concurrent use.
type Allocator struct {
	next atomic.Uint64
}

// NewAllocator returns an Allocator whose first badge is 1.
func NewAllocator() *Allocator {
	return &Allocator{}
}

// Alloc returns a fresh capability.
func (a *Allocator) Alloc() Cap {
	return Cap{Badge: Badge(a.next.Add(1))}
}
