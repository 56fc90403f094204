// Package pd provides the protection-domain session interface and a proxy
// that forwards it while recording every signal source, signal context and
// RPC capability the session hands out.
package pd

import (
	"github.com/nixpig/rtcr/internal/capability"
	"github.com/nixpig/rtcr/internal/regionmap"
)

// Cache is the caching attribute of a RAM dataspace.
type Cache int

const (
	Cached Cache = iota
	WriteCombined
	Uncached
)

// Session is the protection-domain session interface: one process's
// capability space and address space as a unit.
type Session interface {
	AssignParent(parent capability.Cap) error
	AssignPCI(addr uint64, bdf uint16) (bool, error)
	Map(virt, size uint64) error

	AllocSignalSource() (capability.Cap, error)
	FreeSignalSource(source capability.Cap) error
	AllocContext(source capability.Cap, imprint uint64) (capability.Cap, error)
	FreeContext(context capability.Cap) error
	Submit(context capability.Cap, count uint32) error

	AllocRPCCap(ep capability.Cap) (capability.Cap, error)
	FreeRPCCap(c capability.Cap) error

	AddressSpace() (capability.Cap, error)
	StackArea() (capability.Cap, error)
	LinkerArea() (capability.Cap, error)

	RefAccount(account capability.Cap) error
	TransferCapQuota(to capability.Cap, amount capability.CapQuota) error
	TransferRAMQuota(to capability.Cap, amount capability.RAMQuota) error
	CapQuota() (capability.CapQuota, error)
	UsedCaps() (capability.CapQuota, error)
	RAMQuota() (capability.RAMQuota, error)
	UsedRAM() (capability.RAMQuota, error)

	Alloc(size uint64, cache Cache) (capability.Cap, error)
	Free(ds capability.Cap) error
	DataspaceSize(ds capability.Cap) (uint64, error)

	NativePD() (capability.Cap, error)
}

// Connection is an open session with the real PD service.
type Connection interface {
	Session

	// Cap names the real session.
	Cap() capability.Cap
	Close() error
}

// Backend is the real PD service the proxies forward to.
type Backend interface {
	// Open creates a real session from the session-argument string.
	Open(args string) (Connection, error)
	// Upgrade forwards a quota upgrade for the real session named by c.
	Upgrade(c capability.Cap, args string) error
	// RegionMap returns a client for the real region map named by c.
	RegionMap(c capability.Cap) (regionmap.RegionMap, error)
}
