// Package regionmap provides the region-map session interface and a proxy
// that forwards it while recording every attachment.
package regionmap

import "github.com/nixpig/rtcr/internal/capability"

// FaultType describes the last page fault of a region map.
type FaultType int

const (
	FaultReady FaultType = iota
	FaultRead
	FaultWrite
	FaultExec
)

// State is the fault state of a region map.
type State struct {
	Type FaultType `json:"type" cbor:"type"`
	Addr uint64    `json:"addr" cbor:"addr"`
}

// RegionMap is the region-map session interface: a virtual address range into
// which dataspaces are attached.
type RegionMap interface {
	// Attach maps size bytes of ds, starting at offset, and returns the
	// address used. A size of zero maps the rest of the dataspace. When
	// useLocalAddr is set the mapping is placed exactly at localAddr.
	Attach(
		ds capability.Cap,
		size uint64,
		offset int64,
		useLocalAddr bool,
		localAddr uint64,
		executable bool,
	) (uint64, error)

	// Detach removes the attachment containing addr.
	Detach(addr uint64) error

	FaultHandler(handler capability.Cap) error
	State() (State, error)

	// Dataspace returns the dataspace representation of the region map.
	Dataspace() (capability.Cap, error)
}

// Dataspaces reports dataspace sizes, used to resolve zero-size attachments.
type Dataspaces interface {
	DataspaceSize(ds capability.Cap) (uint64, error)
}
