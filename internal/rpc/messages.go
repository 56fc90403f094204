package rpc

import (
	"github.com/nixpig/rtcr/internal/capability"
	"github.com/nixpig/rtcr/internal/regionmap"
	"github.com/nixpig/rtcr/internal/session"
)

// Orchestrator messages.

type CreateRequest struct {
	Args string `cbor:"args"`
}

type UpgradeRequest struct {
	Session capability.Cap `cbor:"session"`
	Args    string         `cbor:"args"`
}

type ListRequest struct{}

type ListReply struct {
	Sessions []session.Info `cbor:"sessions"`
}

// SnapshotRequest names one session, or every session when Session is
// invalid.
type SnapshotRequest struct {
	Session capability.Cap `cbor:"session"`
}

type SnapshotReply struct {
	Snapshots []session.Snapshot `cbor:"snapshots"`
}

type BootstrapRequest struct {
	Active bool `cbor:"active"`
}

type BootstrapReply struct {
	Previous bool `cbor:"previous"`
}

// Protection-domain messages. Session names the session proxy.

type SessionCall struct {
	Session capability.Cap `cbor:"session"`
}

type CapCall struct {
	Session capability.Cap `cbor:"session"`
	Cap     capability.Cap `cbor:"cap"`
}

type PCICall struct {
	Session capability.Cap `cbor:"session"`
	Addr    uint64         `cbor:"addr"`
	BDF     uint16         `cbor:"bdf"`
}

type MapCall struct {
	Session capability.Cap `cbor:"session"`
	Virt    uint64         `cbor:"virt"`
	Size    uint64         `cbor:"size"`
}

type ContextCall struct {
	Session capability.Cap `cbor:"session"`
	Source  capability.Cap `cbor:"source"`
	Imprint uint64         `cbor:"imprint"`
}

type SubmitCall struct {
	Session capability.Cap `cbor:"session"`
	Context capability.Cap `cbor:"context"`
	Count   uint32         `cbor:"count"`
}

type TransferCall struct {
	Session capability.Cap `cbor:"session"`
	To      capability.Cap `cbor:"to"`
	Amount  uint64         `cbor:"amount"`
}

type AllocCall struct {
	Session capability.Cap `cbor:"session"`
	Size    uint64         `cbor:"size"`
	Cache   int            `cbor:"cache"`
}

// Region-map messages. RegionMap names the region-map proxy.

type RegionMapCall struct {
	RegionMap capability.Cap `cbor:"region_map"`
}

type AttachCall struct {
	RegionMap    capability.Cap `cbor:"region_map"`
	Dataspace    capability.Cap `cbor:"dataspace"`
	Size         uint64         `cbor:"size"`
	Offset       int64          `cbor:"offset"`
	UseLocalAddr bool           `cbor:"use_local_addr"`
	LocalAddr    uint64         `cbor:"local_addr"`
	Executable   bool           `cbor:"executable"`
}

type DetachCall struct {
	RegionMap capability.Cap `cbor:"region_map"`
	Addr      uint64         `cbor:"addr"`
}

type FaultHandlerCall struct {
	RegionMap capability.Cap `cbor:"region_map"`
	Handler   capability.Cap `cbor:"handler"`
}

// Replies.

type Empty struct{}

type CapReply struct {
	Cap capability.Cap `cbor:"cap"`
}

type ValueReply struct {
	Value uint64 `cbor:"value"`
}

type BoolReply struct {
	Value bool `cbor:"value"`
}

type StateReply struct {
	State regionmap.State `cbor:"state"`
}
