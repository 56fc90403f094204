package ledger

import (
	"fmt"

	"github.com/nixpig/rtcr/internal/capability"
)

// Info is embedded by every entry kind. Bootstrapped holds the value of the
// bootstrap flag at the moment the entry was constructed.
type Info struct {
	Badge        capability.Badge `json:"badge" cbor:"badge"`
	Bootstrapped bool             `json:"bootstrapped" cbor:"bootstrapped"`
}

// SignalSourceInfo records an allocated signal source.
type SignalSourceInfo struct {
	Info
}

// NewSignalSourceInfo records source, tagging it with bootstrapped.
func NewSignalSourceInfo(source capability.Cap, bootstrapped bool) SignalSourceInfo {
	return SignalSourceInfo{Info{Badge: source.Badge, Bootstrapped: bootstrapped}}
}

// SignalContextInfo records a signal context together with the source it was
// registered against and the imprint delivered on notification.
type SignalContextInfo struct {
	Info
	Source  capability.Cap `json:"source" cbor:"source"`
	Imprint uint64         `json:"imprint" cbor:"imprint"`
}

func NewSignalContextInfo(
	context, source capability.Cap,
	imprint uint64,
	bootstrapped bool,
) SignalContextInfo {
	return SignalContextInfo{
		Info:    Info{Badge: context.Badge, Bootstrapped: bootstrapped},
		Source:  source,
		Imprint: imprint,
	}
}

// NativeCapabilityInfo records an RPC capability and the entrypoint it was
// allocated for.
type NativeCapabilityInfo struct {
	Info
	Endpoint capability.Cap `json:"endpoint" cbor:"endpoint"`
}

func NewNativeCapabilityInfo(
	c, endpoint capability.Cap,
	bootstrapped bool,
) NativeCapabilityInfo {
	return NativeCapabilityInfo{
		Info:     Info{Badge: c.Badge, Bootstrapped: bootstrapped},
		Endpoint: endpoint,
	}
}

// AttachedRegionInfo records one dataspace attachment of a region map. Badge
// is the badge of the attached dataspace.
type AttachedRegionInfo struct {
	Info
	Size       uint64 `json:"size" cbor:"size"`
	Offset     int64  `json:"offset" cbor:"offset"`
	RelAddr    uint64 `json:"rel_addr" cbor:"rel_addr"`
	Executable bool   `json:"executable" cbor:"executable"`
}

func NewAttachedRegionInfo(
	ds capability.Cap,
	size uint64,
	offset int64,
	relAddr uint64,
	executable bool,
	bootstrapped bool,
) AttachedRegionInfo {
	return AttachedRegionInfo{
		Info:       Info{Badge: ds.Badge, Bootstrapped: bootstrapped},
		Size:       size,
		Offset:     offset,
		RelAddr:    relAddr,
		Executable: executable,
	}
}

// Dataspace returns the capability of the attached dataspace.
func (a AttachedRegionInfo) Dataspace() capability.Cap {
	return capability.Cap{Badge: a.Badge}
}

// Contains reports whether addr lies in [RelAddr, RelAddr+Size).
func (a AttachedRegionInfo) Contains(addr uint64) bool {
	return addr >= a.RelAddr && addr-a.RelAddr < a.Size
}

func (a AttachedRegionInfo) String() string {
	return fmt.Sprintf(
		"ds=%d [%#x, %#x) offset=%d exec=%t bootstrapped=%t",
		a.Badge, a.RelAddr, a.RelAddr+a.Size, a.Offset, a.Executable, a.Bootstrapped,
	)
}

// Key functions for the four ledger kinds.
func SignalSourceKey(e SignalSourceInfo) uint64 { return uint64(e.Badge) }

func SignalContextKey(e SignalContextInfo) uint64 { return uint64(e.Badge) }

func NativeCapabilityKey(e NativeCapabilityInfo) uint64 { return uint64(e.Badge) }

func AttachedRegionKey(e AttachedRegionInfo) uint64 { return e.RelAddr }
