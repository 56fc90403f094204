package core

import (
	"fmt"
	"slices"
	"sync"

	"github.com/nixpig/rtcr/internal/capability"
	"github.com/nixpig/rtcr/internal/regionmap"
)

// RegionMapBase is the lowest address handed out by every region map.
const RegionMapBase = 0x1000

// Sizes of the three region maps of a PD.
const (
	AddressSpaceSize = 1<<47 - RegionMapBase
	StackAreaSize    = 256 << 20
	LinkerAreaSize   = 160 << 20
)

var _ regionmap.RegionMap = (*RegionMap)(nil)

type region struct {
	start      uint64
	size       uint64
	ds         capability.Cap
	offset     int64
	executable bool
}

func (r region) end() uint64 {
	return r.start + r.size
}

// RegionMap is a virtual address range of a PD into which dataspaces are
// attached at page-aligned addresses.
type RegionMap struct {
	platform *Platform
	cap      capability.Cap
	ds       capability.Cap
	base     uint64
	limit    uint64

	mu      sync.Mutex
	regions []region // sorted by start
	handler capability.Cap
	state   regionmap.State
}

func (rm *RegionMap) Cap() capability.Cap {
	return rm.cap
}

// Regions returns the number of attached regions.
func (rm *RegionMap) Regions() int {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	return len(rm.regions)
}

func (rm *RegionMap) Attach(
	ds capability.Cap,
	size uint64,
	offset int64,
	useLocalAddr bool,
	localAddr uint64,
	executable bool,
) (uint64, error) {
	dsSize, err := rm.platform.dataspaceSize(ds)
	if err != nil {
		return 0, fmt.Errorf("attach: %w", err)
	}

	if offset < 0 || uint64(offset) >= dsSize {
		return 0, fmt.Errorf("attach at offset %#x: %w", offset, capability.ErrInvalidDataspace)
	}

	if size == 0 {
		size = dsSize - uint64(offset)
	}

	if uint64(offset)+size > dsSize {
		return 0, fmt.Errorf("attach %#x bytes at offset %#x: %w", size, offset, capability.ErrInvalidDataspace)
	}

	r := region{
		size:       pageRound(size),
		ds:         ds,
		offset:     offset,
		executable: executable,
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	if useLocalAddr {
		if !rm.free(localAddr, r.size) {
			return 0, fmt.Errorf("attach at %#x: %w", localAddr, capability.ErrRegionConflict)
		}
		r.start = localAddr
	} else {
		addr, ok := rm.firstFit(r.size)
		if !ok {
			return 0, fmt.Errorf("attach %#x bytes: %w", r.size, capability.ErrRegionConflict)
		}
		r.start = addr
	}

	i, _ := slices.BinarySearchFunc(rm.regions, r.start, func(e region, addr uint64) int {
		switch {
		case e.start < addr:
			return -1
		case e.start > addr:
			return 1
		}
		return 0
	})
	rm.regions = slices.Insert(rm.regions, i, r)

	return r.start, nil
}

// free reports whether [addr, addr+size) is page-aligned, inside the map and
// overlaps no region. Callers must hold rm.mu.
func (rm *RegionMap) free(addr, size uint64) bool {
	if addr%PageSize != 0 || addr < rm.base || addr+size > rm.limit || addr+size < addr {
		return false
	}

	for _, r := range rm.regions {
		if addr < r.end() && r.start < addr+size {
			return false
		}
	}

	return true
}

// firstFit returns the lowest free address with room for size bytes.
// Callers must hold rm.mu.
func (rm *RegionMap) firstFit(size uint64) (uint64, bool) {
	cursor := rm.base

	for _, r := range rm.regions {
		if r.start >= cursor+size {
			break
		}
		cursor = max(cursor, r.end())
	}

	if cursor+size > rm.limit {
		return 0, false
	}

	return cursor, true
}

// Detach removes the region containing addr. Addresses outside every region
// are ignored.
func (rm *RegionMap) Detach(addr uint64) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.regions = slices.DeleteFunc(rm.regions, func(r region) bool {
		return r.start <= addr && addr < r.end()
	})

	return nil
}

func (rm *RegionMap) FaultHandler(handler capability.Cap) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.handler = handler
	return nil
}

func (rm *RegionMap) State() (regionmap.State, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	return rm.state, nil
}

func (rm *RegionMap) Dataspace() (capability.Cap, error) {
	return rm.ds, nil
}
