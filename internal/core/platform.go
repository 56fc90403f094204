// Package core is an in-process implementation of the real protection-domain
// and region-map services. The daemon forwards intercepted calls to it.
package core

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/nixpig/rtcr/internal/argstring"
	"github.com/nixpig/rtcr/internal/capability"
	"github.com/nixpig/rtcr/internal/pd"
	"github.com/nixpig/rtcr/internal/regionmap"
)

const (
	// PageSize is the granularity of dataspaces and attachments.
	PageSize = 0x1000

	// DefaultCapQuota and DefaultRAMQuota apply when the session arguments
	// name no quota.
	DefaultCapQuota capability.CapQuota = 50
	DefaultRAMQuota capability.RAMQuota = 1 << 20
)

var _ pd.Backend = (*Platform)(nil)

type dataspace struct {
	size  uint64
	owner capability.Badge
}

// Platform owns every PD, region map and dataspace of the core.
type Platform struct {
	alloc *capability.Allocator
	log   *slog.Logger

	mu         sync.Mutex
	pds        map[capability.Badge]*PD
	regionMaps map[capability.Badge]*RegionMap
	dataspaces map[capability.Badge]dataspace
}

// NewPlatform creates a Platform drawing badges from alloc. A nil logger
// uses slog.Default.
func NewPlatform(alloc *capability.Allocator, logger *slog.Logger) *Platform {
	if logger == nil {
		logger = slog.Default()
	}

	return &Platform{
		alloc:      alloc,
		log:        logger.With("component", "core"),
		pds:        make(map[capability.Badge]*PD),
		regionMaps: make(map[capability.Badge]*RegionMap),
		dataspaces: make(map[capability.Badge]dataspace),
	}
}

// Open creates a PD with the quotas named by ram_quota and cap_quota.
func (pl *Platform) Open(args string) (pd.Connection, error) {
	p := &PD{
		platform:   pl,
		cap:        pl.alloc.Alloc(),
		nativePD:   pl.alloc.Alloc(),
		label:      argstring.Find(args, "label").String(""),
		capQuota:   capability.CapQuota(argstring.Find(args, "cap_quota").Uint(uint64(DefaultCapQuota))),
		ramQuota:   capability.RAMQuota(argstring.Find(args, "ram_quota").Uint(uint64(DefaultRAMQuota))),
		sources:    make(map[capability.Badge]struct{}),
		contexts:   make(map[capability.Badge]*signalContext),
		rpcCaps:    make(map[capability.Badge]capability.Cap),
		dataspaces: make(map[capability.Badge]uint64),
	}

	p.addressSpace = pl.newRegionMap(p.cap, AddressSpaceSize)
	p.stackArea = pl.newRegionMap(p.cap, StackAreaSize)
	p.linkerArea = pl.newRegionMap(p.cap, LinkerAreaSize)

	pl.mu.Lock()
	pl.pds[p.cap.Badge] = p
	pl.mu.Unlock()

	pl.log.Debug(
		"open pd",
		"cap", p.cap,
		"label", p.label,
		"cap_quota", p.capQuota,
		"ram_quota", p.ramQuota,
	)

	return p, nil
}

// Upgrade credits the ram_quota and cap_quota of args to the PD named by c.
func (pl *Platform) Upgrade(c capability.Cap, args string) error {
	p, ok := pl.pd(c)
	if !ok {
		return fmt.Errorf("upgrade %s: %w", c, capability.ErrInvalidCap)
	}

	caps := capability.CapQuota(argstring.Find(args, "cap_quota").Uint(0))
	ram := capability.RAMQuota(argstring.Find(args, "ram_quota").Uint(0))

	p.credit(caps, ram)

	pl.log.Debug("upgrade pd", "cap", c, "cap_quota", caps, "ram_quota", ram)

	return nil
}

// RegionMap returns the region map named by c.
func (pl *Platform) RegionMap(c capability.Cap) (regionmap.RegionMap, error) {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	rm, ok := pl.regionMaps[c.Badge]
	if !ok {
		return nil, fmt.Errorf("region map %s: %w", c, capability.ErrInvalidCap)
	}

	return rm, nil
}

// Len returns the number of open PDs.
func (pl *Platform) Len() int {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	return len(pl.pds)
}

func (pl *Platform) pd(c capability.Cap) (*PD, bool) {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	p, ok := pl.pds[c.Badge]
	return p, ok
}

func (pl *Platform) newRegionMap(owner capability.Cap, size uint64) *RegionMap {
	rm := &RegionMap{
		platform: pl,
		cap:      pl.alloc.Alloc(),
		ds:       pl.alloc.Alloc(),
		base:     RegionMapBase,
		limit:    RegionMapBase + size,
		state:    regionmap.State{Type: regionmap.FaultReady},
	}

	pl.mu.Lock()
	defer pl.mu.Unlock()

	pl.regionMaps[rm.cap.Badge] = rm
	// A region map can itself be attached as a managed dataspace.
	pl.dataspaces[rm.ds.Badge] = dataspace{size: size, owner: owner.Badge}

	return rm
}

func (pl *Platform) addDataspace(owner capability.Cap, size uint64) capability.Cap {
	c := pl.alloc.Alloc()

	pl.mu.Lock()
	pl.dataspaces[c.Badge] = dataspace{size: size, owner: owner.Badge}
	pl.mu.Unlock()

	return c
}

func (pl *Platform) removeDataspace(c capability.Cap) {
	pl.mu.Lock()
	delete(pl.dataspaces, c.Badge)
	pl.mu.Unlock()
}

func (pl *Platform) dataspaceSize(c capability.Cap) (uint64, error) {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	ds, ok := pl.dataspaces[c.Badge]
	if !ok {
		return 0, fmt.Errorf("dataspace %s: %w", c, capability.ErrInvalidCap)
	}

	return ds.size, nil
}

// release forgets everything the PD named by owner registered.
func (pl *Platform) release(owner capability.Cap, regionMaps ...*RegionMap) {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	delete(pl.pds, owner.Badge)

	for _, rm := range regionMaps {
		delete(pl.regionMaps, rm.cap.Badge)
	}

	for b, ds := range pl.dataspaces {
		if ds.owner == owner.Badge {
			delete(pl.dataspaces, b)
		}
	}
}

func pageRound(size uint64) uint64 {
	return (size + PageSize - 1) &^ (PageSize - 1)
}
