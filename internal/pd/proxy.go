package pd

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nixpig/rtcr/internal/bootstrap"
	"github.com/nixpig/rtcr/internal/capability"
	"github.com/nixpig/rtcr/internal/ledger"
	"github.com/nixpig/rtcr/internal/metrics"
	"github.com/nixpig/rtcr/internal/regionmap"
)

var _ Session = (*Proxy)(nil)

// Region map names.
const (
	AddressSpaceName = "address_space"
	StackAreaName    = "stack_area"
	LinkerAreaName   = "linker_area"
)

// Opts configures a Proxy.
type Opts struct {
	Label   string
	Conn    Connection
	Backend Backend
	Phase   bootstrap.Source
	// Space manages the proxy and its region maps. Required.
	Space    *capability.Space
	Reporter ledger.Reporter
	Logger   *slog.Logger
}

// Proxy stands in for one protection domain. Every call is forwarded to the
// real session; allocations and releases of signal sources, signal contexts
// and RPC capabilities are additionally recorded. The three region maps it
// hands out are proxies as well, so memory operations stay intercepted.
type Proxy struct {
	label string
	conn  Connection
	space *capability.Space
	cap   capability.Cap
	phase bootstrap.Source
	log   *slog.Logger

	signalSources  *ledger.Ledger[ledger.SignalSourceInfo]
	signalContexts *ledger.Ledger[ledger.SignalContextInfo]
	nativeCaps     *ledger.Ledger[ledger.NativeCapabilityInfo]

	addressSpace *regionmap.Proxy
	stackArea    *regionmap.Proxy
	linkerArea   *regionmap.Proxy

	closeOnce sync.Once
	closeErr  error
}

// Snapshot is the tracked state of one protection domain.
type Snapshot struct {
	Cap            capability.Cap                `json:"cap" cbor:"cap"`
	SignalSources  []ledger.SignalSourceInfo     `json:"signal_sources" cbor:"signal_sources"`
	SignalContexts []ledger.SignalContextInfo    `json:"signal_contexts" cbor:"signal_contexts"`
	NativeCaps     []ledger.NativeCapabilityInfo `json:"native_caps" cbor:"native_caps"`
	AddressSpace   regionmap.Snapshot            `json:"address_space" cbor:"address_space"`
	StackArea      regionmap.Snapshot            `json:"stack_area" cbor:"stack_area"`
	LinkerArea     regionmap.Snapshot            `json:"linker_area" cbor:"linker_area"`
}

// New creates a Proxy for opts.Conn, wrapping the connection's three region
// maps. The connection stays owned by the caller if New fails.
func New(opts *Opts) (*Proxy, error) {
	if opts.Space == nil {
		return nil, errors.New("missing capability space")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	phase := opts.Phase
	if phase == nil {
		phase = bootstrap.Fixed(false)
	}

	p := &Proxy{
		label: opts.Label,
		conn:  opts.Conn,
		space: opts.Space,
		phase: phase,
		log:   logger.With("label", opts.Label),
		signalSources: ledger.New(
			ledger.KindSignalSources,
			ledger.SignalSourceKey,
			opts.Reporter,
		),
		signalContexts: ledger.New(
			ledger.KindSignalContexts,
			ledger.SignalContextKey,
			opts.Reporter,
		),
		nativeCaps: ledger.New(
			ledger.KindNativeCaps,
			ledger.NativeCapabilityKey,
			opts.Reporter,
		),
	}

	areas := []struct {
		name   string
		real   func() (capability.Cap, error)
		target **regionmap.Proxy
	}{
		{AddressSpaceName, opts.Conn.AddressSpace, &p.addressSpace},
		{StackAreaName, opts.Conn.StackArea, &p.stackArea},
		{LinkerAreaName, opts.Conn.LinkerArea, &p.linkerArea},
	}

	for _, area := range areas {
		c, err := area.real()
		if err != nil {
			p.closeRegionMaps()
			return nil, fmt.Errorf("get %s: %w", area.name, err)
		}

		rm, err := opts.Backend.RegionMap(c)
		if err != nil {
			p.closeRegionMaps()
			return nil, fmt.Errorf("open %s: %w", area.name, err)
		}

		*area.target = regionmap.New(&regionmap.Opts{
			Name:       area.name,
			Parent:     rm,
			Dataspaces: opts.Conn,
			Phase:      phase,
			Space:      opts.Space,
			Reporter:   opts.Reporter,
			Logger:     p.log,
		})
	}

	p.cap = p.space.Manage(p)

	return p, nil
}

// Cap returns the capability clients use to reach the proxy.
func (p *Proxy) Cap() capability.Cap {
	return p.cap
}

// Parent returns the capability of the real session.
func (p *Proxy) Parent() capability.Cap {
	return p.conn.Cap()
}

func (p *Proxy) Label() string {
	return p.label
}

func (p *Proxy) AddressSpaceProxy() *regionmap.Proxy { return p.addressSpace }

func (p *Proxy) StackAreaProxy() *regionmap.Proxy { return p.stackArea }

func (p *Proxy) LinkerAreaProxy() *regionmap.Proxy { return p.linkerArea }

func (p *Proxy) SignalSources() *ledger.Ledger[ledger.SignalSourceInfo] {
	return p.signalSources
}

func (p *Proxy) SignalContexts() *ledger.Ledger[ledger.SignalContextInfo] {
	return p.signalContexts
}

func (p *Proxy) NativeCaps() *ledger.Ledger[ledger.NativeCapabilityInfo] {
	return p.nativeCaps
}

func (p *Proxy) AssignParent(parent capability.Cap) error {
	p.log.Debug("assign_parent", "parent", parent)
	return p.forwarded("assign_parent", p.conn.AssignParent(parent))
}

func (p *Proxy) AssignPCI(addr uint64, bdf uint16) (bool, error) {
	p.log.Debug("assign_pci", "addr", fmt.Sprintf("%#x", addr), "bdf", bdf)

	ok, err := p.conn.AssignPCI(addr, bdf)
	return ok, p.forwarded("assign_pci", err)
}

func (p *Proxy) Map(virt, size uint64) error {
	p.log.Debug("map", "virt", fmt.Sprintf("%#x", virt), "size", size)
	return p.forwarded("map", p.conn.Map(virt, size))
}

func (p *Proxy) AllocSignalSource() (capability.Cap, error) {
	p.log.Debug("alloc_signal_source")

	c, err := ledger.Acquire(
		p.signalSources,
		p.conn.AllocSignalSource,
		func(c capability.Cap) ledger.SignalSourceInfo {
			return ledger.NewSignalSourceInfo(c, p.phase.Active())
		},
	)
	if err != nil {
		return capability.Invalid, p.forwarded("alloc_signal_source", err)
	}

	p.log.Debug("alloc_signal_source result", "cap", c)

	return c, nil
}

func (p *Proxy) FreeSignalSource(source capability.Cap) error {
	p.log.Debug("free_signal_source", "cap", source)

	return p.forwarded("free_signal_source", ledger.Release(
		p.signalSources,
		ledger.OpFreeSignalSource,
		uint64(source.Badge),
		func() error { return p.conn.FreeSignalSource(source) },
	))
}

func (p *Proxy) AllocContext(source capability.Cap, imprint uint64) (capability.Cap, error) {
	p.log.Debug("alloc_context", "source", source, "imprint", fmt.Sprintf("%#x", imprint))

	c, err := ledger.Acquire(
		p.signalContexts,
		func() (capability.Cap, error) { return p.conn.AllocContext(source, imprint) },
		func(c capability.Cap) ledger.SignalContextInfo {
			return ledger.NewSignalContextInfo(c, source, imprint, p.phase.Active())
		},
	)
	if err != nil {
		return capability.Invalid, p.forwarded("alloc_context", err)
	}

	p.log.Debug("alloc_context result", "cap", c)

	return c, nil
}

func (p *Proxy) FreeContext(context capability.Cap) error {
	p.log.Debug("free_context", "cap", context)

	return p.forwarded("free_context", ledger.Release(
		p.signalContexts,
		ledger.OpFreeContext,
		uint64(context.Badge),
		func() error { return p.conn.FreeContext(context) },
	))
}

func (p *Proxy) Submit(context capability.Cap, count uint32) error {
	p.log.Debug("submit", "context", context, "count", count)
	return p.forwarded("submit", p.conn.Submit(context, count))
}

func (p *Proxy) AllocRPCCap(ep capability.Cap) (capability.Cap, error) {
	p.log.Debug("alloc_rpc_cap", "ep", ep)

	c, err := ledger.Acquire(
		p.nativeCaps,
		func() (capability.Cap, error) { return p.conn.AllocRPCCap(ep) },
		func(c capability.Cap) ledger.NativeCapabilityInfo {
			return ledger.NewNativeCapabilityInfo(c, ep, p.phase.Active())
		},
	)
	if err != nil {
		return capability.Invalid, p.forwarded("alloc_rpc_cap", err)
	}

	p.log.Debug("alloc_rpc_cap result", "cap", c)

	return c, nil
}

func (p *Proxy) FreeRPCCap(c capability.Cap) error {
	p.log.Debug("free_rpc_cap", "cap", c)

	return p.forwarded("free_rpc_cap", ledger.Release(
		p.nativeCaps,
		ledger.OpFreeRPCCap,
		uint64(c.Badge),
		func() error { return p.conn.FreeRPCCap(c) },
	))
}

// AddressSpace returns the capability of the address-space proxy, never the
// real region map.
func (p *Proxy) AddressSpace() (capability.Cap, error) {
	p.log.Debug("address_space", "result", p.addressSpace.Cap())
	return p.addressSpace.Cap(), nil
}

func (p *Proxy) StackArea() (capability.Cap, error) {
	p.log.Debug("stack_area", "result", p.stackArea.Cap())
	return p.stackArea.Cap(), nil
}

func (p *Proxy) LinkerArea() (capability.Cap, error) {
	p.log.Debug("linker_area", "result", p.linkerArea.Cap())
	return p.linkerArea.Cap(), nil
}

func (p *Proxy) RefAccount(account capability.Cap) error {
	p.log.Debug("ref_account", "account", account)
	return p.forwarded("ref_account", p.conn.RefAccount(p.real(account)))
}

func (p *Proxy) TransferCapQuota(to capability.Cap, amount capability.CapQuota) error {
	p.log.Debug("transfer_quota", "to", to, "caps", amount)
	return p.forwarded("transfer_quota", p.conn.TransferCapQuota(p.real(to), amount))
}

func (p *Proxy) TransferRAMQuota(to capability.Cap, amount capability.RAMQuota) error {
	p.log.Debug("transfer_quota", "to", to, "ram", amount)
	return p.forwarded("transfer_quota", p.conn.TransferRAMQuota(p.real(to), amount))
}

func (p *Proxy) CapQuota() (capability.CapQuota, error) {
	q, err := p.conn.CapQuota()
	return q, p.forwarded("cap_quota", err)
}

func (p *Proxy) UsedCaps() (capability.CapQuota, error) {
	q, err := p.conn.UsedCaps()
	return q, p.forwarded("used_caps", err)
}

func (p *Proxy) RAMQuota() (capability.RAMQuota, error) {
	q, err := p.conn.RAMQuota()
	return q, p.forwarded("ram_quota", err)
}

func (p *Proxy) UsedRAM() (capability.RAMQuota, error) {
	q, err := p.conn.UsedRAM()
	return q, p.forwarded("used_ram", err)
}

func (p *Proxy) Alloc(size uint64, cache Cache) (capability.Cap, error) {
	c, err := p.conn.Alloc(size, cache)
	return c, p.forwarded("alloc", err)
}

func (p *Proxy) Free(ds capability.Cap) error {
	return p.forwarded("free", p.conn.Free(ds))
}

func (p *Proxy) DataspaceSize(ds capability.Cap) (uint64, error) {
	size, err := p.conn.DataspaceSize(ds)
	return size, p.forwarded("dataspace_size", err)
}

func (p *Proxy) NativePD() (capability.Cap, error) {
	p.log.Debug("native_pd")

	c, err := p.conn.NativePD()
	return c, p.forwarded("native_pd", err)
}

// real translates the capability of an intercepted session into the
// capability of the session behind it, so quota operations between two
// monitored processes reach the real service with names it knows.
func (p *Proxy) real(c capability.Cap) capability.Cap {
	if other, ok := capability.Resolve[*Proxy](p.space, c); ok {
		return other.Parent()
	}

	return c
}

func (p *Proxy) forwarded(op string, err error) error {
	if err != nil {
		metrics.ForwardErrors.WithLabelValues(op).Inc()
		p.log.Debug("forwarded call failed", "op", op, "err", err)
	}

	return err
}

// Snapshot returns the tracked state. Each ledger is locked in turn.
func (p *Proxy) Snapshot() Snapshot {
	return Snapshot{
		Cap:            p.cap,
		SignalSources:  p.signalSources.Snapshot(),
		SignalContexts: p.signalContexts.Snapshot(),
		NativeCaps:     p.nativeCaps.Snapshot(),
		AddressSpace:   p.addressSpace.Snapshot(),
		StackArea:      p.stackArea.Snapshot(),
		LinkerArea:     p.linkerArea.Snapshot(),
	}
}

// Close tears the proxy down. Every resource still recorded is released
// through the real session, contexts before the sources they belong to, and
// the real connection is closed. Failures are logged and teardown continues.
func (p *Proxy) Close() error {
	p.closeOnce.Do(func() {
		p.space.Dissolve(p.cap)

		for _, sc := range p.signalContexts.Drain() {
			c := capability.Cap{Badge: sc.Badge}
			if err := p.conn.FreeContext(c); err != nil {
				p.log.Warn("free context on teardown", "cap", c, "err", err)
			}
		}

		for _, ss := range p.signalSources.Drain() {
			c := capability.Cap{Badge: ss.Badge}
			if err := p.conn.FreeSignalSource(c); err != nil {
				p.log.Warn("free signal source on teardown", "cap", c, "err", err)
			}
		}

		for _, nc := range p.nativeCaps.Drain() {
			c := capability.Cap{Badge: nc.Badge}
			if err := p.conn.FreeRPCCap(c); err != nil {
				p.log.Warn("free rpc cap on teardown", "cap", c, "err", err)
			}
		}

		p.closeRegionMaps()

		if err := p.conn.Close(); err != nil {
			p.closeErr = fmt.Errorf("close parent session: %w", err)
		}
	})

	return p.closeErr
}

func (p *Proxy) closeRegionMaps() {
	for _, rm := range []*regionmap.Proxy{p.addressSpace, p.stackArea, p.linkerArea} {
		if rm != nil {
			rm.Close()
		}
	}
}
