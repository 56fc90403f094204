package core

import (
	"fmt"
	"sync"

	"github.com/nixpig/rtcr/internal/capability"
	"github.com/nixpig/rtcr/internal/pd"
)

var _ pd.Connection = (*PD)(nil)

type signalContext struct {
	source  capability.Badge
	imprint uint64
	pending uint64
}

// PD is one protection domain of the core. Every allocation draws on its
// quotas: one capability each, and page-rounded size in RAM for dataspaces.
type PD struct {
	platform *Platform
	cap      capability.Cap
	nativePD capability.Cap
	label    string

	addressSpace *RegionMap
	stackArea    *RegionMap
	linkerArea   *RegionMap

	mu         sync.Mutex
	closed     bool
	parent     capability.Cap
	refAccount capability.Cap
	capQuota   capability.CapQuota
	usedCaps   capability.CapQuota
	ramQuota   capability.RAMQuota
	usedRAM    capability.RAMQuota
	sources    map[capability.Badge]struct{}
	contexts   map[capability.Badge]*signalContext
	rpcCaps    map[capability.Badge]capability.Cap
	dataspaces map[capability.Badge]uint64
}

func (p *PD) Cap() capability.Cap {
	return p.cap
}

func (p *PD) Label() string {
	return p.label
}

// Pending returns the number of signals submitted to context and not yet
// delivered.
func (p *PD) Pending(context capability.Cap) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	if sc, ok := p.contexts[context.Badge]; ok {
		return sc.pending
	}

	return 0
}

func (p *PD) AssignParent(parent capability.Cap) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return errClosed(p.cap)
	}

	p.parent = parent
	return nil
}

// AssignPCI always reports that no device is available.
func (p *PD) AssignPCI(addr uint64, bdf uint16) (bool, error) {
	return false, nil
}

// Map is a no-op: core mappings are established eagerly on attach.
func (p *PD) Map(virt, size uint64) error {
	return nil
}

func (p *PD) AllocSignalSource() (capability.Cap, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.withdraw(1, 0); err != nil {
		return capability.Invalid, fmt.Errorf("alloc signal source: %w", err)
	}

	c := p.platform.alloc.Alloc()
	p.sources[c.Badge] = struct{}{}

	return c, nil
}

func (p *PD) FreeSignalSource(source capability.Cap) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.sources[source.Badge]; !ok {
		return fmt.Errorf("free signal source %s: %w", source, capability.ErrInvalidCap)
	}

	delete(p.sources, source.Badge)
	p.usedCaps--

	return nil
}

func (p *PD) AllocContext(source capability.Cap, imprint uint64) (capability.Cap, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.sources[source.Badge]; !ok {
		return capability.Invalid, fmt.Errorf("alloc context for %s: %w", source, capability.ErrInvalidCap)
	}

	if err := p.withdraw(1, 0); err != nil {
		return capability.Invalid, fmt.Errorf("alloc context: %w", err)
	}

	c := p.platform.alloc.Alloc()
	p.contexts[c.Badge] = &signalContext{source: source.Badge, imprint: imprint}

	return c, nil
}

func (p *PD) FreeContext(context capability.Cap) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.contexts[context.Badge]; !ok {
		return fmt.Errorf("free context %s: %w", context, capability.ErrInvalidCap)
	}

	delete(p.contexts, context.Badge)
	p.usedCaps--

	return nil
}

func (p *PD) Submit(context capability.Cap, count uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	sc, ok := p.contexts[context.Badge]
	if !ok {
		return fmt.Errorf("submit to %s: %w", context, capability.ErrInvalidCap)
	}

	sc.pending += uint64(count)

	return nil
}

func (p *PD) AllocRPCCap(ep capability.Cap) (capability.Cap, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !ep.Valid() {
		return capability.Invalid, fmt.Errorf("alloc rpc cap: %w", capability.ErrInvalidCap)
	}

	if err := p.withdraw(1, 0); err != nil {
		return capability.Invalid, fmt.Errorf("alloc rpc cap: %w", err)
	}

	c := p.platform.alloc.Alloc()
	p.rpcCaps[c.Badge] = ep

	return c, nil
}

func (p *PD) FreeRPCCap(c capability.Cap) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.rpcCaps[c.Badge]; !ok {
		return fmt.Errorf("free rpc cap %s: %w", c, capability.ErrInvalidCap)
	}

	delete(p.rpcCaps, c.Badge)
	p.usedCaps--

	return nil
}

func (p *PD) AddressSpace() (capability.Cap, error) {
	return p.addressSpace.Cap(), nil
}

func (p *PD) StackArea() (capability.Cap, error) {
	return p.stackArea.Cap(), nil
}

func (p *PD) LinkerArea() (capability.Cap, error) {
	return p.linkerArea.Cap(), nil
}

func (p *PD) RefAccount(account capability.Cap) error {
	if _, ok := p.platform.pd(account); !ok {
		return fmt.Errorf("ref account %s: %w", account, capability.ErrInvalidCap)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.refAccount = account
	return nil
}

func (p *PD) TransferCapQuota(to capability.Cap, amount capability.CapQuota) error {
	dst, ok := p.platform.pd(to)
	if !ok {
		return fmt.Errorf("transfer cap quota to %s: %w", to, capability.ErrInvalidCap)
	}

	p.mu.Lock()
	if p.capQuota-p.usedCaps < amount {
		p.mu.Unlock()
		return fmt.Errorf("transfer %d caps: %w", amount, capability.ErrCapQuotaExceeded)
	}
	p.capQuota -= amount
	p.mu.Unlock()

	dst.credit(amount, 0)

	return nil
}

func (p *PD) TransferRAMQuota(to capability.Cap, amount capability.RAMQuota) error {
	dst, ok := p.platform.pd(to)
	if !ok {
		return fmt.Errorf("transfer ram quota to %s: %w", to, capability.ErrInvalidCap)
	}

	p.mu.Lock()
	if p.ramQuota-p.usedRAM < amount {
		p.mu.Unlock()
		return fmt.Errorf("transfer %d bytes: %w", amount, capability.ErrRAMQuotaExceeded)
	}
	p.ramQuota -= amount
	p.mu.Unlock()

	dst.credit(0, amount)

	return nil
}

func (p *PD) CapQuota() (capability.CapQuota, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.capQuota, nil
}

func (p *PD) UsedCaps() (capability.CapQuota, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.usedCaps, nil
}

func (p *PD) RAMQuota() (capability.RAMQuota, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.ramQuota, nil
}

func (p *PD) UsedRAM() (capability.RAMQuota, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.usedRAM, nil
}

func (p *PD) Alloc(size uint64, cache pd.Cache) (capability.Cap, error) {
	if size == 0 {
		return capability.Invalid, fmt.Errorf("alloc empty dataspace: %w", capability.ErrInvalidDataspace)
	}

	size = pageRound(size)

	p.mu.Lock()
	if err := p.withdraw(1, capability.RAMQuota(size)); err != nil {
		p.mu.Unlock()
		return capability.Invalid, fmt.Errorf("alloc %d bytes: %w", size, err)
	}
	p.mu.Unlock()

	c := p.platform.addDataspace(p.cap, size)

	p.mu.Lock()
	p.dataspaces[c.Badge] = size
	p.mu.Unlock()

	return c, nil
}

func (p *PD) Free(ds capability.Cap) error {
	p.mu.Lock()
	size, ok := p.dataspaces[ds.Badge]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("free %s: %w", ds, capability.ErrInvalidCap)
	}

	delete(p.dataspaces, ds.Badge)
	p.usedCaps--
	p.usedRAM -= capability.RAMQuota(size)
	p.mu.Unlock()

	p.platform.removeDataspace(ds)

	return nil
}

func (p *PD) DataspaceSize(ds capability.Cap) (uint64, error) {
	return p.platform.dataspaceSize(ds)
}

func (p *PD) NativePD() (capability.Cap, error) {
	return p.nativePD, nil
}

// Close releases the PD and everything it still holds. Closing twice is a
// no-op.
func (p *PD) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.platform.release(p.cap, p.addressSpace, p.stackArea, p.linkerArea)
	p.platform.log.Debug("close pd", "cap", p.cap, "label", p.label)

	return nil
}

// credit adds quota. Callers must not hold p.mu.
func (p *PD) credit(caps capability.CapQuota, ram capability.RAMQuota) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.capQuota += caps
	p.ramQuota += ram
}

// withdraw charges quota. Callers must hold p.mu.
func (p *PD) withdraw(caps capability.CapQuota, ram capability.RAMQuota) error {
	if p.closed {
		return errClosed(p.cap)
	}

	if p.usedCaps+caps > p.capQuota {
		return capability.ErrCapQuotaExceeded
	}

	if p.usedRAM+ram > p.ramQuota {
		return capability.ErrRAMQuotaExceeded
	}

	p.usedCaps += caps
	p.usedRAM += ram

	return nil
}

func errClosed(c capability.Cap) error {
	return fmt.Errorf("pd %s closed: %w", c, capability.ErrInvalidCap)
}
