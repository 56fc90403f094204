package regionmap

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/nixpig/rtcr/internal/bootstrap"
	"github.com/nixpig/rtcr/internal/capability"
	"github.com/nixpig/rtcr/internal/ledger"
	"github.com/nixpig/rtcr/internal/metrics"
)

var _ RegionMap = (*Proxy)(nil)

// Opts configures a Proxy.
type Opts struct {
	// Name identifies the region map in logs, e.g. "address_space".
	Name string
	// Parent is the real region map every call is forwarded to.
	Parent RegionMap
	// Dataspaces resolves the size of zero-size attachments. Optional.
	Dataspaces Dataspaces
	// Phase is read once for every recorded attachment.
	Phase bootstrap.Source
	// Space, when set, manages the proxy so that clients can reach it by
	// capability.
	Space    *capability.Space
	Reporter ledger.Reporter
	Logger   *slog.Logger
}

// Proxy stands in for one region map. It is transparent to its clients and
// records each attachment in its ledger.
type Proxy struct {
	name        string
	parent      RegionMap
	dataspaces  Dataspaces
	phase       bootstrap.Source
	space       *capability.Space
	cap         capability.Cap
	log         *slog.Logger
	attachments *ledger.Ledger[ledger.AttachedRegionInfo]

	closeOnce sync.Once
}

// Snapshot is the state of a region map: its capability and its attachments
// in the order they were made.
type Snapshot struct {
	Cap         capability.Cap              `json:"cap" cbor:"cap"`
	Name        string                      `json:"name" cbor:"name"`
	Attachments []ledger.AttachedRegionInfo `json:"attachments" cbor:"attachments"`
}

// New creates a Proxy forwarding to opts.Parent.
func New(opts *Opts) *Proxy {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	phase := opts.Phase
	if phase == nil {
		phase = bootstrap.Fixed(false)
	}

	p := &Proxy{
		name:       opts.Name,
		parent:     opts.Parent,
		dataspaces: opts.Dataspaces,
		phase:      phase,
		space:      opts.Space,
		log:        logger.With("region_map", opts.Name),
		attachments: ledger.New(
			ledger.KindAttachments,
			ledger.AttachedRegionKey,
			opts.Reporter,
		),
	}

	if p.space != nil {
		p.cap = p.space.Manage(p)
	}

	return p
}

// Cap returns the capability clients use to reach the proxy.
func (p *Proxy) Cap() capability.Cap {
	return p.cap
}

func (p *Proxy) Name() string {
	return p.name
}

// Attachments returns the attachment ledger for enumeration.
func (p *Proxy) Attachments() *ledger.Ledger[ledger.AttachedRegionInfo] {
	return p.attachments
}

func (p *Proxy) Attach(
	ds capability.Cap,
	size uint64,
	offset int64,
	useLocalAddr bool,
	localAddr uint64,
	executable bool,
) (uint64, error) {
	p.log.Debug(
		"attach",
		"ds", ds,
		"size", size,
		"offset", offset,
		"use_local_addr", useLocalAddr,
		"local_addr", fmt.Sprintf("%#x", localAddr),
		"executable", executable,
	)

	addr, err := ledger.Acquire(
		p.attachments,
		func() (uint64, error) {
			return p.parent.Attach(ds, size, offset, useLocalAddr, localAddr, executable)
		},
		func(addr uint64) ledger.AttachedRegionInfo {
			return ledger.NewAttachedRegionInfo(
				ds,
				p.attachedSize(ds, size, offset),
				offset,
				addr,
				executable,
				p.phase.Active(),
			)
		},
	)
	if err != nil {
		metrics.ForwardErrors.WithLabelValues("attach").Inc()
		return 0, err
	}

	p.log.Debug("attach result", "addr", fmt.Sprintf("%#x", addr))

	return addr, nil
}

// attachedSize returns the number of bytes an attachment covers. A zero size
// covers the dataspace from offset to its end.
func (p *Proxy) attachedSize(ds capability.Cap, size uint64, offset int64) uint64 {
	if size != 0 || p.dataspaces == nil {
		return size
	}

	dsSize, err := p.dataspaces.DataspaceSize(ds)
	if err != nil {
		p.log.Warn("resolve dataspace size", "ds", ds, "err", err)
		return 0
	}

	if offset < 0 || uint64(offset) >= dsSize {
		return 0
	}

	return dsSize - uint64(offset)
}

// Detach removes the attachment starting at addr or, failing that, the
// earliest recorded attachment containing addr. The call is forwarded even
// when nothing was recorded, since the real region map may hold mappings the
// proxy never saw.
func (p *Proxy) Detach(addr uint64) error {
	p.log.Debug("detach", "addr", fmt.Sprintf("%#x", addr))

	err := ledger.ReleaseWhere(
		p.attachments,
		ledger.OpDetach,
		addr,
		func(a ledger.AttachedRegionInfo) bool { return a.Contains(addr) },
		func() error { return p.parent.Detach(addr) },
	)
	if err != nil {
		metrics.ForwardErrors.WithLabelValues("detach").Inc()
	}

	return err
}

func (p *Proxy) FaultHandler(handler capability.Cap) error {
	p.log.Debug("fault_handler", "handler", handler)
	return p.parent.FaultHandler(handler)
}

func (p *Proxy) State() (State, error) {
	p.log.Debug("state")
	return p.parent.State()
}

func (p *Proxy) Dataspace() (capability.Cap, error) {
	p.log.Debug("dataspace")
	return p.parent.Dataspace()
}

// Snapshot returns the region map's capability and its attachments.
func (p *Proxy) Snapshot() Snapshot {
	return Snapshot{
		Cap:         p.cap,
		Name:        p.name,
		Attachments: p.attachments.Snapshot(),
	}
}

// Close dissolves the proxy and detaches every remaining attachment from the
// real region map. Backing dataspaces are left to their allocator.
func (p *Proxy) Close() {
	p.closeOnce.Do(func() {
		if p.space != nil {
			p.space.Dissolve(p.cap)
		}

		for _, a := range p.attachments.Drain() {
			if err := p.parent.Detach(a.RelAddr); err != nil {
				p.log.Warn(
					"detach on teardown",
					"addr", fmt.Sprintf("%#x", a.RelAddr),
					"err", err,
				)
			}
		}
	})
}
