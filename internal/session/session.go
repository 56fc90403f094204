// Package session is the root of interception: it creates a protection-domain
// proxy for every session request, keeps the registry of live sessions and
// exposes their ledgers to the checkpoint orchestrator.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"math/bits"
	"os"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nixpig/rtcr/internal/argstring"
	"github.com/nixpig/rtcr/internal/bootstrap"
	"github.com/nixpig/rtcr/internal/capability"
	"github.com/nixpig/rtcr/internal/ledger"
	"github.com/nixpig/rtcr/internal/metrics"
	"github.com/nixpig/rtcr/internal/pd"
)

// ErrUnknownSession is returned for capabilities that name no live session.
var ErrUnknownSession = errors.New("unknown session")

// upgradeKeys are summed when upgrades are merged.
var upgradeKeys = []string{"ram_quota", "cap_quota"}

// Opts configures a Factory.
type Opts struct {
	Backend pd.Backend
	// Space manages the session proxies. Its allocator must be shared with
	// the backend so badges never collide.
	Space    *capability.Space
	Phase    bootstrap.Source
	Reporter ledger.Reporter
	Logger   *slog.Logger
	// StateDir, when set, receives one record per live session.
	StateDir string
}

// Info is a registry row together with the session's current quotas.
type Info struct {
	Record
	CapQuota capability.CapQuota `json:"cap_quota" cbor:"cap_quota"`
	UsedCaps capability.CapQuota `json:"used_caps" cbor:"used_caps"`
	RAMQuota capability.RAMQuota `json:"ram_quota" cbor:"ram_quota"`
	UsedRAM  capability.RAMQuota `json:"used_ram" cbor:"used_ram"`
}

// Snapshot is what the orchestrator checkpoints for one session.
type Snapshot struct {
	ID          string      `json:"id" cbor:"id"`
	Label       string      `json:"label" cbor:"label"`
	Args        string      `json:"args" cbor:"args"`
	UpgradeArgs string      `json:"upgrade_args" cbor:"upgrade_args"`
	PD          pd.Snapshot `json:"pd" cbor:"pd"`
}

type entry struct {
	record Record
	seq    uint64
	proxy  *pd.Proxy
}

// Factory creates, upgrades and destroys intercepted sessions.
type Factory struct {
	backend  pd.Backend
	space    *capability.Space
	phase    bootstrap.Source
	reporter ledger.Reporter
	log      *slog.Logger
	stateDir string
	lockFile *os.File

	mu       sync.Mutex
	seq      uint64
	sessions map[capability.Badge]*entry
}

// New creates a Factory. With a state directory, the directory is locked
// against other daemons and records left over from a previous run are
// discarded, since their sessions did not survive it.
func New(opts *Opts) (*Factory, error) {
	if opts.Backend == nil {
		return nil, errors.New("missing backend")
	}

	if opts.Space == nil {
		return nil, errors.New("missing capability space")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	f := &Factory{
		backend:  opts.Backend,
		space:    opts.Space,
		phase:    opts.Phase,
		reporter: opts.Reporter,
		log:      logger,
		stateDir: opts.StateDir,
		sessions: make(map[capability.Badge]*entry),
	}

	if f.stateDir == "" {
		return f, nil
	}

	lock, err := lockStateDir(f.stateDir)
	if err != nil {
		return nil, fmt.Errorf("lock state directory %s: %w", f.stateDir, err)
	}
	f.lockFile = lock

	stale, err := LoadRecords(f.stateDir)
	if err != nil {
		unlockStateDir(lock)
		return nil, fmt.Errorf("load session records: %w", err)
	}

	for _, r := range stale {
		f.log.Warn("discarding stale session record", "id", r.ID, "label", r.Label)

		if err := removeRecord(f.stateDir, r.ID); err != nil {
			f.log.Warn("remove stale session record", "id", r.ID, "err", err)
		}
	}

	return f, nil
}

// Create opens a real session with args and returns the capability of the
// proxy standing in for it.
func (f *Factory) Create(args string) (capability.Cap, error) {
	label := argstring.Find(args, "label").String("")

	conn, err := f.backend.Open(args)
	if err != nil {
		return capability.Invalid, fmt.Errorf("open session: %w", err)
	}

	proxy, err := pd.New(&pd.Opts{
		Label:    label,
		Conn:     conn,
		Backend:  f.backend,
		Phase:    f.phase,
		Space:    f.space,
		Reporter: f.reporter,
		Logger:   f.log,
	})
	if err != nil {
		conn.Close()
		return capability.Invalid, fmt.Errorf("create session proxy: %w", err)
	}

	e := &entry{
		record: Record{
			ID:      uuid.NewString(),
			Badge:   proxy.Cap().Badge,
			Label:   label,
			Args:    args,
			Created: time.Now().UTC(),
		},
		proxy: proxy,
	}

	f.mu.Lock()
	f.seq++
	e.seq = f.seq
	f.sessions[e.record.Badge] = e
	metrics.Sessions.Set(float64(len(f.sessions)))
	f.persist(e.record)
	f.mu.Unlock()

	f.log.Info("session created", "id", e.record.ID, "label", label, "cap", proxy.Cap())

	return proxy.Cap(), nil
}

// Upgrade forwards a quota upgrade to the real session and merges it into
// the session's accumulated upgrade arguments.
func (f *Factory) Upgrade(c capability.Cap, args string) error {
	e, ok := f.entry(c)
	if !ok {
		return fmt.Errorf("upgrade %s: %w", c, ErrUnknownSession)
	}

	if err := f.backend.Upgrade(e.proxy.Parent(), args); err != nil {
		return fmt.Errorf("upgrade session: %w", err)
	}

	f.mu.Lock()
	live, ok := f.sessions[c.Badge]
	if !ok {
		// Destroyed while the upgrade was in flight.
		f.mu.Unlock()
		return nil
	}

	merged := mergeUpgrade(live.record.UpgradeArgs, args)
	live.record.UpgradeArgs = merged
	record := live.record
	// Persisted under the lock so a concurrent Destroy cannot be undone.
	f.persist(record)
	f.mu.Unlock()

	f.log.Debug("session upgraded", "id", record.ID, "upgrade_args", merged)

	return nil
}

// mergeUpgrade adds the quotas in args to those already in acc. The real
// session has accepted args by the time this runs, so a malformed or
// overflowing amount counts as zero instead of failing the upgrade.
func mergeUpgrade(acc, args string) string {
	out := acc

	for _, key := range upgradeKeys {
		amount := argstring.Find(args, key).Uint(0)
		if amount == 0 {
			continue
		}

		sum, carry := bits.Add64(argstring.Find(acc, key).Uint(0), amount, 0)
		if carry != 0 {
			continue
		}

		merged, err := argstring.Set(out, key, strconv.FormatUint(sum, 10))
		if err != nil {
			continue
		}
		out = merged
	}

	return out
}

// Destroy tears down the session named by c. Unknown sessions are ignored.
func (f *Factory) Destroy(c capability.Cap) error {
	f.mu.Lock()
	e, ok := f.sessions[c.Badge]
	if ok {
		delete(f.sessions, c.Badge)
		metrics.Sessions.Set(float64(len(f.sessions)))

		if f.stateDir != "" {
			if err := removeRecord(f.stateDir, e.record.ID); err != nil {
				f.log.Warn("remove session record", "id", e.record.ID, "err", err)
			}
		}
	}
	f.mu.Unlock()

	if !ok {
		f.log.Debug("destroy of unknown session", "cap", c)
		return nil
	}

	err := e.proxy.Close()

	f.log.Info("session destroyed", "id", e.record.ID, "label", e.record.Label)

	if err != nil {
		return fmt.Errorf("destroy session %s: %w", e.record.ID, err)
	}

	return nil
}

// Lookup returns the proxy of the session named by c.
func (f *Factory) Lookup(c capability.Cap) (*pd.Proxy, bool) {
	e, ok := f.entry(c)
	if !ok {
		return nil, false
	}

	return e.proxy, true
}

// Sessions lists the live sessions in creation order.
func (f *Factory) Sessions() []Info {
	entries := f.ordered()

	infos := make([]Info, 0, len(entries))
	for _, e := range entries {
		info := Info{Record: e.record}

		// Quota queries go to the real session; a failure leaves zeros.
		info.CapQuota, _ = e.proxy.CapQuota()
		info.UsedCaps, _ = e.proxy.UsedCaps()
		info.RAMQuota, _ = e.proxy.RAMQuota()
		info.UsedRAM, _ = e.proxy.UsedRAM()

		infos = append(infos, info)
	}

	return infos
}

// Snapshot enumerates the ledgers of the session named by c.
func (f *Factory) Snapshot(c capability.Cap) (Snapshot, error) {
	e, ok := f.entry(c)
	if !ok {
		return Snapshot{}, fmt.Errorf("snapshot %s: %w", c, ErrUnknownSession)
	}

	return snapshotOf(e), nil
}

// SnapshotAll enumerates the ledgers of every live session in creation
// order.
func (f *Factory) SnapshotAll() []Snapshot {
	entries := f.ordered()

	snaps := make([]Snapshot, 0, len(entries))
	for _, e := range entries {
		snaps = append(snaps, snapshotOf(e))
	}

	return snaps
}

// Close destroys every remaining session and releases the state directory.
func (f *Factory) Close() error {
	var errs []error

	for _, e := range f.ordered() {
		if err := f.Destroy(e.proxy.Cap()); err != nil {
			errs = append(errs, err)
		}
	}

	if err := unlockStateDir(f.lockFile); err != nil {
		errs = append(errs, fmt.Errorf("unlock state directory: %w", err))
	}
	f.lockFile = nil

	return errors.Join(errs...)
}

// entry returns a copy of the live entry named by c.
func (f *Factory) entry(c capability.Cap) (entry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.sessions[c.Badge]
	if !ok {
		return entry{}, false
	}

	return *e, true
}

// ordered returns copies of the live entries sorted by creation.
func (f *Factory) ordered() []entry {
	f.mu.Lock()
	entries := make([]entry, 0, len(f.sessions))
	for _, e := range f.sessions {
		entries = append(entries, *e)
	}
	f.mu.Unlock()

	slices.SortFunc(entries, func(a, b entry) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})

	return entries
}

func (f *Factory) persist(r Record) {
	if f.stateDir == "" {
		return
	}

	if err := saveRecord(f.stateDir, r); err != nil {
		f.log.Warn("persist session record", "id", r.ID, "err", err)
	}
}

func snapshotOf(e entry) Snapshot {
	return Snapshot{
		ID:          e.record.ID,
		Label:       e.record.Label,
		Args:        e.record.Args,
		UpgradeArgs: e.record.UpgradeArgs,
		PD:          e.proxy.Snapshot(),
	}
}
