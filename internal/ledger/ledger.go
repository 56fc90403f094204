// Package ledger records the capability-level resources a monitored process
// holds. A Ledger is keyed by badge (or by relative address for attachments),
// holds at most one entry per key and enumerates entries in insertion order.
// Every mutation and enumeration happens under the ledger's own lock.
package ledger

import (
	"sync"

	"github.com/google/btree"
	"github.com/nixpig/rtcr/internal/metrics"
)

// Kinds of ledger, used in reports and metrics.
const (
	KindSignalSources  = "signal_sources"
	KindSignalContexts = "signal_contexts"
	KindNativeCaps     = "native_caps"
	KindAttachments    = "attachments"
)

type item[E any] struct {
	seq   uint64
	key   uint64
	entry E
}

func bySeq[E any](a, b item[E]) bool {
	return a.seq < b.seq
}

// Ledger is a lock-protected set of entries of one kind.
type Ledger[E any] struct {
	kind     string
	keyOf    func(E) uint64
	reporter Reporter

	mu    sync.Mutex
	seq   uint64
	byKey map[uint64]item[E]
	order *btree.BTreeG[item[E]]
}

// New creates an empty ledger of the given kind. keyOf extracts the key of an
// entry; reporter receives the ledger's inconsistencies and may be nil.
func New[E any](kind string, keyOf func(E) uint64, reporter Reporter) *Ledger[E] {
	if reporter == nil {
		reporter = Discard
	}

	return &Ledger[E]{
		kind:     kind,
		keyOf:    keyOf,
		reporter: reporter,
		byKey:    make(map[uint64]item[E]),
		order:    btree.NewG(8, bySeq[E]),
	}
}

func (l *Ledger[E]) Kind() string {
	return l.kind
}

// Insert adds e. An entry already held under the same key is replaced and
// returned; the replacement is reported since it means a release was missed.
func (l *Ledger[E]) Insert(e E) (E, bool) {
	key := l.keyOf(e)

	l.mu.Lock()
	prev, replaced := l.byKey[key]
	if replaced {
		l.order.Delete(prev)
	}

	l.seq++
	it := item[E]{seq: l.seq, key: key, entry: e}
	l.byKey[key] = it
	l.order.ReplaceOrInsert(it)
	l.mu.Unlock()

	if replaced {
		l.report(OpInsert, key)
		return prev.entry, true
	}

	metrics.LedgerEntries.WithLabelValues(l.kind).Inc()

	var zero E
	return zero, false
}

// Find returns the entry held under key.
func (l *Ledger[E]) Find(key uint64) (E, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	it, ok := l.byKey[key]
	return it.entry, ok
}

// Remove deletes and returns the entry held under key.
func (l *Ledger[E]) Remove(key uint64) (E, bool) {
	l.mu.Lock()
	it, ok := l.byKey[key]
	if ok {
		l.removeLocked(it)
	}
	l.mu.Unlock()

	if ok {
		metrics.LedgerEntries.WithLabelValues(l.kind).Dec()
	}

	return it.entry, ok
}

// RemoveFirst deletes and returns the earliest inserted entry satisfying
// match.
func (l *Ledger[E]) RemoveFirst(match func(E) bool) (E, bool) {
	l.mu.Lock()

	var found item[E]
	var ok bool
	l.order.Ascend(func(it item[E]) bool {
		if match(it.entry) {
			found, ok = it, true
			return false
		}
		return true
	})

	if ok {
		l.removeLocked(found)
	}
	l.mu.Unlock()

	if ok {
		metrics.LedgerEntries.WithLabelValues(l.kind).Dec()
	}

	return found.entry, ok
}

func (l *Ledger[E]) removeLocked(it item[E]) {
	delete(l.byKey, it.key)
	l.order.Delete(it)
}

func (l *Ledger[E]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.byKey)
}

// Each calls fn for every entry in insertion order while holding the lock,
// stopping when fn returns false. fn must not call back into the ledger.
func (l *Ledger[E]) Each(fn func(E) bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.order.Ascend(func(it item[E]) bool {
		return fn(it.entry)
	})
}

// Snapshot returns a copy of every entry in insertion order.
func (l *Ledger[E]) Snapshot() []E {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries := make([]E, 0, len(l.byKey))
	l.order.Ascend(func(it item[E]) bool {
		entries = append(entries, it.entry)
		return true
	})

	return entries
}

// Drain removes every entry and returns them in insertion order.
func (l *Ledger[E]) Drain() []E {
	l.mu.Lock()

	entries := make([]E, 0, len(l.byKey))
	l.order.Ascend(func(it item[E]) bool {
		entries = append(entries, it.entry)
		return true
	})

	l.order.Clear(false)
	clear(l.byKey)
	l.mu.Unlock()

	metrics.LedgerEntries.WithLabelValues(l.kind).Sub(float64(len(entries)))

	return entries
}

func (l *Ledger[E]) report(op string, key uint64) {
	metrics.Inconsistencies.WithLabelValues(l.kind, op).Inc()
	l.reporter.Report(Inconsistency{Ledger: l.kind, Op: op, Key: key})
}
