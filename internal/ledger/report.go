package ledger

import (
	"fmt"
	"log/slog"
)

// Operations named in inconsistency reports.
const (
	OpInsert           = "insert"
	OpFreeSignalSource = "free_signal_source"
	OpFreeContext      = "free_context"
	OpFreeRPCCap       = "free_rpc_cap"
	OpDetach           = "detach"
)

// Inconsistency describes a release that referenced a key the ledger never
// recorded, or an insert that displaced an entry that was never released.
// Either a call went unintercepted or the monitored process released twice.
type Inconsistency struct {
	Ledger string
	Op     string
	Key    uint64
}

func (i Inconsistency) Error() string {
	if i.Op == OpInsert {
		return fmt.Sprintf("%s: key %#x recorded twice", i.Ledger, i.Key)
	}

	return fmt.Sprintf("%s: %s references unrecorded key %#x", i.Ledger, i.Op, i.Key)
}

// Reporter receives ledger inconsistencies. Reports never reach the client
// and never fail the call that caused them.
type Reporter interface {
	Report(Inconsistency)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(Inconsistency)

func (f ReporterFunc) Report(i Inconsistency) {
	f(i)
}

// Discard drops every report.
var Discard Reporter = ReporterFunc(func(Inconsistency) {})

// LogReporter writes reports as warnings.
type LogReporter struct {
	Logger *slog.Logger
}

func (r LogReporter) Report(i Inconsistency) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}

	logger.Warn(
		"ledger inconsistency",
		"ledger", i.Ledger,
		"op", i.Op,
		"key", fmt.Sprintf("%#x", i.Key),
	)
}
