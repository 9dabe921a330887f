package engine

import "time"

// AdmissionSource exposes the current, possibly hot-reloaded admission
// tunables a ModelSupervisor consults on every tick, cleanup sweep and
// TwinData admission (spec.md 5's "operator may retune these live"
// requirement). config.Watcher is the concrete implementation backing
// Config.Admission; a zero return from FetchInterval or either limit
// means "no live value," and the supervisor falls back to the static
// value it was constructed with. DeleteTwinsOnCleanup is used as
// returned.
type AdmissionSource interface {
	FetchInterval() time.Duration
	ConcurrentNewTwinsLimit() int
	ConcurrentSharesLimit() int
	DeleteTwinsOnCleanup() bool
}
