package targetpos

import (
	"fmt"
	"sync"
)

// registryParams is the subset of construction parameters that must match,
// field-by-field, on a repeat construction for the same key.
type registryParams struct {
	offsetPriority string
	pricePolicy    string
	minVolume      int64
	maxVolume      int64
	hasSplit       bool
}

func (p registryParams) conflict(other registryParams) *Error {
	switch {
	case p.offsetPriority != other.offsetPriority:
		return newError(ErrConfigurationConflict, "offset_priority mismatch: old=%q new=%q", p.offsetPriority, other.offsetPriority)
	case p.pricePolicy != other.pricePolicy:
		return newError(ErrConfigurationConflict, "price_policy mismatch: old=%q new=%q", p.pricePolicy, other.pricePolicy)
	case p.hasSplit != other.hasSplit || (p.hasSplit && (p.minVolume != other.minVolume || p.maxVolume != other.maxVolume)):
		return newError(ErrConfigurationConflict, "min_volume/max_volume mismatch: old=(%d,%d) new=(%d,%d)", p.minVolume, p.maxVolume, other.minVolume, other.maxVolume)
	}
	return nil
}

// registry is the process-wide mapping from "account_key#symbol" to the
// live TargetPosTask for that key. It is the only process-wide mutable
// structure in this package; per-task state shared between goroutines
// (latestChan, marketClockTask, TargetPosTask.finished) carries its own lock.
type registry struct {
	mu    sync.Mutex
	tasks map[string]*TargetPosTask
}

var globalRegistry = &registry{tasks: make(map[string]*TargetPosTask)}

func registryKey(accountKey, symbol string) string {
	return fmt.Sprintf("%s#%s", accountKey, symbol)
}

// getOrCreate returns the existing task for key if one is registered,
// after validating params match; otherwise it builds a new task via
// construct (which must NOT start the task's goroutine) and starts it
// only once this call has confirmed it is the sole winner of the race
// for key. This ordering matters: starting the goroutine before winning
// the race would leave a discarded loser's task already subscribed to
// the broker, violating the one-controller-per-key invariant under
// concurrent construction.
func (r *registry) getOrCreate(key string, params registryParams, construct func() (*TargetPosTask, error)) (*TargetPosTask, error) {
	r.mu.Lock()
	if existing, ok := r.tasks[key]; ok {
		r.mu.Unlock()
		if conflict := existing.params.conflict(params); conflict != nil {
			return nil, conflict
		}
		return existing, nil
	}
	r.mu.Unlock()

	task, err := construct()
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if existing, ok := r.tasks[key]; ok {
		r.mu.Unlock()
		// Lost the construction race: task was never started, so it can
		// simply be discarded here with nothing left to clean up.
		if conflict := existing.params.conflict(params); conflict != nil {
			return nil, conflict
		}
		return existing, nil
	}
	r.tasks[key] = task
	r.mu.Unlock()

	task.start()
	return task, nil
}

func (r *registry) remove(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, key)
}
