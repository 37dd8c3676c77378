package driver

import (
	"sync"
	"sync/atomic"

	set "github.com/hashicorp/go-set/v3"
	"github.com/jiadongy/skewtune/structs"
)

// ExecutorRegistry is the single mutex-protected structure spec.md §9 asks
// for: the executor map, numPendingExecutors, and executorsPendingToRemove
// all live behind one lock because external callers (the executor
// allocation API) read and write them together. totalCoreCount and
// totalRegisteredExecutors are kept as atomics so readers outside the lock
// (e.g. default_parallelism) see monotonic values without contending on it.
type ExecutorRegistry struct {
	mu                       sync.Mutex
	executors                map[structs.ExecutorID]*ExecutorData
	numPendingExecutors      int
	executorsPendingToRemove *set.Set[structs.ExecutorID]

	totalCoreCount           atomic.Int64
	totalRegisteredExecutors atomic.Int64
}

func NewExecutorRegistry() *ExecutorRegistry {
	return &ExecutorRegistry{
		executors:                make(map[structs.ExecutorID]*ExecutorData),
		executorsPendingToRemove: set.New[structs.ExecutorID](0),
	}
}

// Insert adds a newly-registered executor. Returns ErrDuplicateExecutor if
// id is already registered; the registry is left unchanged in that case.
func (r *ExecutorRegistry) Insert(data *ExecutorData) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.executors[data.ID]; exists {
		return structs.ErrDuplicateExecutor
	}
	r.executors[data.ID] = data
	r.totalCoreCount.Add(int64(data.TotalCores))
	r.totalRegisteredExecutors.Add(1)
	return nil
}

// Remove detaches id and returns its prior data, or ok=false if absent.
// Removal from the registry also removes id from executorsPendingToRemove,
// per the invariant in spec.md §3.
func (r *ExecutorRegistry) Remove(id structs.ExecutorID) (*ExecutorData, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, ok := r.executors[id]
	if !ok {
		return nil, false
	}
	delete(r.executors, id)
	r.executorsPendingToRemove.Remove(id)
	r.totalCoreCount.Add(-int64(data.TotalCores))
	r.totalRegisteredExecutors.Add(-1)
	return data, true
}

// Get returns the current data for id, if registered.
func (r *ExecutorRegistry) Get(id structs.ExecutorID) (*ExecutorData, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, ok := r.executors[id]
	return data, ok
}

// AdjustFreeCores changes id's free-core count by delta, clamped to
// [0, TotalCores]. Returns ErrUnknownExecutor if id isn't registered.
func (r *ExecutorRegistry) AdjustFreeCores(id structs.ExecutorID, delta int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, ok := r.executors[id]
	if !ok {
		return structs.ErrUnknownExecutor
	}
	data.FreeCores += delta
	if data.FreeCores < 0 {
		data.FreeCores = 0
	}
	if data.FreeCores > data.TotalCores {
		data.FreeCores = data.TotalCores
	}
	return nil
}

// SnapshotOffers returns a (id, host, free_cores) tuple per registered
// executor. Order is unspecified, matching spec.md §4.2.
func (r *ExecutorRegistry) SnapshotOffers() []Offer {
	r.mu.Lock()
	defer r.mu.Unlock()
	offers := make([]Offer, 0, len(r.executors))
	for _, data := range r.executors {
		offers = append(offers, Offer{ExecutorID: data.ID, Host: data.Host, FreeCores: data.FreeCores})
	}
	return offers
}

// SnapshotOffer returns the single-executor offer, used when makeOffers is
// called for just one executor (e.g. after a terminal StatusUpdate).
func (r *ExecutorRegistry) SnapshotOffer(id structs.ExecutorID) (Offer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, ok := r.executors[id]
	if !ok {
		return Offer{}, false
	}
	return Offer{ExecutorID: data.ID, Host: data.Host, FreeCores: data.FreeCores}, true
}

func (r *ExecutorRegistry) TotalCoreCount() int64           { return r.totalCoreCount.Load() }
func (r *ExecutorRegistry) TotalRegisteredExecutors() int64 { return r.totalRegisteredExecutors.Load() }

// NumExisting returns the number of currently registered executors.
func (r *ExecutorRegistry) NumExisting() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.executors)
}

// NumPendingExecutors returns the count of requested-but-not-yet-registered
// executors.
func (r *ExecutorRegistry) NumPendingExecutors() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.numPendingExecutors
}

// NumPendingToRemove returns the count of executors asked to be killed but
// not yet disconnected.
func (r *ExecutorRegistry) NumPendingToRemove() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.executorsPendingToRemove.Size()
}

// IsPendingRemove reports whether id has been asked to be killed.
func (r *ExecutorRegistry) IsPendingRemove(id structs.ExecutorID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.executorsPendingToRemove.Contains(id)
}

// decrementPendingOnRegister clamps numPendingExecutors at 0 when an
// executor we didn't explicitly request registers (or more registered
// than were pending).
func (r *ExecutorRegistry) decrementPendingOnRegister() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.numPendingExecutors--
	if r.numPendingExecutors < 0 {
		r.numPendingExecutors = 0
	}
}

// withAllocation runs fn with the allocation-state lock held, giving it a
// consistent view of (numExisting, numPendingExecutors, pendingRemoveIDs)
// to compute a new total. fn must not call other registry methods, which
// take the same lock. This is the single
// synchronized block spec.md §4.3 describes for request_executors,
// request_total_executors, and kill_executors.
func (r *ExecutorRegistry) withAllocation(fn func(existing, pending, pendingRemoveCount int)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(len(r.executors), r.numPendingExecutors, r.executorsPendingToRemove.Size())
}

func (r *ExecutorRegistry) setNumPendingExecutors(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n < 0 {
		n = 0
	}
	r.numPendingExecutors = n
}

func (r *ExecutorRegistry) addNumPendingExecutors(delta int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.numPendingExecutors += delta
	if r.numPendingExecutors < 0 {
		r.numPendingExecutors = 0
	}
}

// filterRegisteredAndMarkPendingRemove returns the subset of ids that are
// currently registered and adds them to executorsPendingToRemove.
func (r *ExecutorRegistry) filterRegisteredAndMarkPendingRemove(ids []structs.ExecutorID) []structs.ExecutorID {
	r.mu.Lock()
	defer r.mu.Unlock()
	filtered := make([]structs.ExecutorID, 0, len(ids))
	for _, id := range ids {
		if _, ok := r.executors[id]; ok {
			filtered = append(filtered, id)
			r.executorsPendingToRemove.Insert(id)
		}
	}
	return filtered
}
