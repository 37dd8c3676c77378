// Package executor implements the executor-side backend: the per-process
// state machine (spec.md §4.4) and the per-task fetch iterators its
// RemoveFetchCommand/AddFetchCommand/LockTask/UnlockTask handlers mutate
// out-of-band while a task's consumer goroutine is still draining them.
package executor

import (
	"sync"

	"github.com/jiadongy/skewtune/structs"
)

// FetchIterator is one task's view of its remaining block fetches and
// already-fetched results. A task's consumer goroutine calls Next in a
// loop; the driver can reach in at any time via RemoveFetchRequests,
// AddFetchRequests, RemoveFetchResults, AddFetchResults, and Lock/Unlock,
// all of which take the same mutex the consumer blocks on.
type FetchIterator struct {
	mu   sync.Mutex
	cond *sync.Cond

	pending []structs.SkewTuneBlockInfo
	results map[structs.BlockID][]byte

	locked bool
	closed bool
}

// NewFetchIterator seeds an iterator with the blocks a task was launched
// with.
func NewFetchIterator(initial []structs.SkewTuneBlockInfo) *FetchIterator {
	fi := &FetchIterator{
		pending: append([]structs.SkewTuneBlockInfo(nil), initial...),
		results: make(map[structs.BlockID][]byte),
	}
	fi.cond = sync.NewCond(&fi.mu)
	return fi
}

// Next blocks while the iterator is locked or empty and returns the next
// pending block to fetch. It returns ok=false only once Close has been
// called, meaning the task is done and no further blocks will ever arrive.
func (fi *FetchIterator) Next() (structs.SkewTuneBlockInfo, bool) {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	for {
		if fi.closed {
			return structs.SkewTuneBlockInfo{}, false
		}
		if !fi.locked && len(fi.pending) > 0 {
			b := fi.pending[0]
			fi.pending = fi.pending[1:]
			return b, true
		}
		fi.cond.Wait()
	}
}

// MarkFetched moves a block the consumer just downloaded out of the
// pending path and into results, where RemoveAndAddResultCommand and
// RemoveFetchResults can later find it.
func (fi *FetchIterator) MarkFetched(blockID structs.BlockID, data []byte) {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	fi.results[blockID] = data
}

// Lock implements LockTask: the consumer blocks in Next until Unlock.
func (fi *FetchIterator) Lock() {
	fi.mu.Lock()
	fi.locked = true
	fi.mu.Unlock()
}

// Unlock implements UnlockTask: wakes any consumer parked in Next.
func (fi *FetchIterator) Unlock() {
	fi.mu.Lock()
	fi.locked = false
	fi.mu.Unlock()
	fi.cond.Broadcast()
}

// IsLocked reports the iterator's current lock state (task_lock_status).
func (fi *FetchIterator) IsLocked() bool {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	return fi.locked
}

// Close marks the iterator permanently done; Next returns ok=false from
// here on. Backend calls it when the task is killed.
func (fi *FetchIterator) Close() {
	fi.mu.Lock()
	fi.closed = true
	fi.mu.Unlock()
	fi.cond.Broadcast()
}

// RemoveFetchRequests implements RemoveFetchCommand's queue surgery:
// remove every pending block named in blocksByHost and return exactly
// what was actually removed (with its size), grouped the same way, so the
// caller can forward it verbatim in TransferRemovedFetch.
func (fi *FetchIterator) RemoveFetchRequests(blocksByHost map[structs.BlockManagerID][]structs.BlockID) map[structs.BlockManagerID][]structs.SkewTuneBlockInfo {
	fi.mu.Lock()
	defer fi.mu.Unlock()

	wanted := make(map[structs.BlockManagerID]map[structs.BlockID]struct{}, len(blocksByHost))
	for host, ids := range blocksByHost {
		set := make(map[structs.BlockID]struct{}, len(ids))
		for _, id := range ids {
			set[id] = struct{}{}
		}
		wanted[host] = set
	}

	removed := make(map[structs.BlockManagerID][]structs.SkewTuneBlockInfo)
	kept := fi.pending[:0:0]
	for _, b := range fi.pending {
		if ids, ok := wanted[b.HostBlockManagerID]; ok {
			if _, match := ids[b.BlockID]; match {
				removed[b.HostBlockManagerID] = append(removed[b.HostBlockManagerID], b)
				continue
			}
		}
		kept = append(kept, b)
	}
	fi.pending = kept
	return removed
}

// AddFetchRequests implements AddFetchCommand: enqueue more pending blocks
// and wake any consumer waiting on an empty queue.
func (fi *FetchIterator) AddFetchRequests(blocksWithSizeByHost map[structs.BlockManagerID][]structs.SkewTuneBlockInfo) {
	fi.mu.Lock()
	for _, blocks := range blocksWithSizeByHost {
		fi.pending = append(fi.pending, blocks...)
	}
	fi.mu.Unlock()
	fi.cond.Broadcast()
}

// RemoveFetchResults implements the from-side of RemoveAndAddResultCommand:
// pop the named, already-fetched results out of this iterator. Blocks
// absent from results (not yet fetched, or already moved) are silently
// skipped.
func (fi *FetchIterator) RemoveFetchResults(blockIDs []structs.BlockID) map[structs.BlockID][]byte {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	out := make(map[structs.BlockID][]byte)
	for _, id := range blockIDs {
		if data, ok := fi.results[id]; ok {
			out[id] = data
			delete(fi.results, id)
		}
	}
	return out
}

// AddFetchResults implements the to-side of RemoveAndAddResultCommand:
// merge already-fetched results into this iterator.
func (fi *FetchIterator) AddFetchResults(results map[structs.BlockID][]byte) {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	for id, data := range results {
		fi.results[id] = data
	}
}

// PendingLen reports the current unfetched queue depth, used by tests and
// diagnostics.
func (fi *FetchIterator) PendingLen() int {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	return len(fi.pending)
}

// ResultLen reports how many fetched results this iterator currently
// holds.
func (fi *FetchIterator) ResultLen() int {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	return len(fi.results)
}
