// Package access implements the per-characteristic in-flight request table:
// the read-coalesce / write-serialize / wait-queue state machine described
// in spec section 4.2.
//
// Table is NOT safe for concurrent use on its own: its owner must
// serialize every call. The coordinator does so under its own mutex, which
// is what makes the read/write invariants (at most one read or write in
// flight per characteristic, FIFO queueing, atomic coalesced wake-up) hold
// without any locking inside this package. Callers blocked on the channels
// Table hands back may live on any goroutine.
//
// Queued requests are resolved without ever requiring a caller to re-enter
// BeginRead/BeginWrite: when an entry completes, Table walks its queued
// list once, in FIFO order, and synchronously decides each queued
// request's fate (install as the new owner, coalesce onto the new owner,
// or re-queue behind it). This is the mutex-free equivalent of "the first
// resumed waiter observes an empty slot and installs its own entry,
// subsequent ones re-queue" from spec section 4.2.
package access

import (
	"github.com/srg/blegate/locator"
)

// Result is what a coalesced read group is resolved with.
type Result struct {
	Data []byte
	Err  error
}

// Outcome is the immediate answer to BeginRead/BeginWrite.
type Outcome int

const (
	// Issue means the caller owns the operation: it must perform the GATT
	// call itself and report the result via CompleteRead/CompleteWrite.
	Issue Outcome = iota
	// Coalesced means a read is already in flight; the caller's result
	// will arrive on the returned result channel with no new GATT read.
	Coalesced
	// Queued means another access is in flight; the caller must wait on
	// the returned Admission channel to learn its eventual fate.
	Queued
)

// Admission is delivered on a Queued caller's admission channel once the
// access it was waiting behind completes.
type Admission int

const (
	// AdmissionIssue: the caller must now perform the GATT call itself.
	AdmissionIssue Admission = iota
	// AdmissionCoalesced: a read the caller is coalesced into is already
	// being issued by someone else.
	AdmissionCoalesced
	// AdmissionAborted: the table was drained (disconnect) while the
	// caller was queued; its result/error channel has already been sent
	// the drain error, and it must not issue any GATT call.
	AdmissionAborted
)

type pendingWrite struct {
	completer chan error
	admit     chan Admission
}

type pendingRead struct {
	result chan Result
	admit  chan Admission
}

type readEntry struct {
	waiters []chan Result
	queued  []*pendingWrite // only writes ever queue behind a read
}

type writeEntry struct {
	completer chan error
	queued    []any // *pendingRead or *pendingWrite, in FIFO arrival order
}

// entry is the tagged AccessEntry variant from spec section 3: exactly one
// of read/write is non-nil at any time.
type entry struct {
	read  *readEntry
	write *writeEntry
}

// Table is the per-characteristic access table for one peripheral.
type Table struct {
	entries map[locator.Locator]*entry
}

// New returns an empty Table.
func New() *Table {
	return &Table{entries: make(map[locator.Locator]*entry)}
}

// BeginRead implements spec section 4.2's Read algorithm.
//
// On Issue/Coalesced, result carries the eventual value; admit is nil.
// On Queued, the caller must first receive from admit, then from result.
func (t *Table) BeginRead(loc locator.Locator) (outcome Outcome, result <-chan Result, admit <-chan Admission) {
	resultCh := make(chan Result, 1)
	e, ok := t.entries[loc]
	if !ok {
		t.entries[loc] = &entry{read: &readEntry{waiters: []chan Result{resultCh}}}
		return Issue, resultCh, nil
	}
	if e.read != nil {
		e.read.waiters = append(e.read.waiters, resultCh)
		return Coalesced, resultCh, nil
	}
	admitCh := make(chan Admission, 1)
	e.write.queued = append(e.write.queued, &pendingRead{result: resultCh, admit: admitCh})
	return Queued, resultCh, admitCh
}

// BeginWrite implements spec section 4.2's Write algorithm. Writes never
// coalesce, so the only outcomes are Issue and Queued.
func (t *Table) BeginWrite(loc locator.Locator) (outcome Outcome, result <-chan error, admit <-chan Admission) {
	completer := make(chan error, 1)
	e, ok := t.entries[loc]
	if !ok {
		t.entries[loc] = &entry{write: &writeEntry{completer: completer}}
		return Issue, completer, nil
	}
	admitCh := make(chan Admission, 1)
	pw := &pendingWrite{completer: completer, admit: admitCh}
	if e.read != nil {
		e.read.queued = append(e.read.queued, pw)
	} else {
		e.write.queued = append(e.write.queued, pw)
	}
	return Queued, completer, admitCh
}

// CompleteRead resolves an in-flight Read entry with result, then admits
// each queued resumer in FIFO order. Returns false (no-op besides logging
// left to the caller) if the entry is absent or is a Write — a read
// completion callback must never match a Write entry (spec section 4.2).
func (t *Table) CompleteRead(loc locator.Locator, result Result) (matched bool) {
	e, ok := t.entries[loc]
	if !ok || e.read == nil {
		return false
	}
	re := e.read
	delete(t.entries, loc)
	for _, w := range re.waiters {
		w <- result
	}
	queue := make([]any, len(re.queued))
	for i, pw := range re.queued {
		queue[i] = pw
	}
	t.admitQueue(loc, queue)
	return true
}

// CompleteWrite resolves an in-flight Write entry with err, then admits
// each queued resumer in FIFO order.
func (t *Table) CompleteWrite(loc locator.Locator, err error) (matched bool) {
	e, ok := t.entries[loc]
	if !ok || e.write == nil {
		return false
	}
	we := e.write
	delete(t.entries, loc)
	we.completer <- err
	t.admitQueue(loc, we.queued)
	return true
}

// admitQueue walks a freed entry's queued requests in order, building the
// next entry (if any) and admitting each request as it is folded in.
func (t *Table) admitQueue(loc locator.Locator, queue []any) {
	var next *entry
	for _, p := range queue {
		switch req := p.(type) {
		case *pendingRead:
			switch {
			case next == nil:
				next = &entry{read: &readEntry{waiters: []chan Result{req.result}}}
				req.admit <- AdmissionIssue
			case next.read != nil:
				next.read.waiters = append(next.read.waiters, req.result)
				req.admit <- AdmissionCoalesced
			default: // next.write != nil: still behind a write, re-queue
				next.write.queued = append(next.write.queued, req)
			}
		case *pendingWrite:
			switch {
			case next == nil:
				next = &entry{write: &writeEntry{completer: req.completer}}
				req.admit <- AdmissionIssue
			case next.read != nil:
				next.read.queued = append(next.read.queued, req)
			default:
				next.write.queued = append(next.write.queued, req)
			}
		}
	}
	if next != nil {
		t.entries[loc] = next
	}
}

// Get reports which mode, if any, currently owns loc. Used by the
// notification fan-out path (spec section 4.5) to decide whether an
// incoming value update should first be matched against a Read entry.
func (t *Table) Get(loc locator.Locator) (isRead, isWrite bool) {
	e, ok := t.entries[loc]
	if !ok {
		return false, false
	}
	return e.read != nil, e.write != nil
}

// Len reports the number of characteristics with an in-flight access.
// Zero after DrainAll asserts invariant 6 (disconnect drains).
func (t *Table) Len() int {
	return len(t.entries)
}

// DrainAll implements spec section 4.3 steps 1-3: snapshot and clear the
// table, resolving every waiter/completer (owners and queued alike) with
// the error errFor(loc) produces.
func (t *Table) DrainAll(errFor func(loc locator.Locator) error) {
	for loc, e := range t.entries {
		delete(t.entries, loc)
		err := errFor(loc)
		if e.read != nil {
			for _, w := range e.read.waiters {
				w <- Result{Err: err}
			}
			for _, pw := range e.read.queued {
				pw.completer <- err
				pw.admit <- AdmissionAborted
			}
		}
		if e.write != nil {
			e.write.completer <- err
			for _, p := range e.write.queued {
				switch req := p.(type) {
				case *pendingRead:
					req.result <- Result{Err: err}
					req.admit <- AdmissionAborted
				case *pendingWrite:
					req.completer <- err
					req.admit <- AdmissionAborted
				}
			}
		}
	}
}
