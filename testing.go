package fixedio

import (
	"sync"
	"syscall"

	"github.com/ehrlich-b/go-fixedio/internal/chain"
	"github.com/ehrlich-b/go-fixedio/internal/uring"
)

// SimOptions tunes the simulated ring selected by BackendSim
type SimOptions = uring.SimOptions

// Fault overrides how the simulated ring completes one op
type Fault = uring.Fault

// Injector picks a fault for an op about to run on the simulated ring
type Injector = uring.Injector

// Op is one submission as seen by an Injector
type Op = uring.Op

// OpKind names the operations a chain can contain
type OpKind = uring.OpKind

const (
	OpOpen   = uring.OpOpen
	OpWrite  = uring.OpWrite
	OpRead   = uring.OpRead
	OpClose  = uring.OpClose
	OpUnlink = uring.OpUnlink
)

// OpPhase reports the phase an op was submitted in
func OpPhase(op Op) Phase {
	tag, _ := chain.DecodeTag(op.UserData)
	return tag.Phase
}

// FailOnce fails the first kind op of phase on slot with errno. It is
// useful for exercising the failure paths of applications built on Run.
func FailOnce(kind OpKind, phase Phase, slot int, errno syscall.Errno) Injector {
	var (
		mu   sync.Mutex
		done bool
	)
	return func(op Op) (Fault, bool) {
		mu.Lock()
		defer mu.Unlock()
		if done || op.Kind != kind || op.Slot != slot || OpPhase(op) != phase {
			return Fault{}, false
		}
		done = true
		return Fault{Errno: errno}, true
	}
}

// ShortTransfers caps every read and write at limit bytes, forcing the
// continuation path on every file.
func ShortTransfers(limit int) Injector {
	return func(op Op) (Fault, bool) {
		if !op.Kind.Transfer() {
			return Fault{}, false
		}
		return Fault{Limit: limit}, true
	}
}

// Injectors applies each injector in order and uses the first fault found
func Injectors(list ...Injector) Injector {
	return func(op Op) (Fault, bool) {
		for _, inj := range list {
			if f, ok := inj(op); ok {
				return f, true
			}
		}
		return Fault{}, false
	}
}

// RecordingObserver records every event it receives, for tests.
type RecordingObserver struct {
	mu sync.Mutex

	submits  []int
	ops      map[OpKind]int
	failures map[OpKind]int
	bytes    map[OpKind]uint64
	retries  map[Phase]int
	phases   []Phase
}

// NewRecordingObserver creates an empty recorder
func NewRecordingObserver() *RecordingObserver {
	return &RecordingObserver{
		ops:      make(map[OpKind]int),
		failures: make(map[OpKind]int),
		bytes:    make(map[OpKind]uint64),
		retries:  make(map[Phase]int),
	}
}

func (r *RecordingObserver) ObserveSubmit(ops int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.submits = append(r.submits, ops)
}

func (r *RecordingObserver) ObserveOp(kind OpKind, bytes uint64, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops[kind]++
	r.bytes[kind] += bytes
	if !success {
		r.failures[kind]++
	}
}

func (r *RecordingObserver) ObserveRetry(phase Phase) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries[phase]++
}

func (r *RecordingObserver) ObservePhase(phase Phase, _, _ int, _ uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phases = append(r.phases, phase)
}

// Ops returns how many kind ops resolved
func (r *RecordingObserver) Ops(kind OpKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ops[kind]
}

// Failures returns how many kind ops failed
func (r *RecordingObserver) Failures(kind OpKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures[kind]
}

// Bytes returns the bytes moved by kind ops
func (r *RecordingObserver) Bytes(kind OpKind) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bytes[kind]
}

// Retries returns the continuation chains issued in phase
func (r *RecordingObserver) Retries(phase Phase) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.retries[phase]
}

// Phases returns the drained phases in order
func (r *RecordingObserver) Phases() []Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Phase(nil), r.phases...)
}

// Submitted returns the total ops handed to the ring
func (r *RecordingObserver) Submitted() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.submits {
		n += s
	}
	return n
}

var _ Observer = (*RecordingObserver)(nil)
