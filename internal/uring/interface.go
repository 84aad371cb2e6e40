// Package uring drives the io_uring submission and completion queues on
// behalf of the pipeline.
package uring

import (
	"errors"
	"fmt"

	"github.com/ehrlich-b/go-fixedio/internal/logging"
	"github.com/ehrlich-b/go-fixedio/internal/uapi"
)

// ErrQueueFull is returned by Prepare when a batch does not fit in the
// remaining submission queue capacity. Nothing is queued in that case.
var ErrQueueFull = errors.New("submission queue full")

// ErrClosed is returned by any call on a closed ring.
var ErrClosed = errors.New("ring closed")

// OpKind names the operations a chain can contain
type OpKind uint8

const (
	OpNop OpKind = iota
	OpOpen
	OpWrite
	OpRead
	OpClose
	OpUnlink
)

func (k OpKind) String() string {
	switch k {
	case OpNop:
		return "nop"
	case OpOpen:
		return "openat"
	case OpWrite:
		return "write_fixed"
	case OpRead:
		return "read_fixed"
	case OpClose:
		return "close"
	case OpUnlink:
		return "unlinkat"
	}
	return fmt.Sprintf("op(%d)", uint8(k))
}

// Transfer reports whether the op moves buffer bytes
func (k OpKind) Transfer() bool { return k == OpWrite || k == OpRead }

// Op describes one submission. Open, read, write and close address a
// registered file slot; read and write address a registered buffer.
type Op struct {
	Kind      OpKind
	Slot      int
	Path      []byte // NUL terminated, must outlive the completion
	OpenFlags int
	Mode      uint32
	BufIndex  int
	Buf       []byte // region inside registered buffer BufIndex
	Offset    uint64 // file offset

	// Link ties the next op in the batch to this one's success.
	Link bool
	// SkipSuccess suppresses the completion when the op succeeds.
	SkipSuccess bool

	UserData uint64
}

// encode fills sqe for op using the kernel layout.
func (op *Op) encode(sqe *uapi.Sqe) {
	switch op.Kind {
	case OpOpen:
		uapi.PrepOpenatDirect(sqe, uapi.AT_FDCWD, op.Path, op.OpenFlags, op.Mode, uint32(op.Slot))
	case OpWrite:
		uapi.PrepWriteFixed(sqe, int32(op.Slot), op.Buf, op.Offset, uint16(op.BufIndex))
		sqe.Flags |= uapi.IOSQE_FIXED_FILE
	case OpRead:
		uapi.PrepReadFixed(sqe, int32(op.Slot), op.Buf, op.Offset, uint16(op.BufIndex))
		sqe.Flags |= uapi.IOSQE_FIXED_FILE
	case OpClose:
		uapi.PrepCloseDirect(sqe, uint32(op.Slot))
	case OpUnlink:
		uapi.PrepUnlinkat(sqe, uapi.AT_FDCWD, op.Path, 0)
	default:
		uapi.PrepNop(sqe)
	}
	if op.Link {
		sqe.Flags |= uapi.IOSQE_IO_LINK
	}
	if op.SkipSuccess {
		sqe.Flags |= uapi.IOSQE_CQE_SKIP_SUCCESS
	}
	sqe.UserData = op.UserData
}

// Completion is one drained completion queue entry. Res is a byte count or
// zero on success and a negated errno on failure.
type Completion struct {
	UserData uint64
	Res      int32
	Flags    uint32
}

// Err returns the completion's errno, or nil on success
func (c Completion) Err() error {
	if c.Res >= 0 {
		return nil
	}
	return errnoOf(c.Res)
}

// Ring is an owned io_uring instance. It is not safe for concurrent use.
type Ring interface {
	// RegisterBuffers pins bufs as fixed buffers 0..len(bufs)-1
	RegisterBuffers(bufs [][]byte) error

	// RegisterFiles installs a sparse fixed file table of count slots
	RegisterFiles(count int) error

	// Unregister releases registered buffers and files
	Unregister() error

	// SpaceLeft returns how many more ops Prepare can accept before Submit
	SpaceLeft() uint32

	// Prepare queues ops in order. It queues all of them or none.
	Prepare(ops []Op) error

	// Submit hands queued ops to the kernel and returns how many it took
	Submit() (int, error)

	// WaitCompletion blocks until a completion is available
	WaitCompletion() (Completion, error)

	// PollCompletion returns a completion if one is ready
	PollCompletion() (Completion, bool, error)

	// Close tears the ring down
	Close() error
}

// Features describes what the running kernel offers the pipeline
type Features struct {
	CQESkip       bool // IOSQE_CQE_SKIP_SUCCESS honoured
	LinkedFile    bool // direct descriptors resolve at issue time inside links
	SingleMmap    bool
	OpenAt        bool
	ReadFixed     bool
	WriteFixed    bool
	Close         bool
	UnlinkAt      bool
	FilesRegister bool
}

// Missing lists the capabilities the round trip needs but the kernel lacks
func (f Features) Missing() []string {
	var out []string
	need := []struct {
		ok   bool
		name string
	}{
		{f.OpenAt, "openat"},
		{f.ReadFixed, "read_fixed"},
		{f.WriteFixed, "write_fixed"},
		{f.Close, "close"},
		{f.UnlinkAt, "unlinkat"},
		{f.LinkedFile, "linked_file"},
	}
	for _, n := range need {
		if !n.ok {
			out = append(out, n.name)
		}
	}
	return out
}

// Prober is implemented by rings that can report kernel capabilities
type Prober interface {
	Probe() (Features, error)
}

// Backend selects a Ring implementation
type Backend string

const (
	BackendKernel   Backend = "kernel"
	BackendGiouring Backend = "giouring"
	BackendSim      Backend = "sim"
)

// Config contains configuration for creating a ring
type Config struct {
	Entries uint32
	Backend Backend
	Flags   uint32 // io_uring_setup flags, kernel backend only
	Wait    WaitMode
	Sim     SimOptions
}

// New creates a Ring for the configured backend
func New(config Config) (Ring, error) {
	logger := logging.Default()
	if config.Entries == 0 {
		return nil, fmt.Errorf("ring entries must be positive")
	}
	if config.Backend == "" {
		config.Backend = BackendKernel
	}
	logger.Debug("creating io_uring", "entries", config.Entries, "backend", string(config.Backend))

	var (
		ring Ring
		err  error
	)
	switch config.Backend {
	case BackendKernel:
		ring, err = NewKernelRing(config.Entries, config.Flags)
	case BackendGiouring:
		ring, err = NewGiouringRing(config)
	case BackendSim:
		ring = NewSimRing(config.Entries, config.Sim)
	default:
		err = fmt.Errorf("unknown ring backend %q", config.Backend)
	}
	if err != nil {
		logger.Error("failed to create io_uring", "backend", string(config.Backend), "error", err)
		return nil, err
	}

	switch config.Wait {
	case "", WaitEnter:
	case WaitEventFD:
		wrapped, err := WithEventFD(ring)
		if err != nil {
			ring.Close()
			return nil, err
		}
		ring = wrapped
	default:
		ring.Close()
		return nil, fmt.Errorf("unknown wait mode %q", config.Wait)
	}
	return ring, nil
}
