package uring

import (
	"fmt"
	"sync/atomic"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-fixedio/internal/logging"
	"github.com/ehrlich-b/go-fixedio/internal/uapi"
)

// kernelRing talks to io_uring through raw syscalls and the shared ring
// mappings. One goroutine owns it.
type kernelRing struct {
	fd       int
	features uint32

	sqRing   []byte
	cqRing   []byte
	sqesMmap []byte
	single   bool

	sqHead    *uint32
	sqTail    *uint32
	sqMask    uint32
	sqEntries uint32
	sqArray   unsafe.Pointer
	sqes      unsafe.Pointer
	sqeTail   uint32 // next local slot
	sqeHead   uint32 // first slot not yet published

	cqHead *uint32
	cqTail *uint32
	cqMask uint32
	cqes   unsafe.Pointer

	buffersRegistered bool
	filesRegistered   bool
	closed            bool
}

func errnoOf(res int32) syscall.Errno {
	return syscall.Errno(-res)
}

// NewKernelRing creates a ring with at least entries submission slots
func NewKernelRing(entries uint32, flags uint32) (Ring, error) {
	logger := logging.Default()

	var params uapi.Params
	params.Flags = flags
	fd, _, errno := syscall.Syscall(uapi.SYS_IO_URING_SETUP, uintptr(entries), uintptr(unsafe.Pointer(&params)), 0)
	if errno != 0 {
		logger.Debug("io_uring_setup failed", "entries", entries, "errno", errno)
		return nil, fmt.Errorf("io_uring_setup: %w", errno)
	}

	r := &kernelRing{fd: int(fd), features: params.Features}
	if err := r.mapRings(&params); err != nil {
		_ = syscall.Close(r.fd)
		return nil, err
	}

	logger.Debug("io_uring ready", "fd", r.fd, "sq_entries", r.sqEntries, "features", fmt.Sprintf("0x%x", r.features))
	return r, nil
}

func (r *kernelRing) mapRings(p *uapi.Params) error {
	sqSize := int(p.SqOff.Array + p.SqEntries*4)
	cqSize := int(p.CqOff.Cqes + p.CqEntries*uint32(uapi.SizeofCqe))

	r.single = p.Features&uapi.IORING_FEAT_SINGLE_MMAP != 0
	if r.single && cqSize > sqSize {
		sqSize = cqSize
	}

	var err error
	r.sqRing, err = unix.Mmap(r.fd, uapi.IORING_OFF_SQ_RING, sqSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return fmt.Errorf("mmap sq ring: %w", err)
	}

	if r.single {
		r.cqRing = r.sqRing
	} else {
		r.cqRing, err = unix.Mmap(r.fd, uapi.IORING_OFF_CQ_RING, cqSize,
			unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
		if err != nil {
			_ = unix.Munmap(r.sqRing)
			return fmt.Errorf("mmap cq ring: %w", err)
		}
	}

	r.sqesMmap, err = unix.Mmap(r.fd, uapi.IORING_OFF_SQES, int(p.SqEntries)*int(uapi.SizeofSqe),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		r.unmap()
		return fmt.Errorf("mmap sqes: %w", err)
	}
	r.sqes = unsafe.Pointer(&r.sqesMmap[0])

	sq := unsafe.Pointer(&r.sqRing[0])
	r.sqHead = (*uint32)(unsafe.Add(sq, p.SqOff.Head))
	r.sqTail = (*uint32)(unsafe.Add(sq, p.SqOff.Tail))
	r.sqMask = *(*uint32)(unsafe.Add(sq, p.SqOff.RingMask))
	r.sqEntries = *(*uint32)(unsafe.Add(sq, p.SqOff.RingEntries))
	r.sqArray = unsafe.Add(sq, p.SqOff.Array)

	cq := unsafe.Pointer(&r.cqRing[0])
	r.cqHead = (*uint32)(unsafe.Add(cq, p.CqOff.Head))
	r.cqTail = (*uint32)(unsafe.Add(cq, p.CqOff.Tail))
	r.cqMask = *(*uint32)(unsafe.Add(cq, p.CqOff.RingMask))
	r.cqes = unsafe.Add(cq, p.CqOff.Cqes)

	r.sqeTail = atomic.LoadUint32(r.sqTail)
	r.sqeHead = r.sqeTail
	return nil
}

func (r *kernelRing) unmap() {
	if r.sqesMmap != nil {
		_ = unix.Munmap(r.sqesMmap)
		r.sqesMmap = nil
	}
	if !r.single && r.cqRing != nil {
		_ = unix.Munmap(r.cqRing)
	}
	if r.sqRing != nil {
		_ = unix.Munmap(r.sqRing)
	}
	r.sqRing, r.cqRing = nil, nil
}

func (r *kernelRing) register(opcode uintptr, arg unsafe.Pointer, n int) error {
	for {
		_, _, errno := syscall.Syscall6(uapi.SYS_IO_URING_REGISTER, uintptr(r.fd), opcode, uintptr(arg), uintptr(n), 0, 0)
		switch errno {
		case 0:
			return nil
		case syscall.EINTR:
			continue
		default:
			return errno
		}
	}
}

func (r *kernelRing) RegisterBuffers(bufs [][]byte) error {
	if r.closed {
		return ErrClosed
	}
	if len(bufs) == 0 {
		return syscall.EINVAL
	}
	iovs := make([]unix.Iovec, len(bufs))
	for i, b := range bufs {
		if len(b) == 0 {
			return syscall.EINVAL
		}
		iovs[i].Base = &b[0]
		iovs[i].SetLen(len(b))
	}
	if err := r.register(uapi.IORING_REGISTER_BUFFERS, unsafe.Pointer(&iovs[0]), len(iovs)); err != nil {
		return fmt.Errorf("register buffers: %w", err)
	}
	r.buffersRegistered = true
	return nil
}

func (r *kernelRing) RegisterFiles(count int) error {
	if r.closed {
		return ErrClosed
	}
	if count <= 0 {
		return syscall.EINVAL
	}
	fds := make([]int32, count)
	for i := range fds {
		fds[i] = -1
	}
	if err := r.register(uapi.IORING_REGISTER_FILES, unsafe.Pointer(&fds[0]), count); err != nil {
		return fmt.Errorf("register files: %w", err)
	}
	r.filesRegistered = true
	return nil
}

// RegisterEventFD asks the kernel to signal fd for every posted completion.
// The registration is dropped with the ring.
func (r *kernelRing) RegisterEventFD(fd int) error {
	if r.closed {
		return ErrClosed
	}
	efd := int32(fd)
	return r.register(uapi.IORING_REGISTER_EVENTFD, unsafe.Pointer(&efd), 1)
}

func (r *kernelRing) Unregister() error {
	if r.closed {
		return ErrClosed
	}
	var firstErr error
	if r.filesRegistered {
		if err := r.register(uapi.IORING_UNREGISTER_FILES, nil, 0); err != nil {
			firstErr = fmt.Errorf("unregister files: %w", err)
		}
		r.filesRegistered = false
	}
	if r.buffersRegistered {
		if err := r.register(uapi.IORING_UNREGISTER_BUFFERS, nil, 0); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("unregister buffers: %w", err)
		}
		r.buffersRegistered = false
	}
	return firstErr
}

func (r *kernelRing) SpaceLeft() uint32 {
	if r.closed {
		return 0
	}
	return r.sqEntries - (r.sqeTail - atomic.LoadUint32(r.sqHead))
}

func (r *kernelRing) sqeAt(idx uint32) *uapi.Sqe {
	return (*uapi.Sqe)(unsafe.Add(r.sqes, uintptr(idx&r.sqMask)*uapi.SizeofSqe))
}

func (r *kernelRing) Prepare(ops []Op) error {
	if r.closed {
		return ErrClosed
	}
	if uint32(len(ops)) > r.SpaceLeft() {
		return ErrQueueFull
	}
	for i := range ops {
		ops[i].encode(r.sqeAt(r.sqeTail))
		r.sqeTail++
	}
	return nil
}

// flush publishes locally prepared entries to the kernel-visible tail.
func (r *kernelRing) flush() uint32 {
	tail := *r.sqTail
	for r.sqeHead != r.sqeTail {
		*(*uint32)(unsafe.Add(r.sqArray, uintptr(tail&r.sqMask)*4)) = r.sqeHead & r.sqMask
		tail++
		r.sqeHead++
	}
	atomic.StoreUint32(r.sqTail, tail)
	return tail - atomic.LoadUint32(r.sqHead)
}

func (r *kernelRing) enter(toSubmit, minComplete, flags uint32) (int, error) {
	for {
		n, _, errno := syscall.Syscall6(uapi.SYS_IO_URING_ENTER, uintptr(r.fd),
			uintptr(toSubmit), uintptr(minComplete), uintptr(flags), 0, 0)
		if errno == syscall.EINTR {
			continue
		}
		if errno != 0 {
			return 0, errno
		}
		return int(n), nil
	}
}

func (r *kernelRing) Submit() (int, error) {
	if r.closed {
		return 0, ErrClosed
	}
	pending := r.flush()
	if pending == 0 {
		return 0, nil
	}
	n, err := r.enter(pending, 0, 0)
	if err != nil {
		return n, fmt.Errorf("io_uring_enter: %w", err)
	}
	return n, nil
}

func (r *kernelRing) peek() (Completion, bool) {
	head := atomic.LoadUint32(r.cqHead)
	if head == atomic.LoadUint32(r.cqTail) {
		return Completion{}, false
	}
	cqe := (*uapi.Cqe)(unsafe.Add(r.cqes, uintptr(head&r.cqMask)*uapi.SizeofCqe))
	c := Completion{UserData: cqe.UserData, Res: cqe.Res, Flags: cqe.Flags}
	atomic.StoreUint32(r.cqHead, head+1)
	return c, true
}

func (r *kernelRing) WaitCompletion() (Completion, error) {
	if r.closed {
		return Completion{}, ErrClosed
	}
	for {
		if c, ok := r.peek(); ok {
			return c, nil
		}
		if _, err := r.enter(0, 1, uapi.IORING_ENTER_GETEVENTS); err != nil {
			return Completion{}, fmt.Errorf("io_uring_enter wait: %w", err)
		}
	}
}

func (r *kernelRing) PollCompletion() (Completion, bool, error) {
	if r.closed {
		return Completion{}, false, ErrClosed
	}
	c, ok := r.peek()
	return c, ok, nil
}

// Probe asks the kernel which opcodes it supports.
func (r *kernelRing) Probe() (Features, error) {
	if r.closed {
		return Features{}, ErrClosed
	}
	buf := make([]byte, uapi.ProbeBufferLen)
	if err := r.register(uapi.IORING_REGISTER_PROBE, unsafe.Pointer(&buf[0]), 256); err != nil {
		return Features{}, fmt.Errorf("register probe: %w", err)
	}
	probe, err := uapi.UnmarshalProbe(buf)
	if err != nil {
		return Features{}, err
	}
	return featuresFrom(r.features, probe), nil
}

func featuresFrom(feat uint32, probe *uapi.Probe) Features {
	return Features{
		CQESkip:       feat&uapi.IORING_FEAT_CQE_SKIP != 0,
		LinkedFile:    feat&uapi.IORING_FEAT_LINKED_FILE != 0,
		SingleMmap:    feat&uapi.IORING_FEAT_SINGLE_MMAP != 0,
		OpenAt:        probe.Supported(uapi.IORING_OP_OPENAT),
		ReadFixed:     probe.Supported(uapi.IORING_OP_READ_FIXED),
		WriteFixed:    probe.Supported(uapi.IORING_OP_WRITE_FIXED),
		Close:         probe.Supported(uapi.IORING_OP_CLOSE),
		UnlinkAt:      probe.Supported(uapi.IORING_OP_UNLINKAT),
		FilesRegister: probe.Supported(uapi.IORING_OP_FILES_UPDATE),
	}
}

func (r *kernelRing) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.unmap()
	return syscall.Close(r.fd)
}

var (
	_ Ring          = (*kernelRing)(nil)
	_ Prober        = (*kernelRing)(nil)
	_ EventNotifier = (*kernelRing)(nil)
)
