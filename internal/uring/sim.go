package uring

import (
	"encoding/binary"
	"math/rand"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Fault overrides how the simulated ring completes one op.
type Fault struct {
	// Errno fails the op with -Errno without running it.
	Errno syscall.Errno
	// Limit caps a transfer at Limit bytes when positive.
	Limit int
	// Stall completes a transfer with zero bytes without running it.
	Stall bool
}

// Injector picks a fault for an op about to run. Returning false runs the op
// normally.
type Injector func(op Op) (Fault, bool)

// SimOptions tunes the simulated ring
type SimOptions struct {
	// Seed shuffles completions across chains when non-zero. Completions
	// inside one chain stay in submission order.
	Seed     int64
	Injector Injector
}

// TraceEntry records one op the simulated ring processed.
type TraceEntry struct {
	Kind      OpKind
	Slot      int
	UserData  uint64
	Res       int32
	Cancelled bool // never executed because an earlier link failed
	Posted    bool // produced a completion
}

// SimRing executes ops synchronously against the real filesystem at Submit
// time, following the kernel's link and completion rules:
//   - a negative result or a short transfer breaks the link and the
//     remaining ops of the chain never execute
//   - a failed op always posts its completion, even with SkipSuccess
//   - cancelled ops post -ECANCELED unless the failed op carried SkipSuccess,
//     in which case they post nothing
type SimRing struct {
	entries uint32
	opts    SimOptions
	rnd     *rand.Rand

	queue []Op
	cq    []Completion
	trace []TraceEntry

	bufs   [][]byte
	files  []int
	efd    int // registered eventfd, -1 when none
	closed bool
}

// NewSimRing creates a simulated ring with entries submission slots
func NewSimRing(entries uint32, opts SimOptions) *SimRing {
	r := &SimRing{entries: entries, opts: opts, efd: -1}
	if opts.Seed != 0 {
		r.rnd = rand.New(rand.NewSource(opts.Seed))
	}
	return r
}

func (r *SimRing) RegisterBuffers(bufs [][]byte) error {
	if r.closed {
		return ErrClosed
	}
	if len(bufs) == 0 || r.bufs != nil {
		return syscall.EINVAL
	}
	for _, b := range bufs {
		if len(b) == 0 {
			return syscall.EINVAL
		}
	}
	r.bufs = bufs
	return nil
}

func (r *SimRing) RegisterFiles(count int) error {
	if r.closed {
		return ErrClosed
	}
	if count <= 0 || r.files != nil {
		return syscall.EINVAL
	}
	r.files = make([]int, count)
	for i := range r.files {
		r.files[i] = -1
	}
	return nil
}

func (r *SimRing) Unregister() error {
	if r.closed {
		return ErrClosed
	}
	for _, fd := range r.files {
		if fd >= 0 {
			_ = unix.Close(fd)
		}
	}
	r.files = nil
	r.bufs = nil
	return nil
}

func (r *SimRing) SpaceLeft() uint32 {
	if r.closed {
		return 0
	}
	return r.entries - uint32(len(r.queue))
}

func (r *SimRing) Prepare(ops []Op) error {
	if r.closed {
		return ErrClosed
	}
	if uint32(len(ops)) > r.SpaceLeft() {
		return ErrQueueFull
	}
	r.queue = append(r.queue, ops...)
	return nil
}

func (r *SimRing) Submit() (int, error) {
	if r.closed {
		return 0, ErrClosed
	}
	n := len(r.queue)
	var lanes [][]Completion
	for start := 0; start < len(r.queue); {
		end := start
		for end < len(r.queue)-1 && r.queue[end].Link {
			end++
		}
		lanes = append(lanes, r.runChain(r.queue[start:end+1]))
		start = end + 1
	}
	r.queue = r.queue[:0]
	before := len(r.cq)
	r.post(lanes)
	r.signal(len(r.cq) - before)
	return n, nil
}

// RegisterEventFD makes Submit add the number of posted completions to fd,
// as the kernel does.
func (r *SimRing) RegisterEventFD(fd int) error {
	if r.closed {
		return ErrClosed
	}
	if r.efd >= 0 {
		return syscall.EBUSY
	}
	r.efd = fd
	return nil
}

func (r *SimRing) signal(posted int) {
	if r.efd < 0 || posted == 0 {
		return
	}
	var b [8]byte
	binary.NativeEndian.PutUint64(b[:], uint64(posted))
	_, _ = unix.Write(r.efd, b[:])
}

// post appends completions, interleaving chains when a seed is set.
func (r *SimRing) post(lanes [][]Completion) {
	if r.rnd == nil {
		for _, l := range lanes {
			r.cq = append(r.cq, l...)
		}
		return
	}
	for {
		live := lanes[:0]
		for _, l := range lanes {
			if len(l) > 0 {
				live = append(live, l)
			}
		}
		lanes = live
		if len(lanes) == 0 {
			return
		}
		i := r.rnd.Intn(len(lanes))
		r.cq = append(r.cq, lanes[i][0])
		lanes[i] = lanes[i][1:]
	}
}

func (r *SimRing) runChain(chain []Op) []Completion {
	var (
		out       []Completion
		broken    bool
		skipLinks bool
	)
	for _, op := range chain {
		if broken {
			entry := TraceEntry{Kind: op.Kind, Slot: op.Slot, UserData: op.UserData, Res: -int32(syscall.ECANCELED), Cancelled: true}
			if !skipLinks {
				out = append(out, Completion{UserData: op.UserData, Res: entry.Res})
				entry.Posted = true
			}
			r.trace = append(r.trace, entry)
			continue
		}

		res := r.exec(op)
		failed := res < 0 || (op.Kind.Transfer() && int(res) < len(op.Buf))
		entry := TraceEntry{Kind: op.Kind, Slot: op.Slot, UserData: op.UserData, Res: res}
		if failed || !op.SkipSuccess {
			out = append(out, Completion{UserData: op.UserData, Res: res})
			entry.Posted = true
		}
		r.trace = append(r.trace, entry)
		if failed && op.Link {
			broken = true
			skipLinks = op.SkipSuccess
		}
	}
	return out
}

func (r *SimRing) exec(op Op) int32 {
	if r.opts.Injector != nil {
		if f, ok := r.opts.Injector(op); ok {
			if f.Errno != 0 {
				return -int32(f.Errno)
			}
			if f.Stall && op.Kind.Transfer() {
				return 0
			}
			if f.Limit > 0 && f.Limit < len(op.Buf) {
				op.Buf = op.Buf[:f.Limit]
			}
		}
	}

	switch op.Kind {
	case OpNop:
		return 0
	case OpOpen:
		if op.Slot < 0 || op.Slot >= len(r.files) {
			return -int32(syscall.EINVAL)
		}
		fd, err := unix.Openat(unix.AT_FDCWD, cstring(op.Path), op.OpenFlags|unix.O_CLOEXEC, op.Mode)
		if err != nil {
			return negErrno(err)
		}
		if old := r.files[op.Slot]; old >= 0 {
			_ = unix.Close(old)
		}
		r.files[op.Slot] = fd
		return 0
	case OpWrite, OpRead:
		fd, res := r.fixedFile(op.Slot)
		if res != 0 {
			return res
		}
		if !r.inRegistered(op.BufIndex, op.Buf) {
			return -int32(syscall.EFAULT)
		}
		var (
			n   int
			err error
		)
		if op.Kind == OpWrite {
			n, err = unix.Pwrite(fd, op.Buf, int64(op.Offset))
		} else {
			n, err = unix.Pread(fd, op.Buf, int64(op.Offset))
		}
		if err != nil {
			return negErrno(err)
		}
		return int32(n)
	case OpClose:
		fd, res := r.fixedFile(op.Slot)
		if res != 0 {
			return res
		}
		r.files[op.Slot] = -1
		if err := unix.Close(fd); err != nil {
			return negErrno(err)
		}
		return 0
	case OpUnlink:
		if err := unix.Unlinkat(unix.AT_FDCWD, cstring(op.Path), 0); err != nil {
			return negErrno(err)
		}
		return 0
	}
	return -int32(syscall.EINVAL)
}

func (r *SimRing) fixedFile(slot int) (int, int32) {
	if slot < 0 || slot >= len(r.files) {
		return -1, -int32(syscall.EINVAL)
	}
	if r.files[slot] < 0 {
		return -1, -int32(syscall.EBADF)
	}
	return r.files[slot], 0
}

// inRegistered reports whether buf lies inside registered buffer idx.
func (r *SimRing) inRegistered(idx int, buf []byte) bool {
	if idx < 0 || idx >= len(r.bufs) {
		return false
	}
	if len(buf) == 0 {
		return true
	}
	reg := r.bufs[idx]
	lo := uintptr(unsafe.Pointer(&reg[0]))
	p := uintptr(unsafe.Pointer(&buf[0]))
	return p >= lo && p+uintptr(len(buf)) <= lo+uintptr(len(reg))
}

func (r *SimRing) WaitCompletion() (Completion, error) {
	if r.closed {
		return Completion{}, ErrClosed
	}
	c, ok, _ := r.PollCompletion()
	if !ok {
		// nothing in flight can ever complete
		return Completion{}, syscall.EAGAIN
	}
	return c, nil
}

func (r *SimRing) PollCompletion() (Completion, bool, error) {
	if r.closed {
		return Completion{}, false, ErrClosed
	}
	if len(r.cq) == 0 {
		return Completion{}, false, nil
	}
	c := r.cq[0]
	r.cq = r.cq[1:]
	return c, true, nil
}

// Probe reports a kernel with every capability the pipeline uses.
func (r *SimRing) Probe() (Features, error) {
	return Features{
		CQESkip:       true,
		LinkedFile:    true,
		SingleMmap:    true,
		OpenAt:        true,
		ReadFixed:     true,
		WriteFixed:    true,
		Close:         true,
		UnlinkAt:      true,
		FilesRegister: true,
	}, nil
}

// Trace returns every op processed so far, in execution order.
func (r *SimRing) Trace() []TraceEntry {
	return append([]TraceEntry(nil), r.trace...)
}

// OpenSlots counts fixed file slots currently holding a descriptor.
func (r *SimRing) OpenSlots() int {
	n := 0
	for _, fd := range r.files {
		if fd >= 0 {
			n++
		}
	}
	return n
}

func (r *SimRing) Close() error {
	if r.closed {
		return nil
	}
	if r.files != nil {
		_ = r.Unregister()
	}
	r.closed = true
	return nil
}

func cstring(b []byte) string {
	if n := len(b); n > 0 && b[n-1] == 0 {
		b = b[:n-1]
	}
	return string(b)
}

func negErrno(err error) int32 {
	if errno, ok := err.(syscall.Errno); ok {
		return -int32(errno)
	}
	return -int32(syscall.EIO)
}

var (
	_ Ring          = (*SimRing)(nil)
	_ Prober        = (*SimRing)(nil)
	_ EventNotifier = (*SimRing)(nil)
)
