//go:build giouring
// +build giouring

package uring

import (
	"errors"
	"fmt"
	"syscall"
	"unsafe"

	"github.com/pawelgaczynski/giouring"

	"github.com/ehrlich-b/go-fixedio/internal/uapi"
)

// gioRing implements Ring on top of pawelgaczynski/giouring, a liburing port.
// SQEs are encoded in the kernel layout and copied into the library's entry,
// which shares that layout.
type gioRing struct {
	ring   *giouring.Ring
	closed bool
}

// NewGiouringRing creates a ring through giouring
func NewGiouringRing(config Config) (Ring, error) {
	ring, err := giouring.CreateRing(config.Entries)
	if err != nil {
		return nil, fmt.Errorf("giouring create: %w", err)
	}
	return &gioRing{ring: ring}, nil
}

func (r *gioRing) RegisterBuffers(bufs [][]byte) error {
	if r.closed {
		return ErrClosed
	}
	iovs := make([]syscall.Iovec, len(bufs))
	for i, b := range bufs {
		if len(b) == 0 {
			return syscall.EINVAL
		}
		iovs[i].Base = &b[0]
		iovs[i].SetLen(len(b))
	}
	if _, err := r.ring.RegisterBuffers(iovs); err != nil {
		return fmt.Errorf("register buffers: %w", err)
	}
	return nil
}

func (r *gioRing) RegisterFiles(count int) error {
	if r.closed {
		return ErrClosed
	}
	fds := make([]int, count)
	for i := range fds {
		fds[i] = -1
	}
	if _, err := r.ring.RegisterFiles(fds); err != nil {
		return fmt.Errorf("register files: %w", err)
	}
	return nil
}

func (r *gioRing) RegisterEventFD(fd int) error {
	if r.closed {
		return ErrClosed
	}
	_, err := r.ring.RegisterEventFd(fd)
	return err
}

func (r *gioRing) Unregister() error {
	if r.closed {
		return ErrClosed
	}
	_, ferr := r.ring.UnregisterFiles()
	_, berr := r.ring.UnregisterBuffers()
	return errors.Join(ferr, berr)
}

func (r *gioRing) SpaceLeft() uint32 {
	if r.closed {
		return 0
	}
	return r.ring.SQSpaceLeft()
}

func (r *gioRing) Prepare(ops []Op) error {
	if r.closed {
		return ErrClosed
	}
	if uint32(len(ops)) > r.ring.SQSpaceLeft() {
		return ErrQueueFull
	}
	for i := range ops {
		sqe := r.ring.GetSQE()
		if sqe == nil {
			return ErrQueueFull
		}
		ops[i].encode((*uapi.Sqe)(unsafe.Pointer(sqe)))
	}
	return nil
}

func (r *gioRing) Submit() (int, error) {
	if r.closed {
		return 0, ErrClosed
	}
	n, err := r.ring.Submit()
	return int(n), err
}

func (r *gioRing) WaitCompletion() (Completion, error) {
	if r.closed {
		return Completion{}, ErrClosed
	}
	for {
		cqe, err := r.ring.WaitCQE()
		if errors.Is(err, syscall.EINTR) {
			continue
		}
		if err != nil {
			return Completion{}, err
		}
		c := Completion{UserData: cqe.UserData, Res: cqe.Res, Flags: cqe.Flags}
		r.ring.CQESeen(cqe)
		return c, nil
	}
}

func (r *gioRing) PollCompletion() (Completion, bool, error) {
	if r.closed {
		return Completion{}, false, ErrClosed
	}
	cqe, err := r.ring.PeekCQE()
	if errors.Is(err, syscall.EAGAIN) {
		return Completion{}, false, nil
	}
	if err != nil {
		return Completion{}, false, err
	}
	c := Completion{UserData: cqe.UserData, Res: cqe.Res, Flags: cqe.Flags}
	r.ring.CQESeen(cqe)
	return c, true, nil
}

func (r *gioRing) Close() error {
	if !r.closed {
		r.closed = true
		r.ring.QueueExit()
	}
	return nil
}

var (
	_ Ring          = (*gioRing)(nil)
	_ EventNotifier = (*gioRing)(nil)
)
