package uring

import (
	"encoding/binary"
	"errors"
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// WaitMode selects how WaitCompletion blocks
type WaitMode string

const (
	// WaitEnter blocks in io_uring_enter with GETEVENTS
	WaitEnter WaitMode = "enter"
	// WaitEventFD blocks reading an eventfd the kernel signals for every
	// posted completion, then drains the completion queue without entering
	WaitEventFD WaitMode = "eventfd"
)

// EventNotifier is implemented by rings that can signal an eventfd when a
// completion is posted.
type EventNotifier interface {
	RegisterEventFD(fd int) error
}

// ErrNoEventFD is returned when eventfd waiting is requested from a ring
// that cannot signal one.
var ErrNoEventFD = errors.New("ring cannot signal an eventfd")

// eventRing waits on a registered eventfd. A wakeup that finds nothing to
// reap falls back to the wrapped ring's own wait.
type eventRing struct {
	Ring
	efd    int
	buf    [8]byte
	wakes  uint64
	closed bool
}

// WithEventFD creates an eventfd, registers it with ring and returns a Ring
// whose WaitCompletion blocks on it. Closing the returned ring closes both.
func WithEventFD(ring Ring) (Ring, error) {
	n, ok := ring.(EventNotifier)
	if !ok {
		return nil, ErrNoEventFD
	}
	efd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	if err := n.RegisterEventFD(efd); err != nil {
		_ = unix.Close(efd)
		return nil, fmt.Errorf("register eventfd: %w", err)
	}
	return &eventRing{Ring: ring, efd: efd}, nil
}

func (r *eventRing) WaitCompletion() (Completion, error) {
	if r.closed {
		return Completion{}, ErrClosed
	}
	if c, ok, err := r.Ring.PollCompletion(); err != nil || ok {
		return c, err
	}
	for {
		_, err := unix.Read(r.efd, r.buf[:])
		if err == syscall.EINTR {
			continue
		}
		if err != nil {
			return Completion{}, fmt.Errorf("read eventfd: %w", err)
		}
		break
	}
	r.wakes += binary.NativeEndian.Uint64(r.buf[:])
	if c, ok, err := r.Ring.PollCompletion(); err != nil || ok {
		return c, err
	}
	// the counter was left over from completions already reaped
	return r.Ring.WaitCompletion()
}

// Wakeups returns the completions the eventfd has signalled so far
func (r *eventRing) Wakeups() uint64 { return r.wakes }

// Unwrap returns the ring the eventfd is registered with
func (r *eventRing) Unwrap() Ring { return r.Ring }

func (r *eventRing) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	err := r.Ring.Close()
	if cerr := unix.Close(r.efd); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// ProberOf returns the Prober behind ring, looking through wrappers
func ProberOf(ring Ring) (Prober, bool) {
	for ring != nil {
		if p, ok := ring.(Prober); ok {
			return p, true
		}
		u, ok := ring.(interface{ Unwrap() Ring })
		if !ok {
			return nil, false
		}
		ring = u.Unwrap()
	}
	return nil, false
}
