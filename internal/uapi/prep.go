package uapi

import "unsafe"

// Prep helpers mirror liburing's io_uring_prep_* family. They overwrite the
// whole entry; callers set Flags and UserData afterwards.

func ptr(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&b[0])))
}

func prepRW(sqe *Sqe, op uint8, fd int32, addr uint64, length uint32, off uint64) {
	*sqe = Sqe{
		Opcode: op,
		Fd:     fd,
		Off:    off,
		Addr:   addr,
		Len:    length,
	}
}

// PrepOpenatDirect opens path relative to dfd straight into registered file
// slot. path must be NUL terminated and stay alive until completion.
func PrepOpenatDirect(sqe *Sqe, dfd int32, path []byte, flags int, mode uint32, slot uint32) {
	prepRW(sqe, IORING_OP_OPENAT, dfd, ptr(path), mode, 0)
	sqe.OpFlags = uint32(flags)
	sqe.FileIndex = slot + 1
}

// PrepWriteFixed writes from a registered buffer. With IOSQE_FIXED_FILE fd is
// a slot in the registered file table.
func PrepWriteFixed(sqe *Sqe, fd int32, buf []byte, off uint64, bufIndex uint16) {
	prepRW(sqe, IORING_OP_WRITE_FIXED, fd, ptr(buf), uint32(len(buf)), off)
	sqe.BufIndex = bufIndex
}

// PrepReadFixed reads into a registered buffer.
func PrepReadFixed(sqe *Sqe, fd int32, buf []byte, off uint64, bufIndex uint16) {
	prepRW(sqe, IORING_OP_READ_FIXED, fd, ptr(buf), uint32(len(buf)), off)
	sqe.BufIndex = bufIndex
}

// PrepCloseDirect closes a registered file slot.
func PrepCloseDirect(sqe *Sqe, slot uint32) {
	prepRW(sqe, IORING_OP_CLOSE, 0, 0, 0, 0)
	sqe.FileIndex = slot + 1
}

// PrepUnlinkat removes path relative to dfd.
func PrepUnlinkat(sqe *Sqe, dfd int32, path []byte, flags int) {
	prepRW(sqe, IORING_OP_UNLINKAT, dfd, ptr(path), 0, 0)
	sqe.OpFlags = uint32(flags)
}

// PrepNop queues a no-op, used to test the ring.
func PrepNop(sqe *Sqe) {
	prepRW(sqe, IORING_OP_NOP, -1, 0, 0, 0)
}
