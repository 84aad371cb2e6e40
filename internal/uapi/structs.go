package uapi

import "unsafe"

// Sqe is the 64-byte io_uring submission queue entry.
type Sqe struct {
	Opcode      uint8
	Flags       uint8
	IoPrio      uint16
	Fd          int32
	Off         uint64 // off / addr2
	Addr        uint64 // addr / splice_off_in
	Len         uint32
	OpFlags     uint32 // open_flags / rw_flags / unlink_flags
	UserData    uint64
	BufIndex    uint16 // buf_index / buf_group
	Personality uint16
	FileIndex   uint32 // file_index / splice_fd_in
	Addr3       uint64
	_           uint64
}

// Cqe is the 16-byte completion queue entry.
type Cqe struct {
	UserData uint64
	Res      int32
	Flags    uint32
}

// SqringOffsets locates the submission ring fields inside the SQ mapping.
type SqringOffsets struct {
	Head        uint32
	Tail        uint32
	RingMask    uint32
	RingEntries uint32
	Flags       uint32
	Dropped     uint32
	Array       uint32
	Resv1       uint32
	UserAddr    uint64
}

// CqringOffsets locates the completion ring fields inside the CQ mapping.
type CqringOffsets struct {
	Head        uint32
	Tail        uint32
	RingMask    uint32
	RingEntries uint32
	Overflow    uint32
	Cqes        uint32
	Flags       uint32
	Resv1       uint32
	UserAddr    uint64
}

// Params is passed to io_uring_setup and filled in by the kernel.
type Params struct {
	SqEntries    uint32
	CqEntries    uint32
	Flags        uint32
	SqThreadCPU  uint32
	SqThreadIdle uint32
	Features     uint32
	WqFd         uint32
	Resv         [3]uint32
	SqOff        SqringOffsets
	CqOff        CqringOffsets
}

// ProbeOp is one io_uring_probe_op entry.
type ProbeOp struct {
	Op    uint8
	Resv  uint8
	Flags uint16
	Resv2 uint32
}

// Probe is io_uring_probe with room for every opcode the kernel can report.
type Probe struct {
	LastOp uint8
	OpsLen uint8
	Resv   uint16
	Resv2  [3]uint32
	Ops    [256]ProbeOp
}

// Supported reports whether the kernel marked op as usable.
func (p *Probe) Supported(op uint8) bool {
	if op > p.LastOp || int(op) >= int(p.OpsLen) {
		return false
	}
	return p.Ops[op].Flags&IO_URING_OP_SUPPORTED != 0
}

const (
	SizeofSqe    = unsafe.Sizeof(Sqe{})
	SizeofCqe    = unsafe.Sizeof(Cqe{})
	SizeofParams = unsafe.Sizeof(Params{})
	SizeofProbe  = unsafe.Sizeof(Probe{})
)
