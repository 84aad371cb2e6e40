// Package uapi provides the Linux io_uring UAPI definitions used by the pipeline
package uapi

// Setup/enter/register syscall numbers (amd64, arm64 share them)
const (
	SYS_IO_URING_SETUP    = 425
	SYS_IO_URING_ENTER    = 426
	SYS_IO_URING_REGISTER = 427
)

// mmap offsets for the shared rings
const (
	IORING_OFF_SQ_RING = 0
	IORING_OFF_CQ_RING = 0x8000000
	IORING_OFF_SQES    = 0x10000000
)

// Opcodes
const (
	IORING_OP_NOP          = 0
	IORING_OP_READV        = 1
	IORING_OP_WRITEV       = 2
	IORING_OP_FSYNC        = 3
	IORING_OP_READ_FIXED   = 4
	IORING_OP_WRITE_FIXED  = 5
	IORING_OP_OPENAT       = 18
	IORING_OP_CLOSE        = 19
	IORING_OP_FILES_UPDATE = 20
	IORING_OP_READ         = 22
	IORING_OP_WRITE        = 23
	IORING_OP_UNLINKAT     = 36

	IORING_OP_LAST = 58
)

// SQE flags
const (
	IOSQE_FIXED_FILE       = 1 << 0
	IOSQE_IO_DRAIN         = 1 << 1
	IOSQE_IO_LINK          = 1 << 2
	IOSQE_IO_HARDLINK      = 1 << 3
	IOSQE_ASYNC            = 1 << 4
	IOSQE_BUFFER_SELECT    = 1 << 5
	IOSQE_CQE_SKIP_SUCCESS = 1 << 6
)

// Feature bits reported in io_uring_params.features
const (
	IORING_FEAT_SINGLE_MMAP     = 1 << 0
	IORING_FEAT_NODROP          = 1 << 1
	IORING_FEAT_SUBMIT_STABLE   = 1 << 2
	IORING_FEAT_RW_CUR_POS      = 1 << 3
	IORING_FEAT_CUR_PERSONALITY = 1 << 4
	IORING_FEAT_FAST_POLL       = 1 << 5
	IORING_FEAT_POLL_32BITS     = 1 << 6
	IORING_FEAT_SQPOLL_NONFIXED = 1 << 7
	IORING_FEAT_EXT_ARG         = 1 << 8
	IORING_FEAT_NATIVE_WORKERS  = 1 << 9
	IORING_FEAT_RSRC_TAGS       = 1 << 10
	IORING_FEAT_CQE_SKIP        = 1 << 11
	IORING_FEAT_LINKED_FILE     = 1 << 12
)

// io_uring_enter flags
const (
	IORING_ENTER_GETEVENTS = 1 << 0
	IORING_ENTER_SQ_WAKEUP = 1 << 1
)

// io_uring_register opcodes
const (
	IORING_REGISTER_BUFFERS      = 0
	IORING_UNREGISTER_BUFFERS    = 1
	IORING_REGISTER_FILES        = 2
	IORING_UNREGISTER_FILES      = 3
	IORING_REGISTER_EVENTFD      = 4
	IORING_UNREGISTER_EVENTFD    = 5
	IORING_REGISTER_FILES_UPDATE = 6
	IORING_REGISTER_PROBE        = 8
)

// IO_URING_OP_SUPPORTED is set in io_uring_probe_op.flags for usable opcodes
const IO_URING_OP_SUPPORTED = 1 << 0

// IORING_FILE_INDEX_ALLOC asks the kernel to pick a free direct slot
const IORING_FILE_INDEX_ALLOC = ^uint32(0)

// AT_FDCWD as stored in an SQE fd field
const AT_FDCWD = -100

// OpName returns the liburing-style name of an opcode
func OpName(op uint8) string {
	switch op {
	case IORING_OP_NOP:
		return "nop"
	case IORING_OP_READV:
		return "readv"
	case IORING_OP_WRITEV:
		return "writev"
	case IORING_OP_FSYNC:
		return "fsync"
	case IORING_OP_READ_FIXED:
		return "read_fixed"
	case IORING_OP_WRITE_FIXED:
		return "write_fixed"
	case IORING_OP_OPENAT:
		return "openat"
	case IORING_OP_CLOSE:
		return "close"
	case IORING_OP_FILES_UPDATE:
		return "files_update"
	case IORING_OP_READ:
		return "read"
	case IORING_OP_WRITE:
		return "write"
	case IORING_OP_UNLINKAT:
		return "unlinkat"
	}
	return "unknown"
}
