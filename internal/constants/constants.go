package constants

// Default workload geometry
const (
	// DefaultFileCount is the number of files the round trip creates
	DefaultFileCount = 4

	// DefaultBufferSize is the size of each registered buffer and file (16MiB)
	DefaultBufferSize = 16 << 20

	// DefaultFillByte is the value written to every byte of every file
	DefaultFillByte = 2

	// DefaultFilePattern names the files inside the work directory
	DefaultFilePattern = "testdatafile%d.txt"

	// DefaultFileMode is the permission of created files
	DefaultFileMode = 0o600
)

// Chain shape
const (
	// WriteChainOps is open, write, close
	WriteChainOps = 3

	// ReadChainOps is open, read, close, unlink
	ReadChainOps = 4

	// MaxChainOps bounds any chain, continuations included
	MaxChainOps = 4

	// QueueDepthFactor sizes the ring per file when no depth is configured
	QueueDepthFactor = 7
)

// Limits
const (
	// MaxBufferSize is the largest transfer a completion result can report
	MaxBufferSize = 1<<31 - 1

	// MaxFileCount is the kernel's limit on registered buffers
	MaxFileCount = 1 << 14

	// MaxQueueDepth is the kernel's limit on submission queue entries
	MaxQueueDepth = 1 << 15

	// DefaultMaxRetries caps continuation chains per file
	DefaultMaxRetries = 32
)
