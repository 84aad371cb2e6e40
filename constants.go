package fixedio

import "github.com/ehrlich-b/go-fixedio/internal/constants"

// Re-export constants for public API
const (
	DefaultFileCount   = constants.DefaultFileCount
	DefaultBufferSize  = constants.DefaultBufferSize
	DefaultFillByte    = constants.DefaultFillByte
	DefaultFilePattern = constants.DefaultFilePattern
	QueueDepthFactor   = constants.QueueDepthFactor
	DefaultMaxRetries  = constants.DefaultMaxRetries
)
