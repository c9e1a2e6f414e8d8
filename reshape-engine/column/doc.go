// Package column provides the chunk-level building blocks shared by the
// reshaping functions: rechunking, chunk-boundary alignment, list chunk access,
// and zero-copy views over shared int64 buffers.
//
// Every helper follows arrow-go reference counting: arrays returned to the
// caller carry their own reference and must be released.
package column
