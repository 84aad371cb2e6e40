// Package registry owns the fixed resources the pipeline registers with the
// ring: one page-aligned slab split into per-file buffers, a sparse fixed
// file table and the backing paths.
package registry

import (
	"fmt"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-fixedio/internal/constants"
	"github.com/ehrlich-b/go-fixedio/internal/ioerr"
	"github.com/ehrlich-b/go-fixedio/internal/uring"
)

// Config describes the registered geometry
type Config struct {
	FileCount   int
	BufferSize  int
	FillByte    byte
	WorkDir     string
	FilePattern string
}

// Validate checks the geometry before anything is allocated
func (c Config) Validate() error {
	if c.FileCount < 1 || c.FileCount > constants.MaxFileCount {
		return ioerr.Newf("registry", ioerr.CodeInvalidParameters,
			"file count %d out of range [1, %d]", c.FileCount, constants.MaxFileCount)
	}
	if c.BufferSize < 1 || uint64(c.BufferSize) > constants.MaxBufferSize {
		return ioerr.Newf("registry", ioerr.CodeInvalidParameters,
			"buffer size %d out of range [1, %d]", c.BufferSize, uint64(constants.MaxBufferSize))
	}
	return nil
}

// Registry is created once per run and outlives every chain that references
// its buffers or paths.
type Registry struct {
	ring  uring.Ring
	cfg   Config
	slab  []byte
	bufs  [][]byte
	paths [][]byte

	registered bool
}

// Initialize maps the slab, fills it and registers buffers and a sparse file
// table with ring. On failure everything acquired so far is released.
func Initialize(ring uring.Ring, cfg Config) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.FilePattern == "" {
		cfg.FilePattern = constants.DefaultFilePattern
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = "."
	}
	dir, err := filepath.Abs(cfg.WorkDir)
	if err != nil {
		return nil, ioerr.Wrap("registry", err)
	}
	cfg.WorkDir = dir

	slab, err := unix.Mmap(-1, 0, cfg.FileCount*cfg.BufferSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, ioerr.Registration("mmap", err)
	}

	r := &Registry{ring: ring, cfg: cfg, slab: slab}
	r.bufs = make([][]byte, cfg.FileCount)
	r.paths = make([][]byte, cfg.FileCount)
	for i := range r.bufs {
		off := i * cfg.BufferSize
		r.bufs[i] = slab[off : off+cfg.BufferSize : off+cfg.BufferSize]
		r.paths[i] = append([]byte(filepath.Join(dir, fmt.Sprintf(cfg.FilePattern, i))), 0)
	}
	r.Fill()

	if err := ring.RegisterBuffers(r.bufs); err != nil {
		_ = unix.Munmap(slab)
		return nil, ioerr.Registration("register_buffers", err)
	}
	if err := ring.RegisterFiles(cfg.FileCount); err != nil {
		_ = ring.Unregister()
		_ = unix.Munmap(slab)
		return nil, ioerr.Registration("register_files", err)
	}
	r.registered = true
	return r, nil
}

func (r *Registry) FileCount() int      { return r.cfg.FileCount }
func (r *Registry) BufferSize() int     { return r.cfg.BufferSize }
func (r *Registry) FillByte() byte      { return r.cfg.FillByte }
func (r *Registry) WorkDir() string     { return r.cfg.WorkDir }
func (r *Registry) FullSpan() Span      { return Span{Offset: 0, Length: r.cfg.BufferSize} }
func (r *Registry) Buffer(i int) []byte { return r.bufs[i] }

// Region returns the part of buffer i covered by span.
func (r *Registry) Region(i int, s Span) []byte {
	return r.bufs[i][s.Offset:s.End()]
}

// Path returns the NUL-terminated backing path of slot i. The slice stays
// valid for the life of the registry.
func (r *Registry) Path(i int) []byte { return r.paths[i] }

// PathString returns the backing path of slot i without the terminator.
func (r *Registry) PathString(i int) string {
	p := r.paths[i]
	return string(p[:len(p)-1])
}

// Fill sets every byte of the slab to the fill byte.
func (r *Registry) Fill() {
	if len(r.slab) == 0 {
		return
	}
	r.slab[0] = r.cfg.FillByte
	for n := 1; n < len(r.slab); n *= 2 {
		copy(r.slab[n:], r.slab[:n])
	}
}

// Zero clears the slab so the read phase cannot see write-phase data.
func (r *Registry) Zero() {
	clear(r.slab)
}

// Close unregisters from the ring and unmaps the slab.
func (r *Registry) Close() error {
	var err error
	if r.registered {
		err = r.ring.Unregister()
		r.registered = false
	}
	if r.slab != nil {
		if uerr := unix.Munmap(r.slab); uerr != nil && err == nil {
			err = uerr
		}
		r.slab, r.bufs = nil, nil
	}
	return err
}
