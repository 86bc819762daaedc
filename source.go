package seekable

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// byteSource is a random-access view over a contiguous range of compressed
// bytes with a known length. It is the opaque byte-range provider the rest
// of this package treats file opening and memory mapping as.
type byteSource interface {
	// ReadAt copies len(p) bytes starting at off into p.
	ReadAt(p []byte, off int64) error
	// Size returns the total number of addressable bytes.
	Size() int64
	// Close releases any resources the source owns (mapping, fd).
	Close() error
}

// bufferSource borrows a caller-supplied, in-memory byte slice. It does not
// own the memory and must not outlive it.
type bufferSource struct {
	buf []byte
}

func newBufferSource(buf []byte) *bufferSource {
	return &bufferSource{buf: buf}
}

func (s *bufferSource) ReadAt(p []byte, off int64) error {
	if off < 0 || off+int64(len(p)) > int64(len(s.buf)) {
		return fmt.Errorf("read out of range: off=%d len=%d size=%d", off, len(p), len(s.buf))
	}
	copy(p, s.buf[off:off+int64(len(p))])
	return nil
}

func (s *bufferSource) Size() int64  { return int64(len(s.buf)) }
func (s *bufferSource) Close() error { return nil }

// ownership tags what a mappedSource must release on Close. Modeled as a
// small enum rather than two parallel booleans, since the two bits of state
// are not independent: owning the fd implies owning the mapping.
type ownership int

const (
	// ownsMapping: the mapping was created by this package and must be
	// unmapped on Close, but the underlying fd was supplied by the caller
	// and must not be closed.
	ownsMapping ownership = iota
	// ownsMappingAndFd: both the mapping and the fd (opened from a path)
	// belong to this package and must be released together.
	ownsMappingAndFd
)

// mappedSource is a memory-mapped, read-only view over a file or file
// descriptor, backing the path- and fd-based Context factories.
type mappedSource struct {
	data []byte
	fd   int
	own  ownership
}

func newMappedSourceFromPath(path string) (*mappedSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}

	ms, err := mapFd(int(f.Fd()))
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	ms.own = ownsMappingAndFd
	return ms, nil
}

func newMappedSourceFromFd(fd int) (*mappedSource, error) {
	ms, err := mapFd(fd)
	if err != nil {
		return nil, err
	}
	ms.own = ownsMapping
	return ms, nil
}

func mapFd(fd int) (*mappedSource, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, fmt.Errorf("fstat: %w", err)
	}

	size := st.Size
	if size == 0 {
		return &mappedSource{fd: fd}, nil
	}

	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return &mappedSource{data: data, fd: fd}, nil
}

func (s *mappedSource) ReadAt(p []byte, off int64) error {
	if off < 0 || off+int64(len(p)) > int64(len(s.data)) {
		return fmt.Errorf("read out of range: off=%d len=%d size=%d", off, len(p), len(s.data))
	}
	copy(p, s.data[off:off+int64(len(p))])
	return nil
}

func (s *mappedSource) Size() int64 { return int64(len(s.data)) }

// fileno returns the descriptor associated with this source, for Context.Fileno.
// Present regardless of ownership (even the not-owned-fd case still has a
// meaningful fd number to report); only Close's behavior differs by own.
func (s *mappedSource) fileno() int {
	return s.fd
}

func (s *mappedSource) Close() error {
	var errs []error
	if s.data != nil {
		if err := unix.Munmap(s.data); err != nil {
			errs = append(errs, fmt.Errorf("munmap: %w", err))
		}
	}
	if s.own == ownsMappingAndFd {
		if err := unix.Close(s.fd); err != nil {
			errs = append(errs, fmt.Errorf("close: %w", err))
		}
	}
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	default:
		return fmt.Errorf("%v", errs)
	}
}

var (
	_ byteSource = (*bufferSource)(nil)
	_ byteSource = (*mappedSource)(nil)
)
