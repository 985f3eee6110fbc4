//go:build unix

package buffer

import "golang.org/x/sys/unix"

// mmapRegion backs a Chain with an anonymous, private memory mapping, the
// literal realization of spec.md §3's "anonymous memory-mapped region".
type mmapRegion struct {
	b []byte
}

func newRegion(size int) (region, error) {
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}
	return &mmapRegion{b: b}, nil
}

func (m *mmapRegion) bytes() []byte { return m.b }

func (m *mmapRegion) release() error {
	if m.b == nil {
		return nil
	}
	err := unix.Munmap(m.b)
	m.b = nil
	return err
}
