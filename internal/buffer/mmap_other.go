//go:build !unix

package buffer

// heapRegion backs a Chain with a plain heap-allocated slice on platforms
// without an anonymous-mmap syscall. Functionally equivalent for this
// core's purposes: the Chain never resizes the region, so a slice and a
// mapping behave identically from the caller's point of view.
type heapRegion struct {
	b []byte
}

func newRegion(size int) (region, error) {
	return &heapRegion{b: make([]byte, size)}, nil
}

func (h *heapRegion) bytes() []byte { return h.b }

func (h *heapRegion) release() error {
	h.b = nil
	return nil
}
