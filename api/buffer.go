// Package api
// Author: momentics
//
// Caller-owned I/O buffers for the tuner read path.
//
// The dataplane only writes within len(Data) and never keeps a reference
// to Data once the call that received it returns.

package api

// Flags annotate what landed in an IoBuffer.
type Flags uint32

const (
	// FlagOutOfBand marks a buffer that received a marker record rather
	// than ordinary payload.
	FlagOutOfBand Flags = 1 << iota
	// FlagTruncated marks a datagram that did not fit the buffer.
	FlagTruncated
)

// Has reports whether all bits of f2 are set.
func (f Flags) Has(f2 Flags) bool { return f&f2 == f2 }

// IoBuffer describes one destination slot of a multi-buffer read.
type IoBuffer struct {
	// Data is the caller-owned backing storage; its length is the capacity.
	Data []byte
	// Len is the number of bytes written (out).
	Len int
	// Flags describe the record written (out).
	Flags Flags
}

// Cap returns the declared capacity of the buffer.
func (b *IoBuffer) Cap() int { return len(b.Data) }

// Reset marks the buffer empty.
func (b *IoBuffer) Reset() {
	b.Len = 0
	b.Flags = 0
}

// Bytes returns the written portion of Data.
func (b *IoBuffer) Bytes() []byte { return b.Data[:b.Len] }

// Fill copies one record into the buffer, truncating if needed, and
// returns the number of bytes copied.
func (b *IoBuffer) Fill(payload []byte, flags Flags) int {
	n := copy(b.Data, payload)
	if n < len(payload) {
		flags |= FlagTruncated
	}
	b.Len = n
	b.Flags = flags
	return n
}

// NewIoBuffers allocates n buffers of size bytes each.
func NewIoBuffers(n, size int) []IoBuffer {
	backing := make([]byte, n*size)
	bufs := make([]IoBuffer, n)
	for i := range bufs {
		bufs[i].Data = backing[i*size : (i+1)*size : (i+1)*size]
	}
	return bufs
}
