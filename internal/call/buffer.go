package call

import "github.com/pion/webrtc/v4"

// CandidateSink accepts remote candidates; PeerHandle satisfies it.
type CandidateSink interface {
	AddICECandidate(candidate webrtc.ICECandidateInit) error
}

// Buffer holds remote candidates that arrived before the remote description
// was applied. It is not safe for concurrent use; the owning Session guards it.
type Buffer struct {
	items []webrtc.ICECandidateInit
}

// NewBuffer creates an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// Enqueue appends a candidate in arrival order.
func (b *Buffer) Enqueue(c webrtc.ICECandidateInit) {
	b.items = append(b.items, c)
}

// Len returns the number of buffered candidates.
func (b *Buffer) Len() int {
	return len(b.items)
}

// Reset discards all buffered candidates.
func (b *Buffer) Reset() {
	b.items = nil
}

// DrainInto applies every buffered candidate to sink in FIFO order and
// empties the buffer. A rejected candidate does not stop the drain; its
// error is returned alongside the others.
func (b *Buffer) DrainInto(sink CandidateSink) []error {
	items := b.items
	b.items = nil

	var errs []error
	for _, c := range items {
		if err := sink.AddICECandidate(c); err != nil {
			errs = append(errs, &CandidateApplicationError{Candidate: c.Candidate, Err: err})
		}
	}
	return errs
}
