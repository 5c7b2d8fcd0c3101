package session

// Result is one transcribed segment, ready for emission. Begin and End are
// seconds from stream start.
type Result struct {
	Begin float64 `json:"begin"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// reorderBuffer reassembles transcription results into begin-offset order.
// Segments are registered in the order their boundaries were detected
// (non-decreasing begin offsets) and complete in any order; a result is
// released only once every earlier offset has been released.
type reorderBuffer struct {
	expected []uint32          // begin offsets in detection order
	pending  map[uint32]Result // completed, not yet released
}

func newReorderBuffer() *reorderBuffer {
	return &reorderBuffer{pending: make(map[uint32]Result)}
}

// expect registers a segment's begin offset at dispatch time.
func (b *reorderBuffer) expect(beginMS uint32) {
	b.expected = append(b.expected, beginMS)
}

// complete stores a finished result and returns every result that is now
// releasable in order.
func (b *reorderBuffer) complete(beginMS uint32, r Result) []Result {
	b.pending[beginMS] = r

	var ready []Result
	for len(b.expected) > 0 {
		head := b.expected[0]
		result, ok := b.pending[head]
		if !ok {
			break
		}
		delete(b.pending, head)
		b.expected = b.expected[1:]
		ready = append(ready, result)
	}
	return ready
}

// outstanding reports how many registered segments have not been released.
func (b *reorderBuffer) outstanding() int {
	return len(b.expected)
}
