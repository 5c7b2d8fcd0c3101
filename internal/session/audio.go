package session

import (
	"encoding/binary"
	"sync"
)

// ringBuffer keeps the most recent audio as i16 mono samples so that segment
// intervals reported by the segmentation node can be cut out and re-encoded
// for transcription. Offsets are milliseconds from stream start; samples that
// have already rotated out of the buffer clamp to its oldest frame.
type ringBuffer struct {
	sampleRate int

	mu      sync.Mutex
	samples []int16
	start   int // index of the oldest sample
	length  int
	pushed  uint64 // total samples ever pushed
}

func newRingBuffer(sampleRate int, capacityMS int) *ringBuffer {
	return &ringBuffer{
		sampleRate: sampleRate,
		samples:    make([]int16, sampleRate/1000*capacityMS),
	}
}

// push appends little-endian i16 PCM bytes. A trailing odd byte is dropped.
func (r *ringBuffer) push(pcm []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := 0; i+1 < len(pcm); i += 2 {
		sample := int16(binary.LittleEndian.Uint16(pcm[i:]))
		if r.length == len(r.samples) {
			r.samples[r.start] = sample
			r.start = (r.start + 1) % len(r.samples)
		} else {
			r.samples[(r.start+r.length)%len(r.samples)] = sample
			r.length++
		}
		r.pushed++
	}
}

// durationMS returns the total audio pushed so far, in milliseconds.
func (r *ringBuffer) durationMS() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pushed * 1000 / uint64(r.sampleRate)
}

// extractWAV cuts the [beginMS, endMS) interval out of the buffer and wraps
// it in a PCM WAV container.
func (r *ringBuffer) extractWAV(beginMS, endMS uint32) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	frameOffset := r.pushed - uint64(r.length)
	msSamples := uint64(r.sampleRate) / 1000

	index := func(ms uint32) int {
		abs := uint64(ms) * msSamples
		if abs < frameOffset {
			abs = frameOffset
		}
		rel := abs - frameOffset
		if rel > uint64(r.length) {
			rel = uint64(r.length)
		}
		return int(rel)
	}

	from, to := index(beginMS), index(endMS)
	if to < from {
		to = from
	}

	pcm := make([]byte, 0, (to-from)*2)
	for i := from; i < to; i++ {
		sample := r.samples[(r.start+i)%len(r.samples)]
		pcm = binary.LittleEndian.AppendUint16(pcm, uint16(sample))
	}
	return wrapWAV(pcm, r.sampleRate)
}

// wrapWAV prefixes raw i16 mono PCM with a 44-byte RIFF/WAVE header.
func wrapWAV(pcm []byte, sampleRate int) []byte {
	const headerSize = 44
	const bitsPerSample = 16
	const channels = 1

	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8

	buf := make([]byte, 0, headerSize+len(pcm))
	buf = append(buf, "RIFF"...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(36+len(pcm)))
	buf = append(buf, "WAVE"...)
	buf = append(buf, "fmt "...)
	buf = binary.LittleEndian.AppendUint32(buf, 16) // fmt chunk size
	buf = binary.LittleEndian.AppendUint16(buf, 1)  // PCM
	buf = binary.LittleEndian.AppendUint16(buf, channels)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(sampleRate))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(byteRate))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(blockAlign))
	buf = binary.LittleEndian.AppendUint16(buf, bitsPerSample)
	buf = append(buf, "data"...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(pcm)))
	buf = append(buf, pcm...)
	return buf
}
