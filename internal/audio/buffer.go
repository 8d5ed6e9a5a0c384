package audio

import (
	"encoding/binary"
	"math"
	"sync"
)

// RingBuffer is a thread-safe circular buffer of float32 PCM samples
// normalized to [-1, 1], used by the ASR worker for sliding-window
// transcription. Samples are contiguous in producer time order; when full,
// appending evicts the oldest samples.
type RingBuffer struct {
	mu         sync.Mutex
	sampleRate int
	buf        []float32
	writePos   int64 // total samples written, monotone
}

// NewRingBuffer allocates a ring sized for maxDurationSeconds of audio at
// sampleRate samples/sec.
func NewRingBuffer(maxDurationSeconds float64, sampleRate int) *RingBuffer {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	capacity := int(maxDurationSeconds * float64(sampleRate))
	if capacity <= 0 {
		capacity = sampleRate
	}
	return &RingBuffer{
		sampleRate: sampleRate,
		buf:        make([]float32, capacity),
	}
}

// Append copies float32 samples into the ring, evicting the oldest samples
// from the head if capacity is exceeded. Never fails.
func (r *RingBuffer) Append(samples []float32) {
	if len(samples) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(samples)
	capacity := len(r.buf)
	if n >= capacity {
		r.writePos += int64(n)
		start := int(r.writePos % int64(capacity))
		last := samples[n-capacity:]
		copy(r.buf[start:], last[:capacity-start])
		copy(r.buf[:start], last[capacity-start:])
		return
	}
	start := int(r.writePos % int64(capacity))
	end := start + n
	if end <= capacity {
		copy(r.buf[start:end], samples)
	} else {
		first := capacity - start
		copy(r.buf[start:], samples[:first])
		copy(r.buf[:n-first], samples[first:])
	}
	r.writePos += int64(n)
}

// AppendPCM16 converts little-endian PCM16 bytes to float32 in [-1, 1] and
// appends them.
func (r *RingBuffer) AppendPCM16(pcm16 []byte) {
	n := len(pcm16) / 2
	if n == 0 {
		return
	}
	samples := make([]float32, n)
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(pcm16[i*2 : i*2+2]))
		samples[i] = float32(v) / 32768.0
	}
	r.Append(samples)
}

// Tail returns a copy of the most recent durationSeconds of audio, clipped
// to available content. Returns nil if nothing has been written yet.
func (r *RingBuffer) Tail(durationSeconds float64) []float32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	totalWritten := r.writePos
	if totalWritten == 0 {
		return nil
	}
	capacity := int64(len(r.buf))
	want := int64(durationSeconds * float64(r.sampleRate))
	if want > totalWritten {
		want = totalWritten
	}
	if want > capacity {
		want = capacity
	}
	if want <= 0 {
		return nil
	}

	end := totalWritten % capacity
	start := end - want
	out := make([]float32, want)
	if start >= 0 {
		copy(out, r.buf[start:end])
	} else {
		first := r.buf[capacity+start:]
		copy(out, first)
		copy(out[len(first):], r.buf[:end])
	}
	return out
}

// TotalSamplesWritten returns the monotone count of samples ever appended.
func (r *RingBuffer) TotalSamplesWritten() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writePos
}

// DurationAvailableSeconds returns how much audio is currently retrievable.
func (r *RingBuffer) DurationAvailableSeconds() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	available := r.writePos
	if available > int64(len(r.buf)) {
		available = int64(len(r.buf))
	}
	return float64(available) / float64(r.sampleRate)
}

// RMS returns the root-mean-square energy of samples, used as a cheap
// silence gate before invoking the ASR worker.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Reset clears the buffer and write position.
func (r *RingBuffer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.buf {
		r.buf[i] = 0
	}
	r.writePos = 0
}
