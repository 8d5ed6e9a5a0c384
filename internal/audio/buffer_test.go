package audio

import (
	"encoding/binary"
	"math"
	"testing"
)

func TestRingBufferAppendAndTail(t *testing.T) {
	r := NewRingBuffer(1.0, 10) // capacity 10 samples
	r.Append([]float32{1, 2, 3, 4, 5})
	tail := r.Tail(1.0)
	if len(tail) != 5 {
		t.Fatalf("len(tail) = %d, want 5", len(tail))
	}
	for i, v := range []float32{1, 2, 3, 4, 5} {
		if tail[i] != v {
			t.Fatalf("tail[%d] = %v, want %v", i, tail[i], v)
		}
	}
}

func TestRingBufferWrapsOnOverflow(t *testing.T) {
	r := NewRingBuffer(1.0, 5)
	r.Append([]float32{1, 2, 3})
	r.Append([]float32{4, 5, 6})
	tail := r.Tail(1.0)
	want := []float32{2, 3, 4, 5, 6}
	if len(tail) != len(want) {
		t.Fatalf("len(tail) = %d, want %d", len(tail), len(want))
	}
	for i := range want {
		if tail[i] != want[i] {
			t.Fatalf("tail[%d] = %v, want %v", i, tail[i], want[i])
		}
	}
}

func TestRingBufferChunkLargerThanCapacity(t *testing.T) {
	r := NewRingBuffer(1.0, 4)
	r.Append([]float32{1, 2, 3, 4, 5, 6})
	tail := r.Tail(1.0)
	want := []float32{3, 4, 5, 6}
	if len(tail) != len(want) {
		t.Fatalf("len(tail) = %d, want %d", len(tail), len(want))
	}
	for i := range want {
		if tail[i] != want[i] {
			t.Fatalf("tail[%d] = %v, want %v", i, tail[i], want[i])
		}
	}
}

func TestRingBufferTailClippedToAvailable(t *testing.T) {
	r := NewRingBuffer(1.0, 100)
	r.Append([]float32{1, 2, 3})
	tail := r.Tail(1.0)
	if len(tail) != 3 {
		t.Fatalf("len(tail) = %d, want 3", len(tail))
	}
}

func TestRingBufferAppendPCM16(t *testing.T) {
	r := NewRingBuffer(1.0, 10)
	raw := make([]byte, 4)
	var posSample, negSample int16 = 16384, -16384
	binary.LittleEndian.PutUint16(raw[0:2], uint16(posSample))
	binary.LittleEndian.PutUint16(raw[2:4], uint16(negSample))
	r.AppendPCM16(raw)
	tail := r.Tail(1.0)
	if len(tail) != 2 {
		t.Fatalf("len(tail) = %d, want 2", len(tail))
	}
	if math.Abs(float64(tail[0])-0.5) > 1e-6 {
		t.Fatalf("tail[0] = %v, want ~0.5", tail[0])
	}
	if math.Abs(float64(tail[1])+0.5) > 1e-6 {
		t.Fatalf("tail[1] = %v, want ~-0.5", tail[1])
	}
}

func TestRingBufferNoDataReturnsNil(t *testing.T) {
	r := NewRingBuffer(1.0, 10)
	if tail := r.Tail(1.0); tail != nil {
		t.Fatalf("Tail() = %v, want nil", tail)
	}
}

func TestRMS(t *testing.T) {
	if v := RMS(nil); v != 0 {
		t.Fatalf("RMS(nil) = %v, want 0", v)
	}
	v := RMS([]float32{0.5, -0.5})
	if math.Abs(v-0.5) > 1e-6 {
		t.Fatalf("RMS = %v, want 0.5", v)
	}
}

func TestRingBufferReset(t *testing.T) {
	r := NewRingBuffer(1.0, 10)
	r.Append([]float32{1, 2, 3})
	r.Reset()
	if tail := r.Tail(1.0); tail != nil {
		t.Fatalf("Tail() after Reset() = %v, want nil", tail)
	}
	if r.TotalSamplesWritten() != 0 {
		t.Fatalf("TotalSamplesWritten() = %d, want 0", r.TotalSamplesWritten())
	}
}
