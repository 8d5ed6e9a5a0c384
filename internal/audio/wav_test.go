package audio

import (
	"encoding/binary"
	"math"
	"testing"
)

func TestEncodeWAVFloat32ProducesValidRIFFHeader(t *testing.T) {
	samples := make([]float32, 100)
	data, err := EncodeWAVFloat32(samples, 16000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(data) < 44 {
		t.Fatalf("WAV too short: %d bytes", len(data))
	}
	if string(data[:4]) != "RIFF" {
		t.Errorf("missing RIFF header")
	}
	if string(data[8:12]) != "WAVE" {
		t.Errorf("missing WAVE identifier")
	}
	sampleRate := binary.LittleEndian.Uint32(data[24:28])
	numChans := binary.LittleEndian.Uint16(data[22:24])
	bitDepth := binary.LittleEndian.Uint16(data[34:36])
	if sampleRate != 16000 {
		t.Errorf("sample rate = %d, want 16000", sampleRate)
	}
	if numChans != 1 {
		t.Errorf("channels = %d, want 1", numChans)
	}
	if bitDepth != 16 {
		t.Errorf("bit depth = %d, want 16", bitDepth)
	}
}

func TestEncodeWAVFloat32DefaultsSampleRate(t *testing.T) {
	data, err := EncodeWAVFloat32([]float32{0, 0.1, -0.1}, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sampleRate := binary.LittleEndian.Uint32(data[24:28])
	if sampleRate != 16000 {
		t.Errorf("sample rate = %d, want default 16000", sampleRate)
	}
}

func TestEncodeWAVFloat32DecodesBackViaPCM16(t *testing.T) {
	// 16-bit quantization introduces error up to ~1/32768.
	original := []float32{0.0, 0.5, -0.5, 1.0, -1.0}
	data, err := EncodeWAVFloat32(original, 24000)
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}

	pcm16 := FloatToPCM16LE(original)
	decoded := make([]float32, len(pcm16)/2)
	for i := range decoded {
		v := int16(binary.LittleEndian.Uint16(pcm16[i*2:]))
		decoded[i] = float32(v) / 32767.0
	}

	const tolerance = 1.0 / 32768.0 * 2
	for i, want := range original {
		if math.Abs(float64(decoded[i]-want)) > tolerance {
			t.Errorf("sample[%d] = %f, want %f (tolerance %f)", i, decoded[i], want, tolerance)
		}
	}
	if len(data) < 44+len(original)*2 {
		t.Fatalf("encoded WAV shorter than expected: %d bytes", len(data))
	}
}

func TestFloatToPCM16LEClampsOutOfRangeSamples(t *testing.T) {
	pcm := FloatToPCM16LE([]float32{2.0, -2.0})
	if len(pcm) != 4 {
		t.Fatalf("len(pcm) = %d, want 4", len(pcm))
	}
	max := int16(binary.LittleEndian.Uint16(pcm[0:2]))
	min := int16(binary.LittleEndian.Uint16(pcm[2:4]))
	if max != 32767 {
		t.Errorf("clamped max = %d, want 32767", max)
	}
	if min != -32767 {
		t.Errorf("clamped min = %d, want -32767", min)
	}
}
