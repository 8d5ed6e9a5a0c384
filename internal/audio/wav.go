package audio

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/cwbudde/wav"
	goaudio "github.com/go-audio/audio"
)

// EncodeWAVFloat32 encodes mono float32 PCM samples in [-1, 1] as a 16-bit
// PCM WAV byte slice, the format whisper.cpp's CLI/server cascade and the
// Kokoro worker both expect on their file/HTTP boundaries.
func EncodeWAVFloat32(samples []float32, sampleRate int) ([]byte, error) {
	var buf bytes.Buffer
	sw := &seekBuffer{buf: &buf}
	if err := encodeWAVFloat32To(sw, samples, sampleRate); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteWAVFloat32File writes mono float32 PCM samples to path as a 16-bit
// PCM WAV file.
func WriteWAVFloat32File(path string, samples []float32, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return encodeWAVFloat32To(f, samples, sampleRate)
}

func encodeWAVFloat32To(w io.WriteSeeker, samples []float32, sampleRate int) error {
	const bitDepth = 16
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	enc := wav.NewEncoder(w, sampleRate, bitDepth, 1, 1) // 1 = PCM
	pcmBuf := &goaudio.Float32Buffer{
		Data:           samples,
		Format:         &goaudio.Format{SampleRate: sampleRate, NumChannels: 1},
		SourceBitDepth: bitDepth,
	}
	if err := enc.Write(pcmBuf); err != nil {
		return fmt.Errorf("writing PCM: %w", err)
	}
	return enc.Close()
}

// seekBuffer wraps a bytes.Buffer to satisfy io.WriteSeeker: wav.NewEncoder
// seeks back to patch the RIFF/data chunk sizes once the sample count is
// known, and bytes.Buffer alone can't do that.
type seekBuffer struct {
	buf *bytes.Buffer
	pos int
}

func (s *seekBuffer) Write(p []byte) (int, error) {
	if s.pos == s.buf.Len() {
		n, err := s.buf.Write(p)
		s.pos += n
		return n, err
	}
	data := s.buf.Bytes()
	n := copy(data[s.pos:], p)
	if n < len(p) {
		data = append(data, p[n:]...)
		s.buf.Reset()
		s.buf.Write(data)
		n = len(p)
	}
	s.pos += n
	return n, nil
}

func (s *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	var newPos int
	switch whence {
	case io.SeekStart:
		newPos = int(offset)
	case io.SeekCurrent:
		newPos = s.pos + int(offset)
	case io.SeekEnd:
		newPos = s.buf.Len() + int(offset)
	}
	if newPos < 0 {
		return 0, fmt.Errorf("seek before start")
	}
	s.pos = newPos
	return int64(newPos), nil
}

// FloatToPCM16LE converts normalized float32 samples in [-1, 1] to PCM16LE
// bytes. Used for the outbound tts_audio_chunk frames, which carry raw
// PCM16 rather than a WAV container.
func FloatToPCM16LE(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		v := int16(s * 32767.0)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}
