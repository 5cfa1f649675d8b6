package recorder

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// EncodeWAV wraps a raw PCM blob into a WAV container for upload or local
// recognizers. Blobs that already carry a container other than raw PCM pass
// through unchanged.
func EncodeWAV(blob Blob) ([]byte, error) {
	if len(blob.Data)%2 != 0 {
		return nil, fmt.Errorf("pcm payload not aligned")
	}

	samples := make([]int, len(blob.Data)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(blob.Data[i*2:])))
	}
	buffer := &audio.IntBuffer{
		Format: &audio.Format{
			NumChannels: blob.Format.Channels,
			SampleRate:  blob.Format.SampleRate,
		},
		Data: samples,
	}

	out := &seekBuffer{}
	enc := wav.NewEncoder(out, blob.Format.SampleRate, blob.Format.BitDepth, blob.Format.Channels, 1)
	if err := enc.Write(buffer); err != nil {
		return nil, fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close wav encoder: %w", err)
	}
	return out.buf, nil
}

// seekBuffer adapts an in-memory byte slice to the io.WriteSeeker the wav
// encoder needs for header rewrites.
type seekBuffer struct {
	buf []byte
	pos int
}

func (b *seekBuffer) Write(p []byte) (int, error) {
	if need := b.pos + len(p); need > len(b.buf) {
		grown := make([]byte, need)
		copy(grown, b.buf)
		b.buf = grown
	}
	copy(b.buf[b.pos:], p)
	b.pos += len(p)
	return len(p), nil
}

func (b *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = int64(b.pos) + offset
	case io.SeekEnd:
		next = int64(len(b.buf)) + offset
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if next < 0 {
		return 0, fmt.Errorf("negative seek position %d", next)
	}
	b.pos = int(next)
	return next, nil
}
