// Package audio frames raw PCM for playback and buffers captured chunks.
package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// PlaybackSampleRate is the rate of synthesized speech.
	PlaybackSampleRate = 24000
	// DefaultCaptureSampleRate is the microphone rate unless configured.
	DefaultCaptureSampleRate = 16000
	// BitsPerSample is fixed for capture and playback.
	BitsPerSample = 16
	// HeaderSize is the size of the canonical PCM WAV header.
	HeaderSize = 44
)

// ErrInvalidFormat is returned for formats that cannot be framed.
var ErrInvalidFormat = errors.New("invalid audio format")

// Format describes linear PCM.
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// PlaybackFormat is 24 kHz mono 16-bit.
func PlaybackFormat() Format {
	return Format{SampleRate: PlaybackSampleRate, Channels: 1, BitsPerSample: BitsPerSample}
}

// CaptureFormat returns the mono 16-bit capture format. Only 16 kHz and
// 24 kHz are accepted.
func CaptureFormat(sampleRate int) (Format, error) {
	if sampleRate != 16000 && sampleRate != 24000 {
		return Format{}, fmt.Errorf("%w: capture sample rate %d", ErrInvalidFormat, sampleRate)
	}
	return Format{SampleRate: sampleRate, Channels: 1, BitsPerSample: BitsPerSample}, nil
}

// Validate checks that the format describes whole-byte PCM.
func (f Format) Validate() error {
	switch {
	case f.SampleRate <= 0:
		return fmt.Errorf("%w: sample rate %d", ErrInvalidFormat, f.SampleRate)
	case f.Channels <= 0 || f.Channels > 0xFFFF:
		return fmt.Errorf("%w: channels %d", ErrInvalidFormat, f.Channels)
	case f.BitsPerSample <= 0 || f.BitsPerSample%8 != 0:
		return fmt.Errorf("%w: bits per sample %d", ErrInvalidFormat, f.BitsPerSample)
	}
	return nil
}

// BlockAlign is the size of one frame in bytes.
func (f Format) BlockAlign() int {
	return f.Channels * f.BitsPerSample / 8
}

// ByteRate is the number of bytes per second.
func (f Format) ByteRate() int {
	return f.SampleRate * f.BlockAlign()
}

// header mirrors the 44-byte RIFF/WAVE layout.
type header struct {
	ChunkID       [4]byte
	ChunkSize     uint32
	Format        [4]byte
	Subchunk1ID   [4]byte
	Subchunk1Size uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte
	Subchunk2Size uint32
}

// WriteHeader writes a canonical PCM WAV header for dataLen bytes of samples.
func WriteHeader(w io.Writer, f Format, dataLen int) error {
	if err := f.Validate(); err != nil {
		return err
	}
	if dataLen < 0 || uint64(dataLen)+36 > 0xFFFFFFFF {
		return fmt.Errorf("%w: data length %d", ErrInvalidFormat, dataLen)
	}
	h := header{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     uint32(dataLen + 36),
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   uint16(f.Channels),
		SampleRate:    uint32(f.SampleRate),
		ByteRate:      uint32(f.ByteRate()),
		BlockAlign:    uint16(f.BlockAlign()),
		BitsPerSample: uint16(f.BitsPerSample),
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: uint32(dataLen),
	}
	if err := binary.Write(w, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("write wav header: %w", err)
	}
	return nil
}

// EncodeWAV prepends a WAV header to pcm. A trailing partial frame is
// rejected.
func EncodeWAV(pcm []byte, f Format) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if len(pcm)%f.BlockAlign() != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a whole number of %d-byte frames",
			ErrInvalidFormat, len(pcm), f.BlockAlign())
	}
	var buf bytes.Buffer
	buf.Grow(HeaderSize + len(pcm))
	if err := WriteHeader(&buf, f, len(pcm)); err != nil {
		return nil, err
	}
	buf.Write(pcm)
	return buf.Bytes(), nil
}

// Duration returns the playback length of pcm in seconds.
func (f Format) Duration(pcmLen int) float64 {
	if f.ByteRate() == 0 {
		return 0
	}
	return float64(pcmLen) / float64(f.ByteRate())
}
