package transcode

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// wavFormat mirrors the fields of a PCM "fmt " chunk.
type wavFormat struct {
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
}

// EncodeWAV wraps 16-bit little-endian mono samples in a canonical 44-byte header.
func EncodeWAV(samples []byte, sampleRate int) ([]byte, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}
	if len(samples)%2 != 0 {
		return nil, fmt.Errorf("16-bit PCM must have an even byte count, got %d", len(samples))
	}

	dataSize := uint32(len(samples))
	buf := bytes.NewBuffer(make([]byte, 0, 44+len(samples)))

	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, 36+dataSize)
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, wavFormat{
		AudioFormat:   1,
		NumChannels:   1,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * 2,
		BlockAlign:    2,
		BitsPerSample: 16,
	})
	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, dataSize)
	buf.Write(samples)

	return buf.Bytes(), nil
}

// DecodeWAV walks the RIFF chunks and returns the PCM payload.
// Only mono 16-bit PCM is accepted. Extra chunks (LIST, fact) are skipped.
func DecodeWAV(data []byte) (PCM, error) {
	if len(data) < 12 {
		return PCM{}, fmt.Errorf("%w: WAV data too short (%d bytes)", ErrUnsupportedAudio, len(data))
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return PCM{}, fmt.Errorf("%w: missing RIFF/WAVE header", ErrUnsupportedAudio)
	}

	var (
		format    *wavFormat
		pcm       []byte
		foundData bool
	)

	off := 12
	for off+8 <= len(data) {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		end := body + size
		if end > len(data) {
			// Streamed WAVs may carry a bogus data size; take what is there.
			if id != "data" {
				return PCM{}, fmt.Errorf("%w: truncated %q chunk", ErrUnsupportedAudio, id)
			}
			end = len(data)
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return PCM{}, fmt.Errorf("%w: fmt chunk too short", ErrUnsupportedAudio)
			}
			var f wavFormat
			if err := binary.Read(bytes.NewReader(data[body:body+16]), binary.LittleEndian, &f); err != nil {
				return PCM{}, fmt.Errorf("%w: read fmt chunk: %v", ErrUnsupportedAudio, err)
			}
			format = &f
		case "data":
			pcm = data[body:end]
			foundData = true
		}

		// chunks are word aligned
		off = end + size%2
		if foundData && format != nil {
			break
		}
	}

	if format == nil {
		return PCM{}, fmt.Errorf("%w: missing fmt chunk", ErrUnsupportedAudio)
	}
	if !foundData {
		return PCM{}, fmt.Errorf("%w: missing data chunk", ErrUnsupportedAudio)
	}
	if format.AudioFormat != 1 {
		return PCM{}, fmt.Errorf("%w: audio format %d (only PCM is supported)", ErrUnsupportedAudio, format.AudioFormat)
	}
	if format.BitsPerSample != 16 {
		return PCM{}, fmt.Errorf("%w: bit depth %d (only 16-bit is supported)", ErrUnsupportedAudio, format.BitsPerSample)
	}
	if format.NumChannels != 1 {
		return PCM{}, fmt.Errorf("%w: %d channels (only mono is supported)", ErrUnsupportedAudio, format.NumChannels)
	}

	samples := make([]byte, len(pcm)-len(pcm)%2)
	copy(samples, pcm)
	return PCM{Samples: samples, SampleRate: int(format.SampleRate)}, nil
}
