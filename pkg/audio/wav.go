package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const wavFormatPCM = 1

// IsWAV reports whether data starts with a RIFF/WAVE header.
func IsWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

// DecodeWAV extracts the PCM samples and format of a 16-bit PCM WAV file.
func DecodeWAV(wav []byte) ([]byte, Format, error) {
	if !IsWAV(wav) {
		return nil, Format{}, errors.New("audio: wav: missing RIFF/WAVE header")
	}

	var (
		f        Format
		foundFmt bool
	)
	// Walk RIFF chunks after the 12-byte header. Chunks are word aligned.
	offset := 12
	for offset+8 <= len(wav) {
		id := string(wav[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))
		body := offset + 8

		switch id {
		case "fmt ":
			if size < 16 || body+16 > len(wav) {
				return nil, Format{}, errors.New("audio: wav: truncated fmt chunk")
			}
			fc := wav[body:]
			if code := binary.LittleEndian.Uint16(fc[0:2]); code != wavFormatPCM {
				return nil, Format{}, fmt.Errorf("audio: wav: unsupported encoding %d", code)
			}
			if bits := binary.LittleEndian.Uint16(fc[14:16]); bits != 16 {
				return nil, Format{}, fmt.Errorf("audio: wav: unsupported bit depth %d", bits)
			}
			f.Channels = int(binary.LittleEndian.Uint16(fc[2:4]))
			f.SampleRate = int(binary.LittleEndian.Uint32(fc[4:8]))
			foundFmt = true
		case "data":
			if !foundFmt {
				return nil, Format{}, errors.New("audio: wav: data chunk before fmt chunk")
			}
			// Streamed WAVs often carry a placeholder size; clamp to what we have.
			end := min(body+size, len(wav))
			pcm := wav[body:end]
			pcm = pcm[:len(pcm)-len(pcm)%f.FrameBytes()]
			return pcm, f, nil
		}

		offset = body + size
		if size%2 != 0 {
			offset++
		}
	}
	return nil, Format{}, errors.New("audio: wav: missing data chunk")
}

// EncodeWAV wraps 16-bit PCM in a canonical 44-byte WAV header.
func EncodeWAV(pcm []byte, f Format) []byte {
	var buf bytes.Buffer
	buf.Grow(44 + len(pcm))
	le := binary.LittleEndian

	buf.WriteString("RIFF")
	_ = binary.Write(&buf, le, uint32(36+len(pcm)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	_ = binary.Write(&buf, le, uint32(16))
	_ = binary.Write(&buf, le, uint16(wavFormatPCM))
	_ = binary.Write(&buf, le, uint16(f.Channels))
	_ = binary.Write(&buf, le, uint32(f.SampleRate))
	_ = binary.Write(&buf, le, uint32(f.SampleRate*f.FrameBytes()))
	_ = binary.Write(&buf, le, uint16(f.FrameBytes()))
	_ = binary.Write(&buf, le, uint16(16))
	buf.WriteString("data")
	_ = binary.Write(&buf, le, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}
