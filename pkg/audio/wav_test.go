package audio_test

import (
	"encoding/binary"
	"testing"

	"github.com/MrWong99/stagelive/pkg/audio"
)

func TestWAVRoundTrip(t *testing.T) {
	t.Parallel()

	f := audio.Format{SampleRate: 22050, Channels: 2}
	pcm := samplesToBytes([]int16{1, -1, 2, -2})
	wav := audio.EncodeWAV(pcm, f)
	if len(wav) != 44+len(pcm) {
		t.Fatalf("EncodeWAV length = %d", len(wav))
	}
	if !audio.IsWAV(wav) {
		t.Fatal("IsWAV = false for encoded WAV")
	}

	got, gf, err := audio.DecodeWAV(wav)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if gf != f {
		t.Errorf("format = %v, want %v", gf, f)
	}
	equalSamples(t, bytesToSamples(got), []int16{1, -1, 2, -2})
}

func TestDecodeWAV_SkipsExtraChunksAndClampsSize(t *testing.T) {
	t.Parallel()

	f := audio.Format{SampleRate: 16000, Channels: 1}
	base := audio.EncodeWAV(samplesToBytes([]int16{7, 8, 9}), f)

	// Insert an odd-sized LIST chunk (with pad byte) between fmt and data.
	list := []byte("LIST\x03\x00\x00\x00abc\x00")
	wav := append(append(append([]byte{}, base[:36]...), list...), base[36:]...)
	// Streaming placeholder size larger than the payload.
	binary.LittleEndian.PutUint32(wav[36+len(list)+4:], 0xFFFFFFFF)

	pcm, gf, err := audio.DecodeWAV(wav)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if gf != f {
		t.Errorf("format = %v", gf)
	}
	equalSamples(t, bytesToSamples(pcm), []int16{7, 8, 9})
}

func TestDecodeWAV_Rejects(t *testing.T) {
	t.Parallel()

	good := audio.EncodeWAV(samplesToBytes([]int16{1}), audio.Format{SampleRate: 8000, Channels: 1})

	float := append([]byte{}, good...)
	binary.LittleEndian.PutUint16(float[20:], 3) // IEEE float

	bits8 := append([]byte{}, good...)
	binary.LittleEndian.PutUint16(bits8[34:], 8)

	for name, wav := range map[string][]byte{
		"short":      []byte("RIFF"),
		"not wave":   []byte("RIFF\x00\x00\x00\x00AVI junkjunk"),
		"float":      float,
		"8-bit":      bits8,
		"no data":    good[:36],
		"data first": append([]byte("RIFF\x00\x00\x00\x00WAVE"), good[36:]...),
	} {
		if _, _, err := audio.DecodeWAV(wav); err == nil {
			t.Errorf("%s: DecodeWAV accepted invalid input", name)
		}
	}
}
