package audio

import (
	"encoding/binary"
	"fmt"
)

// Convert converts PCM from one format to another: it resamples first, then
// remixes channels. Matching formats return pcm unchanged. Only mono and
// stereo remixing is supported.
func Convert(pcm []byte, from, to Format) ([]byte, error) {
	if from.SampleRate <= 0 || from.Channels <= 0 || to.SampleRate <= 0 || to.Channels <= 0 {
		return nil, fmt.Errorf("audio: convert %s to %s: invalid format", from, to)
	}
	if len(pcm)%from.FrameBytes() != 0 {
		return nil, fmt.Errorf("audio: convert: %d bytes is not a whole number of %s frames", len(pcm), from)
	}
	if from == to {
		return pcm, nil
	}

	out := Resample16(pcm, from.Channels, from.SampleRate, to.SampleRate)
	switch {
	case from.Channels == to.Channels:
	case from.Channels == 1 && to.Channels == 2:
		out = MonoToStereo(out)
	case from.Channels == 2 && to.Channels == 1:
		out = StereoToMono(out)
	default:
		return nil, fmt.Errorf("audio: convert %s to %s: unsupported channel layout", from, to)
	}
	return out, nil
}

// Resample16 resamples interleaved 16-bit PCM with the given channel count
// from srcRate to dstRate using linear interpolation. Invalid rates or equal
// rates return pcm unchanged.
func Resample16(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || channels <= 0 || srcRate == dstRate {
		return pcm
	}
	frameBytes := 2 * channels
	srcFrames := len(pcm) / frameBytes
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*frameBytes)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := min(idx+1, srcFrames-1)
		for c := range channels {
			s0 := sampleAt(pcm, idx*channels+c)
			s1 := sampleAt(pcm, next*channels+c)
			v := int16(float64(s0)*(1-frac) + float64(s1)*frac)
			binary.LittleEndian.PutUint16(out[(i*channels+c)*2:], uint16(v))
		}
	}
	return out
}

// MonoToStereo duplicates every mono sample into an L+R pair.
func MonoToStereo(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n*4)
	for i := range n {
		copy(out[i*4:i*4+2], pcm[i*2:i*2+2])
		copy(out[i*4+2:i*4+4], pcm[i*2:i*2+2])
	}
	return out
}

// StereoToMono averages each L+R pair into one sample.
func StereoToMono(pcm []byte) []byte {
	n := len(pcm) / 4
	out := make([]byte, n*2)
	for i := range n {
		avg := (int32(sampleAt(pcm, i*2)) + int32(sampleAt(pcm, i*2+1))) / 2
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(avg)))
	}
	return out
}

// sampleAt returns the i-th 16-bit sample of pcm.
func sampleAt(pcm []byte, i int) int16 {
	return int16(binary.LittleEndian.Uint16(pcm[i*2:]))
}
