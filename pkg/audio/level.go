package audio

// LevelScale is the full-scale value of the loudness input to [Level].
const LevelScale = 255.0

// Level maps a frame loudness on the [0, LevelScale] scale to a mouth-openness
// value in [0, 1]. Loudness at or below threshold is silence; above it the
// value rises linearly with the given gain and saturates at 1.
func Level(loudness, threshold, gain float64) float64 {
	if loudness <= threshold || threshold >= LevelScale {
		return 0
	}
	v := (loudness - threshold) / (LevelScale - threshold) * gain
	return min(max(v, 0), 1)
}

// Loudness returns the mean absolute amplitude of 16-bit PCM scaled to
// [0, LevelScale].
func Loudness(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		s := float64(sampleAt(pcm, i))
		if s < 0 {
			s = -s
		}
		sum += s
	}
	return min(sum/float64(n)/32768*LevelScale, LevelScale)
}
