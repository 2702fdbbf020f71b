package audio

// ResampleLinear resamples mono samples from srcRate to dstRate using linear
// interpolation. If the rates are equal or invalid, the input is returned
// unchanged. Used on the playback side only; capture never resamples.
func ResampleLinear(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) < 2 {
		return samples
	}
	dstLen := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}

	out := make([]float32, dstLen)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := float32(pos - float64(idx))

		s0 := samples[idx]
		s1 := s0
		if idx+1 < len(samples) {
			s1 = samples[idx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}
