package audio

// PCM conversion helpers for little-endian int16 audio. Synthesis providers
// commonly emit 24 kHz mono while devices run at their own rate; these
// functions bridge the two without pulling in a DSP dependency.

// Resample converts pcm from srcRate to dstRate, mono or interleaved stereo.
// Returns the input unchanged when the rates already match.
func Resample(pcm []byte, srcRate, dstRate, channels int) []byte {
	if channels == 2 {
		return ResampleStereo16(pcm, srcRate, dstRate)
	}
	return ResampleMono16(pcm, srcRate, dstRate)
}

// ResampleMono16 resamples 16-bit mono PCM with linear interpolation.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcN := len(pcm) / 2
	dstN := int(int64(srcN) * int64(dstRate) / int64(srcRate))
	if dstN == 0 {
		return nil
	}

	out := make([]byte, dstN*2)
	step := float64(srcRate) / float64(dstRate)
	for i := range dstN {
		pos := float64(i) * step
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := sampleAt(pcm, idx)
		s1 := s0
		if idx+1 < srcN {
			s1 = sampleAt(pcm, idx+1)
		}
		putSample(out, i, int16(float64(s0)*(1-frac)+float64(s1)*frac))
	}
	return out
}

// ResampleStereo16 resamples 16-bit interleaved stereo PCM with linear
// interpolation. Each stereo frame is 4 bytes.
func ResampleStereo16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 4 {
		return pcm
	}
	srcN := len(pcm) / 4
	dstN := int(int64(srcN) * int64(dstRate) / int64(srcRate))
	if dstN == 0 {
		return nil
	}

	out := make([]byte, dstN*4)
	step := float64(srcRate) / float64(dstRate)
	for i := range dstN {
		pos := float64(i) * step
		idx := int(pos)
		frac := pos - float64(idx)

		l0, r0 := sampleAt(pcm, idx*2), sampleAt(pcm, idx*2+1)
		l1, r1 := l0, r0
		if idx+1 < srcN {
			l1, r1 = sampleAt(pcm, (idx+1)*2), sampleAt(pcm, (idx+1)*2+1)
		}
		putSample(out, i*2, int16(float64(l0)*(1-frac)+float64(l1)*frac))
		putSample(out, i*2+1, int16(float64(r0)*(1-frac)+float64(r1)*frac))
	}
	return out
}

// MonoToStereo duplicates each mono sample into an L+R pair.
func MonoToStereo(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n*4)
	for i := range n {
		s := sampleAt(pcm, i)
		putSample(out, i*2, s)
		putSample(out, i*2+1, s)
	}
	return out
}

// StereoToMono averages each L+R pair, clamping to the int16 range.
func StereoToMono(pcm []byte) []byte {
	n := len(pcm) / 4
	out := make([]byte, n*2)
	for i := range n {
		avg := (int32(sampleAt(pcm, i*2)) + int32(sampleAt(pcm, i*2+1))) / 2
		putSample(out, i, int16(avg))
	}
	return out
}

// sampleAt reads the i-th little-endian int16 sample.
func sampleAt(pcm []byte, i int) int16 {
	return int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
}

// putSample writes s as the i-th little-endian int16 sample.
func putSample(pcm []byte, i int, s int16) {
	pcm[i*2] = byte(s)
	pcm[i*2+1] = byte(s >> 8)
}
