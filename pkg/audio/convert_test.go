package audio

import "testing"

func monoPCM(samples ...int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		putSample(out, i, s)
	}
	return out
}

func TestResampleMono16_SameRateUnchanged(t *testing.T) {
	t.Parallel()
	in := monoPCM(1, 2, 3, 4)
	out := ResampleMono16(in, 16000, 16000)
	if &out[0] != &in[0] {
		t.Error("same-rate resample should return the input slice")
	}
}

func TestResampleMono16_Upsample(t *testing.T) {
	t.Parallel()
	in := monoPCM(0, 100, 200, 300)
	out := ResampleMono16(in, 12000, 24000)

	if len(out) != len(in)*2 {
		t.Fatalf("output samples = %d, want %d", len(out)/2, len(in))
	}
	// Linear interpolation: the sample halfway between 0 and 100 is 50.
	if got := sampleAt(out, 1); got != 50 {
		t.Errorf("interpolated sample = %d, want 50", got)
	}
	if got := sampleAt(out, 2); got != 100 {
		t.Errorf("aligned sample = %d, want 100", got)
	}
}

func TestResampleMono16_Downsample(t *testing.T) {
	t.Parallel()
	in := make([]byte, 24000*2) // one second at 24 kHz
	out := ResampleMono16(in, 24000, 16000)
	if len(out) != 16000*2 {
		t.Errorf("output samples = %d, want 16000", len(out)/2)
	}
}

func TestResample_ChannelDispatch(t *testing.T) {
	t.Parallel()
	in := monoPCM(1, 2, 3, 4) // two stereo frames
	if got := Resample(in, 24000, 12000, 2); len(got) != 4 {
		t.Errorf("stereo downsample bytes = %d, want 4", len(got))
	}
	if got := Resample(in, 24000, 12000, 1); len(got) != 4 {
		t.Errorf("mono downsample bytes = %d, want 4", len(got))
	}
}

func TestMonoToStereoRoundTrip(t *testing.T) {
	t.Parallel()
	in := monoPCM(-5, 0, 5)
	stereo := MonoToStereo(in)
	if len(stereo) != len(in)*2 {
		t.Fatalf("stereo bytes = %d, want %d", len(stereo), len(in)*2)
	}
	mono := StereoToMono(stereo)
	for i := range 3 {
		if got, want := sampleAt(mono, i), sampleAt(in, i); got != want {
			t.Errorf("sample %d = %d, want %d", i, got, want)
		}
	}
}

func TestStereoToMono_Averages(t *testing.T) {
	t.Parallel()
	stereo := monoPCM(100, 200) // L=100, R=200 as one stereo frame
	mono := StereoToMono(stereo)
	if got := sampleAt(mono, 0); got != 150 {
		t.Errorf("averaged sample = %d, want 150", got)
	}
}
