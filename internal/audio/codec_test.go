package audio

import (
	"testing"
)

func TestMulawRoundTripQuantizationError(t *testing.T) {
	// Mu-law is lossy; the quantization error within the clip range is bounded
	// by half the largest segment step.
	for s := -32000; s <= 32000; s += 7 {
		sample := int16(s)
		got := MulawToLinear(LinearToMulaw(sample))

		diff := int32(sample) - int32(got)
		if diff < 0 {
			diff = -diff
		}
		if diff > 1024 {
			t.Fatalf("sample %d decoded to %d, error %d exceeds bound", sample, got, diff)
		}
	}
}

func TestMulawSilence(t *testing.T) {
	// Zero PCM encodes to 0xFF.
	if got := LinearToMulaw(0); got != 0xFF {
		t.Errorf("LinearToMulaw(0) = %#x, want 0xff", got)
	}
	if got := MulawToLinear(0xFF); got != 0 {
		t.Errorf("MulawToLinear(0xff) = %d, want 0", got)
	}
}

func TestMulawSignPreserved(t *testing.T) {
	for _, s := range []int16{100, 1000, 10000, 32000} {
		if MulawToLinear(LinearToMulaw(s)) <= 0 {
			t.Errorf("positive sample %d decoded non-positive", s)
		}
		if MulawToLinear(LinearToMulaw(-s)) >= 0 {
			t.Errorf("negative sample %d decoded non-negative", -s)
		}
	}
}

func TestMulawClipping(t *testing.T) {
	// Values beyond the clip threshold map to the max magnitude code.
	if LinearToMulaw(32767) != LinearToMulaw(mulawClip) {
		t.Error("max positive sample should clip")
	}
	if LinearToMulaw(-32768) != LinearToMulaw(-mulawClip) {
		t.Error("max negative sample should clip")
	}
}

func TestMulawBufToLinearLength(t *testing.T) {
	in := []byte{0xFF, 0x7F, 0x00, 0x80}
	out := MulawBufToLinear(in)
	if len(out) != len(in)*2 {
		t.Fatalf("got %d bytes, want %d", len(out), len(in)*2)
	}
}

func TestLinearBufToMulawOddInput(t *testing.T) {
	// A trailing odd byte is dropped, not decoded.
	out := LinearBufToMulaw([]byte{0x00, 0x00, 0x12})
	if len(out) != 1 {
		t.Fatalf("got %d bytes, want 1", len(out))
	}
}

func TestDecimate24kTo8kLength(t *testing.T) {
	tests := []struct {
		inSamples  int
		outSamples int
	}{
		{0, 0},
		{1, 0},
		{2, 0},
		{3, 1},
		{6, 2},
		{7, 2},
		{480, 160}, // 20ms at 24kHz -> 20ms at 8kHz
	}
	for _, tt := range tests {
		out := Decimate24kTo8k(make([]byte, tt.inSamples*2))
		if len(out) != tt.outSamples*2 {
			t.Errorf("Decimate24kTo8k(%d samples): got %d samples, want %d",
				tt.inSamples, len(out)/2, tt.outSamples)
		}
	}
}

func TestDecimateKeepsEveryThirdSample(t *testing.T) {
	// Samples 0..8 as 16-bit LE; decimation should keep 0, 3, 6.
	in := make([]byte, 9*2)
	for i := 0; i < 9; i++ {
		in[i*2] = byte(i)
	}
	out := Decimate24kTo8k(in)
	want := []int16{0, 3, 6}
	for i, w := range want {
		got := int16(out[i*2]) | int16(out[i*2+1])<<8
		if got != w {
			t.Errorf("output sample %d = %d, want %d", i, got, w)
		}
	}
}

func TestUpsample8kTo24k(t *testing.T) {
	// Two samples 0 and 300 should interpolate to 0, 100, 200, 300, 300, 300.
	in := []byte{0, 0, 44, 1} // 0, 300
	out := Upsample8kTo24k(in)
	want := []int16{0, 100, 200, 300, 300, 300}
	if len(out) != len(want)*2 {
		t.Fatalf("got %d samples, want %d", len(out)/2, len(want))
	}
	for i, w := range want {
		got := int16(out[i*2]) | int16(out[i*2+1])<<8
		if got != w {
			t.Errorf("output sample %d = %d, want %d", i, got, w)
		}
	}
}

func TestRingBufferBasic(t *testing.T) {
	rb := NewRingBuffer(8)
	rb.Write([]byte{1, 2, 3})
	if rb.Len() != 3 {
		t.Fatalf("Len = %d, want 3", rb.Len())
	}

	got := rb.Read(2)
	if got[0] != 1 || got[1] != 2 {
		t.Errorf("Read(2) = %v, want [1 2]", got)
	}
	if rb.Len() != 1 {
		t.Errorf("Len after read = %d, want 1", rb.Len())
	}
}

func TestRingBufferOverwrite(t *testing.T) {
	rb := NewRingBuffer(4)
	rb.Write([]byte{1, 2, 3, 4, 5, 6})
	// Oldest bytes overwritten; should hold 3..6.
	got := rb.Read(4)
	want := []byte{3, 4, 5, 6}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Read = %v, want %v", got, want)
		}
	}
}

func TestRingBufferClear(t *testing.T) {
	rb := NewRingBuffer(4)
	rb.Write([]byte{1, 2})
	rb.Clear()
	if rb.Len() != 0 {
		t.Errorf("Len after Clear = %d, want 0", rb.Len())
	}
	if rb.Read(1) != nil {
		t.Error("Read after Clear should return nil")
	}
}

func FuzzMulawRoundTrip(f *testing.F) {
	f.Add([]byte{0x00, 0x00, 0xFF, 0x7F, 0x00, 0x80})
	f.Fuzz(func(t *testing.T, pcm []byte) {
		mulaw := LinearBufToMulaw(pcm)
		back := MulawBufToLinear(mulaw)
		if len(back) != (len(pcm)/2)*2 {
			t.Fatalf("length changed: in %d, out %d", len(pcm), len(back))
		}
		// Re-encoding the decoded signal must be idempotent.
		again := LinearBufToMulaw(back)
		for i := range mulaw {
			if mulaw[i] != again[i] {
				t.Fatalf("re-encode not idempotent at byte %d: %#x vs %#x", i, mulaw[i], again[i])
			}
		}
	})
}
