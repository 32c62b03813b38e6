package padding

import "testing"

func TestComputeOutSize(t *testing.T) {
	t.Parallel()
	tests := []struct {
		mode                              Mode
		image, filter, stride, dilation int
		want                              int
	}{
		{ModeSame, 4, 8, 1, 1, 4},
		{ModeSame, 5, 3, 2, 1, 3},
		{ModeValid, 12, 8, 1, 1, 5},
		{ModeValid, 5, 3, 2, 1, 2},
		{ModeValid, 7, 3, 1, 2, 3},
		{ModeUnknown, 7, 3, 1, 1, 0},
		{ModeSame, 7, 3, 0, 1, 0},
	}
	for _, tc := range tests {
		got := ComputeOutSize(tc.mode, tc.image, tc.filter, tc.stride, tc.dilation)
		if got != tc.want {
			t.Errorf("ComputeOutSize(%s, %d, %d, %d, %d) = %d, want %d",
				tc.mode, tc.image, tc.filter, tc.stride, tc.dilation, got, tc.want)
		}
	}
}

func TestComputePaddingHeightWidth(t *testing.T) {
	t.Parallel()
	// 4x4 input, 1x8 filter, SAME: width needs 7 columns of padding, 3 leading.
	v, outH, outW := ComputePaddingHeightWidth(1, 1, 1, 1, 4, 4, 1, 8, ModeSame)
	if outH != 4 || outW != 4 {
		t.Fatalf("out size: got %dx%d", outH, outW)
	}
	if v.Height != 0 || v.HeightOffset != 0 {
		t.Fatalf("height padding: got %+v", v)
	}
	if v.Width != 3 || v.WidthOffset != 1 {
		t.Fatalf("width padding: got %+v", v)
	}

	v, outH, outW = ComputePaddingHeightWidth(2, 2, 1, 1, 6, 6, 3, 3, ModeValid)
	if outH != 2 || outW != 2 || v != (Values{}) {
		t.Fatalf("valid: got %+v %dx%d", v, outH, outW)
	}
}

func TestParseMode(t *testing.T) {
	t.Parallel()
	for _, m := range []Mode{ModeSame, ModeValid} {
		got, err := ParseMode(m.String())
		if err != nil || got != m {
			t.Errorf("ParseMode(%q) = %v, %v", m.String(), got, err)
		}
	}
	if _, err := ParseMode("reflect"); err == nil {
		t.Fatal("expected error")
	}
}
