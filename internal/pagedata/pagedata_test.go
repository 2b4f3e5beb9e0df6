package pagedata

import (
	"errors"
	"math"
	"testing"
)

func TestArray32_RoundTrip(t *testing.T) {
	w := NewArray32Writer(4)
	values := []float32{1.5, -2.25, 0, 1e6}
	for _, v := range values {
		w.Append(v, 0)
	}
	r := WrapArray32(w.Bytes())
	if r.Len() != len(values) {
		t.Fatalf("len = %d, want %d", r.Len(), len(values))
	}
	for i, v := range values {
		p := r.At(i)
		if p.Value() != v {
			t.Errorf("entry %d = %v, want %v", i, p.Value(), v)
		}
	}
}

func TestTier1_RoundTrip(t *testing.T) {
	w := NewTier1Writer(2)
	in := []TierPoint{
		{Min: 1, Max: 5, Sum: 15, Count: 3, AnomalyCount: 1, Flags: FlagAnomaly},
		{Min: -1, Max: -1, Sum: -1, Count: 1},
	}
	for _, p := range in {
		w.Append(p)
	}
	r := WrapTier1(w.Bytes())
	if r.Len() != len(in) {
		t.Fatalf("len = %d, want %d", r.Len(), len(in))
	}
	for i, want := range in {
		got := r.At(i)
		if got.Min != want.Min || got.Max != want.Max || got.Sum != want.Sum ||
			got.Count != want.Count || got.AnomalyCount != want.AnomalyCount || got.Flags != want.Flags {
			t.Errorf("entry %d = %+v, want %+v", i, got, want)
		}
	}
}

func TestGorilla_RoundTrip(t *testing.T) {
	values := []float32{10, 10, 10.5, 10.5, 9.9, 100, -5, 0, math.MaxFloat32, -math.MaxFloat32}
	enc := NewGorillaEncoder()
	for _, v := range values {
		enc.Append(v)
	}
	buf := enc.Bytes()
	if len(buf)%GorillaBlockSize != 0 {
		t.Fatalf("buffer not padded to block size: %d bytes", len(buf))
	}

	dec := NewGorillaDecoder(buf)
	for i, want := range values {
		got, ok := dec.Next()
		if !ok {
			t.Fatalf("decoder ran out at entry %d", i)
		}
		if got != want {
			t.Errorf("entry %d = %v, want %v", i, got, want)
		}
	}
}

func TestGorilla_RepeatedValuesCompress(t *testing.T) {
	enc := NewGorillaEncoder()
	for i := 0; i < 100; i++ {
		enc.Append(42.0)
	}
	// 100 identical samples should fit in the first block: first value is
	// 32 raw bits, every repeat costs a single zero bit.
	if len(enc.Bytes()) != GorillaBlockSize {
		t.Fatalf("expected single block, got %d bytes", len(enc.Bytes()))
	}
}

func TestValidate_RejectsBadRange(t *testing.T) {
	_, _, _, _, err := Validate(ValidateInput{
		StartTimeS: 10, EndTimeS: 5, Type: PageTypeArray32, Length: 4, Entries: 1,
	})
	if err == nil {
		t.Fatal("expected error for start > end")
	}
}

func TestValidate_RejectsFutureEnd(t *testing.T) {
	_, _, _, _, err := Validate(ValidateInput{
		StartTimeS: 10, EndTimeS: 2000, Now: 100, Type: PageTypeArray32, Length: 4, Entries: 1,
	})
	if err == nil {
		t.Fatal("expected error for end > now")
	}
}

func TestValidate_RejectsZeroUpdateEveryWithManyEntries(t *testing.T) {
	_, _, updateEvery, _, err := Validate(ValidateInput{
		StartTimeS: 1000, EndTimeS: 1059, Type: PageTypeArray32, Length: 60 * 5, Entries: 60,
	})
	if err == nil {
		t.Fatalf("expected error for update_every 0 with 60 entries, got updateEvery = %d", updateEvery)
	}
	if !errors.Is(err, ErrInvalidPage) {
		t.Fatalf("err = %v, want ErrInvalidPage", err)
	}
}

func TestValidate_RejectsOversizedLength(t *testing.T) {
	_, _, _, _, err := Validate(ValidateInput{
		StartTimeS: 1, EndTimeS: 2, Type: PageTypeArray32,
		Length: MaxPageBytes(PageTypeArray32) + 1, Entries: 1,
	})
	if err == nil {
		t.Fatal("expected error for oversized length")
	}
}
