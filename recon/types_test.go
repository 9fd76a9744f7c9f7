package recon

import (
	"reflect"

	"testing"
)

func TestRetrySetKeepsInsertionOrderAndUniqueness(t *testing.T) {
	s := NewRetrySet("a", "b", "a", "", "c", "b")
	if got := s.IDs(); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Fatalf("ids = %v", got)
	}
	if !s.Contains("b") || s.Contains("") {
		t.Fatal("membership broken")
	}

	s.Remove("b")
	s.Remove("never-added")
	if got := s.IDs(); !reflect.DeepEqual(got, []string{"a", "c"}) {
		t.Fatalf("ids after remove = %v", got)
	}

	// Mutating the returned slice must not leak into the set.
	ids := s.IDs()
	ids[0] = "mutated"
	if s.IDs()[0] != "a" {
		t.Fatal("IDs returned internal slice")
	}
}

func TestRetrySetRoundTrip(t *testing.T) {
	s := NewRetrySet("smartstore-main-1", "coupang-2")
	decoded := DecodeRetrySet(EncodeRetrySet(s))
	if !reflect.DeepEqual(decoded.IDs(), s.IDs()) {
		t.Fatalf("round trip lost data: %v vs %v", decoded.IDs(), s.IDs())
	}

	if EncodeRetrySet(nil) != "[]" {
		t.Fatal("nil set must encode to empty array")
	}
	if EncodeRetrySet(NewRetrySet()) != "[]" {
		t.Fatal("empty set must encode to empty array")
	}
}

func TestDecodeRetrySetToleratesGarbage(t *testing.T) {
	for _, raw := range []string{"", "not json", `{"a":1}`, "null"} {
		if got := DecodeRetrySet(raw).Len(); got != 0 {
			t.Errorf("DecodeRetrySet(%q).Len() = %d, want 0", raw, got)
		}
	}
}
