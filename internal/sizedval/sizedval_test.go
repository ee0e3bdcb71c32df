package sizedval

import "testing"

func TestApproximateSizePrimitives(t *testing.T) {
	if got := ApproximateSize(nil); got != 4 {
		t.Errorf("nil: expected 4, got %d", got)
	}
	if got := ApproximateSize(true); got != 8 {
		t.Errorf("bool: expected 8, got %d", got)
	}
	if got := ApproximateSize(42.0); got != 8 {
		t.Errorf("number: expected 8, got %d", got)
	}
	if got := ApproximateSize("hi"); got != 4 {
		t.Errorf("string: expected 4, got %d", got)
	}
}

func TestApproximateSizeCollections(t *testing.T) {
	arr := []any{"a", "b", 1.0}
	if got, want := ApproximateSize(arr), 24+2+2+8; got != want {
		t.Errorf("array: expected %d, got %d", want, got)
	}

	obj := map[string]any{"id": "x"}
	if got, want := ApproximateSize(obj), 24+2*2+2; got != want {
		t.Errorf("object: expected %d, got %d", want, got)
	}
}

func TestApproximateSizeCycle(t *testing.T) {
	self := map[string]any{}
	self["self"] = self

	// Must terminate instead of recursing forever; the second visit to
	// the same map counts as 0.
	got := ApproximateSize(self)
	want := 24 + len([]rune("self"))*2 + 0
	if got != want {
		t.Errorf("expected %d, got %d", want, got)
	}
}

func TestDeepCloneIsolation(t *testing.T) {
	original := map[string]any{"nested": []any{"a", "b"}}

	cloned, err := DeepClone(original)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	clonedMap := cloned.(map[string]any)
	clonedSlice := clonedMap["nested"].([]any)
	clonedSlice[0] = "mutated"

	originalSlice := original["nested"].([]any)
	if originalSlice[0] != "a" {
		t.Errorf("clone shared identity with original, got %v", originalSlice[0])
	}
}

func TestDeepCloneRejectsFunctions(t *testing.T) {
	_, err := DeepClone(func() {})
	if err == nil {
		t.Fatal("expected ErrInvalidPayload for a function value")
	}
}
