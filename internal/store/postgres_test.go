package store

import "testing"

func TestNullableJSON(t *testing.T) {
	if got := nullableJSON(nil); got != nil {
		t.Fatalf("expected nil for nil payload, got %v", got)
	}
	if got := nullableJSON([]byte{}); got != nil {
		t.Fatalf("expected nil for empty payload, got %v", got)
	}
	payload := []byte(`{"ok":true}`)
	got, ok := nullableJSON(payload).([]byte)
	if !ok || string(got) != `{"ok":true}` {
		t.Fatalf("expected payload passed through, got %v", got)
	}
}
