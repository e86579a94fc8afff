package validation

import (
	"strings"
	"testing"
)

func TestStruct(t *testing.T) {
	tests := []struct {
		name    string
		req     any
		wantErr string
	}{
		{"valid set", &SetRequest{Key: "user:1", Value: "alice"}, ""},
		{"empty key", &SetRequest{Key: "", Value: "v"}, "Key: field is required"},
		{"long key", &KeyRequest{Key: strings.Repeat("k", MaxKeyLength+1)}, "Key: must not exceed 512"},
		{"non ascii key", &IncrByRequest{Key: "héllo", Delta: 1}, "Key: must be printable ASCII"},
		{"valid incr", &IncrByRequest{Key: "counter", Delta: -5}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Struct(tt.req)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Struct() = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestKey(t *testing.T) {
	if err := Key("ok"); err != nil {
		t.Errorf("Key(ok) = %v", err)
	}
	if err := Key(""); err == nil {
		t.Error("Key(\"\") should fail")
	}
}

func TestStructNil(t *testing.T) {
	if err := Struct(nil); err == nil {
		t.Error("Struct(nil) should fail")
	}
}
