package commsutil

import (
	"testing"
)

const codecTestPrefix = "commsutil:codec_test"

func TestEncodePayload(t *testing.T) {
	tests := []struct {
		name    string
		input   any
		want    string
		wantErr bool
	}{
		{name: "map", input: map[string]string{"service": "billing"}, want: `{"service":"billing"}`},
		{name: "nil", input: nil, want: "null"},
		{name: "slice", input: []int{1, 2, 3}, want: "[1,2,3]"},
		{name: "channel is not serializable", input: make(chan int), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := EncodePayload(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("%s - expected error but got nil", codecTestPrefix)
				}
				return
			}
			if err != nil {
				t.Fatalf("%s - unexpected error: %v", codecTestPrefix, err)
			}
			if got := string(data); got != tt.want {
				t.Errorf("%s - EncodePayload() = %q, want %q", codecTestPrefix, got, tt.want)
			}
		})
	}
}

func TestDecodePayload(t *testing.T) {
	type endpoint struct {
		ID     string            `json:"id"`
		Labels map[string]string `json:"labels"`
	}

	got, err := DecodePayload[endpoint]([]byte(`{"id":"node-1","labels":{"env":"prod"}}`))
	if err != nil {
		t.Fatalf("%s - unexpected error: %v", codecTestPrefix, err)
	}
	if got.ID != "node-1" || got.Labels["env"] != "prod" {
		t.Errorf("%s - decoded %+v", codecTestPrefix, got)
	}

	for _, bad := range []string{`{invalid}`, ``} {
		if _, err := DecodePayload[endpoint]([]byte(bad)); err == nil {
			t.Errorf("%s - expected error for %q", codecTestPrefix, bad)
		}
	}
}
