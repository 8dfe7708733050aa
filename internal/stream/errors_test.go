package stream

import (
	"slices"
	"testing"

	"github.com/iburimskiy/wave-stream/internal/wave"
)

func TestDecodeBatch(t *testing.T) {
	tests := []struct {
		payload string
		want    []wave.Sample
		wantErr bool
	}{
		{"[1, 2.5, -3]", []wave.Sample{1, 2.5, -3}, false},
		{"  [ ] ", []wave.Sample{}, false},
		{"[1e3]", []wave.Sample{1000}, false},
		{"null", nil, true},
		{"", nil, true},
		{"42", nil, true},
		{`{"a":1}`, nil, true},
		{`[1,"2"]`, nil, true},
		{`[1,null]`, nil, true},
		{`[1,2`, nil, true},
	}
	for _, tt := range tests {
		got, err := DecodeBatch([]byte(tt.payload))
		if tt.wantErr {
			if err == nil {
				t.Errorf("%q: expected error, got %v", tt.payload, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: unexpected error %v", tt.payload, err)
			continue
		}
		if !slices.Equal(got, tt.want) {
			t.Errorf("%q: got %v, want %v", tt.payload, got, tt.want)
		}
	}
}
