package udp_test

import (
	"errors"
	"testing"

	"github.com/glizzus/sound-stream/internal/voice/udp"
	"github.com/google/go-cmp/cmp"
)

func TestSelectMode(t *testing.T) {
	tests := []struct {
		name      string
		offered   []string
		preferred []udp.Mode
		want      udp.Mode
		err       error
	}{
		{
			name:      "most preferred common mode wins",
			offered:   []string{"xsalsa20_poly1305", "aead_xchacha20_poly1305_rtpsize", "aead_aes256_gcm_rtpsize"},
			preferred: udp.DefaultModes,
			want:      udp.ModeAES256GCMRTPSize,
		},
		{
			name:      "server order does not matter",
			offered:   []string{"aead_xchacha20_poly1305", "xsalsa20_poly1305_lite"},
			preferred: udp.DefaultModes,
			want:      udp.ModeXChaCha20Poly1305,
		},
		{
			name:      "local preference list restricts the choice",
			offered:   []string{"aead_aes256_gcm_rtpsize", "xsalsa20_poly1305"},
			preferred: []udp.Mode{udp.ModeXSalsa20Poly1305},
			want:      udp.ModeXSalsa20Poly1305,
		},
		{
			name:      "no common mode is an error",
			offered:   []string{"aead_aes128_gcm"},
			preferred: udp.DefaultModes,
			err:       udp.ErrNoCommonMode,
		},
		{
			name:      "empty offer is an error",
			offered:   nil,
			preferred: udp.DefaultModes,
			err:       udp.ErrNoCommonMode,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := udp.SelectMode(tt.offered, tt.preferred)
			if tt.err != nil {
				if !errors.Is(err, tt.err) {
					t.Fatalf("SelectMode() error = %v; want %v", err, tt.err)
				}
				return
			}
			if err != nil {
				t.Fatalf("SelectMode() returned error: %v", err)
			}
			if got != tt.want {
				t.Errorf("SelectMode() = %q; want %q", got, tt.want)
			}
		})
	}
}

func TestParseModes(t *testing.T) {
	got, err := udp.ParseModes([]string{"xsalsa20_poly1305_lite", "aead_aes256_gcm_rtpsize"})
	if err != nil {
		t.Fatalf("ParseModes returned error: %v", err)
	}
	want := []udp.Mode{udp.ModeXSalsa20Poly1305Lite, udp.ModeAES256GCMRTPSize}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ParseModes() mismatch (-want +got):\n%s", diff)
	}

	if _, err := udp.ParseModes([]string{"rot13"}); err == nil {
		t.Errorf("expected error for unsupported mode")
	}
	if _, err := udp.ParseModes(nil); err == nil {
		t.Errorf("expected error for empty list")
	}
}
