package udp

import (
	"errors"
	"fmt"
	"slices"
)

// Mode is an encryption mode name as advertised by the voice server.
type Mode string

const (
	ModeAES256GCMRTPSize         Mode = "aead_aes256_gcm_rtpsize"
	ModeXChaCha20Poly1305RTPSize Mode = "aead_xchacha20_poly1305_rtpsize"
	ModeXChaCha20Poly1305        Mode = "aead_xchacha20_poly1305"
	ModeXSalsa20Poly1305Lite     Mode = "xsalsa20_poly1305_lite"
	ModeXSalsa20Poly1305Suffix   Mode = "xsalsa20_poly1305_suffix"
	ModeXSalsa20Poly1305         Mode = "xsalsa20_poly1305"
)

// DefaultModes is the local preference list, most modern first.
var DefaultModes = []Mode{
	ModeAES256GCMRTPSize,
	ModeXChaCha20Poly1305RTPSize,
	ModeXChaCha20Poly1305,
	ModeXSalsa20Poly1305Lite,
	ModeXSalsa20Poly1305Suffix,
	ModeXSalsa20Poly1305,
}

var ErrNoCommonMode = errors.New("no encryption mode supported by both sides")

// SelectMode returns the first preferred mode the server offers.
func SelectMode(offered []string, preferred []Mode) (Mode, error) {
	for _, mode := range preferred {
		if slices.Contains(offered, string(mode)) {
			return mode, nil
		}
	}
	return "", fmt.Errorf("%w: server offered %v", ErrNoCommonMode, offered)
}

// ParseModes validates a configured preference list.
func ParseModes(names []string) ([]Mode, error) {
	modes := make([]Mode, 0, len(names))
	for _, name := range names {
		mode := Mode(name)
		if !slices.Contains(DefaultModes, mode) {
			return nil, fmt.Errorf("unsupported encryption mode %q", name)
		}
		modes = append(modes, mode)
	}
	if len(modes) == 0 {
		return nil, errors.New("encryption mode list is empty")
	}
	return modes, nil
}
