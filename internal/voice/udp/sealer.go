package udp

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	rtpHeaderSize = 12
	counterSize   = 4
	suffixSize    = 24
)

var (
	ErrNonceExhausted = errors.New("nonce counter exhausted for this key")
	ErrShortPacket    = errors.New("packet too short")
	ErrOpen           = errors.New("unable to authenticate packet")
)

// Sealer encrypts outbound payloads and decrypts inbound packets for one
// session key. Seal is not safe for concurrent use; the channel serializes
// it. Open does not touch sealing state.
type Sealer interface {
	// Seal returns header followed by the sealed payload and any nonce.
	Seal(header, payload []byte) ([]byte, error)
	// Open returns the unencrypted header and the plaintext payload.
	Open(packet []byte) (header, payload []byte, err error)
	Mode() Mode
}

// NewSealer returns the sealer for mode keyed with key.
func NewSealer(mode Mode, key [32]byte) (Sealer, error) {
	switch mode {
	case ModeAES256GCMRTPSize:
		block, err := aes.NewCipher(key[:])
		if err != nil {
			return nil, fmt.Errorf("failed to create aes cipher: %w", err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("failed to create gcm: %w", err)
		}
		return &aeadSealer{mode: mode, aead: aead}, nil
	case ModeXChaCha20Poly1305RTPSize, ModeXChaCha20Poly1305:
		aead, err := chacha20poly1305.NewX(key[:])
		if err != nil {
			return nil, fmt.Errorf("failed to create xchacha20poly1305: %w", err)
		}
		return &aeadSealer{mode: mode, aead: aead}, nil
	case ModeXSalsa20Poly1305, ModeXSalsa20Poly1305Suffix, ModeXSalsa20Poly1305Lite:
		return &secretboxSealer{mode: mode, key: key}, nil
	default:
		return nil, fmt.Errorf("unsupported encryption mode %q", mode)
	}
}

// nonceCounter hands out 32-bit nonces and refuses to wrap.
type nonceCounter struct {
	next uint64
}

func (c *nonceCounter) take() (uint32, error) {
	if c.next > math.MaxUint32 {
		return 0, ErrNonceExhausted
	}
	n := uint32(c.next)
	c.next++
	return n, nil
}

// aeadSealer implements the rtpsize modes: the unencrypted header is
// associated data and a 4-byte counter, zero padded to the cipher's nonce
// size, is appended to the packet.
type aeadSealer struct {
	mode    Mode
	aead    cipher.AEAD
	counter nonceCounter
}

func (s *aeadSealer) Mode() Mode { return s.mode }

func (s *aeadSealer) Seal(header, payload []byte) ([]byte, error) {
	n, err := s.counter.take()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, s.aead.NonceSize())
	binary.BigEndian.PutUint32(nonce, n)

	out := make([]byte, len(header), len(header)+len(payload)+s.aead.Overhead()+counterSize)
	copy(out, header)
	out = s.aead.Seal(out, nonce, payload, header)
	return append(out, nonce[:counterSize]...), nil
}

func (s *aeadSealer) Open(packet []byte) ([]byte, []byte, error) {
	headerLen, err := unencryptedHeaderLen(packet)
	if err != nil {
		return nil, nil, err
	}
	if len(packet) < headerLen+s.aead.Overhead()+counterSize {
		return nil, nil, ErrShortPacket
	}
	header := packet[:headerLen]
	nonce := make([]byte, s.aead.NonceSize())
	copy(nonce, packet[len(packet)-counterSize:])
	sealed := packet[headerLen : len(packet)-counterSize]

	plain, err := s.aead.Open(nil, nonce, sealed, header)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrOpen, err)
	}
	if packet[0]&0x10 != 0 {
		plain, err = stripExtension(packet[headerLen-4:headerLen], plain)
		if err != nil {
			return nil, nil, err
		}
	}
	return header, plain, nil
}

// secretboxSealer implements the xsalsa20_poly1305 family.
type secretboxSealer struct {
	mode    Mode
	key     [32]byte
	counter nonceCounter
}

func (s *secretboxSealer) Mode() Mode { return s.mode }

func (s *secretboxSealer) Seal(header, payload []byte) ([]byte, error) {
	var nonce [24]byte
	var suffix []byte

	switch s.mode {
	case ModeXSalsa20Poly1305:
		copy(nonce[:], header[:rtpHeaderSize])
	case ModeXSalsa20Poly1305Suffix:
		if _, err := rand.Read(nonce[:]); err != nil {
			return nil, fmt.Errorf("failed to generate nonce: %w", err)
		}
		suffix = nonce[:]
	case ModeXSalsa20Poly1305Lite:
		n, err := s.counter.take()
		if err != nil {
			return nil, err
		}
		binary.BigEndian.PutUint32(nonce[:], n)
		suffix = nonce[:counterSize]
	}

	out := make([]byte, len(header), len(header)+len(payload)+secretbox.Overhead+len(suffix))
	copy(out, header)
	out = secretbox.Seal(out, payload, &nonce, &s.key)
	return append(out, suffix...), nil
}

func (s *secretboxSealer) Open(packet []byte) ([]byte, []byte, error) {
	if len(packet) < rtpHeaderSize+secretbox.Overhead {
		return nil, nil, ErrShortPacket
	}
	var nonce [24]byte
	sealed := packet[rtpHeaderSize:]

	switch s.mode {
	case ModeXSalsa20Poly1305:
		copy(nonce[:], packet[:rtpHeaderSize])
	case ModeXSalsa20Poly1305Suffix:
		if len(sealed) < secretbox.Overhead+suffixSize {
			return nil, nil, ErrShortPacket
		}
		copy(nonce[:], sealed[len(sealed)-suffixSize:])
		sealed = sealed[:len(sealed)-suffixSize]
	case ModeXSalsa20Poly1305Lite:
		if len(sealed) < secretbox.Overhead+counterSize {
			return nil, nil, ErrShortPacket
		}
		copy(nonce[:], sealed[len(sealed)-counterSize:])
		sealed = sealed[:len(sealed)-counterSize]
	}

	plain, ok := secretbox.Open(nil, sealed, &nonce, &s.key)
	if !ok {
		return nil, nil, ErrOpen
	}
	return packet[:rtpHeaderSize], plain, nil
}

// unencryptedHeaderLen is the fixed header, the CSRC list and, when the
// extension bit is set, the 4-byte extension preamble. The extension body
// is part of the ciphertext in the rtpsize modes.
func unencryptedHeaderLen(packet []byte) (int, error) {
	if len(packet) < rtpHeaderSize {
		return 0, ErrShortPacket
	}
	n := rtpHeaderSize + int(packet[0]&0x0F)*4
	if packet[0]&0x10 != 0 {
		n += 4
	}
	if len(packet) < n {
		return 0, ErrShortPacket
	}
	return n, nil
}

func stripExtension(preamble, plain []byte) ([]byte, error) {
	words := int(binary.BigEndian.Uint16(preamble[2:4]))
	if len(plain) < words*4 {
		return nil, ErrShortPacket
	}
	return plain[words*4:], nil
}
