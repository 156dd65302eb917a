package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// LengthPrefixLen is the u32 big-endian payload length of a plaintext frame.
	LengthPrefixLen = 4
	// SealedHeaderLen is the u32 ciphertext length plus the u8 pad length.
	SealedHeaderLen = 5
)

var (
	ErrShortHeader      = errors.New("frame: short header")
	ErrShortPayload     = errors.New("frame: short payload")
	ErrPayloadTooLarge  = errors.New("frame: payload too large")
	ErrInvalidPadLength = errors.New("frame: invalid pad length")
)

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes uint32
}

func DefaultLimits() Limits {
	return Limits{
		MaxPayloadBytes: 8 * 1024 * 1024,
	}
}

// ReadFrame reads one plaintext `u32 be length | payload` frame.
func ReadFrame(r io.Reader, limits Limits) ([]byte, error) {
	var hdr [LengthPrefixLen]byte
	if err := readFull(r, hdr[:], ErrShortHeader); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > limits.MaxPayloadBytes {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, n, limits.MaxPayloadBytes)
	}
	payload := make([]byte, n)
	if n > 0 {
		if err := readFull(r, payload, ErrShortPayload); err != nil {
			return nil, err
		}
	}
	return payload, nil
}

// WriteFrame writes one plaintext frame with a single Write call.
func WriteFrame(w io.Writer, payload []byte, limits Limits) error {
	if uint64(len(payload)) > uint64(limits.MaxPayloadBytes) {
		return fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(payload), limits.MaxPayloadBytes)
	}
	buf := make([]byte, LengthPrefixLen+len(payload))
	binary.BigEndian.PutUint32(buf[:LengthPrefixLen], uint32(len(payload)))
	copy(buf[LengthPrefixLen:], payload)
	_, err := w.Write(buf)
	return err
}

// SealedFrame is one encrypted wire message. Pad counts the trailing
// plaintext bytes to strip after decryption.
type SealedFrame struct {
	Pad        uint8
	Ciphertext []byte
}

func EncodeSealedHeader(ciphertextLen uint32, pad uint8) []byte {
	buf := make([]byte, SealedHeaderLen)
	binary.BigEndian.PutUint32(buf[0:4], ciphertextLen)
	buf[4] = pad
	return buf
}

func DecodeSealedHeader(b []byte) (uint32, uint8, error) {
	if len(b) != SealedHeaderLen {
		return 0, 0, fmt.Errorf("frame: invalid sealed header length: %d", len(b))
	}
	return binary.BigEndian.Uint32(b[0:4]), b[4], nil
}

// ReadSealedFrame reads one `u32 be length | u8 pad | ciphertext` frame.
// blockSize bounds the pad length and the ciphertext alignment.
func ReadSealedFrame(r io.Reader, blockSize int, limits Limits) (SealedFrame, error) {
	var hdr [SealedHeaderLen]byte
	if err := readFull(r, hdr[:], ErrShortHeader); err != nil {
		return SealedFrame{}, err
	}
	n, pad, err := DecodeSealedHeader(hdr[:])
	if err != nil {
		return SealedFrame{}, err
	}
	if n > limits.MaxPayloadBytes {
		return SealedFrame{}, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, n, limits.MaxPayloadBytes)
	}
	if pad == 0 || int(pad) > blockSize || n == 0 || int(n)%blockSize != 0 || int(pad) > int(n) {
		return SealedFrame{}, fmt.Errorf("%w: pad=%d len=%d block=%d", ErrInvalidPadLength, pad, n, blockSize)
	}
	ciphertext := make([]byte, n)
	if err := readFull(r, ciphertext, ErrShortPayload); err != nil {
		return SealedFrame{}, err
	}
	return SealedFrame{Pad: pad, Ciphertext: ciphertext}, nil
}

// WriteSealedFrame writes header and ciphertext with a single Write call.
func WriteSealedFrame(w io.Writer, f SealedFrame, limits Limits) error {
	if uint64(len(f.Ciphertext)) > uint64(limits.MaxPayloadBytes) {
		return fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(f.Ciphertext), limits.MaxPayloadBytes)
	}
	buf := make([]byte, 0, SealedHeaderLen+len(f.Ciphertext))
	buf = append(buf, EncodeSealedHeader(uint32(len(f.Ciphertext)), f.Pad)...)
	buf = append(buf, f.Ciphertext...)
	_, err := w.Write(buf)
	return err
}

// readFull maps io.EOF and io.ErrUnexpectedEOF onto short, a
// deterministic sentinel the transports translate into a disconnect.
func readFull(r io.Reader, buf []byte, short error) error {
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return short
		}
		return err
	}
	return nil
}

// IsShortRead reports whether err means the peer closed mid-frame or
// before a frame started.
func IsShortRead(err error) bool {
	return errors.Is(err, ErrShortHeader) || errors.Is(err, ErrShortPayload)
}
