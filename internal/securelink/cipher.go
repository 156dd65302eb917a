package securelink

import (
	"bytes"
	"crypto/cipher"
	"errors"
	"fmt"
	"io"

	"github.com/danmuck/agentctl/internal/protocol/frame"
	"golang.org/x/crypto/blowfish"
)

const (
	// BlockSize is the cipher block size; pad lengths fall in [1, BlockSize].
	BlockSize = blowfish.BlockSize
	KeySize   = 16
)

var ErrInvalidParams = errors.New("securelink: invalid cipher parameters")

// Params is the key and IV of one direction.
type Params struct {
	Key []byte
	IV  []byte
}

func (p Params) Equal(o Params) bool {
	return bytes.Equal(p.Key, o.Key) && bytes.Equal(p.IV, o.IV)
}

func (p Params) clone() Params {
	return Params{Key: bytes.Clone(p.Key), IV: bytes.Clone(p.IV)}
}

func (p Params) validate() error {
	if len(p.Key) < 1 || len(p.Key) > 56 {
		return fmt.Errorf("%w: key length %d", ErrInvalidParams, len(p.Key))
	}
	if len(p.IV) != BlockSize {
		return fmt.Errorf("%w: iv length %d", ErrInvalidParams, len(p.IV))
	}
	return nil
}

// GenerateParams draws a fresh key and IV from r.
func GenerateParams(r io.Reader) (Params, error) {
	p := Params{Key: make([]byte, KeySize), IV: make([]byte, BlockSize)}
	if _, err := io.ReadFull(r, p.Key); err != nil {
		return Params{}, err
	}
	if _, err := io.ReadFull(r, p.IV); err != nil {
		return Params{}, err
	}
	return p, nil
}

// NewEncrypter returns a CBC encrypter whose chaining state carries
// across successive frames.
func NewEncrypter(p Params) (cipher.BlockMode, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	b, err := blowfish.NewCipher(p.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return cipher.NewCBCEncrypter(b, p.IV), nil
}

func NewDecrypter(p Params) (cipher.BlockMode, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	b, err := blowfish.NewCipher(p.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return cipher.NewCBCDecrypter(b, p.IV), nil
}

// Seal zero-pads plaintext to the block size and encrypts it. A
// block-aligned plaintext gets one full block of padding.
func Seal(enc cipher.BlockMode, plaintext []byte) frame.SealedFrame {
	bs := enc.BlockSize()
	pad := bs - len(plaintext)%bs
	buf := make([]byte, len(plaintext)+pad)
	copy(buf, plaintext)
	enc.CryptBlocks(buf, buf)
	return frame.SealedFrame{Pad: uint8(pad), Ciphertext: buf}
}

// Open decrypts f and strips its padding.
func Open(dec cipher.BlockMode, f frame.SealedFrame) ([]byte, error) {
	bs := dec.BlockSize()
	n := len(f.Ciphertext)
	if n == 0 || n%bs != 0 || f.Pad == 0 || int(f.Pad) > bs || int(f.Pad) > n {
		return nil, fmt.Errorf("%w: pad=%d len=%d", frame.ErrInvalidPadLength, f.Pad, n)
	}
	out := make([]byte, n)
	dec.CryptBlocks(out, f.Ciphertext)
	return out[:n-int(f.Pad)], nil
}
