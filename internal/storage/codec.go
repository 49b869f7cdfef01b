package storage

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/bytedance/sonic"
	"golang.org/x/crypto/hkdf"

	"github.com/sofatutor/httpcache/internal/encryption"
)

var (
	// ErrSignatureInvalid is returned when a signed payload does not verify.
	// It is never downgraded to a cache miss.
	ErrSignatureInvalid = errors.New("storage: signature invalid")

	// ErrNoSecretKey is returned when a signed codec is built without a key.
	ErrNoSecretKey = errors.New("storage: signed codec requires a secret key")
)

// DecodeError wraps any failure to turn stored bytes back into a value,
// except for signature failures.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return "storage: decode failed: " + e.Err.Error() }

func (e *DecodeError) Unwrap() error { return e.Err }

// IsDecodeError reports whether err is (or wraps) a DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// Codec converts values to and from the bytes stored by an engine.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// ByteCodec transforms already serialized bytes (compression, encryption,
// signing). It wraps an inner Codec via Chain.
type ByteCodec interface {
	Encode(data []byte) ([]byte, error)
	Decode(data []byte) ([]byte, error)
}

// JSONCodec serializes values as JSON.
type JSONCodec struct{}

// Marshal implements Codec.
func (JSONCodec) Marshal(v any) ([]byte, error) { return sonic.ConfigStd.Marshal(v) }

// Unmarshal implements Codec.
func (JSONCodec) Unmarshal(data []byte, v any) error {
	if err := sonic.ConfigStd.Unmarshal(data, v); err != nil {
		return &DecodeError{Err: err}
	}
	return nil
}

// Chain applies layers, in order, after base on the write path and in
// reverse order on the read path.
func Chain(base Codec, layers ...ByteCodec) Codec {
	if len(layers) == 0 {
		return base
	}
	return chain{base: base, layers: layers}
}

type chain struct {
	base   Codec
	layers []ByteCodec
}

func (c chain) Marshal(v any) ([]byte, error) {
	data, err := c.base.Marshal(v)
	if err != nil {
		return nil, err
	}
	for _, l := range c.layers {
		if data, err = l.Encode(data); err != nil {
			return nil, err
		}
	}
	return data, nil
}

func (c chain) Unmarshal(data []byte, v any) error {
	var err error
	for i := len(c.layers) - 1; i >= 0; i-- {
		if data, err = c.layers[i].Decode(data); err != nil {
			if errors.Is(err, ErrSignatureInvalid) || IsDecodeError(err) {
				return err
			}
			return &DecodeError{Err: err}
		}
	}
	return c.base.Unmarshal(data, v)
}

// Brotli compresses payloads.
type Brotli struct {
	Quality int
}

// Encode implements ByteCodec.
func (b Brotli) Encode(data []byte) ([]byte, error) {
	q := b.Quality
	if q == 0 {
		q = brotli.DefaultCompression
	}
	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, q)
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("brotli compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("brotli compress: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode implements ByteCodec.
func (Brotli) Decode(data []byte) ([]byte, error) {
	out, err := io.ReadAll(brotli.NewReader(bytes.NewReader(data)))
	if err != nil {
		return nil, &DecodeError{Err: fmt.Errorf("brotli decompress: %w", err)}
	}
	return out, nil
}

// Encrypted seals payloads with AES-256-GCM.
type Encrypted struct {
	Encryptor *encryption.Encryptor
}

// Encode implements ByteCodec.
func (e Encrypted) Encode(data []byte) ([]byte, error) { return e.Encryptor.Seal(data) }

// Decode implements ByteCodec.
func (e Encrypted) Decode(data []byte) ([]byte, error) {
	out, err := e.Encryptor.Open(data)
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	return out, nil
}

// Signed appends an HMAC-SHA256 tag to every payload. The HMAC key is
// derived from each secret and the salt with HKDF. The first secret signs;
// any secret verifies, which allows key rotation.
type Signed struct {
	keys [][]byte
}

const signatureSize = sha256.Size

// NewSigned builds a signing layer. At least one non-empty secret is required.
func NewSigned(salt []byte, secrets ...[]byte) (*Signed, error) {
	s := &Signed{}
	for _, secret := range secrets {
		if len(secret) == 0 {
			continue
		}
		key := make([]byte, 32)
		if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte("httpcache signed codec")), key); err != nil {
			return nil, fmt.Errorf("derive signing key: %w", err)
		}
		s.keys = append(s.keys, key)
	}
	if len(s.keys) == 0 {
		return nil, ErrNoSecretKey
	}
	return s, nil
}

// Encode implements ByteCodec.
func (s *Signed) Encode(data []byte) ([]byte, error) {
	out := make([]byte, 0, len(data)+signatureSize)
	out = append(out, data...)
	return append(out, s.sign(s.keys[0], data)...), nil
}

// Decode implements ByteCodec.
func (s *Signed) Decode(data []byte) ([]byte, error) {
	if len(data) < signatureSize {
		return nil, ErrSignatureInvalid
	}
	payload, tag := data[:len(data)-signatureSize], data[len(data)-signatureSize:]
	for _, key := range s.keys {
		if hmac.Equal(tag, s.sign(key, payload)) {
			return payload, nil
		}
	}
	return nil, ErrSignatureInvalid
}

func (s *Signed) sign(key, data []byte) []byte {
	m := hmac.New(sha256.New, key)
	m.Write(data)
	return m.Sum(nil)
}
