package backend

import (
	"fmt"

	"github.com/sofatutor/httpcache/internal/encryption"
	"github.com/sofatutor/httpcache/internal/storage"
)

// CodecConfig selects the layers applied on top of JSON serialization.
type CodecConfig struct {
	// Compress enables brotli compression.
	Compress bool
	// EncryptionKey is a base64 encoded 32 byte AES key.
	EncryptionKey string
	// SecretKeys enable signing. The first key signs; all keys verify.
	SecretKeys []string
	Salt       string
}

// Codec builds the codec chain: JSON, then compression, encryption and
// signing when configured. Signing is always the outermost layer.
func Codec(cfg CodecConfig) (storage.Codec, error) {
	var layers []storage.ByteCodec
	if cfg.Compress {
		layers = append(layers, storage.Brotli{})
	}
	if cfg.EncryptionKey != "" {
		enc, err := encryption.NewEncryptorFromBase64Key(cfg.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("%w: encryption key: %w", ErrInvalidConfig, err)
		}
		layers = append(layers, storage.Encrypted{Encryptor: enc})
	}
	if len(cfg.SecretKeys) > 0 {
		secrets := make([][]byte, 0, len(cfg.SecretKeys))
		for _, k := range cfg.SecretKeys {
			secrets = append(secrets, []byte(k))
		}
		signed, err := storage.NewSigned([]byte(cfg.Salt), secrets...)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		layers = append(layers, signed)
	}
	return storage.Chain(storage.JSONCodec{}, layers...), nil
}
