package config

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrEmptyKey is returned by Resolve when the source yields no key bytes.
var ErrEmptyKey = errors.New("signing key is empty")

// sources counts the configured key sources.
func (k SigningKeyConfig) sources() int {
	n := 0
	for _, s := range []string{k.Value, k.FromEnv, k.File} {
		if s != "" {
			n++
		}
	}
	return n
}

// Resolve reads and decodes the signing key.
func (k SigningKeyConfig) Resolve() ([]byte, error) {
	if k.sources() != 1 {
		return nil, errors.New("signing_key: specify exactly one of value, from_env or file")
	}

	var raw string
	switch {
	case k.Value != "":
		raw = k.Value
	case k.FromEnv != "":
		v, ok := os.LookupEnv(k.FromEnv)
		if !ok {
			return nil, fmt.Errorf("signing_key: environment variable %s is not set", k.FromEnv)
		}
		raw = v
	default:
		b, err := os.ReadFile(k.File)
		if err != nil {
			return nil, fmt.Errorf("signing_key: %w", err)
		}
		raw = string(b)
	}

	key, err := decodeKey(raw, k.Encoding)
	if err != nil {
		return nil, fmt.Errorf("signing_key: %w", err)
	}
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}
	return key, nil
}

func decodeKey(raw, encoding string) ([]byte, error) {
	switch encoding {
	case EncodingBytes:
		return []byte(raw), nil
	case EncodingHex, "":
		b, err := hex.DecodeString(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("decode hex: %w", err)
		}
		return b, nil
	case EncodingBase64:
		b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("decode base64: %w", err)
		}
		return b, nil
	}
	return nil, fmt.Errorf("unknown encoding %q", encoding)
}
