package crypto

import (
	"encoding/base64"
	"fmt"
)

// encodeB64 encodes a byte slice as unpadded base64url, the encoding used
// throughout the wire protocol for keys, nonce bases, and manifest nonces.
func encodeB64(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

// decodeB64 decodes an unpadded base64url string.
func decodeB64(s string) ([]byte, error) {
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid base64url string: %w", err)
	}
	return data, nil
}

// EncodeNonceBase renders a NonceBase as the unpadded base64url string
// used in the manifest wire format (spec.md §6).
func EncodeNonceBase(nonceBase []byte) string {
	return encodeB64(nonceBase)
}

// DecodeNonceBase parses a NonceBase from its wire encoding, validating
// its length.
func DecodeNonceBase(s string) ([]byte, error) {
	data, err := decodeB64(s)
	if err != nil {
		return nil, err
	}
	if len(data) != NonceBaseSize {
		return nil, fmt.Errorf("nonce base must be %d bytes, got %d", NonceBaseSize, len(data))
	}
	return data, nil
}

// EncodeSessionKey renders a SessionKey as the unpadded base64url string
// embedded in the URL fragment (spec.md §6).
func EncodeSessionKey(key []byte) string {
	return encodeB64(key)
}

// DecodeSessionKey parses a SessionKey from its URL-fragment encoding.
func DecodeSessionKey(s string) ([]byte, error) {
	data, err := decodeB64(s)
	if err != nil {
		return nil, err
	}
	if len(data) != SessionKeySize {
		return nil, fmt.Errorf("session key must be %d bytes, got %d", SessionKeySize, len(data))
	}
	return data, nil
}
