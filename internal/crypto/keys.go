package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

var b64 = base64.StdEncoding

// SignatureB64 signs payload and returns the std-base64 signature.
func SignatureB64(priv ed25519.PrivateKey, payload []byte) string {
	return b64.EncodeToString(ed25519.Sign(priv, payload))
}

// Verify checks a base64 signature over payload. Malformed input returns
// false, never an error.
func Verify(pub ed25519.PublicKey, payload []byte, signature string) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := decodeLooseBase64(signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, payload, sig)
}

// ParsePublicKey accepts a PKIX PEM block or a bare base64 ed25519 key.
func ParsePublicKey(encoded string) (ed25519.PublicKey, error) {
	buf := strings.TrimSpace(encoded)
	if buf == "" {
		return nil, errors.New("empty public key")
	}
	if strings.HasPrefix(buf, "-----BEGIN") {
		block, _ := pem.Decode([]byte(buf))
		if block == nil {
			return nil, errors.New("invalid public key pem")
		}
		parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse public key pem: %w", err)
		}
		pk, ok := parsed.(ed25519.PublicKey)
		if !ok {
			return nil, errors.New("public key is not ed25519")
		}
		return pk, nil
	}
	b, err := decodeLooseBase64(buf)
	if err != nil {
		return nil, err
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key length %d invalid", len(b))
	}
	return ed25519.PublicKey(b), nil
}

func MarshalPublicPEM(pub ed25519.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

func marshalPrivatePEM(priv ed25519.PrivateKey) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", fmt.Errorf("marshal private key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})), nil
}

func parsePrivatePEM(encoded string) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode([]byte(strings.TrimSpace(encoded)))
	if block == nil {
		return nil, errors.New("invalid private key pem")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse pkcs8 private key: %w", err)
	}
	pk, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not ed25519")
	}
	return pk, nil
}

// KeyID fingerprints a public key for stable, loggable identification.
func KeyID(pub ed25519.PublicKey) string {
	h := sha256.Sum256(pub)
	return "ed25519:" + hex.EncodeToString(h[:8])
}

func decodeLooseBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	candidates := []func(string) ([]byte, error){
		base64.StdEncoding.DecodeString,
		base64.RawStdEncoding.DecodeString,
		base64.URLEncoding.DecodeString,
		base64.RawURLEncoding.DecodeString,
	}
	for _, fn := range candidates {
		if b, err := fn(s); err == nil {
			return b, nil
		}
	}
	return nil, errors.New("value is not valid base64")
}
