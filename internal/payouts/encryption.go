package payouts

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	jose "github.com/go-jose/go-jose/v4"
)

const (
	pemHeader = "-----BEGIN PUBLIC KEY-----"
	pemFooter = "-----END PUBLIC KEY-----"
)

// PayloadEncrypter seals payout request bodies as compact JWE
// (RSA-OAEP-256 key wrap, A128GCM content).
type PayloadEncrypter struct {
	encrypter jose.Encrypter
}

// NewPayloadEncrypter loads the provider's RSA public key from pemOrBase64,
// falling back to the file at path.
func NewPayloadEncrypter(pemOrBase64, path string) (*PayloadEncrypter, error) {
	material := strings.TrimSpace(pemOrBase64)
	if material == "" && strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(strings.TrimSpace(path))
		if err != nil {
			return nil, fmt.Errorf("read payout public key: %w", err)
		}
		material = strings.TrimSpace(string(raw))
	}
	if material == "" {
		return nil, fmt.Errorf("payout public key required for ENCRYPTION mode")
	}
	key, err := parsePublicKey(material)
	if err != nil {
		return nil, err
	}
	opts := (&jose.EncrypterOptions{}).WithContentType(jose.ContentType("application/json"))
	encrypter, err := jose.NewEncrypter(jose.A128GCM, jose.Recipient{Algorithm: jose.RSA_OAEP_256, Key: key}, opts)
	if err != nil {
		return nil, fmt.Errorf("build payout encrypter: %w", err)
	}
	return &PayloadEncrypter{encrypter: encrypter}, nil
}

// Encrypt marshals payload to JSON and returns the compact JWE.
func (e *PayloadEncrypter) Encrypt(payload any) (string, error) {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payout payload: %w", err)
	}
	object, err := e.encrypter.Encrypt(plaintext)
	if err != nil {
		return "", fmt.Errorf("encrypt payout payload: %w", err)
	}
	return object.CompactSerialize()
}

func parsePublicKey(material string) (*rsa.PublicKey, error) {
	normalized := strings.NewReplacer(pemHeader, "", pemFooter, "").Replace(material)
	normalized = strings.Join(strings.Fields(normalized), "")
	der, err := base64.StdEncoding.DecodeString(normalized)
	if err != nil {
		return nil, fmt.Errorf("decode payout public key: %w", err)
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse payout public key: %w", err)
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("payout public key is %T, want RSA", parsed)
	}
	return key, nil
}
