package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// signaturePrefix is the scheme tag carried by the signature header.
const signaturePrefix = "sha256="

// Sign computes the signature header value for a raw webhook body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature header against the raw body in
// constant time. The header must carry the sha256= prefix and a 64-hex
// MAC; anything else fails closed, including an empty secret.
func VerifySignature(secret, body []byte, header string) bool {
	if len(secret) == 0 {
		return false
	}
	if !strings.HasPrefix(header, signaturePrefix) {
		return false
	}
	encoded := header[len(signaturePrefix):]
	if len(encoded) != sha256.Size*2 {
		return false
	}
	claimed, err := hex.DecodeString(encoded)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(claimed, mac.Sum(nil))
}
