// Package webhook receives push deliveries from the email extractor
// and the form relay. Handlers verify the sender, acknowledge fast,
// and hand the envelope to the ingestion pipeline in the background;
// the delivering service never waits on a database transaction.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignatureHeader carries the HMAC of the raw request body.
const SignatureHeader = "X-Portfolio-Signature"

const signaturePrefix = "sha256="

// Sign computes the hex HMAC-SHA256 of body, in the header format the
// delivering services send.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a delivery signature against the raw body, before any
// parsing. Comparison is constant time.
func Verify(secret, body []byte, header string) bool {
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, signaturePrefix) {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, signaturePrefix))
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
