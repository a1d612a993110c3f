package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/mylo-james/myloware/internal/domain"
)

// SignatureHeader is the header providers put their HMAC signature in.
// Accepted formats: bare hex digest or "sha256=<hex>".
const SignatureHeader = "X-Mylo-Signature"

// ErrUnverifiable marks a provider with no webhook secret configured. The
// event is still admitted; its admission record carries the unverifiable
// status.
var ErrUnverifiable = errors.New("no webhook secret configured")

// SignHMAC computes the hex HMAC-SHA256 of body.
func SignHMAC(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC checks the signature header against the request body. A
// missing or mismatched signature wraps domain.ErrInvalidSignature.
func VerifyHMAC(secret string, body []byte, headers http.Header) error {
	got := headers.Get(SignatureHeader)
	if got == "" {
		return fmt.Errorf("%w: missing %s header", domain.ErrInvalidSignature, SignatureHeader)
	}
	got = strings.TrimPrefix(got, "sha256=")

	want := SignHMAC(secret, body)
	if !hmac.Equal([]byte(want), []byte(got)) {
		return fmt.Errorf("%w: signature mismatch", domain.ErrInvalidSignature)
	}
	return nil
}
