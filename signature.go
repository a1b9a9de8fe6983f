package capsule

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// Pre-signed URL operations.
const (
	PresignGet    = "GET"
	PresignPut    = "PUT"
	PresignDelete = "DELETE"
)

// MaxPresignExpiry bounds how far in the future a pre-signed URL may be
// valid, matching the conventional 7-day S3 limit.
const MaxPresignExpiry = 7 * 24 * time.Hour

// SignPresigned computes the pre-signed URL signature for an operation on
// (bucket, key) expiring at the given unix timestamp. The string to sign
// is "{operation}\n{bucket}\n{key}\n{expires}" and the signature is its
// hex-encoded HMAC-SHA256 under the bucket's secret key.
func SignPresigned(secretKey, operation, bucket, key string, expires int64) string {
	stringToSign := fmt.Sprintf("%s\n%s\n%s\n%d", operation, bucket, key, expires)

	mac := hmac.New(sha256.New, []byte(secretKey))
	mac.Write([]byte(stringToSign))
	return hex.EncodeToString(mac.Sum(nil))
}

// PresignedURLParams are the query parameters carried by a pre-signed
// request.
type PresignedURLParams struct {
	Signature string
	Expires   string
	Operation string
}

// Present reports whether the request carries pre-signed parameters at all.
func (p PresignedURLParams) Present() bool {
	return p.Signature != "" && p.Expires != ""
}

// VerifyPresigned validates a pre-signed request against the bucket's
// secret key for the expected operation. It returns ErrSignatureMismatch
// when the URL has expired, the operation does not match, or the
// signature does not verify. Comparison is constant-time.
func VerifyPresigned(secretKey, bucket, key, expectedOperation string, params PresignedURLParams, now time.Time) error {
	expires, err := strconv.ParseInt(params.Expires, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid expires %q: %w", params.Expires, ErrSignatureMismatch)
	}

	if now.Unix() > expires {
		return fmt.Errorf("pre-signed URL expired: %w", ErrSignatureMismatch)
	}

	if params.Operation != "" && params.Operation != expectedOperation {
		return fmt.Errorf("pre-signed operation mismatch: %w", ErrSignatureMismatch)
	}

	expected := SignPresigned(secretKey, expectedOperation, bucket, key, expires)
	if !hmac.Equal([]byte(expected), []byte(params.Signature)) {
		return fmt.Errorf("signature mismatch: %w", ErrSignatureMismatch)
	}

	return nil
}
