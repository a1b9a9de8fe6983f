package capsule

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var bucketNameRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

// IsValidBucketName validates a bucket name. Names appear in URLs and in
// filesystem paths, so anything that could traverse out of a volume root
// is rejected along with names outside the usual S3 character set.
func IsValidBucketName(name string) bool {
	if !bucketNameRegex.MatchString(name) {
		return false
	}

	if strings.Contains(name, "..") {
		return false
	}

	return true
}

// IsValidObjectKey validates an object key. A key:
//   - is not empty, ".", or "/"
//   - is relative (does not start with "/")
//   - may end with "/" (folder placeholder)
//   - does not contain ".." (path traversal)
//   - does not contain "//" (empty segments)
//   - does not contain "." segments
//   - does not contain invalid characters: \ ? #
//   - is valid UTF-8 with no control characters
func IsValidObjectKey(key string) bool {
	if key == "" || key == "/" || key == "." {
		return false
	}

	if key[0] == '/' {
		return false
	}

	if strings.Contains(key, "..") {
		return false
	}

	if strings.Contains(key, "//") {
		return false
	}

	if strings.ContainsAny(key, `\?#`) {
		return false
	}

	if !utf8.ValidString(key) {
		return false
	}

	if key == "./" || strings.HasPrefix(key, "./") || strings.Contains(key, "/./") || strings.HasSuffix(key, "/.") {
		return false
	}

	for _, r := range key {
		if r < 0x20 || r == 0x7f {
			return false
		}
		if unicode.IsControl(r) {
			return false
		}
	}

	return true
}

// GenerateAccessKey returns a fresh access key id in the conventional
// "AKIA" + 16 hex characters shape.
func GenerateAccessKey() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return "AKIA" + strings.ToUpper(hex.EncodeToString(b))
}

// GenerateSecretKey returns a fresh base64-encoded secret key.
func GenerateSecretKey() string {
	b := make([]byte, 20)
	_, _ = rand.Read(b)
	return base64.StdEncoding.EncodeToString(b)
}
