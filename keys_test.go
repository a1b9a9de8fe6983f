package capsule_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/capsulefs/capsule"
)

func TestIsValidBucketName(t *testing.T) {
	valid := []string{
		"docs",
		"my-bucket",
		"my.bucket.2026",
		"a1b",
		strings.Repeat("a", 63),
	}
	for _, name := range valid {
		assert.True(t, capsule.IsValidBucketName(name), name)
	}

	invalid := []string{
		"",
		"ab",
		"-starts-with-dash",
		"ends-with-dash-",
		"UPPERCASE",
		"under_score",
		"has space",
		"dots..traverse",
		strings.Repeat("a", 64),
	}
	for _, name := range invalid {
		assert.False(t, capsule.IsValidBucketName(name), name)
	}
}

func TestIsValidObjectKey(t *testing.T) {
	valid := []string{
		"a.txt",
		"nested/path/to/file.bin",
		"folder/",
		"with space.txt",
		"ünïcödé.txt",
	}
	for _, key := range valid {
		assert.True(t, capsule.IsValidObjectKey(key), key)
	}

	invalid := []string{
		"",
		"/",
		".",
		"/absolute",
		"a//b",
		"../escape",
		"a/../b",
		"./relative",
		"a/./b",
		`back\slash`,
		"query?string",
		"frag#ment",
		"ctrl\x00char",
	}
	for _, key := range invalid {
		assert.False(t, capsule.IsValidObjectKey(key), key)
	}
}

func TestGenerateKeys(t *testing.T) {
	access := capsule.GenerateAccessKey()
	assert.True(t, strings.HasPrefix(access, "AKIA"))
	assert.Len(t, access, 20)

	secret := capsule.GenerateSecretKey()
	assert.NotEmpty(t, secret)
	assert.NotEqual(t, secret, capsule.GenerateSecretKey())
}
