package capsule_test

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/capsulefs/capsule"
)

func TestVerifyPresigned(t *testing.T) {
	const secret = "test-secret-key"
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	expires := now.Add(15 * time.Minute).Unix()

	sign := func(op, bucket, key string, exp int64) capsule.PresignedURLParams {
		return capsule.PresignedURLParams{
			Signature: capsule.SignPresigned(secret, op, bucket, key, exp),
			Expires:   strconv.FormatInt(exp, 10),
			Operation: op,
		}
	}

	tests := []struct {
		name    string
		params  capsule.PresignedURLParams
		op      string
		key     string // defaults to a.txt
		wantErr bool
	}{
		{
			name:   "valid get",
			params: sign(capsule.PresignGet, "docs", "a.txt", expires),
			op:     capsule.PresignGet,
		},
		{
			name:   "valid put with nested key",
			params: sign(capsule.PresignPut, "docs", "deep/path/b.txt", expires),
			op:     capsule.PresignPut,
			key:    "deep/path/b.txt",
		},
		{
			name:    "expired",
			params:  sign(capsule.PresignGet, "docs", "a.txt", now.Add(-time.Minute).Unix()),
			op:      capsule.PresignGet,
			wantErr: true,
		},
		{
			name:    "operation mismatch",
			params:  sign(capsule.PresignGet, "docs", "a.txt", expires),
			op:      capsule.PresignDelete,
			wantErr: true,
		},
		{
			name: "tampered signature",
			params: capsule.PresignedURLParams{
				Signature: "0000000000000000000000000000000000000000000000000000000000000000",
				Expires:   strconv.FormatInt(expires, 10),
				Operation: capsule.PresignGet,
			},
			op:      capsule.PresignGet,
			wantErr: true,
		},
		{
			name: "garbage expires",
			params: capsule.PresignedURLParams{
				Signature: capsule.SignPresigned(secret, capsule.PresignGet, "docs", "a.txt", expires),
				Expires:   "not-a-number",
				Operation: capsule.PresignGet,
			},
			op:      capsule.PresignGet,
			wantErr: true,
		},
		{
			name:    "signed for different key",
			params:  sign(capsule.PresignGet, "docs", "other.txt", expires),
			op:      capsule.PresignGet,
			wantErr: true,
		},
		{
			name:    "signed for different bucket",
			params:  sign(capsule.PresignGet, "other", "a.txt", expires),
			op:      capsule.PresignGet,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := tt.key
			if key == "" {
				key = "a.txt"
			}
			err := capsule.VerifyPresigned(secret, "docs", key, tt.op, tt.params, now)
			if tt.wantErr {
				assert.ErrorIs(t, err, capsule.ErrSignatureMismatch)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPresignedURLParamsPresent(t *testing.T) {
	assert.False(t, capsule.PresignedURLParams{}.Present())
	assert.False(t, capsule.PresignedURLParams{Signature: "abc"}.Present())
	assert.True(t, capsule.PresignedURLParams{Signature: "abc", Expires: "123"}.Present())
}

func TestSignPresignedDeterministic(t *testing.T) {
	a := capsule.SignPresigned("s", capsule.PresignGet, "b", "k", 100)
	b := capsule.SignPresigned("s", capsule.PresignGet, "b", "k", 100)
	assert.Equal(t, a, b)

	c := capsule.SignPresigned("other", capsule.PresignGet, "b", "k", 100)
	assert.NotEqual(t, a, c)
}
