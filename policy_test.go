package capsule_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capsulefs/capsule"
)

func TestParsePolicy(t *testing.T) {
	raw := []byte(`{
		"Version": "2012-10-17",
		"Statement": [
			{
				"Sid": "PublicRead",
				"Effect": "Allow",
				"Principal": "*",
				"Action": ["s3:GetObject"],
				"Resource": "arn:aws:s3:::docs/*"
			},
			{
				"Effect": "Deny",
				"Principal": ["AKIABADACTOR"],
				"Action": "s3:*",
				"Resource": ["arn:aws:s3:::docs/*"]
			}
		]
	}`)

	doc, err := capsule.ParsePolicy(raw)
	require.NoError(t, err)
	require.NoError(t, doc.Validate())
	require.Len(t, doc.Statement, 2)

	// String and slice forms both decode into a slice.
	assert.Equal(t, []string{"s3:GetObject"}, []string(doc.Statement[0].Action))
	assert.Equal(t, []string{"s3:*"}, []string(doc.Statement[1].Action))
	assert.Equal(t, []string{"arn:aws:s3:::docs/*"}, []string(doc.Statement[0].Resource))
}

func TestPolicyValidate(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"no statements", `{"Version":"2012-10-17","Statement":[]}`},
		{"bad effect", `{"Statement":[{"Effect":"Maybe","Action":"s3:GetObject","Resource":"arn:aws:s3:::b/*"}]}`},
		{"missing action", `{"Statement":[{"Effect":"Allow","Resource":"arn:aws:s3:::b/*"}]}`},
		{"missing resource", `{"Statement":[{"Effect":"Allow","Action":"s3:GetObject"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// ParsePolicy validates after decoding, so a structural
			// defect surfaces as a parse error.
			_, err := capsule.ParsePolicy([]byte(tt.raw))
			assert.ErrorIs(t, err, capsule.ErrInvalidArgument)

			var doc capsule.PolicyDocument
			require.NoError(t, json.Unmarshal([]byte(tt.raw), &doc))
			assert.Error(t, doc.Validate())
		})
	}

	_, err := capsule.ParsePolicy([]byte(`{not json`))
	assert.Error(t, err)
}

func TestPolicyEvaluate(t *testing.T) {
	doc, err := capsule.ParsePolicy([]byte(`{
		"Statement": [
			{"Effect":"Allow","Principal":"*","Action":"s3:GetObject","Resource":"arn:aws:s3:::docs/public/*"},
			{"Effect":"Allow","Principal":["AKIAWRITER"],"Action":["s3:PutObject","s3:DeleteObject"],"Resource":"arn:aws:s3:::docs/*"},
			{"Effect":"Deny","Principal":"*","Action":"s3:*","Resource":"arn:aws:s3:::docs/secret/*"}
		]
	}`))
	require.NoError(t, err)

	tests := []struct {
		name    string
		req     capsule.PolicyRequest
		allowed bool
	}{
		{
			name:    "public read allowed for anyone",
			req:     capsule.PolicyRequest{Principal: "", Action: "s3:GetObject", Resource: "arn:aws:s3:::docs/public/a.txt"},
			allowed: true,
		},
		{
			name:    "writer can put anywhere in bucket",
			req:     capsule.PolicyRequest{Principal: "AKIAWRITER", Action: "s3:PutObject", Resource: "arn:aws:s3:::docs/x"},
			allowed: true,
		},
		{
			name:    "other principal cannot put",
			req:     capsule.PolicyRequest{Principal: "AKIAOTHER", Action: "s3:PutObject", Resource: "arn:aws:s3:::docs/x"},
			allowed: false,
		},
		{
			name:    "default deny when nothing matches",
			req:     capsule.PolicyRequest{Principal: "", Action: "s3:GetObject", Resource: "arn:aws:s3:::docs/private/a.txt"},
			allowed: false,
		},
		{
			name:    "explicit deny wins over allow",
			req:     capsule.PolicyRequest{Principal: "AKIAWRITER", Action: "s3:PutObject", Resource: "arn:aws:s3:::docs/secret/x"},
			allowed: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, doc.Evaluate(tt.req))
		})
	}
}

func TestAuthorizeObjectAccess(t *testing.T) {
	svc := capsule.NewService(nil, nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	now := time.Now()

	b := &capsule.Bucket{
		Name:      "docs",
		SecretKey: "bucket-secret",
		Policy:    `{"Statement":[{"Effect":"Allow","Principal":"*","Action":"s3:GetObject","Resource":"arn:aws:s3:::docs/public/*"}]}`,
	}

	presign := func(op, key string, exp int64) capsule.PresignedURLParams {
		return capsule.PresignedURLParams{
			Signature: capsule.SignPresigned(b.SecretKey, op, b.Name, key, exp),
			Expires:   strconv.FormatInt(exp, 10),
			Operation: op,
		}
	}

	// A valid pre-signed URL is sufficient on its own.
	err := svc.AuthorizeObjectAccess(b, "private/a.txt", "s3:GetObject", capsule.PresignGet,
		presign(capsule.PresignGet, "private/a.txt", now.Add(time.Minute).Unix()), "", now)
	assert.NoError(t, err)

	// A bad pre-signed URL fails even where the policy would allow.
	err = svc.AuthorizeObjectAccess(b, "public/a.txt", "s3:GetObject", capsule.PresignGet,
		presign(capsule.PresignGet, "public/a.txt", now.Add(-time.Minute).Unix()), "", now)
	assert.ErrorIs(t, err, capsule.ErrSignatureMismatch)

	// Without presign params the policy decides.
	err = svc.AuthorizeObjectAccess(b, "public/a.txt", "s3:GetObject", capsule.PresignGet,
		capsule.PresignedURLParams{}, "", now)
	assert.NoError(t, err)

	err = svc.AuthorizeObjectAccess(b, "private/a.txt", "s3:GetObject", capsule.PresignGet,
		capsule.PresignedURLParams{}, "", now)
	assert.ErrorIs(t, err, capsule.ErrAccessDenied)

	// No policy at all means deny.
	bare := &capsule.Bucket{Name: "docs", SecretKey: "s"}
	err = svc.AuthorizeObjectAccess(bare, "a.txt", "s3:GetObject", capsule.PresignGet,
		capsule.PresignedURLParams{}, "", now)
	assert.ErrorIs(t, err, capsule.ErrAccessDenied)
}

func TestObjectResourceARN(t *testing.T) {
	assert.Equal(t, "arn:aws:s3:::docs/a/b.txt", capsule.ObjectResourceARN("docs", "a/b.txt"))
}
