package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capsulefs/capsule"
	"github.com/capsulefs/capsule/database"
	"github.com/capsulefs/capsule/filesystem"
	capsulehttp "github.com/capsulefs/capsule/http"
)

const testJWTSecret = "handler-test-secret"

type testEnv struct {
	svc    *capsule.Service
	server *httptest.Server
	client *http.Client
}

func newTestEnv(t *testing.T) (*testEnv, context.Context) {
	t.Helper()
	ctx := context.Background()

	store, closeDB, err := database.Connect(ctx, database.Config{Type: "sqlite", DSN: ":memory:"})
	require.NoError(t, err, "connect sqlite")
	t.Cleanup(closeDB)

	storage, err := filesystem.NewStore(t.TempDir())
	require.NoError(t, err, "open spool")

	svc := capsule.NewService(store, storage, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err = svc.CreateVolume(ctx, "test", t.TempDir(), 1<<30, true)
	require.NoError(t, err, "create default volume")

	h := capsulehttp.NewHandler(svc, capsulehttp.HandlerConfig{
		JWTSecret: testJWTSecret,
		TokenTTL:  time.Hour,
	})
	server := httptest.NewServer(h.Router())
	t.Cleanup(server.Close)

	return &testEnv{svc: svc, server: server, client: server.Client()}, ctx
}

// seedBucket creates a bucket directly through the service so tests can
// sign requests with its secret key.
func (e *testEnv) seedBucket(t *testing.T, name string) *capsule.Bucket {
	t.Helper()
	b, err := e.svc.CreateBucket(context.Background(), name, 0, 0)
	require.NoError(t, err, "create bucket")
	return b
}

// signedURL builds a pre-signed object URL for the given operation.
func (e *testEnv) signedURL(b *capsule.Bucket, operation, key string, expires int64) string {
	sig := capsule.SignPresigned(b.SecretKey, operation, b.Name, key, expires)
	q := url.Values{}
	q.Set("signature", sig)
	q.Set("expires", fmt.Sprintf("%d", expires))
	q.Set("operation", operation)
	return e.server.URL + "/" + b.Name + "/" + key + "?" + q.Encode()
}

func (e *testEnv) do(t *testing.T, method, url string, body []byte, hdr map[string]string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := e.client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func readAll(t *testing.T, r io.Reader) []byte {
	t.Helper()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return data
}

func TestPresignedObjectFlow(t *testing.T) {
	env, _ := newTestEnv(t)
	b := env.seedBucket(t, "docs")
	expires := time.Now().Add(15 * time.Minute).Unix()

	put := env.do(t, http.MethodPut, env.signedURL(b, capsule.PresignPut, "report.txt", expires),
		[]byte("quarterly numbers"), map[string]string{
			"Content-Type":    "text/plain",
			"x-amz-meta-team": "finance",
		})
	require.Equal(t, http.StatusOK, put.StatusCode)
	assert.NotEmpty(t, put.Header.Get("ETag"))

	get := env.do(t, http.MethodGet, env.signedURL(b, capsule.PresignGet, "report.txt", expires), nil, nil)
	require.Equal(t, http.StatusOK, get.StatusCode)
	assert.Equal(t, "quarterly numbers", string(readAll(t, get.Body)))
	assert.Equal(t, "text/plain", get.Header.Get("Content-Type"))
	assert.Equal(t, "finance", get.Header.Get("x-amz-meta-team"))

	head := env.do(t, http.MethodHead, env.signedURL(b, capsule.PresignGet, "report.txt", expires), nil, nil)
	require.Equal(t, http.StatusOK, head.StatusCode)
	assert.Equal(t, "17", head.Header.Get("Content-Length"))

	del := env.do(t, http.MethodDelete, env.signedURL(b, capsule.PresignDelete, "report.txt", expires), nil, nil)
	require.Equal(t, http.StatusNoContent, del.StatusCode)

	gone := env.do(t, http.MethodGet, env.signedURL(b, capsule.PresignGet, "report.txt", expires), nil, nil)
	assert.Equal(t, http.StatusNotFound, gone.StatusCode)
}

func TestPresignedSignatureRejected(t *testing.T) {
	env, _ := newTestEnv(t)
	b := env.seedBucket(t, "docs")
	expires := time.Now().Add(15 * time.Minute).Unix()

	tests := []struct {
		name string
		url  string
	}{
		{
			name: "tampered signature",
			url:  env.signedURL(b, capsule.PresignPut, "report.txt", expires) + "0",
		},
		{
			name: "expired",
			url: func() string {
				past := time.Now().Add(-time.Minute).Unix()
				return env.signedURL(b, capsule.PresignPut, "report.txt", past)
			}(),
		},
		{
			name: "operation mismatch",
			url: strings.Replace(
				env.signedURL(b, capsule.PresignGet, "report.txt", expires),
				"operation=GET", "operation=PUT", 1),
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := env.do(t, http.MethodPut, tc.url, []byte("x"), nil)
			require.Equal(t, http.StatusForbidden, resp.StatusCode)

			var doc struct {
				XMLName xml.Name `xml:"Error"`
				Code    string   `xml:"Code"`
			}
			require.NoError(t, xml.Unmarshal(readAll(t, resp.Body), &doc))
			assert.Equal(t, "SignatureDoesNotMatch", doc.Code)
		})
	}
}

func TestErrorDocumentShape(t *testing.T) {
	env, _ := newTestEnv(t)

	resp := env.do(t, http.MethodGet, env.server.URL+"/nosuch/key.txt?signature=x&expires=1&operation=GET", nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	body := readAll(t, resp.Body)
	var doc struct {
		XMLName   xml.Name `xml:"Error"`
		Code      string   `xml:"Code"`
		Message   string   `xml:"Message"`
		Resource  string   `xml:"Resource"`
		RequestID string   `xml:"RequestId"`
	}
	require.NoError(t, xml.Unmarshal(body, &doc))
	assert.Equal(t, "NoSuchBucket", doc.Code)
	assert.Equal(t, "/nosuch/key.txt", doc.Resource)
	assert.NotEmpty(t, doc.Message)
	assert.NotEmpty(t, doc.RequestID)
}

func TestPolicyAuthorization(t *testing.T) {
	env, ctx := newTestEnv(t)
	b := env.seedBucket(t, "public-site")

	policy := `{
		"Version": "2012-10-17",
		"Statement": [{
			"Effect": "Allow",
			"Principal": "*",
			"Action": "s3:GetObject",
			"Resource": "arn:aws:s3:::public-site/*"
		}]
	}`
	_, err := env.svc.UpdateBucket(ctx, b.Name, capsule.BucketUpdate{Policy: &policy})
	require.NoError(t, err)

	expires := time.Now().Add(time.Minute).Unix()
	put := env.do(t, http.MethodPut, env.signedURL(b, capsule.PresignPut, "index.html", expires),
		[]byte("<html></html>"), nil)
	require.Equal(t, http.StatusOK, put.StatusCode)

	// The policy grants anonymous reads, no signature needed.
	get := env.do(t, http.MethodGet, env.server.URL+"/public-site/index.html", nil, nil)
	require.Equal(t, http.StatusOK, get.StatusCode)
	assert.Equal(t, "<html></html>", string(readAll(t, get.Body)))

	// Writes are not covered by the policy.
	deny := env.do(t, http.MethodPut, env.server.URL+"/public-site/evil.html", []byte("x"), nil)
	require.Equal(t, http.StatusForbidden, deny.StatusCode)

	var doc struct {
		Code string `xml:"Code"`
	}
	require.NoError(t, xml.Unmarshal(readAll(t, deny.Body), &doc))
	assert.Equal(t, "AccessDenied", doc.Code)
}

func TestListObjectsXML(t *testing.T) {
	env, ctx := newTestEnv(t)
	b := env.seedBucket(t, "media")

	for _, key := range []string{"photos/a.jpg", "photos/b.jpg", "readme.txt"} {
		_, err := env.svc.PutObject(ctx, b.Name, key, []byte("data"), capsule.PutOptions{})
		require.NoError(t, err)
	}

	expires := time.Now().Add(time.Minute).Unix()
	sig := capsule.SignPresigned(b.SecretKey, capsule.PresignGet, b.Name, "", expires)
	listURL := fmt.Sprintf("%s/media?delimiter=%%2F&signature=%s&expires=%d&operation=GET",
		env.server.URL, sig, expires)

	resp := env.do(t, http.MethodGet, listURL, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/xml", resp.Header.Get("Content-Type"))

	var doc struct {
		XMLName  xml.Name `xml:"ListBucketResult"`
		Name     string   `xml:"Name"`
		Contents []struct {
			Key  string `xml:"Key"`
			ETag string `xml:"ETag"`
			Size int64  `xml:"Size"`
		} `xml:"Contents"`
		CommonPrefixes []struct {
			Prefix string `xml:"Prefix"`
		} `xml:"CommonPrefixes"`
	}
	require.NoError(t, xml.Unmarshal(readAll(t, resp.Body), &doc))

	assert.Equal(t, "media", doc.Name)
	require.Len(t, doc.Contents, 1)
	assert.Equal(t, "readme.txt", doc.Contents[0].Key)
	assert.Equal(t, int64(4), doc.Contents[0].Size)
	assert.True(t, strings.HasPrefix(doc.Contents[0].ETag, `"`), "etag quoted")
	require.Len(t, doc.CommonPrefixes, 1)
	assert.Equal(t, "photos/", doc.CommonPrefixes[0].Prefix)

	// The v2 flavor adds KeyCount.
	v2 := env.do(t, http.MethodGet, listURL+"&list-type=2", nil, nil)
	require.Equal(t, http.StatusOK, v2.StatusCode)

	var v2doc struct {
		KeyCount *int `xml:"KeyCount"`
	}
	require.NoError(t, xml.Unmarshal(readAll(t, v2.Body), &v2doc))
	require.NotNil(t, v2doc.KeyCount)
	assert.Equal(t, 2, *v2doc.KeyCount)
}

func TestMultipartOverHTTP(t *testing.T) {
	env, _ := newTestEnv(t)
	b := env.seedBucket(t, "backups")
	expires := time.Now().Add(time.Hour).Unix()

	initiate := env.do(t, http.MethodPost,
		env.signedURL(b, capsule.PresignPut, "dump.bin", expires)+"&uploads", nil, nil)
	require.Equal(t, http.StatusOK, initiate.StatusCode)

	var init struct {
		XMLName  xml.Name `xml:"InitiateMultipartUploadResult"`
		UploadID string   `xml:"UploadId"`
	}
	require.NoError(t, xml.Unmarshal(readAll(t, initiate.Body), &init))
	require.NotEmpty(t, init.UploadID)

	parts := [][]byte{
		bytes.Repeat([]byte("a"), 1024),
		bytes.Repeat([]byte("b"), 512),
	}
	etags := make([]string, len(parts))
	for i, data := range parts {
		u := fmt.Sprintf("%s&uploadId=%s&partNumber=%d",
			env.signedURL(b, capsule.PresignPut, "dump.bin", expires), init.UploadID, i+1)
		resp := env.do(t, http.MethodPut, u, data, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		etags[i] = strings.Trim(resp.Header.Get("ETag"), `"`)
	}

	var complete bytes.Buffer
	complete.WriteString("<CompleteMultipartUpload>")
	for i, etag := range etags {
		fmt.Fprintf(&complete, "<Part><PartNumber>%d</PartNumber><ETag>%s</ETag></Part>", i+1, etag)
	}
	complete.WriteString("</CompleteMultipartUpload>")

	done := env.do(t, http.MethodPost,
		env.signedURL(b, capsule.PresignPut, "dump.bin", expires)+"&uploadId="+init.UploadID,
		complete.Bytes(), nil)
	require.Equal(t, http.StatusOK, done.StatusCode)

	var res struct {
		XMLName xml.Name `xml:"CompleteMultipartUploadResult"`
		ETag    string   `xml:"ETag"`
	}
	require.NoError(t, xml.Unmarshal(readAll(t, done.Body), &res))
	assert.True(t, strings.HasSuffix(strings.Trim(res.ETag, `"`), "-2"), "multipart etag suffix")

	get := env.do(t, http.MethodGet, env.signedURL(b, capsule.PresignGet, "dump.bin", expires), nil, nil)
	require.Equal(t, http.StatusOK, get.StatusCode)
	body := readAll(t, get.Body)
	assert.Len(t, body, 1536)
	assert.Equal(t, append(parts[0], parts[1]...), body)
}

func TestBucketAdminRequiresToken(t *testing.T) {
	env, _ := newTestEnv(t)

	resp := env.do(t, http.MethodPut, env.server.URL+"/newbucket/", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	bad := env.do(t, http.MethodPut, env.server.URL+"/newbucket/", nil,
		map[string]string{"Authorization": "Bearer not-a-token"})
	assert.Equal(t, http.StatusUnauthorized, bad.StatusCode)
}

func TestManagementAPI(t *testing.T) {
	env, ctx := newTestEnv(t)

	_, err := env.svc.CreateUser(ctx, "admin@example.com", "hunter22!", "Admin", capsule.RoleSuperAdmin)
	require.NoError(t, err)
	_, err = env.svc.CreateUser(ctx, "dev@example.com", "hunter22!", "Dev", capsule.RoleUser)
	require.NoError(t, err)

	login := func(email string) string {
		t.Helper()
		body, _ := json.Marshal(map[string]string{"email": email, "password": "hunter22!"})
		resp := env.do(t, http.MethodPost, env.server.URL+"/api/auth/login", body,
			map[string]string{"Content-Type": "application/json"})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var out struct {
			Token string `json:"token"`
		}
		require.NoError(t, json.Unmarshal(readAll(t, resp.Body), &out))
		require.NotEmpty(t, out.Token)
		return out.Token
	}
	adminTok := login("admin@example.com")
	devTok := login("dev@example.com")

	t.Run("rejects bad password", func(t *testing.T) {
		body, _ := json.Marshal(map[string]string{"email": "admin@example.com", "password": "wrong"})
		resp := env.do(t, http.MethodPost, env.server.URL+"/api/auth/login", body, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("requires bearer token", func(t *testing.T) {
		resp := env.do(t, http.MethodGet, env.server.URL+"/api/buckets", nil, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("bucket lifecycle", func(t *testing.T) {
		auth := map[string]string{"Authorization": "Bearer " + adminTok}

		body, _ := json.Marshal(map[string]any{"name": "reports"})
		created := env.do(t, http.MethodPost, env.server.URL+"/api/buckets", body, auth)
		require.Equal(t, http.StatusCreated, created.StatusCode)

		var b capsule.Bucket
		require.NoError(t, json.Unmarshal(readAll(t, created.Body), &b))
		assert.Equal(t, "reports", b.Name)
		assert.True(t, strings.HasPrefix(b.AccessKey, "AKIA"))

		dup := env.do(t, http.MethodPost, env.server.URL+"/api/buckets", body, auth)
		assert.Equal(t, http.StatusConflict, dup.StatusCode)

		got := env.do(t, http.MethodGet, env.server.URL+"/api/buckets/reports", nil, auth)
		require.Equal(t, http.StatusOK, got.StatusCode)

		del := env.do(t, http.MethodDelete, env.server.URL+"/api/buckets/reports", nil, auth)
		assert.Equal(t, http.StatusNoContent, del.StatusCode)
	})

	t.Run("volume creation is superadmin only", func(t *testing.T) {
		body, _ := json.Marshal(map[string]any{
			"name": "extra", "path": t.TempDir(), "capacity": int64(1 << 20),
		})

		denied := env.do(t, http.MethodPost, env.server.URL+"/api/volumes", body,
			map[string]string{"Authorization": "Bearer " + devTok})
		assert.Equal(t, http.StatusForbidden, denied.StatusCode)

		ok := env.do(t, http.MethodPost, env.server.URL+"/api/volumes", body,
			map[string]string{"Authorization": "Bearer " + adminTok})
		assert.Equal(t, http.StatusCreated, ok.StatusCode)
	})

	t.Run("presign issued by API is honored", func(t *testing.T) {
		auth := map[string]string{"Authorization": "Bearer " + adminTok}

		body, _ := json.Marshal(map[string]any{"name": "signed"})
		created := env.do(t, http.MethodPost, env.server.URL+"/api/buckets", body, auth)
		require.Equal(t, http.StatusCreated, created.StatusCode)

		preq, _ := json.Marshal(map[string]any{
			"key": "hello.txt", "operation": "PUT", "expires_in": 300,
		})
		presp := env.do(t, http.MethodPost, env.server.URL+"/api/buckets/signed/presign", preq, auth)
		require.Equal(t, http.StatusOK, presp.StatusCode)

		var out struct {
			URL string `json:"url"`
		}
		require.NoError(t, json.Unmarshal(readAll(t, presp.Body), &out))
		require.NotEmpty(t, out.URL)

		put := env.do(t, http.MethodPut, env.server.URL+out.URL, []byte("hi"), nil)
		assert.Equal(t, http.StatusOK, put.StatusCode)
	})
}

func TestVersionedObjectOverHTTP(t *testing.T) {
	env, ctx := newTestEnv(t)
	b := env.seedBucket(t, "vers")
	enabled := true
	_, err := env.svc.UpdateBucket(ctx, b.Name, capsule.BucketUpdate{VersioningEnabled: &enabled})
	require.NoError(t, err)

	expires := time.Now().Add(time.Minute).Unix()
	first := env.do(t, http.MethodPut, env.signedURL(b, capsule.PresignPut, "note.txt", expires), []byte("v1"), nil)
	require.Equal(t, http.StatusOK, first.StatusCode)
	v1 := first.Header.Get("x-amz-version-id")
	require.NotEmpty(t, v1)

	second := env.do(t, http.MethodPut, env.signedURL(b, capsule.PresignPut, "note.txt", expires), []byte("v2"), nil)
	require.Equal(t, http.StatusOK, second.StatusCode)

	// Latest wins without a version id.
	latest := env.do(t, http.MethodGet, env.signedURL(b, capsule.PresignGet, "note.txt", expires), nil, nil)
	require.Equal(t, http.StatusOK, latest.StatusCode)
	assert.Equal(t, "v2", string(readAll(t, latest.Body)))

	old := env.do(t, http.MethodGet,
		env.signedURL(b, capsule.PresignGet, "note.txt", expires)+"&versionId="+v1, nil, nil)
	require.Equal(t, http.StatusOK, old.StatusCode)
	assert.Equal(t, "v1", string(readAll(t, old.Body)))
	assert.Equal(t, v1, old.Header.Get("x-amz-version-id"))

	// An unversioned delete answers with the marker it wrote.
	del := env.do(t, http.MethodDelete, env.signedURL(b, capsule.PresignDelete, "note.txt", expires), nil, nil)
	require.Equal(t, http.StatusNoContent, del.StatusCode)
	assert.Equal(t, "true", del.Header.Get("x-amz-delete-marker"))
	assert.NotEmpty(t, del.Header.Get("x-amz-version-id"))
}
