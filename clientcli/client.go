package clientcli

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/capsulefs/capsule"
)

// DefaultExpires is how long generated pre-signed URLs stay valid, in
// seconds.
const DefaultExpires = 900

// Client talks to a Capsule server using pre-signed URLs.
type Client struct {
	cfg  *Config
	http *http.Client
}

func New(cfg *Config) (*Client, error) {
	if cfg.Server == "" {
		return nil, fmt.Errorf("server URL is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("access key and secret key are required")
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: 5 * time.Minute},
	}, nil
}

// presignURL builds a full pre-signed URL for an operation on key.
func (c *Client) presignURL(operation, key string, expiresIn int64) string {
	key = strings.TrimPrefix(key, "/")
	expires := time.Now().Unix() + expiresIn
	signature := capsule.SignPresigned(c.cfg.SecretKey, operation, c.cfg.Bucket, key, expires)

	q := url.Values{}
	q.Set("signature", signature)
	q.Set("expires", fmt.Sprintf("%d", expires))
	q.Set("operation", operation)

	base := strings.TrimSuffix(c.cfg.Server, "/")
	return fmt.Sprintf("%s/%s/%s?%s", base, c.cfg.Bucket, key, q.Encode())
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	req.Header.Set("x-amz-access-key", c.cfg.AccessKey)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer func() { _ = resp.Body.Close() }()
		return nil, decodeError(resp)
	}
	return resp, nil
}

func decodeError(resp *http.Response) error {
	var doc struct {
		Code    string `xml:"Code"`
		Message string `xml:"Message"`
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := xml.Unmarshal(body, &doc); err == nil && doc.Code != "" {
		return fmt.Errorf("%s: %s", doc.Code, doc.Message)
	}
	return fmt.Errorf("server returned %s", resp.Status)
}

// UploadResult reports one completed upload.
type UploadResult struct {
	Key       string
	ETag      string
	VersionID string
	Size      int64
}

// Upload sends data to key with a pre-signed PUT.
func (c *Client) Upload(ctx context.Context, key string, data []byte, contentType string) (*UploadResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.presignURL(capsule.PresignPut, key, DefaultExpires), bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	return &UploadResult{
		Key:       key,
		ETag:      strings.Trim(resp.Header.Get("ETag"), `"`),
		VersionID: resp.Header.Get("x-amz-version-id"),
		Size:      int64(len(data)),
	}, nil
}

// Download fetches key with a pre-signed GET.
func (c *Client) Download(ctx context.Context, key string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.presignURL(capsule.PresignGet, key, DefaultExpires), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	return io.ReadAll(resp.Body)
}

// Delete removes key with a pre-signed DELETE.
func (c *Client) Delete(ctx context.Context, key string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.presignURL(capsule.PresignDelete, key, DefaultExpires), nil)
	if err != nil {
		return err
	}

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	return nil
}

// ListedObject is one entry returned by List.
type ListedObject struct {
	Key          string `xml:"Key"`
	LastModified string `xml:"LastModified"`
	ETag         string `xml:"ETag"`
	Size         int64  `xml:"Size"`
}

// ListResult is a page of bucket contents.
type ListResult struct {
	Objects        []ListedObject
	CommonPrefixes []string
	IsTruncated    bool
}

// List enumerates bucket contents under prefix, optionally grouped by
// delimiter.
func (c *Client) List(ctx context.Context, prefix, delimiter string) (*ListResult, error) {
	// Listing signs an empty key.
	u, err := url.Parse(c.presignURL(capsule.PresignGet, "", DefaultExpires))
	if err != nil {
		return nil, err
	}
	q := u.Query()
	if prefix != "" {
		q.Set("prefix", prefix)
	}
	if delimiter != "" {
		q.Set("delimiter", delimiter)
	}
	u.RawQuery = q.Encode()
	// Drop the trailing slash so the request hits the bucket route.
	u.Path = strings.TrimSuffix(u.Path, "/")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var doc struct {
		Contents       []ListedObject `xml:"Contents"`
		CommonPrefixes []struct {
			Prefix string `xml:"Prefix"`
		} `xml:"CommonPrefixes"`
		IsTruncated bool `xml:"IsTruncated"`
	}
	if err := xml.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode listing: %w", err)
	}

	result := &ListResult{Objects: doc.Contents, IsTruncated: doc.IsTruncated}
	for _, cp := range doc.CommonPrefixes {
		result.CommonPrefixes = append(result.CommonPrefixes, cp.Prefix)
	}
	return result, nil
}
