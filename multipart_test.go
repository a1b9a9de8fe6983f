package capsule_test

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capsulefs/capsule"
)

func TestMultipartUploadLifecycle(t *testing.T) {
	svc, ctx := newTestService(t)
	_, err := svc.CreateBucket(ctx, "media", 0, 0)
	require.NoError(t, err)

	up, err := svc.InitiateMultipartUpload(ctx, "media", "video.mp4", "video/mp4", nil)
	require.NoError(t, err)
	require.NotEmpty(t, up.UploadID)

	// Parts arrive out of order; assembly must still follow part number.
	part2 := bytes.Repeat([]byte("b"), 512)
	part1 := bytes.Repeat([]byte("a"), 1024)
	part3 := bytes.Repeat([]byte("c"), 256)

	p2, err := svc.UploadPart(ctx, "media", up.UploadID, 2, part2)
	require.NoError(t, err)
	p1, err := svc.UploadPart(ctx, "media", up.UploadID, 1, part1)
	require.NoError(t, err)
	p3, err := svc.UploadPart(ctx, "media", up.UploadID, 3, part3)
	require.NoError(t, err)

	_, parts, err := svc.ListUploadParts(ctx, "media", up.UploadID)
	require.NoError(t, err)
	require.Len(t, parts, 3)
	assert.Equal(t, 1, parts[0].PartNumber)
	assert.Equal(t, 3, parts[2].PartNumber)

	declared := []capsule.CompletedPart{
		{PartNumber: 3, ETag: p3.ETag},
		{PartNumber: 1, ETag: p1.ETag},
		{PartNumber: 2, ETag: p2.ETag},
	}
	loc, err := svc.CompleteMultipartUpload(ctx, "media", up.UploadID, declared)
	require.NoError(t, err)
	assert.Equal(t, int64(1024+512+256), loc.Size)

	// Multipart etag is md5-of-part-md5s with the part count suffix.
	var digests []byte
	for _, part := range [][]byte{part1, part2, part3} {
		sum := md5.Sum(part)
		digests = append(digests, sum[:]...)
	}
	joint := md5.Sum(digests)
	assert.Equal(t, hex.EncodeToString(joint[:])+"-3", loc.ETag)

	_, data, err := svc.GetObject(ctx, "media", "video.mp4", "", nil)
	require.NoError(t, err)
	assert.Equal(t, append(append(append([]byte{}, part1...), part2...), part3...), data)

	// The upload record is gone after completion.
	_, _, err = svc.ListUploadParts(ctx, "media", up.UploadID)
	assert.ErrorIs(t, err, capsule.ErrNoSuchUpload)
}

func TestCompleteMultipartUploadValidation(t *testing.T) {
	svc, ctx := newTestService(t)
	_, err := svc.CreateBucket(ctx, "media", 0, 0)
	require.NoError(t, err)

	up, err := svc.InitiateMultipartUpload(ctx, "media", "f", "", nil)
	require.NoError(t, err)

	p1, err := svc.UploadPart(ctx, "media", up.UploadID, 1, []byte("part one"))
	require.NoError(t, err)
	_, err = svc.UploadPart(ctx, "media", up.UploadID, 2, []byte("part two"))
	require.NoError(t, err)

	// Declared part list must cover every uploaded part.
	_, err = svc.CompleteMultipartUpload(ctx, "media", up.UploadID, []capsule.CompletedPart{
		{PartNumber: 1, ETag: p1.ETag},
	})
	assert.ErrorIs(t, err, capsule.ErrInvalidPart)

	// A wrong etag is rejected.
	_, err = svc.CompleteMultipartUpload(ctx, "media", up.UploadID, []capsule.CompletedPart{
		{PartNumber: 1, ETag: p1.ETag},
		{PartNumber: 2, ETag: "deadbeef"},
	})
	assert.ErrorIs(t, err, capsule.ErrInvalidPart)
}

func TestUploadPartValidation(t *testing.T) {
	svc, ctx := newTestService(t)
	_, err := svc.CreateBucket(ctx, "media", 0, 0)
	require.NoError(t, err)

	up, err := svc.InitiateMultipartUpload(ctx, "media", "f", "", nil)
	require.NoError(t, err)

	_, err = svc.UploadPart(ctx, "media", up.UploadID, 0, []byte("x"))
	assert.ErrorIs(t, err, capsule.ErrInvalidArgument)

	_, err = svc.UploadPart(ctx, "media", up.UploadID, 10001, []byte("x"))
	assert.ErrorIs(t, err, capsule.ErrInvalidArgument)

	_, err = svc.UploadPart(ctx, "media", "no-such-upload", 1, []byte("x"))
	assert.ErrorIs(t, err, capsule.ErrNoSuchUpload)

	// Re-uploading a part number replaces it.
	_, err = svc.UploadPart(ctx, "media", up.UploadID, 1, []byte("first"))
	require.NoError(t, err)
	p, err := svc.UploadPart(ctx, "media", up.UploadID, 1, []byte("second"))
	require.NoError(t, err)

	_, parts, err := svc.ListUploadParts(ctx, "media", up.UploadID)
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.Equal(t, p.ETag, parts[0].ETag)
}

func TestAbortMultipartUploadIdempotent(t *testing.T) {
	svc, ctx := newTestService(t)
	_, err := svc.CreateBucket(ctx, "media", 0, 0)
	require.NoError(t, err)

	up, err := svc.InitiateMultipartUpload(ctx, "media", "f", "", nil)
	require.NoError(t, err)
	_, err = svc.UploadPart(ctx, "media", up.UploadID, 1, []byte("x"))
	require.NoError(t, err)

	require.NoError(t, svc.AbortMultipartUpload(ctx, "media", up.UploadID))
	// Aborting again is a no-op.
	require.NoError(t, svc.AbortMultipartUpload(ctx, "media", up.UploadID))

	_, _, err = svc.ListUploadParts(ctx, "media", up.UploadID)
	assert.ErrorIs(t, err, capsule.ErrNoSuchUpload)
}

func TestMultipartUploadWrongBucket(t *testing.T) {
	svc, ctx := newTestService(t)
	_, err := svc.CreateBucket(ctx, "one", 0, 0)
	require.NoError(t, err)
	_, err = svc.CreateBucket(ctx, "two", 0, 0)
	require.NoError(t, err)

	up, err := svc.InitiateMultipartUpload(ctx, "one", "f", "", nil)
	require.NoError(t, err)

	// The upload id is scoped to its bucket.
	_, err = svc.UploadPart(ctx, "two", up.UploadID, 1, []byte("x"))
	assert.ErrorIs(t, err, capsule.ErrNoSuchUpload)
}

func TestCleanupAbandonedUploads(t *testing.T) {
	svc, ctx := newTestService(t)
	_, err := svc.CreateBucket(ctx, "media", 0, 0)
	require.NoError(t, err)

	up, err := svc.InitiateMultipartUpload(ctx, "media", fmt.Sprintf("f-%d", time.Now().UnixNano()), "", nil)
	require.NoError(t, err)
	_, err = svc.UploadPart(ctx, "media", up.UploadID, 1, []byte("x"))
	require.NoError(t, err)

	// Nothing is old enough yet.
	n, err := svc.CleanupAbandonedUploads(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// With a zero max age everything qualifies.
	n, err = svc.CleanupAbandonedUploads(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, _, err = svc.ListUploadParts(ctx, "media", up.UploadID)
	assert.ErrorIs(t, err, capsule.ErrNoSuchUpload)
}
