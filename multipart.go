package capsule

import (
	"context"
	"crypto/md5" //nolint:gosec // S3 multipart ETag contract
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Part number bounds, matching the S3 limits.
const (
	MinPartNumber = 1
	MaxPartNumber = 10000
)

// InitiateMultipartUpload opens a multipart upload and returns its
// handle. Nothing touches a volume until completion.
func (s *Service) InitiateMultipartUpload(ctx context.Context, bucket, key, contentType string, metadata map[string]string) (*MultipartUpload, error) {
	if !IsValidObjectKey(key) || strings.HasSuffix(key, "/") {
		return nil, fmt.Errorf("%w: invalid object key %q", ErrInvalidArgument, key)
	}

	b, err := s.Bucket(ctx, bucket)
	if err != nil {
		return nil, err
	}

	u := &MultipartUpload{
		UploadID:    uuid.NewString(),
		BucketID:    b.ID,
		ObjectKey:   key,
		ContentType: contentType,
		Metadata:    metadata,
		InitiatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateUpload(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// UploadPart spools one part. Re-uploading a part number replaces the
// previous bytes for that number.
func (s *Service) UploadPart(ctx context.Context, bucket, uploadID string, partNumber int, data []byte) (*UploadPart, error) {
	if partNumber < MinPartNumber || partNumber > MaxPartNumber {
		return nil, fmt.Errorf("%w: part number %d out of range", ErrInvalidArgument, partNumber)
	}

	u, err := s.uploadForBucket(ctx, bucket, uploadID)
	if err != nil {
		return nil, err
	}

	res, err := s.storage.WritePart(ctx, uploadID, partNumber, data)
	if err != nil {
		return nil, fmt.Errorf("spool part: %w", err)
	}

	p := &UploadPart{
		UploadID:   u.UploadID,
		PartNumber: partNumber,
		ETag:       res.ETag,
		Size:       res.BytesWritten,
		UploadedAt: time.Now().UTC(),
	}
	if err := s.store.UpsertPart(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// ListUploadParts returns the spooled parts of an upload in part-number
// order.
func (s *Service) ListUploadParts(ctx context.Context, bucket, uploadID string) (*MultipartUpload, []UploadPart, error) {
	u, err := s.uploadForBucket(ctx, bucket, uploadID)
	if err != nil {
		return nil, nil, err
	}
	parts, err := s.store.ListParts(ctx, uploadID)
	if err != nil {
		return nil, nil, err
	}
	return u, parts, nil
}

// CompleteMultipartUpload assembles the declared parts in ascending
// part-number order into a single object and drops the spool. The
// declared list must exactly cover the spooled parts, with matching
// ETags. The assembled object goes through the normal write path, so
// bucket encryption and versioning apply to it; its recorded ETag is the
// digest-of-part-digests form with the part count suffix.
func (s *Service) CompleteMultipartUpload(ctx context.Context, bucket, uploadID string, declared []CompletedPart) (*ObjectLocation, error) {
	u, err := s.uploadForBucket(ctx, bucket, uploadID)
	if err != nil {
		return nil, err
	}

	spooled, err := s.store.ListParts(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if len(spooled) == 0 || len(declared) != len(spooled) {
		return nil, fmt.Errorf("%w: declared %d parts, have %d", ErrInvalidPart, len(declared), len(spooled))
	}

	sort.Slice(declared, func(i, j int) bool { return declared[i].PartNumber < declared[j].PartNumber })

	byNumber := make(map[int]UploadPart, len(spooled))
	for _, p := range spooled {
		byNumber[p.PartNumber] = p
	}

	var (
		body    []byte
		digests []byte
	)
	for _, d := range declared {
		p, ok := byNumber[d.PartNumber]
		if !ok {
			return nil, fmt.Errorf("%w: part %d was never uploaded", ErrInvalidPart, d.PartNumber)
		}
		if strings.Trim(d.ETag, `"`) != p.ETag {
			return nil, fmt.Errorf("%w: part %d etag mismatch", ErrInvalidPart, d.PartNumber)
		}

		data, err := s.storage.ReadPart(ctx, uploadID, p.PartNumber)
		if err != nil {
			return nil, fmt.Errorf("read spooled part %d: %w", p.PartNumber, err)
		}

		sum := md5.Sum(data) //nolint:gosec
		digests = append(digests, sum[:]...)
		body = append(body, data...)
	}

	final := md5.Sum(digests) //nolint:gosec
	etag := fmt.Sprintf("%s-%d", hex.EncodeToString(final[:]), len(declared))

	loc, err := s.putObject(ctx, bucket, u.ObjectKey, body, PutOptions{
		ContentType:  u.ContentType,
		Metadata:     u.Metadata,
		etagOverride: etag,
	})
	if err != nil {
		return nil, err
	}

	if err := s.storage.RemoveUpload(ctx, uploadID); err != nil {
		s.log.Warn("remove part spool", "upload_id", uploadID, "error", err)
	}
	if err := s.store.DeleteUpload(ctx, uploadID); err != nil {
		return nil, err
	}

	s.notifier.Notify(ctx, loc.BucketID, Event{
		Type:      EventObjectCreatedComplete,
		Bucket:    bucket,
		Key:       u.ObjectKey,
		Size:      loc.Size,
		ETag:      loc.ETag,
		VersionID: loc.VersionID,
	})
	return loc, nil
}

// AbortMultipartUpload drops an upload and its spooled parts. Aborting
// an unknown or already-finished upload is a no-op.
func (s *Service) AbortMultipartUpload(ctx context.Context, bucket, uploadID string) error {
	_, err := s.uploadForBucket(ctx, bucket, uploadID)
	if errors.Is(err, ErrNoSuchUpload) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := s.storage.RemoveUpload(ctx, uploadID); err != nil {
		s.log.Warn("remove part spool", "upload_id", uploadID, "error", err)
	}
	return s.store.DeleteUpload(ctx, uploadID)
}

// CleanupAbandonedUploads sweeps uploads older than maxAge, releasing
// their spool space. It returns how many uploads were reaped.
func (s *Service) CleanupAbandonedUploads(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)

	stale, err := s.store.UploadsOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, u := range stale {
		if err := s.storage.RemoveUpload(ctx, u.UploadID); err != nil {
			s.log.Warn("remove part spool", "upload_id", u.UploadID, "error", err)
		}
		if err := s.store.DeleteUpload(ctx, u.UploadID); err != nil {
			s.log.Warn("delete stale upload", "upload_id", u.UploadID, "error", err)
			continue
		}
		reaped++
	}

	if reaped > 0 {
		s.log.Info("cleaned up abandoned multipart uploads", "count", reaped)
	}
	return reaped, nil
}

func (s *Service) uploadForBucket(ctx context.Context, bucket, uploadID string) (*MultipartUpload, error) {
	b, err := s.Bucket(ctx, bucket)
	if err != nil {
		return nil, err
	}

	u, err := s.store.Upload(ctx, uploadID)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchUpload, uploadID)
	}
	if err != nil {
		return nil, err
	}
	if u.BucketID != b.ID {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchUpload, uploadID)
	}
	return u, nil
}
