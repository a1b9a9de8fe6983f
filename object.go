package capsule

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxKeys caps a listing page when the caller does not say.
const DefaultMaxKeys = 1000

// PutOptions carries per-request object attributes.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
	// SSEC holds a customer-supplied encryption key. When set it wins
	// over any bucket-level encryption configuration.
	SSEC *SSECKey
	// RequestSSES3 asks for managed encryption on this request even if
	// the bucket has none configured.
	RequestSSES3 bool

	// etagOverride replaces the computed ETag; multipart assembly uses
	// it to record the parts-digest ETag instead of the whole-body md5.
	etagOverride string
}

// CopyConditions holds the source preconditions of a server-side copy.
type CopyConditions struct {
	IfMatch           string
	IfNoneMatch       string
	IfModifiedSince   *time.Time
	IfUnmodifiedSince *time.Time
}

// check evaluates the conditions against the source's stored ETag and
// timestamp.
func (c *CopyConditions) check(src *ObjectLocation) error {
	if c == nil {
		return nil
	}
	if c.IfMatch != "" && strings.Trim(c.IfMatch, `"`) != src.ETag {
		return fmt.Errorf("%w: source etag does not match", ErrPreconditionFailed)
	}
	if c.IfNoneMatch != "" && strings.Trim(c.IfNoneMatch, `"`) == src.ETag {
		return fmt.Errorf("%w: source etag matches", ErrPreconditionFailed)
	}
	if c.IfModifiedSince != nil && !src.CreatedAt.After(*c.IfModifiedSince) {
		return fmt.Errorf("%w: source not modified since %s", ErrPreconditionFailed, c.IfModifiedSince)
	}
	if c.IfUnmodifiedSince != nil && src.CreatedAt.After(*c.IfUnmodifiedSince) {
		return fmt.Errorf("%w: source modified since %s", ErrPreconditionFailed, c.IfUnmodifiedSince)
	}
	return nil
}

// Metadata directives of a server-side copy.
const (
	MetadataDirectiveCopy    = "COPY"
	MetadataDirectiveReplace = "REPLACE"
)

// CopyOptions carries the copy-specific request attributes on top of
// the destination's PutOptions.
type CopyOptions struct {
	PutOptions
	Conditions *CopyConditions
	// MetadataDirective is COPY (default, source attributes carried
	// over) or REPLACE (request attributes win; onto the same key this
	// becomes a metadata-only update with no byte movement).
	MetadataDirective string
}

// PutObject stores data under (bucket, key), encrypting it when the
// request or the bucket asks for it. On a versioning-enabled bucket the
// previous bytes are retained as an older version; otherwise they are
// replaced and released.
func (s *Service) PutObject(ctx context.Context, bucket, key string, data []byte, opts PutOptions) (*ObjectLocation, error) {
	loc, err := s.putObject(ctx, bucket, key, data, opts)
	if err != nil {
		return nil, err
	}
	s.notifier.Notify(ctx, loc.BucketID, Event{
		Type:      EventObjectCreatedPut,
		Bucket:    bucket,
		Key:       key,
		Size:      loc.Size,
		ETag:      loc.ETag,
		VersionID: loc.VersionID,
	})
	return loc, nil
}

func (s *Service) putObject(ctx context.Context, bucket, key string, data []byte, opts PutOptions) (*ObjectLocation, error) {
	if !IsValidObjectKey(key) || strings.HasSuffix(key, "/") {
		return nil, fmt.Errorf("%w: invalid object key %q", ErrInvalidArgument, key)
	}

	b, err := s.Bucket(ctx, bucket)
	if err != nil {
		return nil, err
	}

	unlock := s.keys.lock(bucket, key)
	defer unlock()

	stored, env, err := s.encryptForBucket(ctx, b, data, opts)
	if err != nil {
		return nil, err
	}
	size := int64(len(stored))

	existing, err := s.store.Location(ctx, b.ID, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	vol, err := s.selectVolume(ctx, b, size)
	if err != nil {
		return nil, err
	}

	if b.VersioningEnabled {
		return s.putVersioned(ctx, b, vol, existing, key, stored, env, opts)
	}
	return s.putReplace(ctx, b, vol, existing, key, stored, env, opts)
}

// adoptUnversioned folds a location written before versioning was
// enabled into the version history: the row gets a version id and a
// matching version row, so the next versioned write supersedes it
// instead of stranding it.
func (s *Service) adoptUnversioned(ctx context.Context, b *Bucket, loc *ObjectLocation) error {
	versionID := uuid.NewString()
	if err := s.store.UpdateLocation(ctx, loc.ID, LocationUpdate{
		VersionID:  &versionID,
		Metadata:   loc.Metadata,
		Encryption: loc.Encryption,
	}); err != nil {
		return fmt.Errorf("adopt unversioned location: %w", err)
	}
	loc.VersionID = versionID

	ver := &ObjectVersion{
		BucketID:   b.ID,
		Key:        loc.ObjectKey,
		VersionID:  versionID,
		LocationID: &loc.ID,
		IsLatest:   true,
		Size:       loc.Size,
		ETag:       loc.ETag,
		CreatedAt:  loc.CreatedAt,
	}
	return s.store.CreateVersion(ctx, ver)
}

// putVersioned writes the new bytes under a version-scoped path, inserts
// a fresh location row and a version row, and flips latest onto them.
// Superseded bytes stay where they are.
func (s *Service) putVersioned(ctx context.Context, b *Bucket, vol *Volume, existing *ObjectLocation, key string, stored []byte, env *EncryptionEnvelope, opts PutOptions) (*ObjectLocation, error) {
	if existing != nil && existing.VersionID == "" {
		if err := s.adoptUnversioned(ctx, b, existing); err != nil {
			return nil, err
		}
	}

	versionID := uuid.NewString()
	rel := path.Join(b.Name, ".versions", versionID)

	res, err := s.storage.Write(ctx, vol.Path, rel, stored)
	if err != nil {
		return nil, fmt.Errorf("write object: %w", err)
	}

	etag := res.ETag
	if opts.etagOverride != "" {
		etag = opts.etagOverride
	}

	loc := &ObjectLocation{
		BucketID:    b.ID,
		ObjectKey:   key,
		VolumeID:    vol.ID,
		FilePath:    path.Join(vol.Path, rel),
		Size:        res.BytesWritten,
		ETag:        etag,
		ContentType: opts.ContentType,
		VersionID:   versionID,
		IsLatest:    true,
		Metadata:    opts.Metadata,
		Encryption:  env,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.InsertLocation(ctx, loc); err != nil {
		return nil, err
	}

	ver := &ObjectVersion{
		BucketID:   b.ID,
		Key:        key,
		VersionID:  versionID,
		LocationID: &loc.ID,
		IsLatest:   true,
		Size:       loc.Size,
		ETag:       loc.ETag,
		CreatedAt:  loc.CreatedAt,
	}
	if err := s.store.CreateVersion(ctx, ver); err != nil {
		return nil, err
	}

	if err := s.store.AdjustVolumeUsage(ctx, vol.ID, loc.Size); err != nil {
		return nil, err
	}
	return loc, nil
}

// putReplace overwrites a key in place. The old bytes are removed and
// their usage returned to the old volume before the new usage is
// charged, so the books balance even across volumes.
func (s *Service) putReplace(ctx context.Context, b *Bucket, vol *Volume, existing *ObjectLocation, key string, stored []byte, env *EncryptionEnvelope, opts PutOptions) (*ObjectLocation, error) {
	rel := path.Join(b.Name, key)

	res, err := s.storage.Write(ctx, vol.Path, rel, stored)
	if err != nil {
		return nil, fmt.Errorf("write object: %w", err)
	}

	etag := res.ETag
	if opts.etagOverride != "" {
		etag = opts.etagOverride
	}

	newPath := path.Join(vol.Path, rel)
	now := time.Now().UTC()

	if existing != nil {
		if existing.FilePath != newPath {
			oldVol, err := s.store.VolumeByID(ctx, existing.VolumeID)
			if err != nil {
				return nil, err
			}
			if err := s.storage.Remove(ctx, oldVol.Path, relOf(existing, oldVol)); err != nil && !errors.Is(err, ErrNotFound) {
				s.log.Warn("remove superseded object file", "bucket", b.Name, "key", key, "error", err)
			}
		}
		if err := s.store.AdjustVolumeUsage(ctx, existing.VolumeID, -existing.Size); err != nil {
			return nil, err
		}

		upd := LocationUpdate{
			VolumeID:    &vol.ID,
			FilePath:    &newPath,
			Size:        &res.BytesWritten,
			ETag:        &etag,
			ContentType: &opts.ContentType,
			Metadata:    opts.Metadata,
			Encryption:  env,
		}
		if err := s.store.UpdateLocation(ctx, existing.ID, upd); err != nil {
			return nil, err
		}
		if err := s.store.AdjustVolumeUsage(ctx, vol.ID, res.BytesWritten); err != nil {
			return nil, err
		}
		return s.store.LocationByID(ctx, existing.ID)
	}

	loc := &ObjectLocation{
		BucketID:    b.ID,
		ObjectKey:   key,
		VolumeID:    vol.ID,
		FilePath:    newPath,
		Size:        res.BytesWritten,
		ETag:        etag,
		ContentType: opts.ContentType,
		IsLatest:    true,
		Metadata:    opts.Metadata,
		Encryption:  env,
		CreatedAt:   now,
	}
	if err := s.store.InsertLocation(ctx, loc); err != nil {
		return nil, err
	}
	if err := s.store.AdjustVolumeUsage(ctx, vol.ID, loc.Size); err != nil {
		return nil, err
	}
	return loc, nil
}

// encryptForBucket applies the effective encryption directive: an SSE-C
// key on the request wins, then managed SSE-S3 when requested or
// configured on the bucket, else the bytes pass through untouched. The
// bucket's managed key is generated on first use and persisted.
func (s *Service) encryptForBucket(ctx context.Context, b *Bucket, data []byte, opts PutOptions) ([]byte, *EncryptionEnvelope, error) {
	switch {
	case opts.SSEC != nil:
		stored, env, err := EncryptObject(data, opts.SSEC.KeyHex)
		if err != nil {
			return nil, nil, err
		}
		env.Type = EncryptionTypeSSEC
		env.KeyMD5 = opts.SSEC.KeyMD5
		return stored, &env, nil

	case opts.RequestSSES3 || (b.EncryptionEnabled && b.EncryptionType == EncryptionTypeSSES3):
		if b.EncryptionKey == "" {
			key, err := GenerateEncryptionKey()
			if err != nil {
				return nil, nil, err
			}
			enabled := true
			encType := EncryptionTypeSSES3
			updated, err := s.store.UpdateBucket(ctx, b.ID, BucketUpdate{
				EncryptionEnabled: &enabled,
				EncryptionType:    &encType,
				EncryptionKey:     &key,
			})
			if err != nil {
				return nil, nil, err
			}
			*b = *updated
		}
		stored, env, err := EncryptObject(data, b.EncryptionKey)
		if err != nil {
			return nil, nil, err
		}
		env.Type = EncryptionTypeSSES3
		env.KeyRef = fmt.Sprintf("bucket/%s", b.Name)
		return stored, &env, nil

	default:
		return data, nil, nil
	}
}

// GetObject returns an object's metadata and decrypted bytes. A
// versionID selects an older version; otherwise the live location is
// served. A key whose latest version is a delete marker reads as absent.
func (s *Service) GetObject(ctx context.Context, bucket, key, versionID string, ssec *SSECKey) (*ObjectLocation, []byte, error) {
	b, err := s.Bucket(ctx, bucket)
	if err != nil {
		return nil, nil, err
	}

	loc, err := s.resolveLocation(ctx, b, key, versionID)
	if err != nil {
		return nil, nil, err
	}

	if loc.IsFolder() {
		return loc, nil, nil
	}

	vol, err := s.store.VolumeByID(ctx, loc.VolumeID)
	if err != nil {
		return nil, nil, err
	}

	stored, err := s.storage.Read(ctx, vol.Path, relOf(loc, vol))
	if err != nil {
		return nil, nil, fmt.Errorf("read object: %w", err)
	}

	data, err := s.decryptForBucket(b, loc, stored, ssec)
	if err != nil {
		return nil, nil, err
	}
	return loc, data, nil
}

// HeadObject returns metadata without touching the bytes.
func (s *Service) HeadObject(ctx context.Context, bucket, key, versionID string) (*ObjectLocation, error) {
	b, err := s.Bucket(ctx, bucket)
	if err != nil {
		return nil, err
	}
	return s.resolveLocation(ctx, b, key, versionID)
}

func (s *Service) resolveLocation(ctx context.Context, b *Bucket, key, versionID string) (*ObjectLocation, error) {
	if versionID == "" {
		loc, err := s.store.Location(ctx, b.ID, key)
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNoSuchKey, key)
		}
		return loc, err
	}

	loc, err := s.store.LocationByVersion(ctx, b.ID, key, versionID)
	if err == nil {
		return loc, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	// The location is gone; distinguish a delete marker from an unknown
	// version id.
	ver, verr := s.store.Version(ctx, b.ID, key, versionID)
	if verr == nil && ver.IsDeleteMarker {
		return nil, fmt.Errorf("%w: %s is a delete marker", ErrNoSuchKey, versionID)
	}
	return nil, fmt.Errorf("%w: %s", ErrNoSuchVersion, versionID)
}

func (s *Service) decryptForBucket(b *Bucket, loc *ObjectLocation, stored []byte, ssec *SSECKey) ([]byte, error) {
	if loc.Encryption == nil {
		return stored, nil
	}

	switch loc.Encryption.Type {
	case EncryptionTypeSSEC:
		if ssec == nil {
			return nil, fmt.Errorf("%w: object requires a customer encryption key", ErrPreconditionFailed)
		}
		if err := VerifySSECKeyMD5(loc.Encryption.KeyMD5, ssec.KeyMD5); err != nil {
			return nil, err
		}
		return DecryptObject(stored, ssec.KeyHex, *loc.Encryption)

	case EncryptionTypeSSES3:
		if b.EncryptionKey == "" {
			return nil, fmt.Errorf("bucket %s has no managed encryption key", b.Name)
		}
		return DecryptObject(stored, b.EncryptionKey, *loc.Encryption)

	default:
		return nil, fmt.Errorf("unknown encryption type %q", loc.Encryption.Type)
	}
}

// DeleteObject removes a key. Without a versionID a versioning-enabled
// bucket gets a delete marker (whose version id is returned) and keeps
// every byte; a plain bucket deletes the file and the row. With a
// versionID the named version is permanently removed and, if it was
// latest, the next most recent version is promoted.
func (s *Service) DeleteObject(ctx context.Context, bucket, key, versionID string) (string, error) {
	b, err := s.Bucket(ctx, bucket)
	if err != nil {
		return "", err
	}

	unlock := s.keys.lock(bucket, key)
	defer unlock()

	if versionID != "" {
		return "", s.deleteVersion(ctx, b, key, versionID)
	}

	loc, err := s.store.Location(ctx, b.ID, key)
	if errors.Is(err, ErrNotFound) {
		return "", fmt.Errorf("%w: %s", ErrNoSuchKey, key)
	}
	if err != nil {
		return "", err
	}

	if b.VersioningEnabled {
		if loc.VersionID == "" {
			if err := s.adoptUnversioned(ctx, b, loc); err != nil {
				return "", err
			}
		}
		marker := &ObjectVersion{
			BucketID:       b.ID,
			Key:            key,
			VersionID:      uuid.NewString(),
			IsLatest:       true,
			IsDeleteMarker: true,
			CreatedAt:      time.Now().UTC(),
		}
		if err := s.store.CreateVersion(ctx, marker); err != nil {
			return "", err
		}
		s.notifyRemoved(ctx, b, key, marker.VersionID)
		return marker.VersionID, nil
	}

	vol, err := s.store.VolumeByID(ctx, loc.VolumeID)
	if err != nil {
		return "", err
	}

	if loc.IsFolder() {
		empty, err := s.storage.IsDirEmpty(ctx, vol.Path, relOf(loc, vol))
		if err != nil {
			return "", err
		}
		if !empty {
			return "", fmt.Errorf("%w: folder %s is not empty", ErrInvalidArgument, key)
		}
		if err := s.storage.RemoveDir(ctx, vol.Path, relOf(loc, vol)); err != nil {
			return "", err
		}
		return "", s.store.DeleteLocation(ctx, loc.ID)
	}

	if err := s.storage.Remove(ctx, vol.Path, relOf(loc, vol)); err != nil && !errors.Is(err, ErrNotFound) {
		return "", err
	}
	if err := s.store.DeleteLocation(ctx, loc.ID); err != nil {
		return "", err
	}
	if err := s.store.AdjustVolumeUsage(ctx, loc.VolumeID, -loc.Size); err != nil {
		return "", err
	}

	s.notifyRemoved(ctx, b, key, "")
	return "", nil
}

func (s *Service) deleteVersion(ctx context.Context, b *Bucket, key, versionID string) error {
	ver, err := s.store.Version(ctx, b.ID, key, versionID)
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNoSuchVersion, versionID)
	}
	if err != nil {
		return err
	}

	if ver.LocationID != nil {
		loc, err := s.store.LocationByID(ctx, *ver.LocationID)
		if err == nil {
			vol, verr := s.store.VolumeByID(ctx, loc.VolumeID)
			if verr != nil {
				return verr
			}
			if err := s.storage.Remove(ctx, vol.Path, relOf(loc, vol)); err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			if err := s.store.DeleteLocation(ctx, loc.ID); err != nil {
				return err
			}
			if err := s.store.AdjustVolumeUsage(ctx, loc.VolumeID, -loc.Size); err != nil {
				return err
			}
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
	}

	if err := s.store.DeleteVersion(ctx, b.ID, key, versionID); err != nil {
		return err
	}

	s.notifyRemoved(ctx, b, key, versionID)
	return nil
}

func (s *Service) notifyRemoved(ctx context.Context, b *Bucket, key, versionID string) {
	s.notifier.Notify(ctx, b.ID, Event{
		Type:      EventObjectRemovedDelete,
		Bucket:    b.Name,
		Key:       key,
		VersionID: versionID,
	})
}

// CopyObject duplicates a source object into a destination, decrypting
// per the source and re-encrypting per the destination. Metadata and
// content type carry over unless overridden.
func (s *Service) CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string, opts CopyOptions) (*ObjectLocation, error) {
	src, data, err := s.GetObject(ctx, srcBucket, srcKey, "", opts.SSEC)
	if err != nil {
		return nil, err
	}
	if err := opts.Conditions.check(src); err != nil {
		return nil, err
	}

	// Copying a key onto itself with a REPLACE directive only rewrites
	// the object's attributes.
	if srcBucket == dstBucket && srcKey == dstKey {
		if opts.MetadataDirective != MetadataDirectiveReplace {
			return nil, fmt.Errorf("%w: copy onto self requires the REPLACE metadata directive", ErrInvalidArgument)
		}
		upd := LocationUpdate{Metadata: opts.Metadata}
		if opts.ContentType != "" {
			upd.ContentType = &opts.ContentType
		}
		if err := s.store.UpdateLocation(ctx, src.ID, upd); err != nil {
			return nil, err
		}
		return s.store.LocationByID(ctx, src.ID)
	}

	if opts.MetadataDirective != MetadataDirectiveReplace {
		opts.ContentType = src.ContentType
		opts.Metadata = src.Metadata
	} else {
		if opts.ContentType == "" {
			opts.ContentType = src.ContentType
		}
	}

	// The source SSE-C key never applies to the destination.
	dstOpts := opts.PutOptions
	dstOpts.SSEC = nil

	loc, err := s.putObject(ctx, dstBucket, dstKey, data, dstOpts)
	if err != nil {
		return nil, err
	}
	s.notifier.Notify(ctx, loc.BucketID, Event{
		Type:      EventObjectCreatedCopy,
		Bucket:    dstBucket,
		Key:       dstKey,
		Size:      loc.Size,
		ETag:      loc.ETag,
		VersionID: loc.VersionID,
	})
	return loc, nil
}

// ListObjects lists live keys under a prefix, folding keys past the
// delimiter into common prefixes.
func (s *Service) ListObjects(ctx context.Context, bucket string, q ListObjectsQuery) (*ListObjectsResult, error) {
	b, err := s.Bucket(ctx, bucket)
	if err != nil {
		return nil, err
	}

	locs, err := s.store.ListLocations(ctx, b.ID, q.Prefix)
	if err != nil {
		return nil, err
	}

	maxKeys := q.MaxKeys
	if maxKeys <= 0 || maxKeys > DefaultMaxKeys {
		maxKeys = DefaultMaxKeys
	}

	res := &ListObjectsResult{}
	seen := make(map[string]bool)

	for _, loc := range locs {
		if len(res.Objects)+len(res.CommonPrefixes) >= maxKeys {
			res.IsTruncated = true
			break
		}

		if q.Delimiter != "" {
			rest := strings.TrimPrefix(loc.ObjectKey, q.Prefix)
			if idx := strings.Index(rest, q.Delimiter); idx >= 0 {
				cp := q.Prefix + rest[:idx+len(q.Delimiter)]
				if !seen[cp] {
					seen[cp] = true
					res.CommonPrefixes = append(res.CommonPrefixes, cp)
				}
				continue
			}
		}
		res.Objects = append(res.Objects, loc)
	}

	return res, nil
}

// ListObjectVersions returns a key prefix's full version history, newest
// first per key, delete markers included.
func (s *Service) ListObjectVersions(ctx context.Context, bucket, prefix string) ([]ObjectVersion, error) {
	b, err := s.Bucket(ctx, bucket)
	if err != nil {
		return nil, err
	}
	return s.store.ListVersions(ctx, b.ID, prefix)
}

// RestoreVersion makes an older version current again without copying
// any bytes; latest flips onto the named version and its location.
func (s *Service) RestoreVersion(ctx context.Context, bucket, key, versionID string) (*ObjectVersion, error) {
	b, err := s.Bucket(ctx, bucket)
	if err != nil {
		return nil, err
	}

	unlock := s.keys.lock(bucket, key)
	defer unlock()

	ver, err := s.store.Version(ctx, b.ID, key, versionID)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchVersion, versionID)
	}
	if err != nil {
		return nil, err
	}
	if ver.IsDeleteMarker {
		return nil, fmt.Errorf("%w: cannot restore a delete marker", ErrInvalidArgument)
	}

	if err := s.store.RestoreVersion(ctx, b.ID, key, versionID); err != nil {
		return nil, err
	}
	return s.store.Version(ctx, b.ID, key, versionID)
}

// relOf recomputes a location's volume-relative path.
func relOf(loc *ObjectLocation, vol *Volume) string {
	rel, err := filepath.Rel(vol.Path, loc.FilePath)
	if err != nil {
		return loc.FilePath
	}
	return rel
}
