// Package postgres implements the metadata store on PostgreSQL via pgx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/capsulefs/capsule"
)

// Store implements capsule.Store on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func encodeMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(raw), nil
}

func decodeMetadata(v string) (map[string]string, error) {
	if v == "" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(v), &m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return m, nil
}

func encodeEnvelope(e *capsule.EncryptionEnvelope) (string, error) {
	if e == nil {
		return "", nil
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("encode encryption envelope: %w", err)
	}
	return string(raw), nil
}

func decodeEnvelope(v string) (*capsule.EncryptionEnvelope, error) {
	if v == "" {
		return nil, nil
	}
	var e capsule.EncryptionEnvelope
	if err := json.Unmarshal([]byte(v), &e); err != nil {
		return nil, fmt.Errorf("decode encryption envelope: %w", err)
	}
	return &e, nil
}

// Volumes.

const volumeColumns = `id, name, path, capacity, used, is_default, created_at`

func scanVolume(row pgx.Row) (*capsule.Volume, error) {
	var v capsule.Volume
	if err := row.Scan(&v.ID, &v.Name, &v.Path, &v.Capacity, &v.Used, &v.IsDefault, &v.CreatedAt); err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *Store) CreateVolume(ctx context.Context, v *capsule.Volume) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO volumes (name, path, capacity, used, is_default, created_at)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		v.Name, v.Path, v.Capacity, v.Used, v.IsDefault, v.CreatedAt).Scan(&v.ID)
	if err != nil {
		return fmt.Errorf("create volume: %w", err)
	}
	return nil
}

func (s *Store) VolumeByID(ctx context.Context, id int64) (*capsule.Volume, error) {
	v, err := scanVolume(s.pool.QueryRow(ctx,
		`SELECT `+volumeColumns+` FROM volumes WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, capsule.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("volume by id: %w", err)
	}
	return v, nil
}

func (s *Store) DefaultVolume(ctx context.Context) (*capsule.Volume, error) {
	v, err := scanVolume(s.pool.QueryRow(ctx,
		`SELECT `+volumeColumns+` FROM volumes WHERE is_default LIMIT 1`))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, capsule.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("default volume: %w", err)
	}
	return v, nil
}

func (s *Store) ListVolumes(ctx context.Context) ([]capsule.Volume, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+volumeColumns+` FROM volumes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list volumes: %w", err)
	}
	defer rows.Close()

	var out []capsule.Volume
	for rows.Next() {
		v, err := scanVolume(rows)
		if err != nil {
			return nil, fmt.Errorf("list volumes: %w", err)
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

func (s *Store) UpdateVolume(ctx context.Context, id int64, upd capsule.VolumeUpdate) (*capsule.Volume, error) {
	sets := []string{}
	args := []any{}
	add := func(col string, val any) {
		args = append(args, val)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if upd.Name != nil {
		add("name", *upd.Name)
	}
	if upd.Path != nil {
		add("path", *upd.Path)
	}
	if upd.Capacity != nil {
		add("capacity", *upd.Capacity)
	}
	if upd.IsDefault != nil {
		add("is_default", *upd.IsDefault)
	}
	if len(sets) > 0 {
		args = append(args, id)
		query := fmt.Sprintf("UPDATE volumes SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))
		if _, err := s.pool.Exec(ctx, query, args...); err != nil {
			return nil, fmt.Errorf("update volume: %w", err)
		}
	}
	return s.VolumeByID(ctx, id)
}

func (s *Store) DeleteVolume(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM volumes WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete volume: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return capsule.ErrNotFound
	}
	return nil
}

func (s *Store) AdjustVolumeUsage(ctx context.Context, id int64, delta int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE volumes SET used = used + $1 WHERE id = $2`, delta, id)
	if err != nil {
		return fmt.Errorf("adjust volume usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return capsule.ErrNotFound
	}
	return nil
}

func (s *Store) ClearDefaultVolume(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `UPDATE volumes SET is_default = FALSE WHERE is_default`); err != nil {
		return fmt.Errorf("clear default volume: %w", err)
	}
	return nil
}

func (s *Store) SelectVolumeForUpload(ctx context.Context, size int64) (*capsule.Volume, error) {
	v, err := scanVolume(s.pool.QueryRow(ctx,
		`SELECT `+volumeColumns+` FROM volumes
		WHERE capacity - used >= $1
		ORDER BY used ASC, id ASC LIMIT 1`, size))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, capsule.ErrNoVolumeAvailable
	}
	if err != nil {
		return nil, fmt.Errorf("select volume for upload: %w", err)
	}
	return v, nil
}

func (s *Store) LocationsOnVolume(ctx context.Context, volumeID int64) ([]capsule.ObjectLocation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+locationColumns+` FROM object_locations WHERE volume_id = $1`, volumeID)
	if err != nil {
		return nil, fmt.Errorf("locations on volume: %w", err)
	}
	defer rows.Close()
	return collectLocations(rows)
}

func (s *Store) DeleteLocationsOnVolume(ctx context.Context, volumeID int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("delete locations on volume: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`DELETE FROM object_versions WHERE location_id IN
			(SELECT id FROM object_locations WHERE volume_id = $1)`, volumeID); err != nil {
		return fmt.Errorf("delete versions on volume: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM object_locations WHERE volume_id = $1`, volumeID); err != nil {
		return fmt.Errorf("delete locations on volume: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Store) ReassignBuckets(ctx context.Context, from, to int64) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE buckets SET volume_id = $1 WHERE volume_id = $2`, to, from); err != nil {
		return fmt.Errorf("reassign buckets: %w", err)
	}
	return nil
}

// Buckets.

const bucketColumns = `id, name, volume_id, COALESCE(owner_id, 0), access_key, secret_key,
	versioning_enabled, encryption_enabled, encryption_type, encryption_key, policy, created_at`

func scanBucket(row pgx.Row) (*capsule.Bucket, error) {
	var b capsule.Bucket
	err := row.Scan(&b.ID, &b.Name, &b.VolumeID, &b.OwnerID, &b.AccessKey, &b.SecretKey,
		&b.VersioningEnabled, &b.EncryptionEnabled, &b.EncryptionType, &b.EncryptionKey,
		&b.Policy, &b.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *Store) CreateBucket(ctx context.Context, b *capsule.Bucket) error {
	var ownerID any
	if b.OwnerID != 0 {
		ownerID = b.OwnerID
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO buckets (name, volume_id, owner_id, access_key, secret_key,
			versioning_enabled, encryption_enabled, encryption_type, encryption_key, policy, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) RETURNING id`,
		b.Name, b.VolumeID, ownerID, b.AccessKey, b.SecretKey,
		b.VersioningEnabled, b.EncryptionEnabled, b.EncryptionType, b.EncryptionKey,
		b.Policy, b.CreatedAt).Scan(&b.ID)
	if err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	return nil
}

func (s *Store) BucketByName(ctx context.Context, name string) (*capsule.Bucket, error) {
	b, err := scanBucket(s.pool.QueryRow(ctx,
		`SELECT `+bucketColumns+` FROM buckets WHERE name = $1`, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, capsule.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("bucket by name: %w", err)
	}
	return b, nil
}

func (s *Store) BucketByID(ctx context.Context, id int64) (*capsule.Bucket, error) {
	b, err := scanBucket(s.pool.QueryRow(ctx,
		`SELECT `+bucketColumns+` FROM buckets WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, capsule.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("bucket by id: %w", err)
	}
	return b, nil
}

func (s *Store) ListBuckets(ctx context.Context) ([]capsule.Bucket, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+bucketColumns+` FROM buckets ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}
	defer rows.Close()

	var out []capsule.Bucket
	for rows.Next() {
		b, err := scanBucket(rows)
		if err != nil {
			return nil, fmt.Errorf("list buckets: %w", err)
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func (s *Store) UpdateBucket(ctx context.Context, id int64, upd capsule.BucketUpdate) (*capsule.Bucket, error) {
	sets := []string{}
	args := []any{}
	add := func(col string, val any) {
		args = append(args, val)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if upd.VolumeID != nil {
		add("volume_id", *upd.VolumeID)
	}
	if upd.AccessKey != nil {
		add("access_key", *upd.AccessKey)
	}
	if upd.SecretKey != nil {
		add("secret_key", *upd.SecretKey)
	}
	if upd.VersioningEnabled != nil {
		add("versioning_enabled", *upd.VersioningEnabled)
	}
	if upd.EncryptionEnabled != nil {
		add("encryption_enabled", *upd.EncryptionEnabled)
	}
	if upd.EncryptionType != nil {
		add("encryption_type", *upd.EncryptionType)
	}
	if upd.EncryptionKey != nil {
		add("encryption_key", *upd.EncryptionKey)
	}
	if upd.Policy != nil {
		add("policy", *upd.Policy)
	}
	if len(sets) > 0 {
		args = append(args, id)
		query := fmt.Sprintf("UPDATE buckets SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))
		if _, err := s.pool.Exec(ctx, query, args...); err != nil {
			return nil, fmt.Errorf("update bucket: %w", err)
		}
	}
	return s.BucketByID(ctx, id)
}

func (s *Store) DeleteBucket(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM buckets WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete bucket: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return capsule.ErrNotFound
	}
	return nil
}

func (s *Store) BucketDistribution(ctx context.Context, bucketID int64) ([]capsule.VolumeDistribution, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT v.id, v.name, COUNT(l.id), COALESCE(SUM(l.size), 0)
		FROM object_locations l
		JOIN volumes v ON v.id = l.volume_id
		WHERE l.bucket_id = $1
		GROUP BY v.id, v.name
		ORDER BY v.id`, bucketID)
	if err != nil {
		return nil, fmt.Errorf("bucket distribution: %w", err)
	}
	defer rows.Close()

	var out []capsule.VolumeDistribution
	for rows.Next() {
		var d capsule.VolumeDistribution
		if err := rows.Scan(&d.VolumeID, &d.VolumeName, &d.ObjectCount, &d.TotalSize); err != nil {
			return nil, fmt.Errorf("bucket distribution: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Object locations.

const locationColumns = `id, bucket_id, object_key, volume_id, file_path, size, etag,
	content_type, version_id, is_latest, metadata, encryption, created_at`

func scanLocation(row pgx.Row) (*capsule.ObjectLocation, error) {
	var l capsule.ObjectLocation
	var metadata, encryption string
	err := row.Scan(&l.ID, &l.BucketID, &l.ObjectKey, &l.VolumeID, &l.FilePath, &l.Size,
		&l.ETag, &l.ContentType, &l.VersionID, &l.IsLatest, &metadata, &encryption, &l.CreatedAt)
	if err != nil {
		return nil, err
	}
	if l.Metadata, err = decodeMetadata(metadata); err != nil {
		return nil, err
	}
	if l.Encryption, err = decodeEnvelope(encryption); err != nil {
		return nil, err
	}
	return &l, nil
}

func collectLocations(rows pgx.Rows) ([]capsule.ObjectLocation, error) {
	var out []capsule.ObjectLocation
	for rows.Next() {
		l, err := scanLocation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan location: %w", err)
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

func (s *Store) Location(ctx context.Context, bucketID int64, key string) (*capsule.ObjectLocation, error) {
	l, err := scanLocation(s.pool.QueryRow(ctx,
		`SELECT `+locationColumns+` FROM object_locations
		WHERE bucket_id = $1 AND object_key = $2 AND is_latest`, bucketID, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, capsule.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("location: %w", err)
	}
	return l, nil
}

func (s *Store) LocationByID(ctx context.Context, id int64) (*capsule.ObjectLocation, error) {
	l, err := scanLocation(s.pool.QueryRow(ctx,
		`SELECT `+locationColumns+` FROM object_locations WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, capsule.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("location by id: %w", err)
	}
	return l, nil
}

func (s *Store) LocationByVersion(ctx context.Context, bucketID int64, key, versionID string) (*capsule.ObjectLocation, error) {
	l, err := scanLocation(s.pool.QueryRow(ctx,
		`SELECT `+locationColumns+` FROM object_locations
		WHERE bucket_id = $1 AND object_key = $2 AND version_id = $3`, bucketID, key, versionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, capsule.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("location by version: %w", err)
	}
	return l, nil
}

func (s *Store) InsertLocation(ctx context.Context, l *capsule.ObjectLocation) error {
	metadata, err := encodeMetadata(l.Metadata)
	if err != nil {
		return err
	}
	encryption, err := encodeEnvelope(l.Encryption)
	if err != nil {
		return err
	}
	err = s.pool.QueryRow(ctx,
		`INSERT INTO object_locations (bucket_id, object_key, volume_id, file_path, size,
			etag, content_type, version_id, is_latest, metadata, encryption, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12) RETURNING id`,
		l.BucketID, l.ObjectKey, l.VolumeID, l.FilePath, l.Size,
		l.ETag, l.ContentType, l.VersionID, l.IsLatest, metadata, encryption,
		l.CreatedAt).Scan(&l.ID)
	if err != nil {
		return fmt.Errorf("insert location: %w", err)
	}
	return nil
}

func (s *Store) UpdateLocation(ctx context.Context, id int64, upd capsule.LocationUpdate) error {
	sets := []string{}
	args := []any{}
	add := func(col string, val any) {
		args = append(args, val)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if upd.VolumeID != nil {
		add("volume_id", *upd.VolumeID)
	}
	if upd.FilePath != nil {
		add("file_path", *upd.FilePath)
	}
	if upd.Size != nil {
		add("size", *upd.Size)
	}
	if upd.ETag != nil {
		add("etag", *upd.ETag)
	}
	if upd.ContentType != nil {
		add("content_type", *upd.ContentType)
	}
	if upd.VersionID != nil {
		add("version_id", *upd.VersionID)
	}
	if upd.Metadata != nil {
		metadata, err := encodeMetadata(upd.Metadata)
		if err != nil {
			return err
		}
		add("metadata", metadata)
	}
	// Overwrites always rewrite the envelope; a plaintext overwrite of a
	// previously encrypted object must clear it.
	encryption, err := encodeEnvelope(upd.Encryption)
	if err != nil {
		return err
	}
	add("encryption", encryption)

	args = append(args, id)
	query := fmt.Sprintf("UPDATE object_locations SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update location: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return capsule.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteLocation(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM object_locations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete location: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return capsule.ErrNotFound
	}
	return nil
}

func (s *Store) ListLocations(ctx context.Context, bucketID int64, prefix string) ([]capsule.ObjectLocation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+locationColumns+` FROM object_locations
		WHERE bucket_id = $1 AND is_latest AND object_key LIKE $2 ESCAPE '\'
		ORDER BY object_key`, bucketID, likePrefix(prefix))
	if err != nil {
		return nil, fmt.Errorf("list locations: %w", err)
	}
	defer rows.Close()
	return collectLocations(rows)
}

func (s *Store) CountLocations(ctx context.Context, bucketID int64) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM object_locations WHERE bucket_id = $1`, bucketID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count locations: %w", err)
	}
	return n, nil
}

// Versions.

const versionColumns = `id, bucket_id, object_key, version_id, location_id,
	is_latest, is_delete_marker, size, etag, created_at, deleted_at`

func scanVersion(row pgx.Row) (*capsule.ObjectVersion, error) {
	var v capsule.ObjectVersion
	err := row.Scan(&v.ID, &v.BucketID, &v.Key, &v.VersionID, &v.LocationID,
		&v.IsLatest, &v.IsDeleteMarker, &v.Size, &v.ETag, &v.CreatedAt, &v.DeletedAt)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// CreateVersion inserts the row and flips latest onto it: every other
// version and location of the same key loses is_latest in the same
// transaction, so readers never observe two latest rows.
func (s *Store) CreateVersion(ctx context.Context, v *capsule.ObjectVersion) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("create version: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`UPDATE object_versions SET is_latest = FALSE WHERE bucket_id = $1 AND object_key = $2`,
		v.BucketID, v.Key); err != nil {
		return fmt.Errorf("create version: demote versions: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE object_locations SET is_latest = FALSE WHERE bucket_id = $1 AND object_key = $2`,
		v.BucketID, v.Key); err != nil {
		return fmt.Errorf("create version: demote locations: %w", err)
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO object_versions (bucket_id, object_key, version_id, location_id,
			is_latest, is_delete_marker, size, etag, created_at, deleted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id`,
		v.BucketID, v.Key, v.VersionID, v.LocationID,
		v.IsLatest, v.IsDeleteMarker, v.Size, v.ETag, v.CreatedAt, v.DeletedAt).Scan(&v.ID)
	if err != nil {
		return fmt.Errorf("create version: %w", err)
	}

	if v.LocationID != nil {
		if _, err := tx.Exec(ctx,
			`UPDATE object_locations SET is_latest = TRUE WHERE id = $1`, *v.LocationID); err != nil {
			return fmt.Errorf("create version: promote location: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func (s *Store) Version(ctx context.Context, bucketID int64, key, versionID string) (*capsule.ObjectVersion, error) {
	v, err := scanVersion(s.pool.QueryRow(ctx,
		`SELECT `+versionColumns+` FROM object_versions
		WHERE bucket_id = $1 AND object_key = $2 AND version_id = $3`, bucketID, key, versionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, capsule.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("version: %w", err)
	}
	return v, nil
}

func (s *Store) ListVersions(ctx context.Context, bucketID int64, prefix string) ([]capsule.ObjectVersion, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+versionColumns+` FROM object_versions
		WHERE bucket_id = $1 AND object_key LIKE $2 ESCAPE '\'
		ORDER BY object_key ASC, created_at DESC, id DESC`, bucketID, likePrefix(prefix))
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var out []capsule.ObjectVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("list versions: %w", err)
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

// DeleteVersion removes the row and, when it held latest, promotes the
// next most recent version of the key together with its location.
func (s *Store) DeleteVersion(ctx context.Context, bucketID int64, key, versionID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("delete version: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	v, err := scanVersion(tx.QueryRow(ctx,
		`SELECT `+versionColumns+` FROM object_versions
		WHERE bucket_id = $1 AND object_key = $2 AND version_id = $3`, bucketID, key, versionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return capsule.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("delete version: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM object_versions WHERE id = $1`, v.ID); err != nil {
		return fmt.Errorf("delete version: %w", err)
	}

	if v.IsLatest {
		nv, err := scanVersion(tx.QueryRow(ctx,
			`SELECT `+versionColumns+` FROM object_versions
			WHERE bucket_id = $1 AND object_key = $2
			ORDER BY created_at DESC, id DESC LIMIT 1`, bucketID, key))
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("delete version: find successor: %w", err)
		}
		if err == nil {
			if _, err := tx.Exec(ctx,
				`UPDATE object_versions SET is_latest = TRUE WHERE id = $1`, nv.ID); err != nil {
				return fmt.Errorf("delete version: promote successor: %w", err)
			}
			if nv.LocationID != nil && !nv.IsDeleteMarker {
				if _, err := tx.Exec(ctx,
					`UPDATE object_locations SET is_latest = TRUE WHERE id = $1`, *nv.LocationID); err != nil {
					return fmt.Errorf("delete version: promote location: %w", err)
				}
			}
		}
	}

	return tx.Commit(ctx)
}

// RestoreVersion flips latest onto an existing version and its location
// without touching any bytes.
func (s *Store) RestoreVersion(ctx context.Context, bucketID int64, key, versionID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("restore version: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	v, err := scanVersion(tx.QueryRow(ctx,
		`SELECT `+versionColumns+` FROM object_versions
		WHERE bucket_id = $1 AND object_key = $2 AND version_id = $3`, bucketID, key, versionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return capsule.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("restore version: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE object_versions SET is_latest = FALSE WHERE bucket_id = $1 AND object_key = $2`,
		bucketID, key); err != nil {
		return fmt.Errorf("restore version: demote versions: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE object_locations SET is_latest = FALSE WHERE bucket_id = $1 AND object_key = $2`,
		bucketID, key); err != nil {
		return fmt.Errorf("restore version: demote locations: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE object_versions SET is_latest = TRUE WHERE id = $1`, v.ID); err != nil {
		return fmt.Errorf("restore version: promote version: %w", err)
	}
	if v.LocationID != nil {
		if _, err := tx.Exec(ctx,
			`UPDATE object_locations SET is_latest = TRUE WHERE id = $1`, *v.LocationID); err != nil {
			return fmt.Errorf("restore version: promote location: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// Multipart uploads.

const uploadColumns = `id, upload_id, bucket_id, object_key, content_type, metadata, initiated_at`

func scanUpload(row pgx.Row) (*capsule.MultipartUpload, error) {
	var u capsule.MultipartUpload
	var metadata string
	err := row.Scan(&u.ID, &u.UploadID, &u.BucketID, &u.ObjectKey, &u.ContentType, &metadata, &u.InitiatedAt)
	if err != nil {
		return nil, err
	}
	if u.Metadata, err = decodeMetadata(metadata); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) CreateUpload(ctx context.Context, u *capsule.MultipartUpload) error {
	metadata, err := encodeMetadata(u.Metadata)
	if err != nil {
		return err
	}
	err = s.pool.QueryRow(ctx,
		`INSERT INTO multipart_uploads (upload_id, bucket_id, object_key, content_type, metadata, initiated_at)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		u.UploadID, u.BucketID, u.ObjectKey, u.ContentType, metadata, u.InitiatedAt).Scan(&u.ID)
	if err != nil {
		return fmt.Errorf("create upload: %w", err)
	}
	return nil
}

func (s *Store) Upload(ctx context.Context, uploadID string) (*capsule.MultipartUpload, error) {
	u, err := scanUpload(s.pool.QueryRow(ctx,
		`SELECT `+uploadColumns+` FROM multipart_uploads WHERE upload_id = $1`, uploadID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, capsule.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}
	return u, nil
}

func (s *Store) UpsertPart(ctx context.Context, p *capsule.UploadPart) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO upload_parts (upload_id, part_number, etag, size, file_path, uploaded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (upload_id, part_number) DO UPDATE SET
			etag = EXCLUDED.etag, size = EXCLUDED.size,
			file_path = EXCLUDED.file_path, uploaded_at = EXCLUDED.uploaded_at
		RETURNING id`,
		p.UploadID, p.PartNumber, p.ETag, p.Size, p.FilePath, p.UploadedAt).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("upsert part: %w", err)
	}
	return nil
}

func (s *Store) ListParts(ctx context.Context, uploadID string) ([]capsule.UploadPart, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, upload_id, part_number, etag, size, file_path, uploaded_at
		FROM upload_parts WHERE upload_id = $1 ORDER BY part_number`, uploadID)
	if err != nil {
		return nil, fmt.Errorf("list parts: %w", err)
	}
	defer rows.Close()

	var out []capsule.UploadPart
	for rows.Next() {
		var p capsule.UploadPart
		if err := rows.Scan(&p.ID, &p.UploadID, &p.PartNumber, &p.ETag, &p.Size, &p.FilePath, &p.UploadedAt); err != nil {
			return nil, fmt.Errorf("list parts: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) DeleteUpload(ctx context.Context, uploadID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("delete upload: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`DELETE FROM upload_parts WHERE upload_id = $1`, uploadID); err != nil {
		return fmt.Errorf("delete upload parts: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM multipart_uploads WHERE upload_id = $1`, uploadID); err != nil {
		return fmt.Errorf("delete upload: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Store) UploadsOlderThan(ctx context.Context, cutoff time.Time) ([]capsule.MultipartUpload, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+uploadColumns+` FROM multipart_uploads WHERE initiated_at < $1`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("uploads older than: %w", err)
	}
	defer rows.Close()

	var out []capsule.MultipartUpload
	for rows.Next() {
		u, err := scanUpload(rows)
		if err != nil {
			return nil, fmt.Errorf("uploads older than: %w", err)
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

// Event notifications.

func (s *Store) CreateNotification(ctx context.Context, n *capsule.EventNotification) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO event_notifications (bucket_id, event_type, webhook_url, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		n.BucketID, n.EventType, n.WebhookURL, n.IsActive, n.CreatedAt).Scan(&n.ID)
	if err != nil {
		return fmt.Errorf("create notification: %w", err)
	}
	return nil
}

func (s *Store) listNotifications(ctx context.Context, query string, args ...any) ([]capsule.EventNotification, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var out []capsule.EventNotification
	for rows.Next() {
		var n capsule.EventNotification
		if err := rows.Scan(&n.ID, &n.BucketID, &n.EventType, &n.WebhookURL, &n.IsActive, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("list notifications: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) ListNotifications(ctx context.Context, bucketID int64) ([]capsule.EventNotification, error) {
	return s.listNotifications(ctx,
		`SELECT id, bucket_id, event_type, webhook_url, is_active, created_at
		FROM event_notifications WHERE bucket_id = $1 ORDER BY id`, bucketID)
}

func (s *Store) ActiveNotifications(ctx context.Context, bucketID int64) ([]capsule.EventNotification, error) {
	return s.listNotifications(ctx,
		`SELECT id, bucket_id, event_type, webhook_url, is_active, created_at
		FROM event_notifications WHERE bucket_id = $1 AND is_active ORDER BY id`, bucketID)
}

func (s *Store) DeleteNotification(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM event_notifications WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete notification: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return capsule.ErrNotFound
	}
	return nil
}

// CORS.

func (s *Store) BucketCORS(ctx context.Context, bucketID int64) ([]capsule.CORSRule, error) {
	var raw string
	err := s.pool.QueryRow(ctx,
		`SELECT rules FROM bucket_cors WHERE bucket_id = $1`, bucketID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, capsule.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("bucket cors: %w", err)
	}

	var rules []capsule.CORSRule
	if err := json.Unmarshal([]byte(raw), &rules); err != nil {
		return nil, fmt.Errorf("bucket cors: decode rules: %w", err)
	}
	return rules, nil
}

func (s *Store) PutBucketCORS(ctx context.Context, bucketID int64, rules []capsule.CORSRule) error {
	raw, err := json.Marshal(rules)
	if err != nil {
		return fmt.Errorf("put bucket cors: encode rules: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO bucket_cors (bucket_id, rules, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (bucket_id) DO UPDATE SET rules = EXCLUDED.rules, updated_at = EXCLUDED.updated_at`,
		bucketID, string(raw), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("put bucket cors: %w", err)
	}
	return nil
}

func (s *Store) DeleteBucketCORS(ctx context.Context, bucketID int64) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM bucket_cors WHERE bucket_id = $1`, bucketID); err != nil {
		return fmt.Errorf("delete bucket cors: %w", err)
	}
	return nil
}

// Users.

func (s *Store) CreateUser(ctx context.Context, u *capsule.User) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO users (email, password_hash, full_name, role, access_key, secret_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		u.Email, u.PasswordHash, u.FullName, u.Role, u.AccessKey, u.SecretKey, u.CreatedAt).Scan(&u.ID)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *Store) UserByEmail(ctx context.Context, email string) (*capsule.User, error) {
	var u capsule.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, password_hash, full_name, role, access_key, secret_key, created_at
		FROM users WHERE email = $1`, email).Scan(
		&u.ID, &u.Email, &u.PasswordHash, &u.FullName, &u.Role, &u.AccessKey, &u.SecretKey, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, capsule.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("user by email: %w", err)
	}
	return &u, nil
}

// likePrefix escapes LIKE metacharacters so a key prefix matches
// literally.
func likePrefix(prefix string) string {
	out := make([]byte, 0, len(prefix)+2)
	for i := 0; i < len(prefix); i++ {
		switch prefix[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, prefix[i])
	}
	return string(append(out, '%'))
}
