// Package sqlite implements the metadata store on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/capsulefs/capsule"
)

// Store implements capsule.Store on a database/sql SQLite handle.
// Booleans are stored as 0/1 integers and times as RFC3339Nano text.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// timeLayout keeps the fractional seconds fixed-width so TEXT
// comparisons in SQL order correctly.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, v)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
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

func (s *Store) CreateVolume(ctx context.Context, v *capsule.Volume) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO volumes (name, path, capacity, used, is_default, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		v.Name, v.Path, v.Capacity, v.Used, boolInt(v.IsDefault), formatTime(v.CreatedAt))
	if err != nil {
		return fmt.Errorf("create volume: %w", err)
	}
	v.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("create volume: %w", err)
	}
	return nil
}

const volumeColumns = `id, name, path, capacity, used, is_default, created_at`

func scanVolume(row interface{ Scan(...any) error }) (*capsule.Volume, error) {
	var v capsule.Volume
	var isDefault int
	var createdAt string
	if err := row.Scan(&v.ID, &v.Name, &v.Path, &v.Capacity, &v.Used, &isDefault, &createdAt); err != nil {
		return nil, err
	}
	v.IsDefault = isDefault != 0
	var err error
	if v.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	return &v, nil
}

func (s *Store) VolumeByID(ctx context.Context, id int64) (*capsule.Volume, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+volumeColumns+` FROM volumes WHERE id = ?`, id)
	v, err := scanVolume(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, capsule.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("volume by id: %w", err)
	}
	return v, nil
}

func (s *Store) DefaultVolume(ctx context.Context) (*capsule.Volume, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+volumeColumns+` FROM volumes WHERE is_default = 1 LIMIT 1`)
	v, err := scanVolume(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, capsule.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("default volume: %w", err)
	}
	return v, nil
}

func (s *Store) ListVolumes(ctx context.Context) ([]capsule.Volume, error) {
	rows, err := s.db.QueryContext(ctx,
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
	if upd.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *upd.Name)
	}
	if upd.Path != nil {
		sets = append(sets, "path = ?")
		args = append(args, *upd.Path)
	}
	if upd.Capacity != nil {
		sets = append(sets, "capacity = ?")
		args = append(args, *upd.Capacity)
	}
	if upd.IsDefault != nil {
		sets = append(sets, "is_default = ?")
		args = append(args, boolInt(*upd.IsDefault))
	}
	if len(sets) > 0 {
		args = append(args, id)
		query := "UPDATE volumes SET " + strings.Join(sets, ", ") + " WHERE id = ?"
		if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
			return nil, fmt.Errorf("update volume: %w", err)
		}
	}
	return s.VolumeByID(ctx, id)
}

func (s *Store) DeleteVolume(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM volumes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete volume: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return capsule.ErrNotFound
	}
	return nil
}

func (s *Store) AdjustVolumeUsage(ctx context.Context, id int64, delta int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE volumes SET used = used + ? WHERE id = ?`, delta, id)
	if err != nil {
		return fmt.Errorf("adjust volume usage: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return capsule.ErrNotFound
	}
	return nil
}

func (s *Store) ClearDefaultVolume(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE volumes SET is_default = 0 WHERE is_default = 1`); err != nil {
		return fmt.Errorf("clear default volume: %w", err)
	}
	return nil
}

func (s *Store) SelectVolumeForUpload(ctx context.Context, size int64) (*capsule.Volume, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+volumeColumns+` FROM volumes
		WHERE capacity - used >= ?
		ORDER BY used ASC, id ASC LIMIT 1`, size)
	v, err := scanVolume(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, capsule.ErrNoVolumeAvailable
	}
	if err != nil {
		return nil, fmt.Errorf("select volume for upload: %w", err)
	}
	return v, nil
}

func (s *Store) LocationsOnVolume(ctx context.Context, volumeID int64) ([]capsule.ObjectLocation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+locationColumns+` FROM object_locations WHERE volume_id = ?`, volumeID)
	if err != nil {
		return nil, fmt.Errorf("locations on volume: %w", err)
	}
	defer rows.Close()
	return collectLocations(rows)
}

func (s *Store) DeleteLocationsOnVolume(ctx context.Context, volumeID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete locations on volume: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM object_versions WHERE location_id IN
			(SELECT id FROM object_locations WHERE volume_id = ?)`, volumeID); err != nil {
		return fmt.Errorf("delete versions on volume: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM object_locations WHERE volume_id = ?`, volumeID); err != nil {
		return fmt.Errorf("delete locations on volume: %w", err)
	}
	return tx.Commit()
}

func (s *Store) ReassignBuckets(ctx context.Context, from, to int64) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE buckets SET volume_id = ? WHERE volume_id = ?`, to, from); err != nil {
		return fmt.Errorf("reassign buckets: %w", err)
	}
	return nil
}

// Buckets.

const bucketColumns = `id, name, volume_id, COALESCE(owner_id, 0), access_key, secret_key,
	versioning_enabled, encryption_enabled, encryption_type, encryption_key, policy, created_at`

func scanBucket(row interface{ Scan(...any) error }) (*capsule.Bucket, error) {
	var b capsule.Bucket
	var versioning, encryption int
	var createdAt string
	err := row.Scan(&b.ID, &b.Name, &b.VolumeID, &b.OwnerID, &b.AccessKey, &b.SecretKey,
		&versioning, &encryption, &b.EncryptionType, &b.EncryptionKey, &b.Policy, &createdAt)
	if err != nil {
		return nil, err
	}
	b.VersioningEnabled = versioning != 0
	b.EncryptionEnabled = encryption != 0
	if b.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	return &b, nil
}

func (s *Store) CreateBucket(ctx context.Context, b *capsule.Bucket) error {
	var ownerID any
	if b.OwnerID != 0 {
		ownerID = b.OwnerID
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO buckets (name, volume_id, owner_id, access_key, secret_key,
			versioning_enabled, encryption_enabled, encryption_type, encryption_key, policy, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.Name, b.VolumeID, ownerID, b.AccessKey, b.SecretKey,
		boolInt(b.VersioningEnabled), boolInt(b.EncryptionEnabled),
		b.EncryptionType, b.EncryptionKey, b.Policy, formatTime(b.CreatedAt))
	if err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	b.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	return nil
}

func (s *Store) BucketByName(ctx context.Context, name string) (*capsule.Bucket, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+bucketColumns+` FROM buckets WHERE name = ?`, name)
	b, err := scanBucket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, capsule.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("bucket by name: %w", err)
	}
	return b, nil
}

func (s *Store) BucketByID(ctx context.Context, id int64) (*capsule.Bucket, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+bucketColumns+` FROM buckets WHERE id = ?`, id)
	b, err := scanBucket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, capsule.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("bucket by id: %w", err)
	}
	return b, nil
}

func (s *Store) ListBuckets(ctx context.Context) ([]capsule.Bucket, error) {
	rows, err := s.db.QueryContext(ctx,
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
	if upd.VolumeID != nil {
		sets = append(sets, "volume_id = ?")
		args = append(args, *upd.VolumeID)
	}
	if upd.AccessKey != nil {
		sets = append(sets, "access_key = ?")
		args = append(args, *upd.AccessKey)
	}
	if upd.SecretKey != nil {
		sets = append(sets, "secret_key = ?")
		args = append(args, *upd.SecretKey)
	}
	if upd.VersioningEnabled != nil {
		sets = append(sets, "versioning_enabled = ?")
		args = append(args, boolInt(*upd.VersioningEnabled))
	}
	if upd.EncryptionEnabled != nil {
		sets = append(sets, "encryption_enabled = ?")
		args = append(args, boolInt(*upd.EncryptionEnabled))
	}
	if upd.EncryptionType != nil {
		sets = append(sets, "encryption_type = ?")
		args = append(args, *upd.EncryptionType)
	}
	if upd.EncryptionKey != nil {
		sets = append(sets, "encryption_key = ?")
		args = append(args, *upd.EncryptionKey)
	}
	if upd.Policy != nil {
		sets = append(sets, "policy = ?")
		args = append(args, *upd.Policy)
	}
	if len(sets) > 0 {
		args = append(args, id)
		query := "UPDATE buckets SET " + strings.Join(sets, ", ") + " WHERE id = ?"
		if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
			return nil, fmt.Errorf("update bucket: %w", err)
		}
	}
	return s.BucketByID(ctx, id)
}

func (s *Store) DeleteBucket(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM buckets WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete bucket: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return capsule.ErrNotFound
	}
	return nil
}

func (s *Store) BucketDistribution(ctx context.Context, bucketID int64) ([]capsule.VolumeDistribution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT v.id, v.name, COUNT(l.id), COALESCE(SUM(l.size), 0)
		FROM object_locations l
		JOIN volumes v ON v.id = l.volume_id
		WHERE l.bucket_id = ?
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

func scanLocation(row interface{ Scan(...any) error }) (*capsule.ObjectLocation, error) {
	var l capsule.ObjectLocation
	var isLatest int
	var metadata, encryption, createdAt string
	err := row.Scan(&l.ID, &l.BucketID, &l.ObjectKey, &l.VolumeID, &l.FilePath, &l.Size,
		&l.ETag, &l.ContentType, &l.VersionID, &isLatest, &metadata, &encryption, &createdAt)
	if err != nil {
		return nil, err
	}
	l.IsLatest = isLatest != 0
	if l.Metadata, err = decodeMetadata(metadata); err != nil {
		return nil, err
	}
	if l.Encryption, err = decodeEnvelope(encryption); err != nil {
		return nil, err
	}
	if l.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	return &l, nil
}

func collectLocations(rows *sql.Rows) ([]capsule.ObjectLocation, error) {
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
	row := s.db.QueryRowContext(ctx,
		`SELECT `+locationColumns+` FROM object_locations
		WHERE bucket_id = ? AND object_key = ? AND is_latest = 1`, bucketID, key)
	l, err := scanLocation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, capsule.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("location: %w", err)
	}
	return l, nil
}

func (s *Store) LocationByID(ctx context.Context, id int64) (*capsule.ObjectLocation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+locationColumns+` FROM object_locations WHERE id = ?`, id)
	l, err := scanLocation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, capsule.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("location by id: %w", err)
	}
	return l, nil
}

func (s *Store) LocationByVersion(ctx context.Context, bucketID int64, key, versionID string) (*capsule.ObjectLocation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+locationColumns+` FROM object_locations
		WHERE bucket_id = ? AND object_key = ? AND version_id = ?`, bucketID, key, versionID)
	l, err := scanLocation(row)
	if errors.Is(err, sql.ErrNoRows) {
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
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO object_locations (bucket_id, object_key, volume_id, file_path, size,
			etag, content_type, version_id, is_latest, metadata, encryption, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.BucketID, l.ObjectKey, l.VolumeID, l.FilePath, l.Size,
		l.ETag, l.ContentType, l.VersionID, boolInt(l.IsLatest), metadata, encryption,
		formatTime(l.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert location: %w", err)
	}
	l.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert location: %w", err)
	}
	return nil
}

func (s *Store) UpdateLocation(ctx context.Context, id int64, upd capsule.LocationUpdate) error {
	sets := []string{}
	args := []any{}
	if upd.VolumeID != nil {
		sets = append(sets, "volume_id = ?")
		args = append(args, *upd.VolumeID)
	}
	if upd.FilePath != nil {
		sets = append(sets, "file_path = ?")
		args = append(args, *upd.FilePath)
	}
	if upd.Size != nil {
		sets = append(sets, "size = ?")
		args = append(args, *upd.Size)
	}
	if upd.ETag != nil {
		sets = append(sets, "etag = ?")
		args = append(args, *upd.ETag)
	}
	if upd.ContentType != nil {
		sets = append(sets, "content_type = ?")
		args = append(args, *upd.ContentType)
	}
	if upd.VersionID != nil {
		sets = append(sets, "version_id = ?")
		args = append(args, *upd.VersionID)
	}
	if upd.Metadata != nil {
		metadata, err := encodeMetadata(upd.Metadata)
		if err != nil {
			return err
		}
		sets = append(sets, "metadata = ?")
		args = append(args, metadata)
	}
	// Overwrites always rewrite the envelope; a plaintext overwrite of a
	// previously encrypted object must clear it.
	encryption, err := encodeEnvelope(upd.Encryption)
	if err != nil {
		return err
	}
	sets = append(sets, "encryption = ?")
	args = append(args, encryption)

	args = append(args, id)
	query := "UPDATE object_locations SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update location: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return capsule.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteLocation(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM object_locations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete location: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return capsule.ErrNotFound
	}
	return nil
}

func (s *Store) ListLocations(ctx context.Context, bucketID int64, prefix string) ([]capsule.ObjectLocation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+locationColumns+` FROM object_locations
		WHERE bucket_id = ? AND is_latest = 1 AND object_key LIKE ? ESCAPE '\'
		ORDER BY object_key`, bucketID, likePrefix(prefix))
	if err != nil {
		return nil, fmt.Errorf("list locations: %w", err)
	}
	defer rows.Close()
	return collectLocations(rows)
}

func (s *Store) CountLocations(ctx context.Context, bucketID int64) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM object_locations WHERE bucket_id = ?`, bucketID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count locations: %w", err)
	}
	return n, nil
}

// Versions.

const versionColumns = `id, bucket_id, object_key, version_id, location_id,
	is_latest, is_delete_marker, size, etag, created_at, deleted_at`

func scanVersion(row interface{ Scan(...any) error }) (*capsule.ObjectVersion, error) {
	var v capsule.ObjectVersion
	var locationID sql.NullInt64
	var isLatest, isMarker int
	var createdAt string
	var deletedAt sql.NullString
	err := row.Scan(&v.ID, &v.BucketID, &v.Key, &v.VersionID, &locationID,
		&isLatest, &isMarker, &v.Size, &v.ETag, &createdAt, &deletedAt)
	if err != nil {
		return nil, err
	}
	if locationID.Valid {
		v.LocationID = &locationID.Int64
	}
	v.IsLatest = isLatest != 0
	v.IsDeleteMarker = isMarker != 0
	if v.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if deletedAt.Valid {
		t, err := parseTime(deletedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse deleted_at: %w", err)
		}
		v.DeletedAt = &t
	}
	return &v, nil
}

// CreateVersion inserts the row and flips latest onto it: every other
// version and location of the same key loses is_latest in the same
// transaction, so readers never observe two latest rows.
func (s *Store) CreateVersion(ctx context.Context, v *capsule.ObjectVersion) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("create version: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`UPDATE object_versions SET is_latest = 0 WHERE bucket_id = ? AND object_key = ?`,
		v.BucketID, v.Key); err != nil {
		return fmt.Errorf("create version: demote versions: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE object_locations SET is_latest = 0 WHERE bucket_id = ? AND object_key = ?`,
		v.BucketID, v.Key); err != nil {
		return fmt.Errorf("create version: demote locations: %w", err)
	}

	var locationID any
	if v.LocationID != nil {
		locationID = *v.LocationID
	}
	var deletedAt any
	if v.DeletedAt != nil {
		deletedAt = formatTime(*v.DeletedAt)
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO object_versions (bucket_id, object_key, version_id, location_id,
			is_latest, is_delete_marker, size, etag, created_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.BucketID, v.Key, v.VersionID, locationID,
		boolInt(v.IsLatest), boolInt(v.IsDeleteMarker), v.Size, v.ETag,
		formatTime(v.CreatedAt), deletedAt)
	if err != nil {
		return fmt.Errorf("create version: %w", err)
	}
	if v.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("create version: %w", err)
	}

	if v.LocationID != nil {
		if _, err := tx.ExecContext(ctx,
			`UPDATE object_locations SET is_latest = 1 WHERE id = ?`, *v.LocationID); err != nil {
			return fmt.Errorf("create version: promote location: %w", err)
		}
	}

	return tx.Commit()
}

func (s *Store) Version(ctx context.Context, bucketID int64, key, versionID string) (*capsule.ObjectVersion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM object_versions
		WHERE bucket_id = ? AND object_key = ? AND version_id = ?`, bucketID, key, versionID)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, capsule.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("version: %w", err)
	}
	return v, nil
}

func (s *Store) ListVersions(ctx context.Context, bucketID int64, prefix string) ([]capsule.ObjectVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+versionColumns+` FROM object_versions
		WHERE bucket_id = ? AND object_key LIKE ? ESCAPE '\'
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
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete version: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM object_versions
		WHERE bucket_id = ? AND object_key = ? AND version_id = ?`, bucketID, key, versionID)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return capsule.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("delete version: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM object_versions WHERE id = ?`, v.ID); err != nil {
		return fmt.Errorf("delete version: %w", err)
	}

	if v.IsLatest {
		next := tx.QueryRowContext(ctx,
			`SELECT `+versionColumns+` FROM object_versions
			WHERE bucket_id = ? AND object_key = ?
			ORDER BY created_at DESC, id DESC LIMIT 1`, bucketID, key)
		nv, err := scanVersion(next)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("delete version: find successor: %w", err)
		}
		if err == nil {
			if _, err := tx.ExecContext(ctx,
				`UPDATE object_versions SET is_latest = 1 WHERE id = ?`, nv.ID); err != nil {
				return fmt.Errorf("delete version: promote successor: %w", err)
			}
			if nv.LocationID != nil && !nv.IsDeleteMarker {
				if _, err := tx.ExecContext(ctx,
					`UPDATE object_locations SET is_latest = 1 WHERE id = ?`, *nv.LocationID); err != nil {
					return fmt.Errorf("delete version: promote location: %w", err)
				}
			}
		}
	}

	return tx.Commit()
}

// RestoreVersion flips latest onto an existing version and its location
// without touching any bytes.
func (s *Store) RestoreVersion(ctx context.Context, bucketID int64, key, versionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("restore version: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM object_versions
		WHERE bucket_id = ? AND object_key = ? AND version_id = ?`, bucketID, key, versionID)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return capsule.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("restore version: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE object_versions SET is_latest = 0 WHERE bucket_id = ? AND object_key = ?`,
		bucketID, key); err != nil {
		return fmt.Errorf("restore version: demote versions: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE object_locations SET is_latest = 0 WHERE bucket_id = ? AND object_key = ?`,
		bucketID, key); err != nil {
		return fmt.Errorf("restore version: demote locations: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE object_versions SET is_latest = 1 WHERE id = ?`, v.ID); err != nil {
		return fmt.Errorf("restore version: promote version: %w", err)
	}
	if v.LocationID != nil {
		if _, err := tx.ExecContext(ctx,
			`UPDATE object_locations SET is_latest = 1 WHERE id = ?`, *v.LocationID); err != nil {
			return fmt.Errorf("restore version: promote location: %w", err)
		}
	}

	return tx.Commit()
}

// Multipart uploads.

func (s *Store) CreateUpload(ctx context.Context, u *capsule.MultipartUpload) error {
	metadata, err := encodeMetadata(u.Metadata)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO multipart_uploads (upload_id, bucket_id, object_key, content_type, metadata, initiated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		u.UploadID, u.BucketID, u.ObjectKey, u.ContentType, metadata, formatTime(u.InitiatedAt))
	if err != nil {
		return fmt.Errorf("create upload: %w", err)
	}
	if u.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("create upload: %w", err)
	}
	return nil
}

const uploadColumns = `id, upload_id, bucket_id, object_key, content_type, metadata, initiated_at`

func scanUpload(row interface{ Scan(...any) error }) (*capsule.MultipartUpload, error) {
	var u capsule.MultipartUpload
	var metadata, initiatedAt string
	err := row.Scan(&u.ID, &u.UploadID, &u.BucketID, &u.ObjectKey, &u.ContentType, &metadata, &initiatedAt)
	if err != nil {
		return nil, err
	}
	if u.Metadata, err = decodeMetadata(metadata); err != nil {
		return nil, err
	}
	if u.InitiatedAt, err = parseTime(initiatedAt); err != nil {
		return nil, fmt.Errorf("parse initiated_at: %w", err)
	}
	return &u, nil
}

func (s *Store) Upload(ctx context.Context, uploadID string) (*capsule.MultipartUpload, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+uploadColumns+` FROM multipart_uploads WHERE upload_id = ?`, uploadID)
	u, err := scanUpload(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, capsule.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}
	return u, nil
}

func (s *Store) UpsertPart(ctx context.Context, p *capsule.UploadPart) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO upload_parts (upload_id, part_number, etag, size, file_path, uploaded_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (upload_id, part_number) DO UPDATE SET
			etag = excluded.etag, size = excluded.size,
			file_path = excluded.file_path, uploaded_at = excluded.uploaded_at`,
		p.UploadID, p.PartNumber, p.ETag, p.Size, p.FilePath, formatTime(p.UploadedAt))
	if err != nil {
		return fmt.Errorf("upsert part: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		p.ID = id
	}
	return nil
}

func (s *Store) ListParts(ctx context.Context, uploadID string) ([]capsule.UploadPart, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, upload_id, part_number, etag, size, file_path, uploaded_at
		FROM upload_parts WHERE upload_id = ? ORDER BY part_number`, uploadID)
	if err != nil {
		return nil, fmt.Errorf("list parts: %w", err)
	}
	defer rows.Close()

	var out []capsule.UploadPart
	for rows.Next() {
		var p capsule.UploadPart
		var uploadedAt string
		if err := rows.Scan(&p.ID, &p.UploadID, &p.PartNumber, &p.ETag, &p.Size, &p.FilePath, &uploadedAt); err != nil {
			return nil, fmt.Errorf("list parts: %w", err)
		}
		if p.UploadedAt, err = parseTime(uploadedAt); err != nil {
			return nil, fmt.Errorf("list parts: parse uploaded_at: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) DeleteUpload(ctx context.Context, uploadID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete upload: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM upload_parts WHERE upload_id = ?`, uploadID); err != nil {
		return fmt.Errorf("delete upload parts: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM multipart_uploads WHERE upload_id = ?`, uploadID); err != nil {
		return fmt.Errorf("delete upload: %w", err)
	}
	return tx.Commit()
}

func (s *Store) UploadsOlderThan(ctx context.Context, cutoff time.Time) ([]capsule.MultipartUpload, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+uploadColumns+` FROM multipart_uploads WHERE initiated_at < ?`,
		formatTime(cutoff))
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
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO event_notifications (bucket_id, event_type, webhook_url, is_active, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		n.BucketID, n.EventType, n.WebhookURL, boolInt(n.IsActive), formatTime(n.CreatedAt))
	if err != nil {
		return fmt.Errorf("create notification: %w", err)
	}
	if n.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("create notification: %w", err)
	}
	return nil
}

func (s *Store) listNotifications(ctx context.Context, query string, args ...any) ([]capsule.EventNotification, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var out []capsule.EventNotification
	for rows.Next() {
		var n capsule.EventNotification
		var isActive int
		var createdAt string
		if err := rows.Scan(&n.ID, &n.BucketID, &n.EventType, &n.WebhookURL, &isActive, &createdAt); err != nil {
			return nil, fmt.Errorf("list notifications: %w", err)
		}
		n.IsActive = isActive != 0
		if n.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("list notifications: parse created_at: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) ListNotifications(ctx context.Context, bucketID int64) ([]capsule.EventNotification, error) {
	return s.listNotifications(ctx,
		`SELECT id, bucket_id, event_type, webhook_url, is_active, created_at
		FROM event_notifications WHERE bucket_id = ? ORDER BY id`, bucketID)
}

func (s *Store) ActiveNotifications(ctx context.Context, bucketID int64) ([]capsule.EventNotification, error) {
	return s.listNotifications(ctx,
		`SELECT id, bucket_id, event_type, webhook_url, is_active, created_at
		FROM event_notifications WHERE bucket_id = ? AND is_active = 1 ORDER BY id`, bucketID)
}

func (s *Store) DeleteNotification(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM event_notifications WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete notification: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return capsule.ErrNotFound
	}
	return nil
}

// CORS.

func (s *Store) BucketCORS(ctx context.Context, bucketID int64) ([]capsule.CORSRule, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT rules FROM bucket_cors WHERE bucket_id = ?`, bucketID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
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
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO bucket_cors (bucket_id, rules, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (bucket_id) DO UPDATE SET rules = excluded.rules, updated_at = excluded.updated_at`,
		bucketID, string(raw), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("put bucket cors: %w", err)
	}
	return nil
}

func (s *Store) DeleteBucketCORS(ctx context.Context, bucketID int64) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM bucket_cors WHERE bucket_id = ?`, bucketID); err != nil {
		return fmt.Errorf("delete bucket cors: %w", err)
	}
	return nil
}

// Users.

func (s *Store) CreateUser(ctx context.Context, u *capsule.User) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (email, password_hash, full_name, role, access_key, secret_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.Email, u.PasswordHash, u.FullName, u.Role, u.AccessKey, u.SecretKey, formatTime(u.CreatedAt))
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	if u.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *Store) UserByEmail(ctx context.Context, email string) (*capsule.User, error) {
	var u capsule.User
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash, full_name, role, access_key, secret_key, created_at
		FROM users WHERE email = ?`, email).Scan(
		&u.ID, &u.Email, &u.PasswordHash, &u.FullName, &u.Role, &u.AccessKey, &u.SecretKey, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, capsule.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("user by email: %w", err)
	}
	if u.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("user by email: parse created_at: %w", err)
	}
	return &u, nil
}

// Helpers.

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
