package sqlite_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/capsulefs/capsule"
	"github.com/capsulefs/capsule/database/sqlite"
)

func newStore(t *testing.T) (*sqlite.Store, context.Context) {
	t.Helper()
	ctx := context.Background()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err, "open sqlite database")
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.ExecContext(ctx, "PRAGMA foreign_keys = ON")
	require.NoError(t, err)

	require.NoError(t, sqlite.Migrate(ctx, db), "migrate")
	return sqlite.NewStore(db), ctx
}

func seedVolume(t *testing.T, s *sqlite.Store, ctx context.Context, capacity int64, isDefault bool) *capsule.Volume {
	t.Helper()
	// Volume names are unique; derive one from the temp dir.
	path := t.TempDir()
	v := &capsule.Volume{
		Name:      "vol-" + filepath.Base(path),
		Path:      path,
		Capacity:  capacity,
		IsDefault: isDefault,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateVolume(ctx, v))
	return v
}

func seedBucket(t *testing.T, s *sqlite.Store, ctx context.Context, name string, volumeID int64) *capsule.Bucket {
	t.Helper()
	b := &capsule.Bucket{
		Name:      name,
		VolumeID:  volumeID,
		AccessKey: "AKIA" + name,
		SecretKey: "secret",
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateBucket(ctx, b))
	return b
}

func TestVolumeCRUD(t *testing.T) {
	s, ctx := newStore(t)

	v := seedVolume(t, s, ctx, 1000, true)
	require.NotZero(t, v.ID)

	got, err := s.VolumeByID(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, v.Path, got.Path)
	assert.True(t, got.IsDefault)

	def, err := s.DefaultVolume(ctx)
	require.NoError(t, err)
	assert.Equal(t, v.ID, def.ID)

	newCap := int64(2000)
	updated, err := s.UpdateVolume(ctx, v.ID, capsule.VolumeUpdate{Capacity: &newCap})
	require.NoError(t, err)
	assert.Equal(t, int64(2000), updated.Capacity)

	require.NoError(t, s.DeleteVolume(ctx, v.ID))
	_, err = s.VolumeByID(ctx, v.ID)
	assert.ErrorIs(t, err, capsule.ErrNotFound)
}

func TestAdjustVolumeUsage(t *testing.T) {
	s, ctx := newStore(t)
	v := seedVolume(t, s, ctx, 1000, true)

	require.NoError(t, s.AdjustVolumeUsage(ctx, v.ID, 300))
	require.NoError(t, s.AdjustVolumeUsage(ctx, v.ID, 200))
	require.NoError(t, s.AdjustVolumeUsage(ctx, v.ID, -100))

	got, err := s.VolumeByID(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(400), got.Used)
}

func TestSelectVolumeForUpload(t *testing.T) {
	s, ctx := newStore(t)

	a := seedVolume(t, s, ctx, 1000, true)
	b := seedVolume(t, s, ctx, 1000, false)

	require.NoError(t, s.AdjustVolumeUsage(ctx, a.ID, 600))
	require.NoError(t, s.AdjustVolumeUsage(ctx, b.ID, 100))

	// Least used with enough headroom wins.
	got, err := s.SelectVolumeForUpload(ctx, 300)
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)

	// No volume has that much headroom.
	_, err = s.SelectVolumeForUpload(ctx, 950)
	assert.ErrorIs(t, err, capsule.ErrNoVolumeAvailable)
}

func TestLocationPrefixEscaping(t *testing.T) {
	s, ctx := newStore(t)
	v := seedVolume(t, s, ctx, 1<<30, true)
	b := seedBucket(t, s, ctx, "docs", v.ID)

	for _, key := range []string{"report_2026.txt", "reportX2026.txt", "100%a", "100pa"} {
		require.NoError(t, s.InsertLocation(ctx, &capsule.ObjectLocation{
			BucketID:  b.ID,
			ObjectKey: key,
			VolumeID:  v.ID,
			FilePath:  "/x/" + key,
			IsLatest:  true,
			CreatedAt: time.Now().UTC(),
		}))
	}

	// LIKE wildcards in the prefix must be treated literally.
	locs, err := s.ListLocations(ctx, b.ID, "report_")
	require.NoError(t, err)
	require.Len(t, locs, 1)
	assert.Equal(t, "report_2026.txt", locs[0].ObjectKey)

	locs, err = s.ListLocations(ctx, b.ID, "100%")
	require.NoError(t, err)
	require.Len(t, locs, 1)
	assert.Equal(t, "100%a", locs[0].ObjectKey)
}

func TestCreateVersionFlipsLatest(t *testing.T) {
	s, ctx := newStore(t)
	v := seedVolume(t, s, ctx, 1<<30, true)
	b := seedBucket(t, s, ctx, "docs", v.ID)

	loc1 := &capsule.ObjectLocation{
		BucketID: b.ID, ObjectKey: "k", VolumeID: v.ID,
		FilePath: "/x/1", VersionID: "v1", IsLatest: true,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.InsertLocation(ctx, loc1))
	require.NoError(t, s.CreateVersion(ctx, &capsule.ObjectVersion{
		BucketID: b.ID, Key: "k", VersionID: "v1",
		LocationID: &loc1.ID, IsLatest: true,
		CreatedAt: time.Now().UTC(),
	}))

	loc2 := &capsule.ObjectLocation{
		BucketID: b.ID, ObjectKey: "k", VolumeID: v.ID,
		FilePath: "/x/2", VersionID: "v2", IsLatest: true,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.InsertLocation(ctx, loc2))
	require.NoError(t, s.CreateVersion(ctx, &capsule.ObjectVersion{
		BucketID: b.ID, Key: "k", VersionID: "v2",
		LocationID: &loc2.ID, IsLatest: true,
		CreatedAt: time.Now().UTC(),
	}))

	// The older version and its location were demoted in the same
	// transaction.
	old, err := s.Version(ctx, b.ID, "k", "v1")
	require.NoError(t, err)
	assert.False(t, old.IsLatest)

	live, err := s.Location(ctx, b.ID, "k")
	require.NoError(t, err)
	assert.Equal(t, "v2", live.VersionID)

	versions, err := s.ListVersions(ctx, b.ID, "")
	require.NoError(t, err)
	latest := 0
	for _, ver := range versions {
		if ver.IsLatest {
			latest++
		}
	}
	assert.Equal(t, 1, latest)
}

func TestDeleteVersionPromotesSuccessor(t *testing.T) {
	s, ctx := newStore(t)
	v := seedVolume(t, s, ctx, 1<<30, true)
	b := seedBucket(t, s, ctx, "docs", v.ID)

	base := time.Now().UTC().Add(-time.Hour)
	var locs []*capsule.ObjectLocation
	for i, ver := range []string{"v1", "v2", "v3"} {
		loc := &capsule.ObjectLocation{
			BucketID: b.ID, ObjectKey: "k", VolumeID: v.ID,
			FilePath: "/x/" + ver, VersionID: ver, IsLatest: true,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, s.InsertLocation(ctx, loc))
		require.NoError(t, s.CreateVersion(ctx, &capsule.ObjectVersion{
			BucketID: b.ID, Key: "k", VersionID: ver,
			LocationID: &loc.ID, IsLatest: true,
			CreatedAt: loc.CreatedAt,
		}))
		locs = append(locs, loc)
	}

	// Deleting the latest promotes v2 and its location.
	require.NoError(t, s.DeleteVersion(ctx, b.ID, "k", "v3"))

	promoted, err := s.Version(ctx, b.ID, "k", "v2")
	require.NoError(t, err)
	assert.True(t, promoted.IsLatest)

	live, err := s.Location(ctx, b.ID, "k")
	require.NoError(t, err)
	assert.Equal(t, locs[1].ID, live.ID)

	// Deleting a non-latest version does not disturb the live row.
	require.NoError(t, s.DeleteVersion(ctx, b.ID, "k", "v1"))
	live, err = s.Location(ctx, b.ID, "k")
	require.NoError(t, err)
	assert.Equal(t, "v2", live.VersionID)

	_, err = s.Version(ctx, b.ID, "k", "v1")
	assert.ErrorIs(t, err, capsule.ErrNotFound)
}

func TestRestoreVersion(t *testing.T) {
	s, ctx := newStore(t)
	v := seedVolume(t, s, ctx, 1<<30, true)
	b := seedBucket(t, s, ctx, "docs", v.ID)

	loc := &capsule.ObjectLocation{
		BucketID: b.ID, ObjectKey: "k", VolumeID: v.ID,
		FilePath: "/x/1", VersionID: "v1", IsLatest: true,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.InsertLocation(ctx, loc))
	require.NoError(t, s.CreateVersion(ctx, &capsule.ObjectVersion{
		BucketID: b.ID, Key: "k", VersionID: "v1",
		LocationID: &loc.ID, IsLatest: true,
		CreatedAt: time.Now().UTC(),
	}))

	// A delete marker supersedes v1.
	require.NoError(t, s.CreateVersion(ctx, &capsule.ObjectVersion{
		BucketID: b.ID, Key: "k", VersionID: "v2",
		IsLatest: true, IsDeleteMarker: true,
		CreatedAt: time.Now().UTC(),
	}))

	_, err := s.Location(ctx, b.ID, "k")
	assert.ErrorIs(t, err, capsule.ErrNotFound, "marker hides the live row")

	require.NoError(t, s.RestoreVersion(ctx, b.ID, "k", "v1"))

	restored, err := s.Version(ctx, b.ID, "k", "v1")
	require.NoError(t, err)
	assert.True(t, restored.IsLatest)

	live, err := s.Location(ctx, b.ID, "k")
	require.NoError(t, err)
	assert.Equal(t, loc.ID, live.ID)
}

func TestUpsertPart(t *testing.T) {
	s, ctx := newStore(t)
	v := seedVolume(t, s, ctx, 1<<30, true)
	b := seedBucket(t, s, ctx, "docs", v.ID)

	u := &capsule.MultipartUpload{
		UploadID: "u1", BucketID: b.ID, ObjectKey: "k",
		InitiatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateUpload(ctx, u))

	require.NoError(t, s.UpsertPart(ctx, &capsule.UploadPart{
		UploadID: "u1", PartNumber: 1, ETag: "aaa", Size: 10,
		FilePath: "u1/part-1", UploadedAt: time.Now().UTC(),
	}))
	// Same part number replaces the row.
	require.NoError(t, s.UpsertPart(ctx, &capsule.UploadPart{
		UploadID: "u1", PartNumber: 1, ETag: "bbb", Size: 20,
		FilePath: "u1/part-1", UploadedAt: time.Now().UTC(),
	}))

	parts, err := s.ListParts(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.Equal(t, "bbb", parts[0].ETag)
	assert.Equal(t, int64(20), parts[0].Size)

	require.NoError(t, s.DeleteUpload(ctx, "u1"))
	_, err = s.Upload(ctx, "u1")
	assert.ErrorIs(t, err, capsule.ErrNotFound)

	// Cascade removed the part rows.
	parts, err = s.ListParts(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, parts)
}

func TestBucketCORSRoundTrip(t *testing.T) {
	s, ctx := newStore(t)
	v := seedVolume(t, s, ctx, 1<<30, true)
	b := seedBucket(t, s, ctx, "docs", v.ID)

	_, err := s.BucketCORS(ctx, b.ID)
	assert.ErrorIs(t, err, capsule.ErrNotFound)

	rules := []capsule.CORSRule{{
		AllowedOrigins: []string{"https://app.example.com"},
		AllowedMethods: []string{"GET", "PUT"},
		MaxAgeSeconds:  600,
	}}
	require.NoError(t, s.PutBucketCORS(ctx, b.ID, rules))

	got, err := s.BucketCORS(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, rules, got)

	// Replacing is an upsert.
	rules[0].AllowedMethods = []string{"GET"}
	require.NoError(t, s.PutBucketCORS(ctx, b.ID, rules))
	got, err = s.BucketCORS(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"GET"}, got[0].AllowedMethods)

	require.NoError(t, s.DeleteBucketCORS(ctx, b.ID))
	_, err = s.BucketCORS(ctx, b.ID)
	assert.ErrorIs(t, err, capsule.ErrNotFound)
}

func TestUserRoundTrip(t *testing.T) {
	s, ctx := newStore(t)

	u := &capsule.User{
		Email: "admin@example.com", PasswordHash: "hash",
		Role: "superadmin", AccessKey: "AKIAADMIN", SecretKey: "s",
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateUser(ctx, u))
	require.NotZero(t, u.ID)

	got, err := s.UserByEmail(ctx, "admin@example.com")
	require.NoError(t, err)
	assert.Equal(t, "superadmin", got.Role)

	_, err = s.UserByEmail(ctx, "nobody@example.com")
	assert.ErrorIs(t, err, capsule.ErrNotFound)
}
