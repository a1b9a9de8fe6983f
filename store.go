package capsule

import (
	"context"
	"time"
)

// Store is the metadata persistence contract. Implementations live in the
// database subpackages; every method maps to one logical transaction.
type Store interface {
	// Volumes.
	CreateVolume(ctx context.Context, v *Volume) error
	VolumeByID(ctx context.Context, id int64) (*Volume, error)
	DefaultVolume(ctx context.Context) (*Volume, error)
	ListVolumes(ctx context.Context) ([]Volume, error)
	UpdateVolume(ctx context.Context, id int64, upd VolumeUpdate) (*Volume, error)
	DeleteVolume(ctx context.Context, id int64) error
	// AdjustVolumeUsage applies a relative delta to a volume's used-bytes
	// counter so concurrent writers never clobber each other's updates.
	AdjustVolumeUsage(ctx context.Context, id int64, delta int64) error
	ClearDefaultVolume(ctx context.Context) error
	// SelectVolumeForUpload returns the least-used volume with at least
	// size bytes of headroom, or ErrNoVolumeAvailable.
	SelectVolumeForUpload(ctx context.Context, size int64) (*Volume, error)
	LocationsOnVolume(ctx context.Context, volumeID int64) ([]ObjectLocation, error)
	DeleteLocationsOnVolume(ctx context.Context, volumeID int64) error
	// ReassignBuckets moves every bucket pinned to from onto to.
	ReassignBuckets(ctx context.Context, from, to int64) error

	// Buckets.
	CreateBucket(ctx context.Context, b *Bucket) error
	BucketByName(ctx context.Context, name string) (*Bucket, error)
	BucketByID(ctx context.Context, id int64) (*Bucket, error)
	ListBuckets(ctx context.Context) ([]Bucket, error)
	UpdateBucket(ctx context.Context, id int64, upd BucketUpdate) (*Bucket, error)
	DeleteBucket(ctx context.Context, id int64) error
	BucketDistribution(ctx context.Context, bucketID int64) ([]VolumeDistribution, error)

	// Object locations. Location returns the live row for a key; older
	// versioned rows are reachable only through LocationByVersion.
	Location(ctx context.Context, bucketID int64, key string) (*ObjectLocation, error)
	LocationByID(ctx context.Context, id int64) (*ObjectLocation, error)
	LocationByVersion(ctx context.Context, bucketID int64, key, versionID string) (*ObjectLocation, error)
	InsertLocation(ctx context.Context, loc *ObjectLocation) error
	UpdateLocation(ctx context.Context, id int64, upd LocationUpdate) error
	DeleteLocation(ctx context.Context, id int64) error
	// ListLocations returns live locations under a key prefix, ordered
	// by key. Delimiter grouping happens in the service layer.
	ListLocations(ctx context.Context, bucketID int64, prefix string) ([]ObjectLocation, error)
	CountLocations(ctx context.Context, bucketID int64) (int64, error)

	// Versions. CreateVersion inserts the row and flips is_latest off
	// every other version and location of the same key in one
	// transaction. DeleteVersion removes the row and promotes the next
	// most recent version, if any, in one transaction.
	CreateVersion(ctx context.Context, v *ObjectVersion) error
	Version(ctx context.Context, bucketID int64, key, versionID string) (*ObjectVersion, error)
	ListVersions(ctx context.Context, bucketID int64, prefix string) ([]ObjectVersion, error)
	DeleteVersion(ctx context.Context, bucketID int64, key, versionID string) error
	// RestoreVersion flips is_latest onto the named version and its
	// location without touching any bytes.
	RestoreVersion(ctx context.Context, bucketID int64, key, versionID string) error

	// Multipart uploads.
	CreateUpload(ctx context.Context, u *MultipartUpload) error
	Upload(ctx context.Context, uploadID string) (*MultipartUpload, error)
	UpsertPart(ctx context.Context, p *UploadPart) error
	ListParts(ctx context.Context, uploadID string) ([]UploadPart, error)
	DeleteUpload(ctx context.Context, uploadID string) error
	UploadsOlderThan(ctx context.Context, cutoff time.Time) ([]MultipartUpload, error)

	// Event notifications.
	CreateNotification(ctx context.Context, n *EventNotification) error
	ListNotifications(ctx context.Context, bucketID int64) ([]EventNotification, error)
	ActiveNotifications(ctx context.Context, bucketID int64) ([]EventNotification, error)
	DeleteNotification(ctx context.Context, id int64) error

	// CORS.
	BucketCORS(ctx context.Context, bucketID int64) ([]CORSRule, error)
	PutBucketCORS(ctx context.Context, bucketID int64, rules []CORSRule) error
	DeleteBucketCORS(ctx context.Context, bucketID int64) error

	// Users.
	CreateUser(ctx context.Context, u *User) error
	UserByEmail(ctx context.Context, email string) (*User, error)

	Close() error
}
