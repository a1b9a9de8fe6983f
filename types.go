package capsule

import (
	"time"
)

// Volume is a physical storage root with tracked capacity and usage.
// Exactly one volume should be the default at any time; this is enforced
// by the service layer, not by a database constraint.
type Volume struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Capacity  int64     `json:"capacity"`
	Used      int64     `json:"used"`
	IsDefault bool      `json:"is_default"`
	CreatedAt time.Time `json:"created_at"`
}

// Available returns the free headroom on the volume.
func (v Volume) Available() int64 {
	return v.Capacity - v.Used
}

// Bucket is a named object namespace. Each bucket carries its own
// signing credential pair, a preferred placement volume, and optional
// versioning, encryption, and policy configuration.
type Bucket struct {
	ID                int64     `json:"id"`
	Name              string    `json:"name"`
	VolumeID          int64     `json:"volume_id"`
	OwnerID           int64     `json:"owner_id,omitempty"`
	AccessKey         string    `json:"access_key,omitempty"`
	SecretKey         string    `json:"-"`
	VersioningEnabled bool      `json:"versioning_enabled"`
	EncryptionEnabled bool      `json:"encryption_enabled"`
	EncryptionType    string    `json:"encryption_type,omitempty"` // "SSE-S3" or "SSE-C"
	EncryptionKey     string    `json:"-"`                         // lazily generated SSE-S3 key material, hex
	Policy            string    `json:"policy,omitempty"`          // serialized PolicyDocument
	CreatedAt         time.Time `json:"created_at"`
}

// ObjectLocation maps a key within a bucket to its physical bytes.
// At most one location per (bucket, key) is current (IsLatest); on a
// versioning-enabled bucket superseded locations are retained so older
// versions stay readable.
type ObjectLocation struct {
	ID          int64               `json:"id"`
	BucketID    int64               `json:"bucket_id"`
	ObjectKey   string              `json:"object_key"`
	VolumeID    int64               `json:"volume_id"`
	FilePath    string              `json:"file_path"`
	Size        int64               `json:"size"`
	ETag        string              `json:"etag"`
	ContentType string              `json:"content_type"`
	VersionID   string              `json:"version_id,omitempty"`
	IsLatest    bool                `json:"is_latest"`
	Metadata    map[string]string   `json:"metadata,omitempty"`
	Encryption  *EncryptionEnvelope `json:"encryption,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
}

// IsFolder reports whether the location is a folder placeholder.
func (l ObjectLocation) IsFolder() bool {
	return len(l.ObjectKey) > 0 && l.ObjectKey[len(l.ObjectKey)-1] == '/'
}

// ObjectVersion is one entry in a key's version history. A delete marker
// has no location. Exactly zero or one version per (bucket, key) is
// latest at any observable instant.
type ObjectVersion struct {
	ID             int64      `json:"id"`
	BucketID       int64      `json:"bucket_id"`
	Key            string     `json:"key"`
	VersionID      string     `json:"version_id"`
	LocationID     *int64     `json:"location_id,omitempty"`
	IsLatest       bool       `json:"is_latest"`
	IsDeleteMarker bool       `json:"is_delete_marker"`
	Size           int64      `json:"size"`
	ETag           string     `json:"etag"`
	CreatedAt      time.Time  `json:"created_at"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
}

// MultipartUpload is the ephemeral record of an in-progress multipart
// upload, alive between initiate and complete/abort/sweep.
type MultipartUpload struct {
	ID          int64             `json:"id"`
	UploadID    string            `json:"upload_id"`
	BucketID    int64             `json:"bucket_id"`
	ObjectKey   string            `json:"object_key"`
	ContentType string            `json:"content_type,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	InitiatedAt time.Time         `json:"initiated_at"`
}

// UploadPart is one uploaded part of a multipart upload, spooled on
// temporary storage until completion.
type UploadPart struct {
	ID         int64     `json:"id"`
	UploadID   string    `json:"upload_id"`
	PartNumber int       `json:"part_number"`
	ETag       string    `json:"etag"`
	Size       int64     `json:"size"`
	FilePath   string    `json:"file_path"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// CompletedPart is a part declared by the caller when finalizing a
// multipart upload.
type CompletedPart struct {
	PartNumber int
	ETag       string
}

// EventNotification subscribes a webhook URL to bucket events. EventType
// is a literal name or a trailing-wildcard pattern such as
// "s3:ObjectCreated:*".
type EventNotification struct {
	ID         int64     `json:"id"`
	BucketID   int64     `json:"bucket_id"`
	EventType  string    `json:"event_type"`
	WebhookURL string    `json:"webhook_url"`
	IsActive   bool      `json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
}

// CORSRule is one rule in a bucket's CORS configuration.
type CORSRule struct {
	AllowedOrigins []string `json:"allowedOrigins"`
	AllowedMethods []string `json:"allowedMethods"`
	AllowedHeaders []string `json:"allowedHeaders,omitempty"`
	ExposeHeaders  []string `json:"exposeHeaders,omitempty"`
	MaxAgeSeconds  int      `json:"maxAgeSeconds,omitempty"`
}

// User is a management-API principal.
type User struct {
	ID           int64     `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	FullName     string    `json:"full_name,omitempty"`
	Role         string    `json:"role"` // "superadmin" or "user"
	AccessKey    string    `json:"access_key"`
	SecretKey    string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// VolumeDistribution aggregates a bucket's objects on one volume.
type VolumeDistribution struct {
	VolumeID    int64  `json:"volume_id"`
	VolumeName  string `json:"volume_name"`
	ObjectCount int64  `json:"object_count"`
	TotalSize   int64  `json:"total_size"`
}

// CapacityInfo describes the filesystem backing a path.
type CapacityInfo struct {
	Path  string `json:"path"`
	Total int64  `json:"total"`
	Free  int64  `json:"free"`
	Used  int64  `json:"used"`
}

// VolumeUpdate carries the mutable volume fields for a patch. Nil
// pointers leave the field unchanged.
type VolumeUpdate struct {
	Name      *string
	Path      *string
	Capacity  *int64
	IsDefault *bool
}

// BucketUpdate carries the mutable bucket fields for a patch.
type BucketUpdate struct {
	VolumeID          *int64
	AccessKey         *string
	SecretKey         *string
	VersioningEnabled *bool
	EncryptionEnabled *bool
	EncryptionType    *string
	EncryptionKey     *string
	Policy            *string // empty string clears the policy
}

// LocationUpdate carries the fields rewritten when a key is overwritten
// in place (non-versioned buckets) or its metadata is replaced.
type LocationUpdate struct {
	VolumeID    *int64
	FilePath    *string
	Size        *int64
	ETag        *string
	ContentType *string
	VersionID   *string
	Metadata    map[string]string
	Encryption  *EncryptionEnvelope
}

// ListObjectsQuery selects live keys for an S3-style listing.
type ListObjectsQuery struct {
	Prefix    string
	Delimiter string
	MaxKeys   int
}

// ListObjectsResult is the pseudo-hierarchy partition of live keys:
// objects at the current level plus deduplicated common prefixes.
// Truncation is flagged without a continuation cursor.
type ListObjectsResult struct {
	Objects        []ObjectLocation
	CommonPrefixes []string
	IsTruncated    bool
}

// WriteResult reports a completed physical write.
type WriteResult struct {
	BytesWritten int64
	ETag         string // hex md5 of the written bytes
}

// ObjectInfo identifies an object in an emitted event.
type ObjectInfo struct {
	Key       string
	Size      int64
	ETag      string
	VersionID string
}
