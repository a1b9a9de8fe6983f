package capsule

import "errors"

var (
	// ErrNotFound is returned when a resource is not found.
	ErrNotFound = errors.New("not found")
	// ErrNoSuchBucket is returned when the named bucket does not exist.
	ErrNoSuchBucket = errors.New("no such bucket")
	// ErrNoSuchKey is returned when the object key has no live location.
	ErrNoSuchKey = errors.New("no such key")
	// ErrNoSuchVersion is returned when the requested version id does not exist.
	ErrNoSuchVersion = errors.New("no such version")
	// ErrNoSuchUpload is returned when the multipart upload id is unknown
	// or the declared parts do not match the stored parts.
	ErrNoSuchUpload = errors.New("no such upload")
	// ErrInvalidPart is returned when completing a multipart upload whose
	// declared parts do not match the uploaded ones.
	ErrInvalidPart = errors.New("invalid part")
	// ErrBucketExists is returned when creating a bucket whose name is taken.
	ErrBucketExists = errors.New("bucket already exists")
	// ErrBucketNotEmpty is returned when deleting a bucket that still holds objects.
	ErrBucketNotEmpty = errors.New("bucket not empty")
	// ErrAccessDenied is returned on a policy deny or missing credential.
	ErrAccessDenied = errors.New("access denied")
	// ErrSignatureMismatch is returned when a pre-signed signature does not
	// verify or has expired.
	ErrSignatureMismatch = errors.New("signature does not match")
	// ErrPreconditionFailed is returned on a failed conditional header or
	// encryption-key checksum mismatch.
	ErrPreconditionFailed = errors.New("precondition failed")
	// ErrInsufficientStorage is returned when no volume has enough free space.
	ErrInsufficientStorage = errors.New("insufficient storage")
	// ErrNoVolumeAvailable is returned when a volume deletion would leave
	// buckets without any volume to live on.
	ErrNoVolumeAvailable = errors.New("no volume available")
	// ErrInvalidArgument is returned when input validation fails.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrUnauthorized is returned when management-API authentication fails.
	ErrUnauthorized = errors.New("unauthorized")
)
