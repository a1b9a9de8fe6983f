package capsule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"
)

// Service implements the gateway's bucket and object semantics on top of
// a metadata Store and a byte ObjectStorage. It is safe for concurrent
// use; writes to the same object key are serialized.
type Service struct {
	store    Store
	storage  ObjectStorage
	notifier *Notifier
	log      *slog.Logger

	keys keyMutex
}

func NewService(store Store, storage ObjectStorage, notifier *Notifier, log *slog.Logger) *Service {
	return &Service{
		store:    store,
		storage:  storage,
		notifier: notifier,
		log:      log,
		keys:     keyMutex{held: make(map[string]*keyLock)},
	}
}

// keyMutex serializes mutations per (bucket, key). Entries are reference
// counted and dropped once the last holder releases, so the map stays
// proportional to in-flight writes.
type keyMutex struct {
	mu   sync.Mutex
	held map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyMutex) lock(bucket, key string) func() {
	name := bucket + "\x00" + key

	k.mu.Lock()
	l, ok := k.held[name]
	if !ok {
		l = &keyLock{}
		k.held[name] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.held, name)
		}
		k.mu.Unlock()
	}
}

// CreateBucket provisions a bucket with fresh signing credentials and a
// directory on its placement volume. When volumeID is zero the default
// volume is used.
func (s *Service) CreateBucket(ctx context.Context, name string, volumeID, ownerID int64) (*Bucket, error) {
	if !IsValidBucketName(name) {
		return nil, fmt.Errorf("%w: invalid bucket name %q", ErrInvalidArgument, name)
	}

	if _, err := s.store.BucketByName(ctx, name); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrBucketExists, name)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	var vol *Volume
	var err error
	if volumeID != 0 {
		vol, err = s.store.VolumeByID(ctx, volumeID)
	} else {
		vol, err = s.store.DefaultVolume(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve bucket volume: %w", err)
	}

	accessKey := GenerateAccessKey()
	secretKey := GenerateSecretKey()

	b := &Bucket{
		Name:      name,
		VolumeID:  vol.ID,
		OwnerID:   ownerID,
		AccessKey: accessKey,
		SecretKey: secretKey,
		CreatedAt: time.Now().UTC(),
	}

	if err := s.storage.MkdirAll(ctx, vol.Path, name); err != nil {
		return nil, fmt.Errorf("create bucket directory: %w", err)
	}

	if err := s.store.CreateBucket(ctx, b); err != nil {
		return nil, err
	}

	s.log.Info("bucket created", "bucket", name, "volume", vol.Name)
	return b, nil
}

// Bucket resolves a bucket by name.
func (s *Service) Bucket(ctx context.Context, name string) (*Bucket, error) {
	b, err := s.store.BucketByName(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchBucket, name)
	}
	return b, err
}

func (s *Service) ListBuckets(ctx context.Context) ([]Bucket, error) {
	return s.store.ListBuckets(ctx)
}

// DeleteBucket removes an empty bucket: its metadata rows cascade and
// its directory is removed from every volume it touched. A bucket that
// still holds live objects or version history is refused.
func (s *Service) DeleteBucket(ctx context.Context, name string) error {
	b, err := s.Bucket(ctx, name)
	if err != nil {
		return err
	}

	count, err := s.store.CountLocations(ctx, b.ID)
	if err != nil {
		return err
	}
	if count > 0 {
		return fmt.Errorf("%w: %s", ErrBucketNotEmpty, name)
	}

	versions, err := s.store.ListVersions(ctx, b.ID, "")
	if err != nil {
		return err
	}
	if len(versions) > 0 {
		return fmt.Errorf("%w: %s has version history", ErrBucketNotEmpty, name)
	}

	if err := s.store.DeleteBucket(ctx, b.ID); err != nil {
		return err
	}

	volumes, err := s.store.ListVolumes(ctx)
	if err != nil {
		return err
	}
	for _, v := range volumes {
		exists, err := s.storage.Exists(ctx, v.Path, name)
		if err != nil || !exists {
			continue
		}
		if err := s.storage.RemoveDir(ctx, v.Path, name); err != nil {
			s.log.Warn("remove bucket directory", "bucket", name, "volume", v.Name, "error", err)
		}
	}

	s.log.Info("bucket deleted", "bucket", name)
	return nil
}

// UpdateBucket applies a partial update. Policy documents and encryption
// settings are validated before they are persisted.
func (s *Service) UpdateBucket(ctx context.Context, name string, upd BucketUpdate) (*Bucket, error) {
	b, err := s.Bucket(ctx, name)
	if err != nil {
		return nil, err
	}

	if upd.Policy != nil && *upd.Policy != "" {
		if _, err := ParsePolicy([]byte(*upd.Policy)); err != nil {
			return nil, err
		}
	}

	if upd.EncryptionType != nil {
		switch *upd.EncryptionType {
		case "", EncryptionTypeSSES3, EncryptionTypeSSEC:
		default:
			return nil, fmt.Errorf("%w: unknown encryption type %q", ErrInvalidArgument, *upd.EncryptionType)
		}
	}

	if upd.VolumeID != nil {
		if _, err := s.store.VolumeByID(ctx, *upd.VolumeID); err != nil {
			return nil, fmt.Errorf("resolve bucket volume: %w", err)
		}
	}

	return s.store.UpdateBucket(ctx, b.ID, upd)
}

// RegenerateBucketKeys rotates the bucket's signing credentials. Every
// previously issued pre-signed URL stops verifying immediately.
func (s *Service) RegenerateBucketKeys(ctx context.Context, name string) (*Bucket, error) {
	b, err := s.Bucket(ctx, name)
	if err != nil {
		return nil, err
	}

	accessKey := GenerateAccessKey()
	secretKey := GenerateSecretKey()

	return s.store.UpdateBucket(ctx, b.ID, BucketUpdate{
		AccessKey: &accessKey,
		SecretKey: &secretKey,
	})
}

// BucketDistribution reports how a bucket's objects spread across
// volumes.
func (s *Service) BucketDistribution(ctx context.Context, name string) ([]VolumeDistribution, error) {
	b, err := s.Bucket(ctx, name)
	if err != nil {
		return nil, err
	}
	return s.store.BucketDistribution(ctx, b.ID)
}

// CreateFolder records a zero-byte folder placeholder. The key must end
// with a slash.
func (s *Service) CreateFolder(ctx context.Context, bucket, key string) (*ObjectLocation, error) {
	if key == "" || key[len(key)-1] != '/' {
		return nil, fmt.Errorf("%w: folder key must end with /", ErrInvalidArgument)
	}
	if !IsValidObjectKey(key) {
		return nil, fmt.Errorf("%w: invalid key %q", ErrInvalidArgument, key)
	}

	b, err := s.Bucket(ctx, bucket)
	if err != nil {
		return nil, err
	}

	unlock := s.keys.lock(bucket, key)
	defer unlock()

	if existing, err := s.store.Location(ctx, b.ID, key); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	vol, err := s.store.VolumeByID(ctx, b.VolumeID)
	if err != nil {
		return nil, err
	}

	rel := path.Join(bucket, key)
	if err := s.storage.MkdirAll(ctx, vol.Path, rel); err != nil {
		return nil, fmt.Errorf("create folder: %w", err)
	}

	loc := &ObjectLocation{
		BucketID:  b.ID,
		ObjectKey: key,
		VolumeID:  vol.ID,
		FilePath:  path.Join(vol.Path, rel),
		IsLatest:  true,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.InsertLocation(ctx, loc); err != nil {
		return nil, err
	}
	return loc, nil
}

// SetBucketVersioning toggles versioning. Disabling it stops new version
// capture but leaves existing history readable.
func (s *Service) SetBucketVersioning(ctx context.Context, name string, enabled bool) (*Bucket, error) {
	return s.UpdateBucket(ctx, name, BucketUpdate{VersioningEnabled: &enabled})
}

// Notifications.

func (s *Service) CreateNotification(ctx context.Context, bucket string, eventType, url string) (*EventNotification, error) {
	b, err := s.Bucket(ctx, bucket)
	if err != nil {
		return nil, err
	}
	n := &EventNotification{
		BucketID:   b.ID,
		EventType:  eventType,
		WebhookURL: url,
		IsActive:   true,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.CreateNotification(ctx, n); err != nil {
		return nil, err
	}
	return n, nil
}

func (s *Service) ListNotifications(ctx context.Context, bucket string) ([]EventNotification, error) {
	b, err := s.Bucket(ctx, bucket)
	if err != nil {
		return nil, err
	}
	return s.store.ListNotifications(ctx, b.ID)
}

func (s *Service) DeleteNotification(ctx context.Context, id int64) error {
	return s.store.DeleteNotification(ctx, id)
}

func (s *Service) TestNotification(ctx context.Context, bucket, url string) error {
	return s.notifier.TestDelivery(ctx, url, bucket)
}

// CORS.

func (s *Service) BucketCORS(ctx context.Context, bucket string) ([]CORSRule, error) {
	b, err := s.Bucket(ctx, bucket)
	if err != nil {
		return nil, err
	}
	return s.store.BucketCORS(ctx, b.ID)
}

func (s *Service) PutBucketCORS(ctx context.Context, bucket string, rules []CORSRule) error {
	b, err := s.Bucket(ctx, bucket)
	if err != nil {
		return err
	}
	for i, r := range rules {
		if len(r.AllowedOrigins) == 0 || len(r.AllowedMethods) == 0 {
			return fmt.Errorf("%w: cors rule %d needs origins and methods", ErrInvalidArgument, i)
		}
	}
	return s.store.PutBucketCORS(ctx, b.ID, rules)
}

func (s *Service) DeleteBucketCORS(ctx context.Context, bucket string) error {
	b, err := s.Bucket(ctx, bucket)
	if err != nil {
		return err
	}
	return s.store.DeleteBucketCORS(ctx, b.ID)
}
