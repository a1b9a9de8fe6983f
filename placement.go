package capsule

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

// selectVolume picks where new bytes land: the bucket's preferred volume
// when it has headroom, otherwise the least-used volume that fits. No
// volume fitting is a storage-full condition, not a not-found one.
func (s *Service) selectVolume(ctx context.Context, b *Bucket, size int64) (*Volume, error) {
	vol, err := s.store.VolumeByID(ctx, b.VolumeID)
	if err == nil && vol.Available() >= size {
		return vol, nil
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	vol, err = s.store.SelectVolumeForUpload(ctx, size)
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrNoVolumeAvailable) {
		return nil, fmt.Errorf("%w: no volume can fit %d bytes", ErrInsufficientStorage, size)
	}
	return vol, err
}

// CreateVolume registers a storage root. A zero capacity is filled in
// from the backing filesystem's free space. The first volume becomes the
// default automatically.
func (s *Service) CreateVolume(ctx context.Context, name, path string, capacity int64, makeDefault bool) (*Volume, error) {
	if name == "" || path == "" {
		return nil, fmt.Errorf("%w: volume needs a name and a path", ErrInvalidArgument)
	}
	if !filepath.IsAbs(path) {
		return nil, fmt.Errorf("%w: volume path must be absolute", ErrInvalidArgument)
	}

	if capacity <= 0 {
		info, err := s.storage.Capacity(path)
		if err != nil {
			return nil, fmt.Errorf("probe volume capacity: %w", err)
		}
		capacity = info.Free
	}

	existing, err := s.store.ListVolumes(ctx)
	if err != nil {
		return nil, err
	}
	if len(existing) == 0 {
		makeDefault = true
	}

	if makeDefault {
		if err := s.store.ClearDefaultVolume(ctx); err != nil {
			return nil, err
		}
	}

	v := &Volume{
		Name:      name,
		Path:      path,
		Capacity:  capacity,
		IsDefault: makeDefault,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateVolume(ctx, v); err != nil {
		return nil, err
	}

	s.log.Info("volume created", "volume", name, "path", path, "capacity", capacity, "default", makeDefault)
	return v, nil
}

func (s *Service) Volume(ctx context.Context, id int64) (*Volume, error) {
	return s.store.VolumeByID(ctx, id)
}

func (s *Service) ListVolumes(ctx context.Context) ([]Volume, error) {
	return s.store.ListVolumes(ctx)
}

// UpdateVolume applies a partial update. Promoting a volume to default
// demotes the previous default first.
func (s *Service) UpdateVolume(ctx context.Context, id int64, upd VolumeUpdate) (*Volume, error) {
	if _, err := s.store.VolumeByID(ctx, id); err != nil {
		return nil, err
	}

	if upd.IsDefault != nil && *upd.IsDefault {
		if err := s.store.ClearDefaultVolume(ctx); err != nil {
			return nil, err
		}
	}

	return s.store.UpdateVolume(ctx, id, upd)
}

// DeleteVolume removes a volume and everything on it: every object file
// is deleted, the location rows cascade, and buckets pinned to the
// volume move to the default volume. The default volume itself and the
// last remaining volume are protected.
func (s *Service) DeleteVolume(ctx context.Context, id int64) error {
	vol, err := s.store.VolumeByID(ctx, id)
	if err != nil {
		return err
	}
	if vol.IsDefault {
		return fmt.Errorf("%w: cannot delete the default volume", ErrInvalidArgument)
	}

	volumes, err := s.store.ListVolumes(ctx)
	if err != nil {
		return err
	}
	if len(volumes) <= 1 {
		return fmt.Errorf("%w: cannot delete the last volume", ErrNoVolumeAvailable)
	}

	target, err := s.store.DefaultVolume(ctx)
	if err != nil {
		// No default configured; fall back to any other volume.
		for i := range volumes {
			if volumes[i].ID != id {
				target = &volumes[i]
				break
			}
		}
		if target == nil {
			return fmt.Errorf("%w: no volume to move buckets to", ErrNoVolumeAvailable)
		}
	}

	locs, err := s.store.LocationsOnVolume(ctx, id)
	if err != nil {
		return err
	}
	for _, loc := range locs {
		if loc.IsFolder() {
			continue
		}
		if err := s.storage.Remove(ctx, vol.Path, relOf(&loc, vol)); err != nil && !errors.Is(err, ErrNotFound) {
			s.log.Warn("remove object file during volume delete", "volume", vol.Name, "key", loc.ObjectKey, "error", err)
		}
	}

	if err := s.store.DeleteLocationsOnVolume(ctx, id); err != nil {
		return err
	}
	if err := s.store.ReassignBuckets(ctx, id, target.ID); err != nil {
		return err
	}
	if err := s.store.DeleteVolume(ctx, id); err != nil {
		return err
	}

	s.log.Info("volume deleted", "volume", vol.Name, "objects_removed", len(locs), "buckets_moved_to", target.Name)
	return nil
}

// VolumeCapacity probes the filesystem backing a path.
func (s *Service) VolumeCapacity(path string) (*CapacityInfo, error) {
	return s.storage.Capacity(path)
}
