// Package filesystem stores object bytes on local volumes. Writes are
// atomic through a temp-file-and-rename, every path is sandboxed inside
// its volume root, and ETags are md5 hex digests of the stored bytes.
package filesystem

import (
	"context"
	"crypto/md5" //nolint:gosec // S3 ETag contract
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/capsulefs/capsule"
)

// VersionArchiveDir is the per-bucket directory that holds superseded
// version blobs. It is invisible to emptiness checks.
const VersionArchiveDir = ".versions"

// Store implements capsule.ObjectStorage. Volume roots are opened per
// operation so one Store serves any number of volumes; spooled multipart
// parts live under a fixed spool directory.
type Store struct {
	spoolDir string
}

func NewStore(spoolDir string) (*Store, error) {
	if err := os.MkdirAll(spoolDir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool directory: %w", err)
	}
	return &Store{spoolDir: spoolDir}, nil
}

// openRoot opens a sandboxed handle on a volume root. Operations through
// it cannot escape the volume, symlinks included.
func openRoot(volumeRoot string) (*os.Root, error) {
	root, err := os.OpenRoot(volumeRoot)
	if err != nil {
		return nil, fmt.Errorf("open volume root %s: %w", volumeRoot, err)
	}
	return root, nil
}

// Write atomically persists data at rel under volumeRoot. The bytes land
// in a temp file first and are renamed into place, so readers never see
// a partial object.
func (s *Store) Write(ctx context.Context, volumeRoot, rel string, data []byte) (*capsule.WriteResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	root, err := openRoot(volumeRoot)
	if err != nil {
		return nil, err
	}
	defer root.Close()

	if dir := filepath.Dir(rel); dir != "." {
		if err := root.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create parent directories: %w", err)
		}
	}

	tmp := tmpFileName()
	t, err := root.Create(tmp)
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}

	renamed := false
	defer func() {
		if !renamed {
			_ = root.Remove(tmp)
		}
	}()

	if _, err := t.Write(data); err != nil {
		_ = t.Close()
		return nil, fmt.Errorf("write temp file: %w", err)
	}
	if err := t.Sync(); err != nil {
		_ = t.Close()
		return nil, fmt.Errorf("sync temp file: %w", err)
	}
	if err := t.Close(); err != nil {
		return nil, fmt.Errorf("close temp file: %w", err)
	}

	if err := root.Rename(tmp, rel); err != nil {
		return nil, fmt.Errorf("rename into place: %w", err)
	}
	renamed = true

	sum := md5.Sum(data) //nolint:gosec
	return &capsule.WriteResult{
		BytesWritten: int64(len(data)),
		ETag:         hex.EncodeToString(sum[:]),
	}, nil
}

func (s *Store) Read(ctx context.Context, volumeRoot, rel string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	root, err := openRoot(volumeRoot)
	if err != nil {
		return nil, err
	}
	defer root.Close()

	data, err := fs.ReadFile(root.FS(), rel)
	if errors.Is(err, os.ErrNotExist) {
		return nil, capsule.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return data, nil
}

func (s *Store) Remove(ctx context.Context, volumeRoot, rel string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	root, err := openRoot(volumeRoot)
	if err != nil {
		return err
	}
	defer root.Close()

	if err := root.Remove(rel); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return capsule.ErrNotFound
		}
		return fmt.Errorf("remove file: %w", err)
	}
	return nil
}

func (s *Store) Exists(ctx context.Context, volumeRoot, rel string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	root, err := openRoot(volumeRoot)
	if err != nil {
		return false, err
	}
	defer root.Close()

	if _, err := root.Stat(rel); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat file: %w", err)
	}
	return true, nil
}

func (s *Store) MkdirAll(ctx context.Context, volumeRoot, rel string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	root, err := openRoot(volumeRoot)
	if err != nil {
		return err
	}
	defer root.Close()

	if err := root.MkdirAll(rel, 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	return nil
}

func (s *Store) RemoveDir(ctx context.Context, volumeRoot, rel string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	root, err := openRoot(volumeRoot)
	if err != nil {
		return err
	}
	defer root.Close()

	if err := root.RemoveAll(rel); err != nil {
		return fmt.Errorf("remove directory: %w", err)
	}
	return nil
}

// IsDirEmpty reports whether rel holds no objects. The version archive
// under it does not count: a folder whose only content is superseded
// version blobs is empty for deletion purposes.
func (s *Store) IsDirEmpty(ctx context.Context, volumeRoot, rel string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	root, err := openRoot(volumeRoot)
	if err != nil {
		return false, err
	}
	defer root.Close()

	entries, err := fs.ReadDir(root.FS(), rel)
	if errors.Is(err, os.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("read directory: %w", err)
	}

	for _, e := range entries {
		if e.Name() == VersionArchiveDir {
			continue
		}
		return false, nil
	}
	return true, nil
}

func tmpFileName() string {
	return ".tmp-" + uuid.NewString()
}
