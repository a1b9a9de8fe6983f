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
	"strconv"

	"github.com/capsulefs/capsule"
)

// The part spool stages multipart uploads outside any volume. Each
// upload gets its own directory named by upload id and one file per
// part number, so dropping an upload is a single directory removal.

func (s *Store) partPath(uploadID string, partNumber int) string {
	return filepath.Join(uploadID, "part-"+strconv.Itoa(partNumber))
}

func (s *Store) WritePart(ctx context.Context, uploadID string, partNumber int, data []byte) (*capsule.WriteResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	root, err := openRoot(s.spoolDir)
	if err != nil {
		return nil, err
	}
	defer root.Close()

	if err := root.MkdirAll(uploadID, 0o755); err != nil {
		return nil, fmt.Errorf("create upload spool: %w", err)
	}

	rel := s.partPath(uploadID, partNumber)
	tmp := filepath.Join(uploadID, tmpFileName())

	t, err := root.Create(tmp)
	if err != nil {
		return nil, fmt.Errorf("create temp part: %w", err)
	}

	renamed := false
	defer func() {
		if !renamed {
			_ = root.Remove(tmp)
		}
	}()

	if _, err := t.Write(data); err != nil {
		_ = t.Close()
		return nil, fmt.Errorf("write part: %w", err)
	}
	if err := t.Close(); err != nil {
		return nil, fmt.Errorf("close part: %w", err)
	}

	if err := root.Rename(tmp, rel); err != nil {
		return nil, fmt.Errorf("rename part into place: %w", err)
	}
	renamed = true

	sum := md5.Sum(data) //nolint:gosec
	return &capsule.WriteResult{
		BytesWritten: int64(len(data)),
		ETag:         hex.EncodeToString(sum[:]),
	}, nil
}

func (s *Store) ReadPart(ctx context.Context, uploadID string, partNumber int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	root, err := openRoot(s.spoolDir)
	if err != nil {
		return nil, err
	}
	defer root.Close()

	data, err := fs.ReadFile(root.FS(), s.partPath(uploadID, partNumber))
	if errors.Is(err, os.ErrNotExist) {
		return nil, capsule.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read part: %w", err)
	}
	return data, nil
}

// RemoveUpload drops an upload's whole spool directory. Removing an
// upload that never spooled a part is a no-op.
func (s *Store) RemoveUpload(ctx context.Context, uploadID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	root, err := openRoot(s.spoolDir)
	if err != nil {
		return err
	}
	defer root.Close()

	if err := root.RemoveAll(uploadID); err != nil {
		return fmt.Errorf("remove upload spool: %w", err)
	}
	return nil
}
