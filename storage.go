package capsule

import "context"

// ObjectStorage is the byte persistence contract. Paths are always
// relative to a volume root; implementations must refuse to follow a
// path outside it.
type ObjectStorage interface {
	// Write persists data at rel under volumeRoot, creating parent
	// directories as needed. The write is atomic: readers never observe
	// a partial file. The returned ETag is the md5 hex of the stored
	// bytes.
	Write(ctx context.Context, volumeRoot, rel string, data []byte) (*WriteResult, error)
	Read(ctx context.Context, volumeRoot, rel string) ([]byte, error)
	Remove(ctx context.Context, volumeRoot, rel string) error
	Exists(ctx context.Context, volumeRoot, rel string) (bool, error)
	MkdirAll(ctx context.Context, volumeRoot, rel string) error
	RemoveDir(ctx context.Context, volumeRoot, rel string) error
	// IsDirEmpty reports whether rel holds no objects. Version archives
	// do not count as content.
	IsDirEmpty(ctx context.Context, volumeRoot, rel string) (bool, error)

	// Part spool. Parts are staged outside any volume until assembly.
	WritePart(ctx context.Context, uploadID string, partNumber int, data []byte) (*WriteResult, error)
	ReadPart(ctx context.Context, uploadID string, partNumber int) ([]byte, error)
	RemoveUpload(ctx context.Context, uploadID string) error

	// Capacity probes the filesystem backing path.
	Capacity(path string) (*CapacityInfo, error)
}
