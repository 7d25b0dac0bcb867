package storage

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
)

// ErrOversizeFile is returned when a staged file exceeds the configured limit.
var ErrOversizeFile = errors.New("storage: file exceeds maximum allowed size")

// ThumbExtension is the fixed extension of every derived thumbnail.
const ThumbExtension = ".png"

// Store owns the blob directory and its thumbs subdirectory. Blobs live in a
// flat namespace keyed by storage name; thumbnails are keyed by the blob's
// identifier with the extension replaced, so either side of the mapping can be
// derived without consulting the database.
type Store struct {
	uploadsDir string
	thumbsDir  string
	maxSize    int64
	logger     *log.Logger
}

// StageResult describes a blob written to its staging path.
type StageResult struct {
	Name string
	Size int64
	Hash string
}

func NewStore(uploadsDir string, maxSize int64) (*Store, error) {
	thumbsDir := filepath.Join(uploadsDir, "thumbs")
	if err := os.MkdirAll(thumbsDir, 0755); err != nil {
		return nil, fmt.Errorf("create storage directories: %w", err)
	}
	return &Store{
		uploadsDir: uploadsDir,
		thumbsDir:  thumbsDir,
		maxSize:    maxSize,
		logger:     log.New(os.Stdout, "[Store] ", log.LstdFlags),
	}, nil
}

// Stage writes the blob under the given storage name while computing its MD5
// fingerprint in the same pass, so the content is never read twice. The write
// fails if a file with that name already exists, and an oversize or failed
// write leaves nothing on disk.
func (s *Store) Stage(name string, r io.Reader) (*StageResult, error) {
	path := s.Path(name)
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", name, err)
	}

	hasher := md5.New()
	written, err := io.Copy(io.MultiWriter(file, hasher), io.LimitReader(r, s.maxSize+1))
	if err != nil {
		file.Close()
		os.Remove(path)
		return nil, fmt.Errorf("write %s: %w", name, err)
	}
	if err := file.Close(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("close %s: %w", name, err)
	}
	if written > s.maxSize {
		os.Remove(path)
		return nil, ErrOversizeFile
	}

	return &StageResult{
		Name: name,
		Size: written,
		Hash: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// Delete removes a blob. Deleting a blob that is already absent is an error;
// callers decide whether that matters via os.IsNotExist.
func (s *Store) Delete(name string) error {
	return os.Remove(s.Path(name))
}

// DeleteThumb removes a blob's derived thumbnail. A missing thumbnail is not
// an error: generation is best-effort and may never have happened.
func (s *Store) DeleteThumb(name string) error {
	err := os.Remove(s.ThumbPath(name))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Exists reports whether a blob with the given name is on disk.
func (s *Store) Exists(name string) bool {
	_, err := os.Stat(s.Path(name))
	return err == nil
}

// Path returns the on-disk location of a blob.
func (s *Store) Path(name string) string {
	return filepath.Join(s.uploadsDir, name)
}

// ThumbPath returns the on-disk location of a blob's thumbnail.
func (s *Store) ThumbPath(name string) string {
	return filepath.Join(s.thumbsDir, ThumbName(name))
}

// ThumbsDir returns the thumbnail directory.
func (s *Store) ThumbsDir() string {
	return s.thumbsDir
}

// Identifier strips the extension from a storage name.
func Identifier(name string) string {
	return name[:len(name)-len(filepath.Ext(name))]
}

// ThumbName maps a storage name to its thumbnail's name. The mapping is
// deterministic so deletion can reproduce it without a database lookup.
func ThumbName(name string) string {
	return Identifier(name) + ThumbExtension
}
