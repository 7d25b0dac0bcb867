// Package pipeline turns batches of uploaded blobs into persisted file
// records, and reverses the process on deletion. A batch shares its fate
// through staging, the empty-file policy and the malware scan; after that
// each file is deduplicated independently and the survivors are persisted in
// one batch write.
package pipeline

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/zots0127/filesafe/pkg/backup"
	"github.com/zots0127/filesafe/pkg/metadata"
	"github.com/zots0127/filesafe/pkg/storage"
	"github.com/zots0127/filesafe/pkg/thumbs"
)

// ScanGate decides whether a batch of staged files may proceed.
// *scanner.Gate implements it; tests substitute fakes.
type ScanGate interface {
	Check(ctx context.Context, paths []string) error
}

// Options carries the feature toggles and limits the pipeline needs. Gate,
// Thumbs and Mirror are nil when the corresponding feature is disabled.
type Options struct {
	FilterEmptyFiles  bool
	BlockedExtensions []string
	Gate              ScanGate
	Thumbs            *thumbs.Dispatcher
	Mirror            *backup.Mirror
}

// Pipeline orchestrates ingestion and deletion of uploads.
type Pipeline struct {
	store  *storage.Store
	alloc  *storage.Allocator
	repo   *metadata.Repository
	opts   Options
	logger *log.Logger

	// background tracks fire-and-forget work (album touches) so shutdown
	// and tests can wait for it.
	background sync.WaitGroup
}

func New(store *storage.Store, alloc *storage.Allocator, repo *metadata.Repository, opts Options) *Pipeline {
	return &Pipeline{
		store:  store,
		alloc:  alloc,
		repo:   repo,
		opts:   opts,
		logger: log.New(os.Stdout, "[Pipeline] ", log.LstdFlags),
	}
}

// Flush waits for background side effects spawned by earlier calls.
func (p *Pipeline) Flush() {
	p.background.Wait()
}

func (p *Pipeline) isBlocked(originalName string) bool {
	ext := strings.ToLower(filepath.Ext(originalName))
	for _, blocked := range p.opts.BlockedExtensions {
		if ext == blocked {
			return true
		}
	}
	return false
}

// discard removes every staged blob in the batch. Used on any whole-batch
// rejection; missing blobs are fine since duplicates may already be gone.
func (p *Pipeline) discard(names []string) {
	for _, name := range names {
		if err := p.store.Delete(name); err != nil && !os.IsNotExist(err) {
			p.logger.Printf("Failed to discard staged file %s: %v", name, err)
		}
	}
}

// touchAlbums updates editedAt for every album referenced by the batch,
// detached from the request and logged on failure.
func (p *Pipeline) touchAlbums(records []*metadata.FileRecord) {
	p.background.Add(1)
	go func() {
		defer p.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		for _, rec := range records {
			if rec.AlbumID == nil {
				continue
			}
			if err := p.repo.TouchAlbum(ctx, *rec.AlbumID, rec.Timestamp); err != nil {
				p.logger.Printf("Failed to update album %d editedAt: %v", *rec.AlbumID, err)
			}
		}
	}()
}
