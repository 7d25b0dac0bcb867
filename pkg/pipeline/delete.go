package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/zots0127/filesafe/pkg/metadata"
	"github.com/zots0127/filesafe/pkg/thumbs"
)

// Delete removes a stored file: blob first, then thumbnail, then the record,
// then the owning album's editedAt. The ordering guarantees the index never
// points at a missing blob without us noticing; the reverse divergence (blob
// already gone) is tolerated and logged.
func (p *Pipeline) Delete(ctx context.Context, id int64, user *metadata.User) error {
	if user == nil {
		return ErrNotAuthorized
	}

	rec, err := p.repo.GetFile(ctx, id)
	if errors.Is(err, metadata.ErrNotFound) {
		return ErrRecordNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
	}

	if !user.IsAdmin() && (rec.UserID == nil || *rec.UserID != user.ID) {
		return ErrNotAuthorized
	}

	if err := p.store.Delete(rec.Name); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("%w: %v", ErrFilesystemFailure, err)
		}
		p.logger.Printf("Blob already absent for record %d (%s)", id, rec.Name)
	}

	if thumbs.Eligible(rec.Name) {
		if err := p.store.DeleteThumb(rec.Name); err != nil {
			p.logger.Printf("Failed to delete thumbnail for %s: %v", rec.Name, err)
		}
	}

	if err := p.repo.DeleteFile(ctx, id); err != nil && !errors.Is(err, metadata.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
	}

	if rec.AlbumID != nil {
		if err := p.repo.TouchAlbum(ctx, *rec.AlbumID, time.Now().Unix()); err != nil {
			p.logger.Printf("Failed to update album %d editedAt: %v", *rec.AlbumID, err)
		}
	}

	return nil
}

// List returns one page of the caller's files, newest first, optionally
// filtered to an album. Uploader display names are only exposed to the
// administrative identity.
func (p *Pipeline) List(ctx context.Context, user *metadata.User, albumID *int64, page int) ([]metadata.FileListing, error) {
	if user == nil {
		return nil, ErrNotAuthorized
	}
	if page < 0 {
		page = 0
	}

	listings, err := p.repo.ListFiles(ctx, metadata.ListParams{User: user, AlbumID: albumID, Page: page})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
	}

	if !user.IsAdmin() {
		for i := range listings {
			listings[i].Username = ""
		}
	}
	return listings, nil
}
