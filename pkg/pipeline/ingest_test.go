package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zots0127/filesafe/pkg/metadata"
	"github.com/zots0127/filesafe/pkg/scanner"
	"github.com/zots0127/filesafe/pkg/storage"
)

type fakeGate struct {
	err   error
	calls [][]string
}

func (g *fakeGate) Check(ctx context.Context, paths []string) error {
	g.calls = append(g.calls, paths)
	return g.err
}

type testEnv struct {
	pipeline *Pipeline
	store    *storage.Store
	alloc    *storage.Allocator
	repo     *metadata.Repository
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()

	store, err := storage.NewStore(t.TempDir(), 1<<20)
	require.NoError(t, err)
	alloc := storage.NewAllocator(store, 8, 3, []string{".tar.gz"})

	db, err := metadata.Open(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	repo := metadata.NewRepository(db)

	return &testEnv{
		pipeline: New(store, alloc, repo, opts),
		store:    store,
		alloc:    alloc,
		repo:     repo,
	}
}

// blobCount counts files in the blob directory, excluding the thumbs subdir.
func (e *testEnv) blobCount(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir(e.store.Path(""))
	require.NoError(t, err)
	count := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			count++
		}
	}
	return count
}

func upload(name, mime, content string) Upload {
	return Upload{OriginalName: name, MimeType: mime, Reader: strings.NewReader(content)}
}

func TestIngestPersistsBatchInOrder(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	records, err := env.pipeline.Ingest(ctx, Request{
		Uploads: []Upload{
			upload("photo.jpg", "image/jpeg", "jpeg bytes"),
			upload("notes.txt", "text/plain", "notes"),
		},
		SourceIP: "203.0.113.9",
	})
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "photo.jpg", records[0].Original)
	assert.Equal(t, ".jpg", filepath.Ext(records[0].Name))
	assert.Equal(t, "notes.txt", records[1].Original)
	assert.Equal(t, ".txt", filepath.Ext(records[1].Name))

	for _, rec := range records {
		assert.NotZero(t, rec.ID)
		assert.Nil(t, rec.UserID)
		assert.True(t, env.store.Exists(rec.Name))
		assert.Equal(t, "203.0.113.9", rec.IP)
	}
	assert.NotEqual(t, records[0].Name, records[1].Name)
	assert.Equal(t, 2, env.blobCount(t))
}

func TestIngestRejectsEmptyBatch(t *testing.T) {
	env := newTestEnv(t, Options{})

	_, err := env.pipeline.Ingest(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrNoFilesSubmitted)
}

func TestDedupIdempotence(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	first, err := env.pipeline.Ingest(ctx, Request{
		Uploads: []Upload{upload("doc.pdf", "application/pdf", "identical bytes")},
	})
	require.NoError(t, err)

	second, err := env.pipeline.Ingest(ctx, Request{
		Uploads: []Upload{upload("renamed.pdf", "application/pdf", "identical bytes")},
	})
	require.NoError(t, err)

	assert.Equal(t, first[0].ID, second[0].ID)
	assert.Equal(t, first[0].Name, second[0].Name)
	assert.Equal(t, 1, env.blobCount(t), "duplicate upload must not leave a second blob")
}

func TestDedupScopeIsolation(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()
	owner := int64(42)

	anon, err := env.pipeline.Ingest(ctx, Request{
		Uploads: []Upload{upload("shared.bin", "application/octet-stream", "same content")},
	})
	require.NoError(t, err)

	owned, err := env.pipeline.Ingest(ctx, Request{
		Uploads: []Upload{upload("shared.bin", "application/octet-stream", "same content")},
		UserID:  &owner,
	})
	require.NoError(t, err)

	assert.NotEqual(t, anon[0].ID, owned[0].ID)
	assert.NotEqual(t, anon[0].Name, owned[0].Name)
	assert.Equal(t, 2, env.blobCount(t))
}

func TestScanRejectionBatchAtomicity(t *testing.T) {
	gate := &fakeGate{err: &scanner.ThreatError{Name: "Eicar-Test-Signature"}}
	env := newTestEnv(t, Options{Gate: gate})
	ctx := context.Background()

	_, err := env.pipeline.Ingest(ctx, Request{
		Uploads: []Upload{
			upload("clean.txt", "text/plain", "fine"),
			upload("dirty.txt", "text/plain", "flagged"),
		},
	})

	var threat *scanner.ThreatError
	require.ErrorAs(t, err, &threat)
	assert.Equal(t, "Eicar-Test-Signature", threat.Name)

	assert.Equal(t, 0, env.blobCount(t), "every staged file must be deleted on rejection")
	_, err = env.repo.FindDuplicate(ctx, nil, "", 4)
	assert.ErrorIs(t, err, metadata.ErrNotFound)
	require.Len(t, gate.calls, 1)
	assert.Len(t, gate.calls[0], 2)
}

func TestScanUnavailableFailsClosed(t *testing.T) {
	gate := &fakeGate{err: scanner.ErrScanUnavailable}
	env := newTestEnv(t, Options{Gate: gate})

	_, err := env.pipeline.Ingest(context.Background(), Request{
		Uploads: []Upload{upload("a.txt", "text/plain", "content")},
	})
	assert.ErrorIs(t, err, scanner.ErrScanUnavailable)
	assert.Equal(t, 0, env.blobCount(t))
}

func TestEmptyFilePolicyBatchAtomicity(t *testing.T) {
	env := newTestEnv(t, Options{FilterEmptyFiles: true})

	_, err := env.pipeline.Ingest(context.Background(), Request{
		Uploads: []Upload{
			upload("real.txt", "text/plain", "has content"),
			upload("hollow.txt", "text/plain", ""),
		},
	})
	assert.ErrorIs(t, err, ErrEmptyFileRejected)
	assert.Equal(t, 0, env.blobCount(t), "partial batches are never accepted")
}

func TestEmptyFilePolicyDisabledAcceptsEmptyFiles(t *testing.T) {
	env := newTestEnv(t, Options{})

	records, err := env.pipeline.Ingest(context.Background(), Request{
		Uploads: []Upload{upload("hollow.txt", "text/plain", "")},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 0, records[0].Size)
}

func TestAllocatorExhaustionAbortsBatch(t *testing.T) {
	env := newTestEnv(t, Options{})

	// First file allocates fine; every attempt for the second collides.
	tokens := []string{"freename", "takenname", "takenname", "takenname"}
	env.alloc.SetTokenFunc(func(int) string {
		tok := tokens[0]
		if len(tokens) > 1 {
			tokens = tokens[1:]
		}
		return tok
	})
	require.NoError(t, os.WriteFile(env.store.Path("takenname.txt"), []byte("x"), 0644))

	_, err := env.pipeline.Ingest(context.Background(), Request{
		Uploads: []Upload{
			upload("first.txt", "text/plain", "ok"),
			upload("second.txt", "text/plain", "collides"),
		},
	})
	assert.ErrorIs(t, err, storage.ErrAllocationExhausted)

	// The already-staged first file is discarded; only the synthetic
	// collision target remains.
	assert.Equal(t, 1, env.blobCount(t))
	assert.False(t, env.store.Exists("freename.txt"))
}

func TestFailedBatchInsertLeavesOrphanedBlobs(t *testing.T) {
	env := newTestEnv(t, Options{})

	// A record already owns the storage name the allocator will pick, with a
	// hash that misses dedup, so the batch insert itself trips the UNIQUE
	// name constraint after staging succeeded.
	env.alloc.SetTokenFunc(func(int) string { return "orphantok" })
	taken := &metadata.FileRecord{
		Name:      "orphantok.txt",
		Original:  "earlier.txt",
		Type:      "text/plain",
		Size:      1,
		Hash:      "0123456789abcdef0123456789abcdef",
		Timestamp: 1,
	}
	require.NoError(t, env.repo.InsertFiles(context.Background(), []*metadata.FileRecord{taken}))

	_, err := env.pipeline.Ingest(context.Background(), Request{
		Uploads: []Upload{upload("notes.txt", "text/plain", "orphan me")},
	})
	assert.ErrorIs(t, err, ErrPersistenceFailure)

	// The deliberately weak guarantee: a batch that fails at the insert
	// leaves its staged blobs on disk for manual reconciliation. A dedup
	// lookup failure would have discarded them instead.
	assert.True(t, env.store.Exists("orphantok.txt"))
	assert.Equal(t, 1, env.blobCount(t))

	// No record was persisted for the orphan.
	_, lookupErr := env.repo.GetFile(context.Background(), taken.ID+1)
	assert.ErrorIs(t, lookupErr, metadata.ErrNotFound)
}

func TestBlockedExtensionRejectsBatch(t *testing.T) {
	env := newTestEnv(t, Options{BlockedExtensions: []string{".exe"}})

	_, err := env.pipeline.Ingest(context.Background(), Request{
		Uploads: []Upload{
			upload("fine.txt", "text/plain", "ok"),
			upload("malware.EXE", "application/octet-stream", "nope"),
		},
	})
	assert.ErrorIs(t, err, ErrBlockedExtension)
	assert.Equal(t, 0, env.blobCount(t))
}

func TestOversizeFileRejected(t *testing.T) {
	env := newTestEnv(t, Options{})
	small, err := storage.NewStore(t.TempDir(), 4)
	require.NoError(t, err)
	env.pipeline.store = small
	env.pipeline.alloc = storage.NewAllocator(small, 8, 1, nil)

	_, err = env.pipeline.Ingest(context.Background(), Request{
		Uploads: []Upload{upload("big.bin", "application/octet-stream", "more than four bytes")},
	})
	assert.ErrorIs(t, err, storage.ErrOversizeFile)

	entries, err := os.ReadDir(small.Path(""))
	require.NoError(t, err)
	for _, entry := range entries {
		assert.True(t, entry.IsDir(), "no blob should survive an oversize rejection")
	}
}

func TestIngestIntoAlbum(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	user, err := env.repo.CreateUser(ctx, "alice", "tok", true)
	require.NoError(t, err)
	album, err := env.repo.CreateAlbum(ctx, user.ID, "trip")
	require.NoError(t, err)

	records, err := env.pipeline.Ingest(ctx, Request{
		Uploads: []Upload{upload("pic.jpg", "image/jpeg", "pixels")},
		UserID:  &user.ID,
		AlbumID: &album.ID,
	})
	require.NoError(t, err)
	require.Len(t, records, 1)

	env.pipeline.Flush()
	got, err := env.repo.GetAlbum(ctx, album.ID, user.ID)
	require.NoError(t, err)
	assert.Equal(t, records[0].Timestamp, got.EditedAt, "album editedAt must follow ingestion")
}

func TestIngestAlbumOwnershipEnforced(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	owner, err := env.repo.CreateUser(ctx, "owner", "tok-1", true)
	require.NoError(t, err)
	intruder, err := env.repo.CreateUser(ctx, "intruder", "tok-2", true)
	require.NoError(t, err)
	album, err := env.repo.CreateAlbum(ctx, owner.ID, "private")
	require.NoError(t, err)

	// Someone else's album.
	_, err = env.pipeline.Ingest(ctx, Request{
		Uploads: []Upload{upload("a.txt", "text/plain", "x")},
		UserID:  &intruder.ID,
		AlbumID: &album.ID,
	})
	assert.ErrorIs(t, err, ErrAlbumNotFound)

	// Album target without an identity.
	_, err = env.pipeline.Ingest(ctx, Request{
		Uploads: []Upload{upload("a.txt", "text/plain", "x")},
		AlbumID: &album.ID,
	})
	assert.ErrorIs(t, err, ErrAlbumNotFound)

	assert.Equal(t, 0, env.blobCount(t), "rejected album uploads must not stage blobs")
}

func TestIngestManyFilesPreservesOrder(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	uploads := make([]Upload, 20)
	for i := range uploads {
		uploads[i] = upload(
			"file"+string(rune('a'+i))+".txt",
			"text/plain",
			strings.Repeat(string(rune('a'+i)), i+1),
		)
	}

	records, err := env.pipeline.Ingest(ctx, Request{Uploads: uploads})
	require.NoError(t, err)
	require.Len(t, records, 20)
	for i, rec := range records {
		assert.Equal(t, uploads[i].OriginalName, rec.Original, "slot %d out of order", i)
		assert.EqualValues(t, i+1, rec.Size)
	}
}
