// Package backup mirrors newly persisted blobs to an S3-compatible bucket.
// Mirroring is best-effort: it runs on a background worker, logs failures and
// never influences the outcome of the upload that queued it.
package backup

import (
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"github.com/zots0127/filesafe/pkg/storage"
)

// Options configures the mirror target.
type Options struct {
	Bucket   string
	Region   string
	Prefix   string
	Endpoint string
}

// Mirror uploads blobs to the configured bucket as they are enqueued.
type Mirror struct {
	store  *storage.Store
	opts   Options
	upload func(key string, body io.Reader) error
	jobs   chan string
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
	logger *log.Logger
}

func NewMirror(store *storage.Store, opts Options) (*Mirror, error) {
	awsConfig := &aws.Config{Region: aws.String(opts.Region)}
	if opts.Endpoint != "" {
		awsConfig.Endpoint = aws.String(opts.Endpoint)
		awsConfig.S3ForcePathStyle = aws.Bool(true)
	}
	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("create AWS session: %w", err)
	}
	uploader := s3manager.NewUploader(sess)

	m := newMirror(store, opts, func(key string, body io.Reader) error {
		_, err := uploader.Upload(&s3manager.UploadInput{
			Bucket: aws.String(opts.Bucket),
			Key:    aws.String(key),
			Body:   body,
		})
		return err
	})
	return m, nil
}

func newMirror(store *storage.Store, opts Options, upload func(key string, body io.Reader) error) *Mirror {
	m := &Mirror{
		store:  store,
		opts:   opts,
		upload: upload,
		jobs:   make(chan string, 64),
		logger: log.New(os.Stdout, "[Backup] ", log.LstdFlags),
	}
	m.wg.Add(1)
	go m.worker()
	return m
}

// Enqueue schedules a blob for mirroring without blocking the caller. A full
// queue drops the job and logs it.
func (m *Mirror) Enqueue(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	select {
	case m.jobs <- name:
	default:
		m.logger.Printf("Queue full, skipping mirror of %s", name)
	}
}

// Close stops accepting work and waits for pending mirrors to finish. The
// mutex keeps the jobs channel from being closed between an Enqueue's closed
// check and its send.
func (m *Mirror) Close() {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.jobs)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Mirror) worker() {
	defer m.wg.Done()
	for name := range m.jobs {
		if err := m.mirrorOne(name); err != nil {
			m.logger.Printf("Mirror failed for %s: %v", name, err)
		}
	}
}

func (m *Mirror) mirrorOne(name string) error {
	file, err := os.Open(m.store.Path(name))
	if err != nil {
		return err
	}
	defer file.Close()

	return m.upload(path.Join(m.opts.Prefix, name), file)
}
