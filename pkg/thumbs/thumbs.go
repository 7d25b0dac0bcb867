// Package thumbs derives preview thumbnails for stored media files. Work is
// done on a small background pool after the upload response has been sent;
// failures are logged and never reach the uploading client.
package thumbs

import (
	"context"
	"fmt"
	"image/color"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"

	"github.com/zots0127/filesafe/pkg/storage"
)

// Bounding box for image thumbnails and target width for video frames.
const (
	thumbSize  = 200
	videoWidth = 200
)

var (
	imageExtensions = []string{".jpg", ".jpeg", ".bmp", ".gif", ".png"}
	videoExtensions = []string{".webm", ".mp4", ".wmv", ".avi", ".mov"}
)

// Eligible reports whether a storage name refers to a media file that gets a
// thumbnail.
func Eligible(name string) bool {
	return IsImage(name) || IsVideo(name)
}

func IsImage(name string) bool {
	return hasExtension(name, imageExtensions)
}

func IsVideo(name string) bool {
	return hasExtension(name, videoExtensions)
}

func hasExtension(name string, exts []string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	return false
}

// Dispatcher generates thumbnails on a bounded worker pool. Enqueue never
// blocks the caller: when the queue is full the job is dropped and logged,
// which is acceptable because generation is best-effort and idempotent.
type Dispatcher struct {
	store   *storage.Store
	ffmpeg  string
	jobs    chan string
	wg      sync.WaitGroup
	mu      sync.Mutex
	closed  bool
	logger  *log.Logger
	timeout time.Duration
}

func NewDispatcher(store *storage.Store, workers int) *Dispatcher {
	d := &Dispatcher{
		store:   store,
		ffmpeg:  "ffmpeg",
		jobs:    make(chan string, workers*16),
		logger:  log.New(os.Stdout, "[Thumbs] ", log.LstdFlags),
		timeout: 30 * time.Second,
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Enqueue schedules thumbnail generation for a stored blob. Non-media names
// and full queues are both no-ops.
func (d *Dispatcher) Enqueue(name string) {
	if !Eligible(name) {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	select {
	case d.jobs <- name:
	default:
		d.logger.Printf("Queue full, skipping thumbnail for %s", name)
	}
}

// Close stops accepting work and waits for in-flight generation to finish.
// The mutex keeps the jobs channel from being closed between an Enqueue's
// closed check and its send.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.jobs)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for name := range d.jobs {
		if err := d.Generate(name); err != nil {
			d.logger.Printf("Thumbnail generation failed for %s: %v", name, err)
		}
	}
}

// Generate derives the thumbnail for one stored blob. Generation is
// idempotent: an existing thumbnail is left untouched.
func (d *Dispatcher) Generate(name string) error {
	thumbPath := d.store.ThumbPath(name)
	if _, err := os.Stat(thumbPath); err == nil {
		return nil
	}

	switch {
	case IsVideo(name):
		return d.generateVideo(d.store.Path(name), thumbPath)
	case IsImage(name):
		return d.generateImage(d.store.Path(name), thumbPath)
	default:
		return fmt.Errorf("no thumbnail strategy for %s", name)
	}
}

// generateImage resizes the image to fit inside the bounding box and centers
// it on a transparent square canvas of exactly thumbSize x thumbSize.
func (d *Dispatcher) generateImage(src, dst string) error {
	img, err := imaging.Open(src)
	if err != nil {
		return fmt.Errorf("open image: %w", err)
	}

	fitted := imaging.Fit(img, thumbSize, thumbSize, imaging.Lanczos)
	canvas := imaging.New(thumbSize, thumbSize, color.NRGBA{0, 0, 0, 0})
	canvas = imaging.PasteCenter(canvas, fitted)

	if err := imaging.Save(canvas, dst); err != nil {
		return fmt.Errorf("save thumbnail: %w", err)
	}
	return nil
}

// generateVideo extracts the frame at timestamp zero, scaled to a fixed width
// with proportional height.
func (d *Dispatcher) generateVideo(src, dst string) error {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, d.ffmpeg,
		"-y",
		"-ss", "0",
		"-i", src,
		"-vframes", "1",
		"-vf", fmt.Sprintf("scale=%d:-1", videoWidth),
		dst,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ffmpeg: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
