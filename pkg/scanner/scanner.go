// Package scanner gates batches of staged uploads through ClamAV. A batch is
// one transactional unit: any single detection rejects every file in it, and
// an unreachable scanner rejects the batch too rather than waving it through.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	clamd "github.com/dutchcoders/go-clamd"
)

// ErrScanUnavailable is returned when a verdict could not be obtained. It must
// never be read as "no threat found".
var ErrScanUnavailable = errors.New("scanner: scan unavailable")

// ThreatError reports the first detected threat in a batch. When several files
// are flagged concurrently only one label is surfaced; that is a documented
// limitation inherited from the batch contract, not a bug.
type ThreatError struct {
	Name string
}

func (e *ThreatError) Error() string {
	return fmt.Sprintf("scanner: threat detected: %s", e.Name)
}

// FileScanner produces a verdict for a single file: the threat label, or ""
// for a clean file. Errors mean no verdict was reached.
type FileScanner interface {
	ScanFile(ctx context.Context, path string) (string, error)
}

// ClamScanner talks to a clamd daemon over the go-clamd client.
type ClamScanner struct {
	clam    *clamd.Clamd
	timeout time.Duration
}

func NewClamScanner(address string, timeout time.Duration) *ClamScanner {
	return &ClamScanner{
		clam:    clamd.NewClamd(address),
		timeout: timeout,
	}
}

// Ping verifies the daemon is reachable; called once at startup so a
// misconfigured scanner fails fast instead of failing every upload.
func (s *ClamScanner) Ping() error {
	if err := s.clam.Ping(); err != nil {
		return fmt.Errorf("clamd ping: %w", err)
	}
	return nil
}

// ScanFile streams one staged file to clamd and waits for the verdict, bounded
// by the configured timeout.
func (s *ClamScanner) ScanFile(ctx context.Context, path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	abort := make(chan bool)
	defer close(abort)

	responses, err := s.clam.ScanStream(file, abort)
	if err != nil {
		return "", fmt.Errorf("clamd stream: %w", err)
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case result, ok := <-responses:
		if !ok || result == nil {
			return "", fmt.Errorf("clamd: no verdict for %s", path)
		}
		switch result.Status {
		case clamd.RES_OK:
			return "", nil
		case clamd.RES_FOUND:
			return strings.TrimSpace(result.Description), nil
		default:
			return "", fmt.Errorf("clamd: %s: %s", result.Status, result.Description)
		}
	case <-timer.C:
		go drain(responses)
		return "", fmt.Errorf("clamd: verdict timed out after %s", s.timeout)
	case <-ctx.Done():
		go drain(responses)
		return "", ctx.Err()
	}
}

// drain consumes an abandoned verdict channel until the client's reader
// goroutine closes it, so a timed-out scan does not pin the daemon connection.
func drain(responses chan *clamd.ScanResult) {
	for range responses {
	}
}

// Gate evaluates a whole batch of staged files.
type Gate struct {
	scanner FileScanner
	logger  *log.Logger
}

func NewGate(scanner FileScanner) *Gate {
	return &Gate{
		scanner: scanner,
		logger:  log.New(os.Stdout, "[ScanGate] ", log.LstdFlags),
	}
}

// Check scans every file concurrently and returns nil only if all of them are
// clean. The first detected threat is reported as a *ThreatError; any scan
// failure is reported as ErrScanUnavailable (fail closed). Cleanup of the
// staged files is the caller's job, since the caller owns the batch lifecycle.
func (g *Gate) Check(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}

	verdicts := make([]string, len(paths))
	errs := make([]error, len(paths))

	var wg sync.WaitGroup
	for i, path := range paths {
		wg.Add(1)
		go func(i int, path string) {
			defer wg.Done()
			verdicts[i], errs[i] = g.scanner.ScanFile(ctx, path)
		}(i, path)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			g.logger.Printf("Scan failed for %s: %v", paths[i], err)
			return fmt.Errorf("%w: %v", ErrScanUnavailable, err)
		}
	}
	for i, verdict := range verdicts {
		if verdict != "" {
			g.logger.Printf("Threat found in %s: %s", paths[i], verdict)
			return &ThreatError{Name: verdict}
		}
	}
	return nil
}
