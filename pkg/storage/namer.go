package storage

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"math/big"
	"os"
	"regexp"
	"strings"
)

// ErrAllocationExhausted is returned when every generated name collided with
// an existing file within the configured number of attempts.
var ErrAllocationExhausted = errors.New("storage: could not allocate a unique file name")

const tokenAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

var (
	multiVolumeSuffix = regexp.MustCompile(`\.\d{3}$`)
	hasExtension      = regexp.MustCompile(`\..`)
)

// Allocator produces collision-checked unique storage names. The existence
// check and the eventual write are not atomic; with a large enough token space
// this is an accepted risk, not something the allocator locks against.
type Allocator struct {
	store     *Store
	length    int
	maxTries  int
	preserves []string
	logger    *log.Logger

	// token is swappable so tests can force collisions.
	token func(length int) string
}

func NewAllocator(store *Store, length, maxTries int, preserves []string) *Allocator {
	return &Allocator{
		store:     store,
		length:    length,
		maxTries:  maxTries,
		preserves: preserves,
		logger:    log.New(os.Stdout, "[Allocator] ", log.LstdFlags),
		token:     randomToken,
	}
}

// SetTokenFunc overrides the token generator, letting tests force collisions.
func (a *Allocator) SetTokenFunc(fn func(length int) string) {
	a.token = fn
}

// Allocate returns a storage name (random token + preserved extension) that
// does not currently exist on disk, retrying up to maxTries times.
func (a *Allocator) Allocate(originalName string) (string, error) {
	ext := a.Extname(originalName)
	for i := 1; i <= a.maxTries; i++ {
		name := a.token(a.length) + ext
		if !a.store.Exists(name) {
			return name, nil
		}
		a.logger.Printf("A file named %q already exists (%d/%d)", name, i, a.maxTries)
	}
	return "", fmt.Errorf("%w after %d tries", ErrAllocationExhausted, a.maxTries)
}

// Extname extracts the meaningful extension of a filename, always lower case.
// Preserved multi-part extensions (.tar.gz and friends) are matched greedily
// before falling back to the last dot segment, and a trailing multi-volume
// suffix (.001, .002, ...) is kept on top of whatever was matched. Filenames
// with no dot followed by another character yield "". Dotfiles such as
// .DS_Store keep their whole name as the extension.
func (a *Allocator) Extname(filename string) string {
	if !hasExtension.MatchString(filename) {
		return ""
	}
	lower := strings.ToLower(filename)

	multi := ""
	if m := multiVolumeSuffix.FindString(lower); m != "" {
		multi = m
		lower = lower[:len(lower)-len(m)]
	}

	ext := ""
	for _, preserved := range a.preserves {
		if strings.HasSuffix(lower, preserved) {
			ext = preserved
			break
		}
	}
	if ext == "" {
		if idx := strings.LastIndex(lower, "."); idx >= 0 {
			ext = lower[idx:]
		}
	}

	return ext + multi
}

func randomToken(length int) string {
	var b strings.Builder
	b.Grow(length)
	max := big.NewInt(int64(len(tokenAlphabet)))
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand only fails if the OS entropy source is broken.
			panic(fmt.Sprintf("storage: random token: %v", err))
		}
		b.WriteByte(tokenAlphabet[n.Int64()])
	}
	return b.String()
}
