// Package store manages the on-disk image layout. Raw harvested
// content lands in raw/ and classified content is copied into one
// directory per emotion label. Files are content-addressed by the
// sha256 of their bytes, so the filename doubles as the dedup key.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/picstash/picstash/pkg/errors"
)

const (
	rawDir          = "raw"
	categoriesDir   = "categories"
	unclassifiedDir = "unclassified"
)

// PutResult describes a stored raw file.
type PutResult struct {
	RelPath   string
	Signature string
	Size      int64
}

// Store is the filesystem layer beneath the registry. Paths it returns
// are relative to the base directory so the registry stays relocatable.
type Store struct {
	baseDir string
	log     *logrus.Entry

	mu  sync.Mutex
	rng *rand.Rand
}

// New creates the store rooted at baseDir, creating the raw and
// unclassified directories up front.
func New(baseDir string, log *logrus.Entry) (*Store, error) {
	s := &Store{
		baseDir: baseDir,
		log:     log.WithField("component", "store"),
		rng:     rand.New(rand.NewSource(rand.Int63())),
	}
	for _, dir := range []string{rawDir, filepath.Join(categoriesDir, unclassifiedDir)} {
		if err := os.MkdirAll(filepath.Join(baseDir, dir), 0750); err != nil {
			return nil, errors.New(errors.ErrCodeStorageWrite, "failed to create store directory").WithCause(err)
		}
	}
	return s, nil
}

// Abs resolves a store-relative path to an absolute one.
func (s *Store) Abs(relPath string) string {
	return filepath.Join(s.baseDir, relPath)
}

// Signature returns the hex sha256 of content.
func Signature(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// PutRaw writes content into the raw area under its content address.
// Writing the same content twice is a no-op returning the same result.
func (s *Store) PutRaw(content []byte, ext string) (*PutResult, error) {
	sig := Signature(content)
	rel := filepath.Join(rawDir, sig+normalizeExt(ext))
	abs := s.Abs(rel)

	if info, err := os.Stat(abs); err == nil {
		return &PutResult{RelPath: rel, Signature: sig, Size: info.Size()}, nil
	}

	tmp := abs + ".tmp"
	if err := os.WriteFile(tmp, content, 0640); err != nil {
		return nil, errors.New(errors.ErrCodeStorageWrite, "failed to write raw file").WithCause(err)
	}
	if err := os.Rename(tmp, abs); err != nil {
		os.Remove(tmp)
		return nil, errors.New(errors.ErrCodeStorageWrite, "failed to publish raw file").WithCause(err)
	}

	return &PutResult{RelPath: rel, Signature: sig, Size: int64(len(content))}, nil
}

// Categorize copies a raw file into the directory for label and
// returns the new relative path. The raw copy is left in place; raw
// expiry reclaims it later.
func (s *Store) Categorize(rawRelPath, label string) (string, error) {
	src := s.Abs(rawRelPath)
	content, err := os.ReadFile(src)
	if err != nil {
		return "", errors.New(errors.ErrCodeStorageRead, "failed to read raw file").WithCause(err)
	}

	dir := filepath.Join(categoriesDir, sanitizeLabel(label))
	if err := os.MkdirAll(s.Abs(dir), 0750); err != nil {
		return "", errors.New(errors.ErrCodeStorageWrite, "failed to create category directory").WithCause(err)
	}

	rel := filepath.Join(dir, filepath.Base(rawRelPath))
	abs := s.Abs(rel)
	tmp := abs + ".tmp"
	if err := os.WriteFile(tmp, content, 0640); err != nil {
		return "", errors.New(errors.ErrCodeStorageWrite, "failed to write categorized file").WithCause(err)
	}
	if err := os.Rename(tmp, abs); err != nil {
		os.Remove(tmp)
		return "", errors.New(errors.ErrCodeStorageWrite, "failed to publish categorized file").WithCause(err)
	}

	return rel, nil
}

// Remove deletes a stored file. A file that is already gone counts as
// removed, which keeps cleanup cycle replay idempotent.
func (s *Store) Remove(relPath string) error {
	err := os.Remove(s.Abs(relPath))
	if err != nil && !os.IsNotExist(err) {
		return errors.New(errors.ErrCodeStorageIO, "failed to remove file").WithCause(err)
	}
	return nil
}

// Read returns the contents of a stored file.
func (s *Store) Read(relPath string) ([]byte, error) {
	content, err := os.ReadFile(s.Abs(relPath))
	if err != nil {
		return nil, errors.New(errors.ErrCodeStorageRead, "failed to read file").WithCause(err)
	}
	return content, nil
}

// Pick returns the relative path of a uniformly random file in the
// category for label.
func (s *Store) Pick(label string) (string, error) {
	dir := filepath.Join(categoriesDir, sanitizeLabel(label))
	entries, err := os.ReadDir(s.Abs(dir))
	if err != nil {
		return "", errors.Newf(errors.ErrCodeStorageRead, "no category directory for %s", label).WithCause(err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && !strings.HasSuffix(e.Name(), ".tmp") {
			files = append(files, e.Name())
		}
	}
	if len(files) == 0 {
		return "", errors.Newf(errors.ErrCodeRecordNotFound, "category %s is empty", label)
	}

	s.mu.Lock()
	name := files[s.rng.Intn(len(files))]
	s.mu.Unlock()

	return filepath.Join(dir, name), nil
}

// OrphanScan walks the raw and category trees and returns every file
// whose relative path is not in live. Files modified at or after
// before are skipped; they may belong to an operation still in flight.
func (s *Store) OrphanScan(live map[string]bool, before time.Time) ([]string, error) {
	var orphans []string

	for _, root := range []string{rawDir, categoriesDir} {
		absRoot := s.Abs(root)
		err := filepath.Walk(absRoot, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return nil
				}
				return err
			}
			if info.IsDir() || strings.HasSuffix(path, ".tmp") {
				return nil
			}
			if !info.ModTime().Before(before) {
				return nil
			}
			rel, err := filepath.Rel(s.baseDir, path)
			if err != nil {
				return err
			}
			if !live[rel] {
				orphans = append(orphans, rel)
			}
			return nil
		})
		if err != nil {
			return nil, errors.New(errors.ErrCodeStorageRead, "orphan scan failed").WithCause(err)
		}
	}

	return orphans, nil
}

func normalizeExt(ext string) string {
	if ext == "" {
		return ".jpg"
	}
	if !strings.HasPrefix(ext, ".") {
		return "." + ext
	}
	return ext
}

// sanitizeLabel keeps category names inside the categories tree.
func sanitizeLabel(label string) string {
	label = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '_'
		}
	}, label)
	if label == "" {
		return unclassifiedDir
	}
	return label
}
