package store

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/picstash/picstash/pkg/errors"
)

// legacyIndexFile is the index the v0 flat layout kept alongside its
// image files.
const legacyIndexFile = "index.json"

type legacyEntry struct {
	Emotion     string   `json:"emotion"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// MigratedFile describes one file carried over from the legacy layout,
// ready for registry seeding.
type MigratedFile struct {
	RelPath     string
	Signature   string
	Size        int64
	Emotion     string
	Description string
	Tags        []string
}

// IsLegacyLayout reports whether dir holds the v0 flat layout: an
// index.json next to image files, with no raw/ directory.
func IsLegacyLayout(dir string) bool {
	if _, err := os.Stat(filepath.Join(dir, legacyIndexFile)); err != nil {
		return false
	}
	if _, err := os.Stat(filepath.Join(dir, rawDir)); err == nil {
		return false
	}
	return true
}

// MigrateLegacy transforms a v0 flat layout at legacyDir into the
// current schema under the store. Originals are copied first and
// verified by content signature before anything in legacyDir is
// removed, so an interrupted migration leaves the legacy layout whole.
func (s *Store) MigrateLegacy(legacyDir string) ([]MigratedFile, error) {
	indexPath := filepath.Join(legacyDir, legacyIndexFile)
	data, err := os.ReadFile(indexPath)
	if err != nil {
		return nil, errors.New(errors.ErrCodeStorageRead, "failed to read legacy index").WithCause(err)
	}

	var index map[string]legacyEntry
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, errors.New(errors.ErrCodeStorageRead, "failed to parse legacy index").WithCause(err)
	}

	var migrated []MigratedFile
	for name, entry := range index {
		src := filepath.Join(legacyDir, name)
		content, err := os.ReadFile(src)
		if err != nil {
			if os.IsNotExist(err) {
				s.log.WithField("file", name).Warn("legacy index references missing file, skipped")
				continue
			}
			return nil, errors.New(errors.ErrCodeStorageRead, "failed to read legacy file").WithCause(err)
		}

		label := entry.Emotion
		if label == "" {
			label = unclassifiedDir
		}

		put, err := s.PutRaw(content, filepath.Ext(name))
		if err != nil {
			return nil, err
		}
		rel, err := s.Categorize(put.RelPath, label)
		if err != nil {
			return nil, err
		}

		// Verify the copy before the original is eligible for removal.
		copied, err := s.Read(rel)
		if err != nil {
			return nil, err
		}
		if Signature(copied) != put.Signature {
			return nil, errors.Newf(errors.ErrCodeStorageIO,
				"migrated copy of %s does not match original", name)
		}

		migrated = append(migrated, MigratedFile{
			RelPath:     rel,
			Signature:   put.Signature,
			Size:        put.Size,
			Emotion:     entry.Emotion,
			Description: entry.Description,
			Tags:        entry.Tags,
		})
	}

	// Every file copied and verified; now retire the legacy layout.
	for name := range index {
		if err := os.Remove(filepath.Join(legacyDir, name)); err != nil && !os.IsNotExist(err) {
			s.log.WithError(err).WithField("file", name).Warn("failed to remove migrated legacy file")
		}
	}
	if err := os.Rename(indexPath, indexPath+".migrated"); err != nil {
		s.log.WithError(err).Warn("failed to retire legacy index")
	}

	s.log.WithField("files", len(migrated)).Info("legacy layout migrated")
	return migrated, nil
}
