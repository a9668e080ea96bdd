package storage

import (
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ============= Source Registry =============

// GetSource returns the mapping for a key (hash or "relpath:<path>"), nil
// if absent.
func (s *Storage) GetSource(key string) (*SourceURL, error) {
	var src SourceURL
	err := s.DB.Where("key = ?", key).First(&src).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &src, nil
}

// SetSource inserts or replaces a mapping by key.
func (s *Storage) SetSource(src SourceURL) error {
	return s.DB.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"url", "added_at", "notes", "filename_hint", "relpath",
		}),
	}).Create(&src).Error
}

// DeleteSource removes a mapping; reports whether a row existed.
func (s *Storage) DeleteSource(key string) (bool, error) {
	res := s.DB.Where("key = ?", key).Delete(&SourceURL{})
	return res.RowsAffected > 0, res.Error
}

// ListSources returns every mapping.
func (s *Storage) ListSources() ([]SourceURL, error) {
	var out []SourceURL
	err := s.DB.Order("key").Find(&out).Error
	return out, err
}

// MigrateSourceKey rekeys a relpath-addressed mapping to a content hash,
// replacing any mapping already stored under the hash. Invoked after
// hash_file computes the digest for a previously unhashed file.
func (s *Storage) MigrateSourceKey(relpath, hash string) error {
	oldKey := RelpathKeyPrefix + relpath
	src, err := s.GetSource(oldKey)
	if err != nil || src == nil {
		return err
	}
	return s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("key = ?", oldKey).Delete(&SourceURL{}).Error; err != nil {
			return err
		}
		migrated := *src
		migrated.Key = hash
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"url", "added_at", "notes", "filename_hint", "relpath",
			}),
		}).Create(&migrated).Error
	})
}
