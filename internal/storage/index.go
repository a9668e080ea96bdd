package storage

import (
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ============= File Index =============

// ReplaceSide atomically replaces the full FileRecord set for one side.
func (s *Storage) ReplaceSide(side string, records []FileRecord) error {
	return s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("side = ?", side).Delete(&FileRecord{}).Error; err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}
		return tx.CreateInBatches(records, 500).Error
	})
}

// GetFile returns the FileRecord for (side, relpath), or nil if absent.
func (s *Storage) GetFile(side, relpath string) (*FileRecord, error) {
	var rec FileRecord
	err := s.DB.Where("side = ? AND relpath = ?", side, relpath).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListFiles returns records on one side, optionally restricted to a folder
// prefix and a case-insensitive substring query, ordered by relpath.
func (s *Storage) ListFiles(side, folder, query string) ([]FileRecord, error) {
	q := s.DB.Where("side = ?", side)
	if folder != "" {
		q = q.Where("relpath LIKE ?", folder+"/%")
	}
	if query != "" {
		q = q.Where("relpath LIKE ?", "%"+query+"%")
	}
	var recs []FileRecord
	err := q.Order("relpath").Find(&recs).Error
	return recs, err
}

// ListUnhashed returns relpaths on a side with no stored hash, optionally
// filtered to files of at least minSize bytes.
func (s *Storage) ListUnhashed(side string, minSize int64) ([]FileRecord, error) {
	var recs []FileRecord
	err := s.DB.Where("side = ? AND hash IS NULL AND size >= ?", side, minSize).
		Order("relpath").Find(&recs).Error
	return recs, err
}

// SetHash stores a computed hash for (side, relpath).
func (s *Storage) SetHash(side, relpath, hash string) error {
	now := NowISO()
	return s.DB.Model(&FileRecord{}).
		Where("side = ? AND relpath = ?", side, relpath).
		Updates(map[string]interface{}{
			"hash":             hash,
			"hash_computed_at": now,
		}).Error
}

// UpsertFile inserts or replaces a FileRecord keyed by (side, relpath).
func (s *Storage) UpsertFile(rec FileRecord) error {
	return s.DB.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "side"}, {Name: "relpath"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"size", "mtime_ns", "hash", "hash_computed_at", "indexed_at",
		}),
	}).Create(&rec).Error
}

// DeleteFileRecord removes the index row for (side, relpath).
func (s *Storage) DeleteFileRecord(side, relpath string) error {
	return s.DB.Where("side = ? AND relpath = ?", side, relpath).
		Delete(&FileRecord{}).Error
}

// SideStats summarizes one side of the index.
type SideStats struct {
	FileCount   int64 `json:"file_count"`
	TotalBytes  int64 `json:"total_bytes"`
	HashedCount int64 `json:"hashed_count"`
}

// GetSideStats returns file count, byte total and hashed count for a side.
func (s *Storage) GetSideStats(side string) (SideStats, error) {
	var stats SideStats
	row := s.DB.Model(&FileRecord{}).
		Select("COUNT(*), COALESCE(SUM(size), 0), SUM(CASE WHEN hash IS NOT NULL THEN 1 ELSE 0 END)").
		Where("side = ?", side).Row()
	var hashed *int64
	if err := row.Scan(&stats.FileCount, &stats.TotalBytes, &hashed); err != nil {
		return stats, err
	}
	if hashed != nil {
		stats.HashedCount = *hashed
	}
	return stats, nil
}

// VerifyCandidate is a relpath present on both sides with equal size and a
// missing hash on at least one side.
type VerifyCandidate struct {
	Relpath   string
	Size      int64
	LocalHash *string
	LakeHash  *string
}

// ListVerifyCandidates returns verify targets, optionally narrowed to one
// relpath or a folder prefix.
func (s *Storage) ListVerifyCandidates(relpath, folder string) ([]VerifyCandidate, error) {
	q := s.DB.Table("file_index AS l").
		Select("l.relpath, l.size, l.hash AS local_hash, r.hash AS lake_hash").
		Joins("JOIN file_index AS r ON l.relpath = r.relpath AND l.size = r.size").
		Where("l.side = ? AND r.side = ?", SideLocal, SideLake).
		Where("l.hash IS NULL OR r.hash IS NULL")
	if relpath != "" {
		q = q.Where("l.relpath = ?", relpath)
	} else if folder != "" {
		q = q.Where("l.relpath LIKE ?", folder+"/%")
	}

	var out []VerifyCandidate
	err := q.Order("l.relpath").Scan(&out).Error
	return out, err
}
