package storage

import (
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ============= Bundles =============

// CreateBundle inserts a bundle and returns it with its id.
func (s *Storage) CreateBundle(name string, description *string) (Bundle, error) {
	now := NowISO()
	b := Bundle{Name: name, Description: description, CreatedAt: now, UpdatedAt: now}
	err := s.DB.Create(&b).Error
	return b, err
}

// GetBundle fetches a bundle by name, nil if absent.
func (s *Storage) GetBundle(name string) (*Bundle, error) {
	var b Bundle
	err := s.DB.Where("name = ?", name).First(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// BundleSummary is a bundle with its asset count, for listings.
type BundleSummary struct {
	Bundle
	AssetCount int64 `json:"asset_count"`
}

// ListBundles returns every bundle with its asset count, by name.
func (s *Storage) ListBundles() ([]BundleSummary, error) {
	var out []BundleSummary
	err := s.DB.Table("bundles AS b").
		Select("b.*, COUNT(ba.id) AS asset_count").
		Joins("LEFT JOIN bundle_assets AS ba ON ba.bundle_id = b.id").
		Group("b.id").Order("b.name").Scan(&out).Error
	return out, err
}

// UpdateBundle renames or re-describes a bundle.
func (s *Storage) UpdateBundle(id uint, name string, description *string) error {
	return s.DB.Model(&Bundle{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"name":        name,
			"description": description,
			"updated_at":  NowISO(),
		}).Error
}

// DeleteBundle removes a bundle and its assets; reports whether it existed.
func (s *Storage) DeleteBundle(name string) (bool, error) {
	b, err := s.GetBundle(name)
	if err != nil || b == nil {
		return false, err
	}
	err = s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("bundle_id = ?", b.ID).Delete(&BundleAsset{}).Error; err != nil {
			return err
		}
		return tx.Delete(&Bundle{}, b.ID).Error
	})
	return err == nil, err
}

// AddBundleAsset upserts one asset into a bundle.
func (s *Storage) AddBundleAsset(asset BundleAsset) error {
	return s.DB.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "bundle_id"}, {Name: "relpath"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"hash", "source_url_override",
		}),
	}).Create(&asset).Error
}

// RemoveBundleAsset deletes one asset; reports whether a row existed.
func (s *Storage) RemoveBundleAsset(bundleID uint, relpath string) (bool, error) {
	res := s.DB.Where("bundle_id = ? AND relpath = ?", bundleID, relpath).
		Delete(&BundleAsset{})
	return res.RowsAffected > 0, res.Error
}

// ListBundleAssets returns a bundle's assets ordered by relpath.
func (s *Storage) ListBundleAssets(bundleID uint) ([]BundleAsset, error) {
	var assets []BundleAsset
	err := s.DB.Where("bundle_id = ?", bundleID).Order("relpath").Find(&assets).Error
	return assets, err
}

// TouchBundle bumps updated_at after asset mutations.
func (s *Storage) TouchBundle(id uint) error {
	return s.DB.Model(&Bundle{}).Where("id = ?", id).
		Update("updated_at", NowISO()).Error
}
