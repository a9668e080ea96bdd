package storage

// ============= Dedupe =============

// CreateDedupeGroup inserts a group and returns it with its id.
func (s *Storage) CreateDedupeGroup(group DedupeGroup) (DedupeGroup, error) {
	err := s.DB.Create(&group).Error
	return group, err
}

// CreateDedupeFiles inserts the members of a group.
func (s *Storage) CreateDedupeFiles(files []DedupeFile) error {
	if len(files) == 0 {
		return nil
	}
	return s.DB.Create(&files).Error
}

// ListDedupeGroups returns the groups of one scan.
func (s *Storage) ListDedupeGroups(scanID string) ([]DedupeGroup, error) {
	var groups []DedupeGroup
	err := s.DB.Where("scan_id = ?", scanID).Order("id").Find(&groups).Error
	return groups, err
}

// ListDedupeFiles returns the members of one group.
func (s *Storage) ListDedupeFiles(groupID uint) ([]DedupeFile, error) {
	var files []DedupeFile
	err := s.DB.Where("group_id = ?", groupID).Order("relpath").Find(&files).Error
	return files, err
}

// DeleteScan removes a scan's groups and files.
func (s *Storage) DeleteScan(scanID string) error {
	groups, err := s.ListDedupeGroups(scanID)
	if err != nil {
		return err
	}
	ids := make([]uint, 0, len(groups))
	for _, g := range groups {
		ids = append(ids, g.ID)
	}
	if len(ids) > 0 {
		if err := s.DB.Where("group_id IN ?", ids).Delete(&DedupeFile{}).Error; err != nil {
			return err
		}
	}
	return s.DB.Where("scan_id = ?", scanID).Delete(&DedupeGroup{}).Error
}
