package storage

import (
	"errors"

	"gorm.io/gorm"
)

// ============= Download Jobs =============

// CreateJob inserts a download job and returns it with its id.
func (s *Storage) CreateJob(job DownloadJob) (DownloadJob, error) {
	now := NowISO()
	job.CreatedAt = now
	job.UpdatedAt = now
	err := s.DB.Create(&job).Error
	return job, err
}

// SaveJob persists the full job row.
func (s *Storage) SaveJob(job *DownloadJob) error {
	job.UpdatedAt = NowISO()
	return s.DB.Save(job).Error
}

// GetJob fetches one job by id, nil if absent.
func (s *Storage) GetJob(id uint) (*DownloadJob, error) {
	var job DownloadJob
	err := s.DB.First(&job, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs returns all download jobs, newest first.
func (s *Storage) ListJobs() ([]DownloadJob, error) {
	var jobs []DownloadJob
	err := s.DB.Order("id DESC").Find(&jobs).Error
	return jobs, err
}

// ListOpenJobs returns queued and running jobs, oldest first, for restore
// at startup.
func (s *Storage) ListOpenJobs() ([]DownloadJob, error) {
	var jobs []DownloadJob
	err := s.DB.Where("status IN ?", []string{JobQueued, JobRunning}).
		Order("id ASC").Find(&jobs).Error
	return jobs, err
}
