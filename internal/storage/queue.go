package storage

import (
	"errors"

	"gorm.io/gorm"
)

// ============= Queue =============

// CreateTask inserts a pending queue task and returns it with its id.
func (s *Storage) CreateTask(task QueueTask) (QueueTask, error) {
	task.Status = StatusPending
	task.CreatedAt = NowISO()
	err := s.DB.Create(&task).Error
	return task, err
}

// GetTask fetches one queue task by id, nil if absent.
func (s *Storage) GetTask(id uint) (*QueueTask, error) {
	var task QueueTask
	err := s.DB.First(&task, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// ListTasks returns all queue tasks, newest first.
func (s *Storage) ListTasks() ([]QueueTask, error) {
	var tasks []QueueTask
	err := s.DB.Order("created_at DESC, id DESC").Find(&tasks).Error
	return tasks, err
}

// NextPendingTask returns the oldest pending task, nil when the queue is
// drained.
func (s *Storage) NextPendingTask() (*QueueTask, error) {
	var task QueueTask
	err := s.DB.Where("status = ?", StatusPending).
		Order("created_at ASC, id ASC").First(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// ActiveTask returns the running task, if any.
func (s *Storage) ActiveTask() (*QueueTask, error) {
	var task QueueTask
	err := s.DB.Where("status = ?", StatusRunning).First(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// MarkTaskRunning transitions a task to running and stamps started_at.
func (s *Storage) MarkTaskRunning(id uint) error {
	return s.DB.Model(&QueueTask{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     StatusRunning,
			"started_at": NowISO(),
		}).Error
}

// MarkTaskDone transitions a task to a terminal status. errMsg is stored
// and retry_count bumped only for failures.
func (s *Storage) MarkTaskDone(id uint, status string, errMsg string) error {
	updates := map[string]interface{}{
		"status":       status,
		"completed_at": NowISO(),
	}
	if status == StatusFailed {
		updates["error_message"] = errMsg
		updates["retry_count"] = gorm.Expr("retry_count + 1")
	}
	return s.DB.Model(&QueueTask{}).Where("id = ?", id).Updates(updates).Error
}

// UpdateTaskProgress persists bytes_transferred for a running task.
func (s *Storage) UpdateTaskProgress(id uint, bytes int64) error {
	return s.DB.Model(&QueueTask{}).Where("id = ?", id).
		Update("bytes_transferred", bytes).Error
}

// UpdateTaskTotal persists the total unit count for a running task.
func (s *Storage) UpdateTaskTotal(id uint, total int64) error {
	return s.DB.Model(&QueueTask{}).Where("id = ?", id).
		Update("size_bytes", total).Error
}

// CancelTask marks a pending or running task cancelled. Returns false when
// the task is absent or already terminal.
func (s *Storage) CancelTask(id uint) (bool, error) {
	res := s.DB.Model(&QueueTask{}).
		Where("id = ? AND status IN ?", id, []string{StatusPending, StatusRunning}).
		Updates(map[string]interface{}{
			"status":       StatusCancelled,
			"completed_at": NowISO(),
		})
	return res.RowsAffected > 0, res.Error
}

// RemoveTask deletes a pending task outright. Running and terminal rows
// are kept for history.
func (s *Storage) RemoveTask(id uint) (bool, error) {
	res := s.DB.Where("id = ? AND status = ?", id, StatusPending).
		Delete(&QueueTask{})
	return res.RowsAffected > 0, res.Error
}

// TaskIsCancelled re-reads just the status column; the worker polls this
// between chunks for cooperative cancellation.
func (s *Storage) TaskIsCancelled(id uint) bool {
	var status string
	err := s.DB.Model(&QueueTask{}).Where("id = ?", id).
		Pluck("status", &status).Error
	return err == nil && status == StatusCancelled
}

// HasOpenTask reports whether a pending or running task of taskType
// already targets the given side and relpath (or folder for verify).
// Used to coalesce verify and hash_file requests. An empty side matches
// any side; empty relpath and folder match the whole-root verify row,
// which stores NULL in both columns.
func (s *Storage) HasOpenTask(taskType, side, relpath, folder string) (bool, error) {
	q := s.DB.Model(&QueueTask{}).
		Where("task_type = ? AND status IN ?", taskType,
			[]string{StatusPending, StatusRunning})
	if side != "" {
		q = q.Where("src_side = ?", side)
	}
	switch {
	case relpath != "":
		q = q.Where("src_relpath = ?", relpath)
	case folder != "":
		q = q.Where("verify_folder = ?", folder)
	default:
		q = q.Where("src_relpath IS NULL AND verify_folder IS NULL")
	}
	var count int64
	err := q.Count(&count).Error
	return count > 0, err
}
