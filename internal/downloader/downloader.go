// Package downloader runs resumable HTTP downloads as durable jobs.
// Each active job gets its own goroutine; a scheduler promotes queued
// jobs up to the configured concurrency.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"modelvault/internal/config"
	"modelvault/internal/paths"
	"modelvault/internal/queue"
	"modelvault/internal/storage"
)

const (
	chunkSize  = 1 << 20
	userAgent  = "ModelVault/1.0"
	retryDelay = 3 * time.Second
)

var errStopped = errors.New("download stopped")

type Manager struct {
	db  *storage.Storage
	cfg *config.Settings
	q   *queue.Service
	log *slog.Logger

	client  *http.Client
	limiter *rate.Limiter

	mu      sync.Mutex
	running map[uint]context.CancelFunc
}

func New(db *storage.Storage, cfg *config.Settings, q *queue.Service, log *slog.Logger) *Manager {
	m := &Manager{
		db:      db,
		cfg:     cfg,
		q:       q,
		log:     log,
		running: make(map[uint]context.CancelFunc),
	}
	m.client = &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: time.Duration(cfg.DownloaderConnectTimeoutSeconds) * time.Second,
			}).DialContext,
			ResponseHeaderTimeout: time.Duration(cfg.DownloaderConnectTimeoutSeconds) * time.Second,
		},
	}
	if cfg.DownloaderRateLimitBytes > 0 {
		m.limiter = rate.NewLimiter(rate.Limit(cfg.DownloaderRateLimitBytes), chunkSize)
	}
	return m
}

// Enqueue registers a new queued job. When targetRoot is given the file
// lands under that side's root at filename's relative path; otherwise
// it goes to the shared downloads directory.
func (m *Manager) Enqueue(rawURL, filename, targetRoot string, recordSource bool) (*storage.DownloadJob, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid url %q", rawURL)
	}
	if filename == "" {
		filename = SanitizeFilename(filepath.Base(u.Path))
		if filename == "" {
			filename = "download.bin"
		}
	} else {
		filename = SanitizeFilename(filename)
	}

	destDir := m.cfg.DownloadsDir()
	var rootPtr *string
	if targetRoot != "" {
		if _, err := os.Stat(targetRoot); err != nil {
			return nil, fmt.Errorf("target root %q: %w", targetRoot, err)
		}
		destDir = targetRoot
		rootPtr = &targetRoot
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, err
	}

	dest := filepath.Join(destDir, filepath.FromSlash(paths.Normalize(filename)))
	now := storage.NowISO()
	job, err := m.db.CreateJob(storage.DownloadJob{
		URL:          rawURL,
		Filename:     filename,
		Provider:     providerFor(u.Host),
		Status:       storage.JobQueued,
		DestPath:     dest,
		TempPath:     dest + ".part",
		TargetRoot:   rootPtr,
		RecordSource: recordSource,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ValidateRestored fails any persisted open job whose destination no
// longer resolves inside its target root. Rows can outlive config
// changes; a stale root must not let a resume write outside it.
func (m *Manager) ValidateRestored() error {
	jobs, err := m.db.ListOpenJobs()
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if job.TargetRoot == nil {
			continue
		}
		rel, err := filepath.Rel(*job.TargetRoot, job.DestPath)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		msg := fmt.Sprintf("destination %s escapes target root %s", job.DestPath, *job.TargetRoot)
		job.Status = storage.JobFailed
		job.ErrorMessage = &msg
		job.UpdatedAt = storage.NowISO()
		if err := m.db.SaveJob(&job); err != nil {
			return err
		}
		m.log.Warn("restored job failed validation", "job", job.ID, "dest", job.DestPath)
	}
	return nil
}

// RunScheduler promotes queued jobs into running goroutines up to
// max_concurrent, once per second, until the context is cancelled.
func (m *Manager) RunScheduler(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.stopAll()
			return
		case <-ticker.C:
			m.promote(ctx)
		}
	}
}

func (m *Manager) promote(ctx context.Context) {
	m.mu.Lock()
	slots := m.cfg.DownloaderMaxConcurrent - len(m.running)
	m.mu.Unlock()
	if slots <= 0 {
		return
	}

	jobs, err := m.db.ListOpenJobs()
	if err != nil {
		m.log.Error("job poll failed", "error", err)
		return
	}
	for _, job := range jobs {
		if slots <= 0 {
			return
		}
		if job.Status != storage.JobQueued {
			continue
		}
		m.mu.Lock()
		if _, active := m.running[job.ID]; active {
			m.mu.Unlock()
			continue
		}
		jobCtx, cancel := context.WithCancel(ctx)
		m.running[job.ID] = cancel
		m.mu.Unlock()
		slots--

		j := job
		go func() {
			defer func() {
				m.mu.Lock()
				delete(m.running, j.ID)
				m.mu.Unlock()
			}()
			m.run(jobCtx, &j)
		}()
	}
}

// Cancel stops a job, preserving its partial file for later resume.
func (m *Manager) Cancel(id uint) error {
	job, err := m.db.GetJob(id)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("unknown job %d", id)
	}
	m.mu.Lock()
	if cancel, ok := m.running[id]; ok {
		cancel()
	}
	m.mu.Unlock()

	if job.Status == storage.JobQueued || job.Status == storage.JobRunning {
		job.Status = storage.JobCancelled
		job.UpdatedAt = storage.NowISO()
		return m.db.SaveJob(job)
	}
	return nil
}

func (m *Manager) CancelAll() error {
	jobs, err := m.db.ListOpenJobs()
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if err := m.Cancel(job.ID); err != nil {
			return err
		}
	}
	return nil
}

// Restart resets a failed or cancelled job to queued; the scheduler
// picks it up and resumes from the partial file.
func (m *Manager) Restart(id uint) error {
	job, err := m.db.GetJob(id)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("unknown job %d", id)
	}
	switch job.Status {
	case storage.JobFailed, storage.JobCancelled:
		job.Status = storage.JobQueued
		job.ErrorMessage = nil
		job.UpdatedAt = storage.NowISO()
		return m.db.SaveJob(job)
	}
	return fmt.Errorf("job %d is %s", id, job.Status)
}

func (m *Manager) stopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cancel := range m.running {
		cancel()
	}
}

// run drives one job until it completes, fails terminally, or is
// cancelled. Network errors retry indefinitely, resuming from the
// partial file each attempt.
func (m *Manager) run(ctx context.Context, job *storage.DownloadJob) {
	job.Status = storage.JobRunning
	job.UpdatedAt = storage.NowISO()
	if err := m.db.SaveJob(job); err != nil {
		m.log.Error("job persist failed", "job", job.ID, "error", err)
		return
	}
	m.log.Info("download started", "job", job.ID, "url", job.URL)

	for {
		err := m.attempt(ctx, job)
		switch {
		case err == nil:
			m.finish(job)
			return
		case errors.Is(err, errStopped) || errors.Is(err, context.Canceled):
			m.log.Info("download stopped", "job", job.ID)
			return
		case isTerminal(err):
			msg := err.Error()
			job.Status = storage.JobFailed
			job.ErrorMessage = &msg
			job.UpdatedAt = storage.NowISO()
			m.db.SaveJob(job)
			m.log.Error("download failed", "job", job.ID, "error", err)
			return
		default:
			m.log.Warn("download interrupted, retrying", "job", job.ID, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(retryDelay):
			}
		}
	}
}

type terminalError struct{ error }

func isTerminal(err error) bool {
	var t terminalError
	return errors.As(err, &t)
}

func (m *Manager) attempt(ctx context.Context, job *storage.DownloadJob) error {
	job.Attempts++

	var offset int64
	if info, err := os.Stat(job.TempPath); err == nil {
		offset = info.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, job.URL, nil)
	if err != nil {
		return terminalError{err}
	}
	req.Header.Set("User-Agent", userAgent)
	m.applyAuth(req, job.Provider)
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := m.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return errStopped
		}
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return terminalError{fmt.Errorf("HTTP %d from %s", resp.StatusCode, req.URL.Host)}
	}

	// A 200 in response to a Range request means the server ignored
	// it; start over from byte zero.
	if offset > 0 && resp.StatusCode == http.StatusOK {
		offset = 0
		if err := os.Truncate(job.TempPath, 0); err != nil && !os.IsNotExist(err) {
			return err
		}
	}

	if name := dispositionFilename(resp.Header.Get("Content-Disposition")); name != "" && name != job.Filename {
		if err := m.renameJob(job, name); err != nil {
			return err
		}
	}

	total := contentTotal(resp, offset)
	if total > 0 {
		job.TotalBytes = &total
	}

	f, err := os.OpenFile(job.TempPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return terminalError{err}
	}
	defer f.Close()

	stall := time.Duration(m.cfg.DownloaderStallTimeoutSeconds) * time.Second
	reader := newStallReader(resp.Body, stall)
	defer reader.Stop()

	buf := make([]byte, chunkSize)
	job.BytesDownloaded = offset
	lastPersist := time.Now()

	for {
		if ctx.Err() != nil {
			return errStopped
		}
		n, readErr := reader.Read(buf)
		if n > 0 {
			if m.limiter != nil {
				if err := m.limiter.WaitN(ctx, n); err != nil {
					return errStopped
				}
			}
			if _, err := f.Write(buf[:n]); err != nil {
				return terminalError{err}
			}
			job.BytesDownloaded += int64(n)
			if time.Since(lastPersist) >= time.Second {
				lastPersist = time.Now()
				if cur, _ := m.db.GetJob(job.ID); cur != nil && cur.Status == storage.JobCancelled {
					return errStopped
				}
				job.UpdatedAt = storage.NowISO()
				if err := m.db.SaveJob(job); err != nil {
					m.log.Warn("progress persist failed", "job", job.ID, "error", err)
				}
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return errStopped
			}
			return readErr
		}
	}

	if job.TotalBytes != nil && job.BytesDownloaded < *job.TotalBytes {
		return fmt.Errorf("short read: %d of %d bytes", job.BytesDownloaded, *job.TotalBytes)
	}
	return nil
}

// finish renames the partial file into place and, when requested,
// registers the file as a download source and queues its hash.
func (m *Manager) finish(job *storage.DownloadJob) {
	if err := os.Rename(job.TempPath, job.DestPath); err != nil {
		msg := err.Error()
		job.Status = storage.JobFailed
		job.ErrorMessage = &msg
		job.UpdatedAt = storage.NowISO()
		m.db.SaveJob(job)
		return
	}
	job.Status = storage.JobCompleted
	job.UpdatedAt = storage.NowISO()
	if err := m.db.SaveJob(job); err != nil {
		m.log.Error("job persist failed", "job", job.ID, "error", err)
	}
	m.log.Info("download completed", "job", job.ID, "dest", job.DestPath)

	if !job.RecordSource || job.TargetRoot == nil {
		return
	}
	rel, err := filepath.Rel(*job.TargetRoot, job.DestPath)
	if err != nil {
		m.log.Warn("source registration skipped", "job", job.ID, "error", err)
		return
	}
	rel = paths.Normalize(rel)

	if err := m.db.SetSource(storage.SourceURL{
		Key:     storage.RelpathKeyPrefix + rel,
		URL:     job.URL,
		AddedAt: storage.NowISO(),
		Relpath: &rel,
	}); err != nil {
		m.log.Warn("source registration failed", "job", job.ID, "error", err)
	}

	side := m.sideForRoot(*job.TargetRoot)
	if side != "" {
		if info, err := os.Stat(job.DestPath); err == nil {
			now := storage.NowISO()
			if err := m.db.UpsertFile(storage.FileRecord{
				Side:      side,
				Relpath:   rel,
				Size:      info.Size(),
				MtimeNs:   info.ModTime().UnixNano(),
				IndexedAt: now,
			}); err != nil {
				m.log.Warn("index upsert failed", "job", job.ID, "error", err)
			}
		}
		if _, err := m.q.EnqueueHashFile(side, rel); err != nil && !errors.Is(err, queue.ErrDuplicate) {
			m.log.Warn("hash enqueue failed", "job", job.ID, "error", err)
		}
	}
}

func (m *Manager) sideForRoot(root string) string {
	abs, err := filepath.Abs(root)
	if err != nil {
		return ""
	}
	for _, side := range []string{storage.SideLocal, storage.SideLake} {
		r, err := filepath.Abs(m.cfg.Root(side))
		if err == nil && r == abs {
			return side
		}
	}
	return ""
}

// renameJob moves both dest and temp paths to the server-provided
// filename, keeping any partial bytes already written.
func (m *Manager) renameJob(job *storage.DownloadJob, name string) error {
	dir := filepath.Dir(job.DestPath)
	newDest := filepath.Join(dir, name)
	newTemp := newDest + ".part"
	if _, err := os.Stat(job.TempPath); err == nil {
		if err := os.Rename(job.TempPath, newTemp); err != nil {
			return err
		}
	}
	job.Filename = name
	job.DestPath = newDest
	job.TempPath = newTemp
	job.UpdatedAt = storage.NowISO()
	return m.db.SaveJob(job)
}

func (m *Manager) applyAuth(req *http.Request, provider string) {
	switch provider {
	case "civitai":
		if m.cfg.CivitaiAPIKey != "" {
			req.Header.Set("Authorization", "Bearer "+m.cfg.CivitaiAPIKey)
		}
	case "huggingface":
		if m.cfg.HuggingfaceAPIKey != "" {
			req.Header.Set("Authorization", "Bearer "+m.cfg.HuggingfaceAPIKey)
		}
	}
}

func providerFor(host string) string {
	host = strings.ToLower(host)
	switch {
	case strings.Contains(host, "civitai"):
		return "civitai"
	case strings.Contains(host, "huggingface"):
		return "huggingface"
	default:
		return "generic"
	}
}

// contentTotal derives the full file size from Content-Range on a 206
// or Content-Length plus the resume offset otherwise.
func contentTotal(resp *http.Response, offset int64) int64 {
	if resp.StatusCode == http.StatusPartialContent {
		cr := resp.Header.Get("Content-Range")
		if i := strings.LastIndex(cr, "/"); i >= 0 {
			if total, err := strconv.ParseInt(cr[i+1:], 10, 64); err == nil {
				return total
			}
		}
	}
	if resp.ContentLength > 0 {
		return offset + resp.ContentLength
	}
	return 0
}

// dispositionFilename extracts and sanitizes the filename from a
// Content-Disposition header, preferring the RFC 5987 extended form.
func dispositionFilename(header string) string {
	if header == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}
	name := params["filename"]
	if name == "" {
		return ""
	}
	return SanitizeFilename(name)
}

// SanitizeFilename strips path separators, control characters and
// Windows-illegal characters, plus any disposition tail after a
// semicolon.
func SanitizeFilename(name string) string {
	if i := strings.IndexByte(name, ';'); i >= 0 {
		name = name[:i]
	}
	name = strings.Trim(name, `"' `)
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		if r < 0x20 || strings.ContainsRune(`<>:"/\|?*`, r) {
			continue
		}
		b.WriteRune(r)
	}
	out := strings.TrimSpace(b.String())
	if out == "." || out == ".." {
		return ""
	}
	return out
}
