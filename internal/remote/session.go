// Package remote brokers tasks between the UI and a remote agent over
// a bearer-authenticated long-poll. All session state lives in memory;
// ending the process ends the session.
package remote

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	TaskDownloadURLs = "DOWNLOAD_URLS"

	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"

	longPollTimeout = 20 * time.Second
)

// Task is one unit of remote work. Items in a DOWNLOAD_URLS payload
// carry a stable key (relpath or url) used for coalescing.
type Task struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Status    string                 `json:"status"`
	Payload   map[string]interface{} `json:"payload"`
	Progress  float64                `json:"progress"`
	Message   string                 `json:"message"`
	Error     string                 `json:"error"`
	Meta      map[string]interface{} `json:"meta"`
	CreatedAt string                 `json:"created_at"`
	UpdatedAt string                 `json:"updated_at"`
}

// ProgressUpdate is the agent-side mutation for one task.
type ProgressUpdate struct {
	TaskID   string                 `json:"task_id"`
	Status   string                 `json:"status"`
	Progress *float64               `json:"progress"`
	Message  *string                `json:"message"`
	Error    *string                `json:"error"`
	Meta     map[string]interface{} `json:"meta"`
}

// Status is the UI-facing session snapshot.
type Status struct {
	Active        bool                   `json:"active"`
	SessionKey    string                 `json:"session_key,omitempty"`
	ExpiresAt     string                 `json:"expires_at,omitempty"`
	AgentInfo     map[string]interface{} `json:"agent_info,omitempty"`
	LastHeartbeat string                 `json:"last_heartbeat,omitempty"`
	TaskCount     int                    `json:"task_count"`
}

type Broker struct {
	log *slog.Logger
	ttl time.Duration

	mu            sync.Mutex
	key           string
	expiresAt     time.Time
	agentInfo     map[string]interface{}
	lastHeartbeat time.Time
	tasks         []*Task
	wake          chan struct{}
}

func NewBroker(ttl time.Duration, log *slog.Logger) *Broker {
	return &Broker{log: log, ttl: ttl, wake: make(chan struct{}, 1)}
}

// EnableSession starts a fresh session, invalidating any previous key
// and dropping any previous task list.
func (b *Broker) EnableSession() (key string, expiresAt time.Time, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", time.Time{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.key = base64.RawURLEncoding.EncodeToString(raw)
	b.expiresAt = time.Now().Add(b.ttl)
	b.agentInfo = nil
	b.lastHeartbeat = time.Time{}
	b.tasks = nil
	b.log.Info("remote session enabled", "expires_at", b.expiresAt.Format(time.RFC3339))
	return b.key, b.expiresAt, nil
}

func (b *Broker) EndSession() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clearLocked()
	b.log.Info("remote session ended")
}

// clearLocked wipes session state. Callers hold b.mu.
func (b *Broker) clearLocked() {
	b.key = ""
	b.expiresAt = time.Time{}
	b.agentInfo = nil
	b.lastHeartbeat = time.Time{}
	b.tasks = nil
}

// activeLocked expires the session lazily on access.
func (b *Broker) activeLocked() bool {
	if b.key == "" {
		return false
	}
	if time.Now().After(b.expiresAt) {
		b.clearLocked()
		return false
	}
	return true
}

// ValidateKey accepts the bearer only while the session is active,
// comparing in constant time.
func (b *Broker) ValidateKey(k string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.activeLocked() {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(k), []byte(b.key)) == 1
}

func (b *Broker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.activeLocked() {
		return Status{}
	}
	s := Status{
		Active:     true,
		SessionKey: b.key,
		ExpiresAt:  b.expiresAt.Format(time.RFC3339),
		AgentInfo:  b.agentInfo,
		TaskCount:  len(b.tasks),
	}
	if !b.lastHeartbeat.IsZero() {
		s.LastHeartbeat = b.lastHeartbeat.Format(time.RFC3339)
	}
	return s
}

func (b *Broker) RegisterAgent(info map[string]interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.agentInfo = info
	b.lastHeartbeat = time.Now()
}

// Heartbeat bumps liveness without extending the session TTL.
func (b *Broker) Heartbeat() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastHeartbeat = time.Now()
}

// ErrNoSession rejects task submission while no session is active.
var ErrNoSession = errors.New("no active remote session")

// Enqueue adds a task, coalescing DOWNLOAD_URLS items against open
// tasks by their stable key. Returns the task that now carries the
// requested work.
func (b *Broker) Enqueue(taskType string, payload map[string]interface{}) (*Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.activeLocked() {
		return nil, ErrNoSession
	}

	if taskType == TaskDownloadURLs {
		if t := b.coalesceLocked(payload); t != nil {
			b.wakeLocked()
			return t, nil
		}
	}

	now := nowISO()
	task := &Task{
		ID:        uuid.NewString(),
		Type:      taskType,
		Status:    StatusPending,
		Payload:   payload,
		Meta:      map[string]interface{}{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	b.tasks = append(b.tasks, task)
	b.wakeLocked()
	return task, nil
}

// coalesceLocked deduplicates incoming DOWNLOAD_URLS items against all
// open tasks. Redundant request: return the existing carrier. New
// items with an open pending task: append there. New items with only a
// running task: the caller creates a follow-up holding the remainder.
func (b *Broker) coalesceLocked(payload map[string]interface{}) *Task {
	incoming := payloadItems(payload)
	if len(incoming) == 0 {
		return nil
	}

	open := map[string]*Task{}
	var pending, running *Task
	for _, t := range b.tasks {
		if t.Type != TaskDownloadURLs {
			continue
		}
		switch t.Status {
		case StatusPending:
			pending = t
		case StatusRunning:
			running = t
		default:
			continue
		}
		for _, item := range payloadItems(t.Payload) {
			open[itemKey(item)] = t
		}
	}

	var fresh []map[string]interface{}
	var carrier *Task
	for _, item := range incoming {
		if t, ok := open[itemKey(item)]; ok {
			carrier = t
			continue
		}
		fresh = append(fresh, item)
	}
	if len(fresh) == 0 {
		return carrier
	}
	if pending != nil {
		pending.Payload["items"] = append(payloadItems(pending.Payload), fresh...)
		pending.UpdatedAt = nowISO()
		return pending
	}
	if running != nil {
		// Follow-up task with only the new items.
		payload["items"] = fresh
	}
	return nil
}

// NextTask long-polls: the earliest pending task immediately if one
// exists, otherwise at most one task after a wake-up, nil on timeout.
func (b *Broker) NextTask(ctx context.Context) *Task {
	if t := b.takePending(); t != nil {
		return t
	}
	select {
	case <-ctx.Done():
		return nil
	case <-time.After(longPollTimeout):
		return nil
	case <-b.wake:
		return b.takePending()
	}
}

func (b *Broker) takePending() *Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.activeLocked() {
		return nil
	}
	for _, t := range b.tasks {
		if t.Status == StatusPending {
			t.Status = StatusRunning
			t.UpdatedAt = nowISO()
			return t
		}
	}
	return nil
}

// Progress applies an agent update. Once the UI has cancelled a task,
// anything other than a confirming cancelled update is discarded. The
// meta items_status map merges per key instead of replacing.
func (b *Broker) Progress(u ProgressUpdate) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.activeLocked() {
		return false
	}
	task := b.findLocked(u.TaskID)
	if task == nil {
		return false
	}
	if task.Status == StatusCancelled && u.Status != StatusCancelled {
		return false
	}

	if u.Status != "" {
		task.Status = u.Status
	}
	if u.Progress != nil {
		task.Progress = *u.Progress
	}
	if u.Message != nil {
		task.Message = *u.Message
	}
	if u.Error != nil {
		task.Error = *u.Error
	}
	if u.Meta != nil {
		mergeMeta(task.Meta, u.Meta)
	}
	task.UpdatedAt = nowISO()
	return true
}

// Cancel marks a task cancelled from the UI side.
func (b *Broker) Cancel(taskID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	task := b.findLocked(taskID)
	if task == nil || task.Status == StatusCompleted || task.Status == StatusFailed {
		return false
	}
	task.Status = StatusCancelled
	task.UpdatedAt = nowISO()
	return true
}

func (b *Broker) ListTasks() []*Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.activeLocked() {
		return nil
	}
	out := make([]*Task, len(b.tasks))
	copy(out, b.tasks)
	return out
}

func (b *Broker) findLocked(id string) *Task {
	for _, t := range b.tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// wakeLocked signals one long-poll waiter without blocking.
func (b *Broker) wakeLocked() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// mergeMeta overlays incoming meta onto the task's, merging the
// items_status submap per key.
func mergeMeta(dst, src map[string]interface{}) {
	for k, v := range src {
		if k == "items_status" {
			cur, _ := dst[k].(map[string]interface{})
			if cur == nil {
				cur = map[string]interface{}{}
			}
			if update, ok := v.(map[string]interface{}); ok {
				for ik, iv := range update {
					cur[ik] = iv
				}
			}
			dst[k] = cur
			continue
		}
		dst[k] = v
	}
}

func payloadItems(payload map[string]interface{}) []map[string]interface{} {
	raw, _ := payload["items"].([]map[string]interface{})
	if raw != nil {
		return raw
	}
	// Items decoded from JSON arrive as []interface{}.
	list, _ := payload["items"].([]interface{})
	out := make([]map[string]interface{}, 0, len(list))
	for _, it := range list {
		if m, ok := it.(map[string]interface{}); ok {
			out = append(out, m)
		}
	}
	return out
}

func itemKey(item map[string]interface{}) string {
	if rel, _ := item["relpath"].(string); rel != "" {
		return rel
	}
	u, _ := item["url"].(string)
	return u
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
