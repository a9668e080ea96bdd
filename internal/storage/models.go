package storage

import "time"

// Side identifiers for the two managed roots.
const (
	SideLocal = "local"
	SideLake  = "lake"
)

// Queue task types.
const (
	TaskCopy       = "copy"
	TaskMove       = "move"
	TaskDelete     = "delete"
	TaskVerify     = "verify"
	TaskDedupeScan = "dedupe_scan"
	TaskHashFile   = "hash_file"
)

// Queue task statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Download job statuses.
const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

// FileRecord is one indexed file on one side. (side, relpath) is unique;
// Hash and HashComputedAt are set together or not at all. A hash prefixed
// "fast:" is a partial head+tail digest.
type FileRecord struct {
	ID             uint    `gorm:"primaryKey" json:"-"`
	Side           string  `gorm:"index;uniqueIndex:idx_side_relpath" json:"side"`
	Relpath        string  `gorm:"index;uniqueIndex:idx_side_relpath" json:"relpath"`
	Size           int64   `gorm:"index" json:"size"`
	MtimeNs        int64   `json:"mtime_ns"`
	Hash           *string `gorm:"index" json:"hash"`
	HashComputedAt *string `json:"hash_computed_at,omitempty"`
	IndexedAt      string  `json:"indexed_at"`
}

func (FileRecord) TableName() string { return "file_index" }

// QueueTask is one unit of filesystem or verification work. The worker is
// the only mutator of Status once a row leaves pending.
type QueueTask struct {
	ID               uint    `gorm:"primaryKey" json:"id"`
	TaskType         string  `gorm:"index" json:"task_type"`
	Status           string  `gorm:"index;default:pending" json:"status"`
	SrcSide          *string `json:"src_side"`
	SrcRelpath       *string `json:"src_relpath"`
	DstSide          *string `json:"dst_side"`
	DstRelpath       *string `json:"dst_relpath"`
	SizeBytes        int64   `json:"size_bytes"`
	BytesTransferred int64   `gorm:"default:0" json:"bytes_transferred"`
	ErrorMessage     *string `json:"error_message"`
	RetryCount       int     `gorm:"default:0" json:"retry_count"`
	VerifyFolder     *string `json:"verify_folder,omitempty"`
	CreatedAt        string  `json:"created_at"`
	StartedAt        *string `json:"started_at"`
	CompletedAt      *string `json:"completed_at"`
}

func (QueueTask) TableName() string { return "queue" }

// DedupeGroup is one hash-collision cluster recorded by a dedupe scan.
type DedupeGroup struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	Side      string `json:"side"`
	Hash      string `json:"hash"`
	ScanID    string `gorm:"index" json:"scan_id"`
	CreatedAt string `json:"created_at"`
}

func (DedupeGroup) TableName() string { return "dedupe_groups" }

// DedupeFile is one member of a DedupeGroup. At most one per group has
// Keep set.
type DedupeFile struct {
	ID      uint   `gorm:"primaryKey" json:"id"`
	GroupID uint   `gorm:"index" json:"group_id"`
	Relpath string `json:"relpath"`
	Size    int64  `json:"size"`
	MtimeNs int64  `json:"mtime_ns"`
	Keep    bool   `gorm:"default:false" json:"keep"`
}

func (DedupeFile) TableName() string { return "dedupe_files" }

// SourceURL maps a file to a public download URL. Key is either a content
// hash or "relpath:<path>" for files that have not been hashed yet.
type SourceURL struct {
	Key          string  `gorm:"primaryKey" json:"key"`
	URL          string  `json:"url"`
	AddedAt      string  `json:"added_at"`
	Notes        *string `json:"notes"`
	FilenameHint *string `json:"filename_hint"`
	Relpath      *string `json:"relpath"`
}

func (SourceURL) TableName() string { return "source_urls" }

// RelpathKeyPrefix marks SourceURL keys addressed by relpath.
const RelpathKeyPrefix = "relpath:"

// DownloadJob is one resumable HTTP download. TempPath is always
// DestPath + ".part" and holds the partial bytes between attempts.
type DownloadJob struct {
	ID              uint    `gorm:"primaryKey" json:"id"`
	URL             string  `json:"url"`
	Filename        string  `json:"filename"`
	Provider        string  `json:"provider"`
	Status          string  `gorm:"index" json:"status"`
	BytesDownloaded int64   `gorm:"default:0" json:"bytes_downloaded"`
	TotalBytes      *int64  `json:"total_bytes"`
	Attempts        int     `gorm:"default:0" json:"attempts"`
	DestPath        string  `json:"dest_path"`
	TempPath        string  `json:"-"`
	TargetRoot      *string `json:"-"`
	RecordSource    bool    `gorm:"default:false" json:"-"`
	ErrorMessage    *string `json:"error_message"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
}

func (DownloadJob) TableName() string { return "download_jobs" }

// Bundle is a named collection of relpaths used to provision a remote
// machine in one shot.
type Bundle struct {
	ID          uint    `gorm:"primaryKey" json:"id"`
	Name        string  `gorm:"uniqueIndex" json:"name"`
	Description *string `json:"description"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
}

func (Bundle) TableName() string { return "bundles" }

// BundleAsset is one file in a Bundle, optionally pinned to an explicit
// download URL that wins over any registered source.
type BundleAsset struct {
	ID                uint    `gorm:"primaryKey" json:"-"`
	BundleID          uint    `gorm:"index;uniqueIndex:idx_bundle_relpath" json:"-"`
	Relpath           string  `gorm:"uniqueIndex:idx_bundle_relpath" json:"relpath"`
	Hash              *string `json:"hash"`
	SourceURLOverride *string `json:"source_url_override"`
}

func (BundleAsset) TableName() string { return "bundle_assets" }

// SafetensorsCacheEntry caches header classification results produced by
// the external classifier. The core only owns the table.
type SafetensorsCacheEntry struct {
	ID        uint   `gorm:"primaryKey"`
	Hash      string `gorm:"uniqueIndex"`
	Kind      string
	Detail    string
	CreatedAt string
}

func (SafetensorsCacheEntry) TableName() string { return "safetensors_cache" }

// AILookupJob rows are produced and consumed by the external URL-discovery
// agent. The core only owns the table.
type AILookupJob struct {
	ID        uint   `gorm:"primaryKey"`
	Relpath   string `gorm:"index"`
	Status    string `gorm:"index"`
	Result    string
	CreatedAt string
	UpdatedAt string
}

func (AILookupJob) TableName() string { return "ai_lookup_jobs" }

// NowISO is the timestamp format stored in every *_at column.
func NowISO() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
