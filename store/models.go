package store

// StorageConfig is one persisted backend identity. SecretCipher holds the
// AES-GCM sealed secret_json; callers go through Secrets to read it.
type StorageConfig struct {
	ID                string `db:"id" json:"id"`
	Name              string `db:"name" json:"name"`
	StorageType       string `db:"storage_type" json:"storageType"`
	ConfigJSON        string `db:"config_json" json:"configJson"`
	SecretCipher      []byte `db:"secret_cipher" json:"-"`
	TotalStorageBytes *int64 `db:"total_storage_bytes" json:"totalStorageBytes,omitempty"`
	EnableDiskUsage   bool   `db:"enable_disk_usage" json:"enableDiskUsage"`
	IsDefault         bool   `db:"is_default" json:"isDefault"`
	IsPublic          bool   `db:"is_public" json:"isPublic"`
	CreatedAt         int64  `db:"created_at" json:"createdAt"`
	LastUsed          *int64 `db:"last_used" json:"lastUsed,omitempty"`
}

// Mount binds a StorageConfig under a logical path prefix.
type Mount struct {
	ID               string `db:"id" json:"id"`
	StorageConfigID  string `db:"storage_config_id" json:"storageConfigId"`
	MountPath        string `db:"mount_path" json:"mountPath"`
	DefaultSubfolder string `db:"default_subfolder" json:"defaultSubfolder"`
}

// MetricsSnapshot is one metrics_cache row; value columns are nullable so a
// failed refresh can leave them untouched.
type MetricsSnapshot struct {
	ScopeType     string  `db:"scope_type" json:"scopeType"`
	ScopeID       string  `db:"scope_id" json:"scopeId"`
	MetricKey     string  `db:"metric_key" json:"metricKey"`
	ValueNum      *int64  `db:"value_num" json:"valueNum,omitempty"`
	ValueText     *string `db:"value_text" json:"valueText,omitempty"`
	ValueJSONText *string `db:"value_json_text" json:"valueJsonText,omitempty"`
	SnapshotAtMs  *int64  `db:"snapshot_at_ms" json:"snapshotAtMs,omitempty"`
	UpdatedAtMs   int64   `db:"updated_at_ms" json:"updatedAtMs"`
	ErrorMessage  *string `db:"error_message" json:"errorMessage,omitempty"`
}

// ScheduledJob is one scheduler row. Exactly one of CronExpr and
// IntervalSeconds is set.
type ScheduledJob struct {
	TaskID            string  `db:"task_id" json:"taskId"`
	HandlerName       string  `db:"handler_name" json:"handlerName"`
	CronExpr          *string `db:"cron_expr" json:"cronExpr,omitempty"`
	IntervalSeconds   *int64  `db:"interval_seconds" json:"intervalSeconds,omitempty"`
	Enabled           bool    `db:"enabled" json:"enabled"`
	LastRunStartedAt  *int64  `db:"last_run_started_at" json:"lastRunStartedAt,omitempty"`
	LastRunFinishedAt *int64  `db:"last_run_finished_at" json:"lastRunFinishedAt,omitempty"`
	NextRunAfter      *int64  `db:"next_run_after" json:"nextRunAfter,omitempty"`
	LockUntil         *int64  `db:"lock_until" json:"lockUntil,omitempty"`
	RunCount          int64   `db:"run_count" json:"runCount"`
	PayloadJSON       *string `db:"payload_json" json:"payloadJson,omitempty"`
	MetaJSON          *string `db:"meta_json" json:"metaJson,omitempty"`
}

// JobRun statuses.
const (
	RunStatusRunning   = "running"
	RunStatusSuccess   = "success"
	RunStatusFailed    = "failed"
	RunStatusCancelled = "cancelled"
)

// JobRun is one bounded-history run record.
type JobRun struct {
	TaskID     string  `db:"task_id" json:"taskId"`
	RunID      string  `db:"run_id" json:"runId"`
	StartedAt  int64   `db:"started_at" json:"startedAt"`
	FinishedAt *int64  `db:"finished_at" json:"finishedAt,omitempty"`
	Status     string  `db:"status" json:"status"`
	StatsJSON  *string `db:"stats_json" json:"statsJson,omitempty"`
	Error      *string `db:"error" json:"error,omitempty"`
}

// DirtyEntry is one queued filesystem-change event, FIFO within a mount.
type DirtyEntry struct {
	Seq        int64  `db:"seq" json:"seq"`
	MountID    string `db:"mount_id" json:"mountId"`
	Path       string `db:"path" json:"path"`
	Op         string `db:"op" json:"op"`
	EnqueuedAt int64  `db:"enqueued_at" json:"enqueuedAt"`
}

// IndexEntry is one search-index row.
type IndexEntry struct {
	MountID string `db:"mount_id" json:"mountId"`
	Path    string `db:"path" json:"path"`
	IsDir   bool   `db:"is_dir" json:"isDir"`
	Size    *int64 `db:"size" json:"size,omitempty"`
	State   string `db:"state" json:"state"`
}

// VfsNode is one logical-inventory row.
type VfsNode struct {
	ScopeType string `db:"scope_type" json:"scopeType"`
	ScopeID   string `db:"scope_id" json:"scopeId"`
	NodeType  string `db:"node_type" json:"nodeType"`
	Path      string `db:"path" json:"path"`
	Size      *int64 `db:"size" json:"size,omitempty"`
	Status    string `db:"status" json:"status"`
}
