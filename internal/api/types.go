package api

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// JobItem describes a ledger entry in a transport-friendly format.
type JobItem struct {
	ID        string      `json:"id"`
	Filename  string      `json:"filename"`
	Status    string      `json:"status"`
	Progress  JobProgress `json:"progress"`
	Stems     []string    `json:"stems,omitempty"`
	Files     []string    `json:"files,omitempty"`
	StartedAt string      `json:"startedAt,omitempty"`
	UpdatedAt string      `json:"updatedAt,omitempty"`
}

// JobProgress captures stage progress information for a job.
type JobProgress struct {
	Stage   string `json:"stage"`
	Label   string `json:"label"`
	Percent int    `json:"percent"`
	Message string `json:"message,omitempty"`
}

// Job status values derived from the stage.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// ActiveJob is an in-flight job and its current stage.
type ActiveJob struct {
	ID    string `json:"id"`
	Stage string `json:"stage"`
}

// DependencyStatus captures availability of an external dependency.
type DependencyStatus struct {
	Name        string `json:"name"`
	Command     string `json:"command"`
	Description string `json:"description"`
	Optional    bool   `json:"optional"`
	Available   bool   `json:"available"`
	Detail      string `json:"detail,omitempty"`
}

// CheckResult mirrors a preflight check outcome.
type CheckResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// StorageStatus reports the shared object store connection.
type StorageStatus struct {
	Endpoint    string `json:"endpoint,omitempty"`
	Bucket      string `json:"bucket,omitempty"`
	Initialized bool   `json:"initialized"`
}

// DaemonStatus aggregates daemon runtime information for API consumers.
type DaemonStatus struct {
	Running       bool               `json:"running"`
	PID           int                `json:"pid"`
	HistoryDBPath string             `json:"historyDbPath,omitempty"`
	LockFilePath  string             `json:"lockFilePath"`
	ActiveJobs    []ActiveJob        `json:"activeJobs"`
	JobCounts     map[string]int     `json:"jobCounts,omitempty"`
	Storage       StorageStatus      `json:"storage"`
	Dependencies  []DependencyStatus `json:"dependencies"`
	Checks        []CheckResult      `json:"checks,omitempty"`
	WorkDirs      WorkDirStatus      `json:"workDirs"`
}

// WorkDirStatus summarizes job scratch directories on disk.
type WorkDirStatus struct {
	Path  string `json:"path"`
	Count int    `json:"count"`
	Bytes int64  `json:"bytes"`
}

// JobListResponse wraps a collection of jobs for API responses.
type JobListResponse struct {
	Items []JobItem `json:"items"`
}

// JobItemResponse wraps a single job for API responses.
type JobItemResponse struct {
	Item JobItem `json:"item"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Detail string `json:"detail"`
}
