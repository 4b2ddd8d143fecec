package taskgraph

import "time"

// MaxRunTime is the longest a task may run, in seconds. It doubles as the
// task deadline offset.
const MaxRunTime = 14400

// Expiry is how long tasks and their artifacts are kept
const Expiry = 7 * 24 * time.Hour

// WindowsRetryExitCode is the exit status generic-worker treats as retryable
const WindowsRetryExitCode = 0x40010004

// dateLayout matches the timestamps produced by Taskcluster clients
const dateLayout = "2006-01-02T15:04:05.000Z"

// Task is a Taskcluster task definition
type Task struct {
	TaskGroupID   string            `json:"taskGroupId"`
	Dependencies  []string          `json:"dependencies"`
	Created       string            `json:"created"`
	Deadline      string            `json:"deadline"`
	Expires       string            `json:"expires"`
	ProvisionerID string            `json:"provisionerId"`
	Metadata      Metadata          `json:"metadata"`
	Payload       Payload           `json:"payload"`
	Priority      string            `json:"priority"`
	WorkerType    string            `json:"workerType"`
	Retries       int               `json:"retries"`
	Routes        []string          `json:"routes"`
	SchedulerID   string            `json:"schedulerId"`
	Scopes        []string          `json:"scopes"`
	Tags          map[string]string `json:"tags"`
}

// Metadata describes a task to humans
type Metadata struct {
	Description string `json:"description"`
	Name        string `json:"name"`
	Owner       string `json:"owner"`
	Source      string `json:"source"`
}

// Payload is the worker-specific part of a task. Linux tasks run on
// docker-worker and Windows tasks on generic-worker, so the two shapes
// share a struct but populate different fields.
type Payload struct {
	// Artifacts is an ArtifactMap for docker-worker and an ArtifactList
	// for generic-worker
	Artifacts    any               `json:"artifacts"`
	Cache        map[string]string `json:"cache,omitempty"`
	Capabilities *Capabilities     `json:"capabilities,omitempty"`
	Command      []string          `json:"command,omitempty"`
	Env          map[string]string `json:"env"`
	Features     map[string]bool   `json:"features"`
	Image        string            `json:"image,omitempty"`
	MaxRunTime   int               `json:"maxRunTime"`
	Mounts       []Mount           `json:"mounts,omitempty"`
	OnExitStatus *ExitStatus       `json:"onExitStatus,omitempty"`
}

// Artifact declares a directory or file uploaded after the task ends
type Artifact struct {
	Name string `json:"name,omitempty"`
	Path string `json:"path"`
	Type string `json:"type"`
}

// ArtifactMap is docker-worker's artifact declaration, keyed by name
type ArtifactMap map[string]Artifact

// ArtifactList is generic-worker's artifact declaration
type ArtifactList []Artifact

// Capabilities are the elevated docker-worker privileges a task requests
type Capabilities struct {
	Devices        map[string]bool `json:"devices,omitempty"`
	DisableSeccomp bool            `json:"disableSeccomp,omitempty"`
	Privileged     bool            `json:"privileged,omitempty"`
}

// IsZero reports whether no capability is requested
func (c Capabilities) IsZero() bool {
	return len(c.Devices) == 0 && !c.DisableSeccomp && !c.Privileged
}

// Mount is a generic-worker archive mount
type Mount struct {
	Content   MountContent `json:"content"`
	Directory string       `json:"directory"`
	Format    string       `json:"format"`
}

// MountContent locates a mounted archive through the index
type MountContent struct {
	Namespace string `json:"namespace"`
	Artifact  string `json:"artifact"`
}

// ExitStatus maps exit codes to worker behavior
type ExitStatus struct {
	Retry []int `json:"retry"`
}

func stringDate(t time.Time) string {
	return t.UTC().Format(dateLayout)
}
