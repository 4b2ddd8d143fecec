package config

import (
	"os"

	"github.com/clintrovert/bugmon-tc/pkg/types"
)

// Environment variables consumed by the pipeline
const (
	EnvTaskID       = "TASK_ID"
	EnvRootURL      = "TASKCLUSTER_ROOT_URL"
	EnvProxyURL     = "TASKCLUSTER_PROXY_URL"
	EnvBugzillaKey  = "BZ_API_KEY"
	EnvBugzillaRoot = "BZ_API_ROOT"
	EnvPernoscoUser = "PERNOSCO_USER"
	EnvPernoscoGrp  = "PERNOSCO_GROUP"
	EnvPernoscoKey  = "PERNOSCO_USER_SECRET_KEY"
	EnvForceConfirm = "FORCE_CONFIRM"
	EnvDebug        = "DEBUG"
	EnvConfigPath   = "BUGMON_TC_CONFIG"
)

// BugzillaCreds holds the Bugzilla API key and REST root
type BugzillaCreds struct {
	Key string
	URL string
}

// PernoscoCreds holds the credentials passed to pernosco-submit
type PernoscoCreds struct {
	User      string
	Group     string
	SecretKey string
}

// Environ returns the credentials as environment assignments
func (c PernoscoCreds) Environ() []string {
	return []string{
		EnvPernoscoUser + "=" + c.User,
		EnvPernoscoGrp + "=" + c.Group,
		EnvPernoscoKey + "=" + c.SecretKey,
	}
}

// InTaskcluster reports whether we're running inside a Taskcluster task
func InTaskcluster() bool {
	_, hasTask := os.LookupEnv(EnvTaskID)
	_, hasRoot := os.LookupEnv(EnvRootURL)
	return hasTask && hasRoot
}

// TaskID returns the id of the running task
func TaskID() string {
	return os.Getenv(EnvTaskID)
}

// RootURL returns the Taskcluster root URL
func RootURL() string {
	return os.Getenv(EnvRootURL)
}

// QueueRootURL returns the root URL queue requests are sent to. Tasks with
// the taskclusterProxy feature go through the proxy so requests carry the
// task's scopes.
func QueueRootURL() string {
	if proxy := os.Getenv(EnvProxyURL); proxy != "" {
		return proxy
	}
	return RootURL()
}

// BugzillaAuth extracts the Bugzilla credentials from the environment
func BugzillaAuth() (BugzillaCreds, error) {
	key, okKey := os.LookupEnv(EnvBugzillaKey)
	url, okURL := os.LookupEnv(EnvBugzillaRoot)
	if !okKey || !okURL {
		return BugzillaCreds{}, types.NewTaskError("Cannot find Bugzilla credentials in env")
	}
	return BugzillaCreds{Key: key, URL: url}, nil
}

// PernoscoAuth extracts the Pernosco credentials from the environment
func PernoscoAuth() (PernoscoCreds, error) {
	user, okUser := os.LookupEnv(EnvPernoscoUser)
	group, okGroup := os.LookupEnv(EnvPernoscoGrp)
	key, okKey := os.LookupEnv(EnvPernoscoKey)
	if !okUser || !okGroup || !okKey {
		return PernoscoCreds{}, types.NewTaskError("Cannot find Pernosco credentials in env")
	}
	return PernoscoCreds{User: user, Group: group, SecretKey: key}, nil
}

// EnvFlag reports whether a boolean-ish environment variable is set to a
// non-empty value
func EnvFlag(key string) bool {
	return os.Getenv(key) != ""
}
