package taskgraph

import "github.com/taskcluster/slugid-go/slugid"

// NewSlugID returns a random nice slugid, which never starts with '-'
func NewSlugID() string {
	return slugid.Nice()
}
