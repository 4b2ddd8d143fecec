package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Bug statuses used by the pipeline
const (
	StatusUnconfirmed = "UNCONFIRMED"
	StatusNew         = "NEW"
	StatusAssigned    = "ASSIGNED"
	StatusReopened    = "REOPENED"
	StatusResolved    = "RESOLVED"
	StatusVerified    = "VERIFIED"
	StatusClosed      = "CLOSED"
)

// OS is the operating system family a bug was filed against
type OS string

const (
	OSLinux   OS = "linux"
	OSWindows OS = "windows"
	OSMacOS   OS = "macos"
	OSOther   OS = "other"
)

// Comment is a single bug comment
type Comment struct {
	ID           int    `json:"id"`
	Text         string `json:"text"`
	Creator      string `json:"creator"`
	CreationTime string `json:"creation_time"`
	Count        int    `json:"count"`
}

// Bug is a Bugzilla bug record. The raw tracker JSON is kept alongside the
// parsed fields so the record can be handed to later stages unchanged.
type Bug struct {
	ID         int       `json:"id"`
	Status     string    `json:"status"`
	Resolution string    `json:"resolution"`
	OpSys      string    `json:"op_sys"`
	Platform   string    `json:"platform"`
	Whiteboard string    `json:"whiteboard"`
	Keywords   []string  `json:"keywords"`
	Summary    string    `json:"summary"`
	Product    string    `json:"product"`
	Component  string    `json:"component"`
	Comments   []Comment `json:"comments,omitempty"`

	raw json.RawMessage
}

// ParseBug decodes and validates a raw bug record
func ParseBug(raw []byte) (*Bug, error) {
	var bug Bug
	if err := json.Unmarshal(raw, &bug); err != nil {
		return nil, fmt.Errorf("failed to decode bug: %w", err)
	}
	if bug.ID <= 0 {
		return nil, fmt.Errorf("invalid bug id %d", bug.ID)
	}
	if bug.Status == "" {
		return nil, fmt.Errorf("bug %d has no status", bug.ID)
	}
	if bug.OpSys == "" {
		return nil, fmt.Errorf("bug %d has no op_sys", bug.ID)
	}

	bug.raw = append(json.RawMessage(nil), raw...)
	return &bug, nil
}

// Raw returns the tracker JSON the bug was parsed from
func (b *Bug) Raw() json.RawMessage {
	return b.raw
}

// OS classifies the op_sys field
func (b *Bug) OS() OS {
	opSys := strings.ToLower(b.OpSys)
	switch {
	case strings.Contains(opSys, "windows"):
		return OSWindows
	case strings.Contains(opSys, "linux"):
		return OSLinux
	case strings.Contains(opSys, "mac"):
		return OSMacOS
	default:
		return OSOther
	}
}

// IsOpen reports whether the bug is in one of the open statuses
func (b *Bug) IsOpen() bool {
	switch b.Status {
	case StatusAssigned, StatusNew, StatusUnconfirmed, StatusReopened:
		return true
	}
	return false
}
