// Package fixtures holds sample tracker records shared by tests.
package fixtures

import (
	_ "embed"
	"encoding/json"
)

//go:embed bug.json
var bugJSON []byte

// BugJSON returns a Bugzilla bug record including comments and attachments
func BugJSON() []byte {
	return append([]byte(nil), bugJSON...)
}

// BugData returns BugJSON decoded into a mutable map
func BugData() map[string]any {
	var data map[string]any
	if err := json.Unmarshal(bugJSON, &data); err != nil {
		panic(err)
	}
	return data
}

// BugWith returns BugJSON with the given top-level fields replaced
func BugWith(fields map[string]any) []byte {
	data := BugData()
	for k, v := range fields {
		data[k] = v
	}
	raw, err := json.Marshal(data)
	if err != nil {
		panic(err)
	}
	return raw
}

// BugBase returns BugWith(fields) without the comments and attachments the
// tracker only returns from its dedicated endpoints
func BugBase(fields map[string]any) []byte {
	data := BugData()
	delete(data, "comments")
	delete(data, "attachments")
	for k, v := range fields {
		data[k] = v
	}
	raw, err := json.Marshal(data)
	if err != nil {
		panic(err)
	}
	return raw
}

// Comments returns the fixture's comment list
func Comments() json.RawMessage {
	return field("comments")
}

// Attachments returns the fixture's attachment list
func Attachments() json.RawMessage {
	return field("attachments")
}

func field(name string) json.RawMessage {
	var data map[string]json.RawMessage
	if err := json.Unmarshal(bugJSON, &data); err != nil {
		panic(err)
	}
	return data[name]
}
