package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// ProcessedBug is the processor artifact: the changes the decision engine
// wants applied to a bug
type ProcessedBug struct {
	BugNumber int                        `json:"bug_number"`
	Diff      map[string]json.RawMessage `json:"diff"`

	// keys is the order of Diff in the decoded document
	keys []string
}

// UnmarshalJSON decodes the artifact, remembering the order of diff fields
func (p *ProcessedBug) UnmarshalJSON(data []byte) error {
	var aux struct {
		BugNumber int             `json:"bug_number"`
		Diff      json.RawMessage `json:"diff"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	p.BugNumber = aux.BugNumber
	p.Diff = map[string]json.RawMessage{}
	p.keys = nil
	if len(aux.Diff) == 0 || bytes.Equal(aux.Diff, []byte("null")) {
		return nil
	}

	if err := json.Unmarshal(aux.Diff, &p.Diff); err != nil {
		return err
	}
	keys, err := objectKeys(aux.Diff)
	if err != nil {
		return err
	}
	p.keys = keys
	return nil
}

// Keys returns the diff fields in document order. Diffs built in code have
// no document order and are returned sorted.
func (p *ProcessedBug) Keys() []string {
	if len(p.keys) == len(p.Diff) {
		return append([]string(nil), p.keys...)
	}
	keys := make([]string, 0, len(p.Diff))
	for k := range p.Diff {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// CommentBody extracts the body of the diff's comment field, if any
func (p *ProcessedBug) CommentBody() (string, bool) {
	raw, ok := p.Diff["comment"]
	if !ok {
		return "", false
	}

	var comment struct {
		Body string `json:"body"`
	}
	if err := json.Unmarshal(raw, &comment); err != nil {
		return "", false
	}
	return comment.Body, true
}

// objectKeys lists the top-level keys of a JSON object in order
func objectKeys(data []byte) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	if _, err := dec.Token(); err != nil {
		return nil, err
	}

	var keys []string
	seen := make(map[string]bool)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected token %v", tok)
		}
		if !seen[key] {
			keys = append(keys, key)
			seen[key] = true
		}

		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return nil, err
		}
	}
	return keys, nil
}
