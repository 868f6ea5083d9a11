// Package metadata implements the READY → PROCESSING → COMPLETE | FAIL
// lifecycle of units described by external metadata records.
package metadata

import (
	"encoding/json"
	"fmt"
	"maps"
	"strings"

	"tabflow/internal/etl"
)

// Status is the processing state of a metadata record.
type Status string

const (
	StatusReady      Status = "READY"
	StatusProcessing Status = "PROCESSING"
	StatusComplete   Status = "COMPLETE"
	StatusFail       Status = "FAIL"
)

// TimestampLayout formats the timestamp written on every transition.
const TimestampLayout = "2006-01-02 15:04:05"

// Record is one metadata document. Keys this package does not know are
// kept and written back untouched.
type Record struct {
	ID         string
	Type       string
	SourceName string
	Status     Status
	Timestamp  string
	OtherData  map[string]any

	// Path locates the record in its store. It is never persisted.
	Path string
	// Version is the store revision the record was read at; -1 if unknown.
	Version int32

	doc map[string]any
}

// ParseRecord decodes a metadata document read from path.
func ParseRecord(data []byte, path string) (*Record, error) {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: metadata %s: %w", etl.ErrSourceData, path, err)
	}
	str := func(k string) string {
		if v, ok := doc[k]; ok && v != nil {
			return fmt.Sprint(v)
		}
		return ""
	}

	r := &Record{
		ID:         str("id"),
		Type:       str("type"),
		SourceName: str("source_name"),
		Status:     Status(strings.ToUpper(str("status"))),
		Timestamp:  str("timestamp"),
		Path:       path,
		Version:    -1,
		doc:        doc,
	}
	if r.ID == "" {
		return nil, fmt.Errorf("%w: metadata %s has no id", etl.ErrSourceData, path)
	}
	if other, ok := doc["other_data"].(map[string]any); ok {
		r.OtherData = other
	}
	delete(r.doc, "__path")
	return r, nil
}

// Document returns the record as the JSON object that is persisted. It
// never contains the storage path.
func (r *Record) Document() map[string]any {
	doc := maps.Clone(r.doc)
	if doc == nil {
		doc = map[string]any{}
	}
	doc["id"] = r.ID
	doc["type"] = r.Type
	doc["source_name"] = r.SourceName
	doc["status"] = string(r.Status)
	doc["timestamp"] = r.Timestamp
	if r.OtherData != nil {
		doc["other_data"] = r.OtherData
	}
	delete(doc, "__path")
	return doc
}

// Marshal encodes Document.
func (r *Record) Marshal() ([]byte, error) {
	return json.Marshal(r.Document())
}

// Clone returns an independent copy.
func (r *Record) Clone() *Record {
	c := *r
	c.OtherData = maps.Clone(r.OtherData)
	c.doc = maps.Clone(r.doc)
	return &c
}
