package lab

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Metadata is the open key-value bag attached to an event. Consumers read it
// through the named accessors below instead of indexing keys directly.
type Metadata map[string]any

// NewMetadata builds a Metadata from any column representation; malformed
// input yields an empty bag.
func NewMetadata(v any) Metadata {
	return Metadata(DecodeMap(v))
}

func (m Metadata) str(keys ...string) string {
	for _, k := range keys {
		v, ok := m[k]
		if !ok || v == nil {
			continue
		}
		var s string
		switch t := v.(type) {
		case string:
			s = t
		case fmt.Stringer:
			s = t.String()
		case float64, int, int64, bool:
			s = fmt.Sprint(t)
		default:
			continue
		}
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}

func (m Metadata) id(keys ...string) *uuid.UUID {
	for _, k := range keys {
		s := m.str(k)
		if s == "" {
			continue
		}
		if id, err := uuid.Parse(s); err == nil {
			return &id
		}
	}
	return nil
}

// Reason returns the free-text reason, falling back to "motivo" then "type".
func (m Metadata) Reason() string { return m.str("reason", "motivo", "type") }

// Description returns the free-text description of an incident.
func (m Metadata) Description() string { return m.str("description", "descripcion", "details") }

// Metadata keys that may carry an embedded id, in lookup order.
var (
	sampleIDKeys    = []string{"sampleId", "specimenId", "sample_id", "specimen_id"}
	examIDKeys      = []string{"examId", "exam_id"}
	workOrderIDKeys = []string{"workOrderId", "work_order_id", "orderId"}
)

// ReferenceKeys lists every metadata key that may hold an embedded id.
func ReferenceKeys() []string {
	keys := make([]string, 0, len(sampleIDKeys)+len(examIDKeys)+len(workOrderIDKeys))
	keys = append(keys, sampleIDKeys...)
	keys = append(keys, examIDKeys...)
	return append(keys, workOrderIDKeys...)
}

// SampleID returns an embedded specimen id, if any.
func (m Metadata) SampleID() *uuid.UUID { return m.id(sampleIDKeys...) }

// ExamID returns an embedded exam id, if any.
func (m Metadata) ExamID() *uuid.UUID { return m.id(examIDKeys...) }

// WorkOrderID returns an embedded work order id, if any.
func (m Metadata) WorkOrderID() *uuid.UUID { return m.id(workOrderIDKeys...) }

// References reports whether any reference key holds one of ids. Every key
// is checked, so a malformed value under one key does not hide another.
func (m Metadata) References(ids map[uuid.UUID]bool) bool {
	for _, k := range ReferenceKeys() {
		s, ok := m[k].(string)
		if !ok {
			continue
		}
		if id, err := uuid.Parse(strings.TrimSpace(s)); err == nil && ids[id] {
			return true
		}
	}
	return false
}

// Results is the exam results map normalized from its column representation.
type Results = map[string]any

// NewResults normalizes a results column.
func NewResults(v any) Results { return DecodeMap(v) }
