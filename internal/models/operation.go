package models

import (
	"time"
	"unicode/utf8"
)

type OpKind string

const (
	OpInsert    OpKind = "insert"
	OpDelete    OpKind = "delete"
	OpRetain    OpKind = "retain"
	OpFormat    OpKind = "format"
	OpCursor    OpKind = "cursor"
	OpSelection OpKind = "selection"
)

func (k OpKind) Valid() bool {
	switch k {
	case OpInsert, OpDelete, OpRetain, OpFormat, OpCursor, OpSelection:
		return true
	}
	return false
}

// Positional reports whether the kind edits text and must be shifted by
// concurrent inserts and deletes.
func (k OpKind) Positional() bool {
	return k == OpInsert || k == OpDelete
}

// Operation is an atomic edit. Positions and lengths count code points.
// Once accepted (Seq > 0) an operation is never modified.
type Operation struct {
	ID           string                 `json:"id"`
	Kind         OpKind                 `json:"kind"`
	Position     int                    `json:"position"`
	Length       int                    `json:"length"`
	Content      string                 `json:"content,omitempty"`
	Attributes   map[string]interface{} `json:"attributes,omitempty"`
	AuthorUserID string                 `json:"authorUserId"`
	BaseSeq      int64                  `json:"baseSeq"`
	Seq          int64                  `json:"seq,omitempty"`
	AcceptedAt   time.Time              `json:"acceptedAt"`
}

// Span is the number of code points an insert adds or a delete removes.
func (o Operation) Span() int {
	if o.Kind == OpInsert {
		return utf8.RuneCountInString(o.Content)
	}
	return o.Length
}
