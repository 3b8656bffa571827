package ot

import (
	"errors"
	"fmt"

	"go-collab/internal/models"
)

var ErrOutOfRange = errors.New("operation out of range")

// Document is a text buffer addressed in code points.
type Document struct {
	text []rune
}

func NewDocument(text string) *Document {
	return &Document{text: []rune(text)}
}

func (d *Document) Len() int { return len(d.text) }

func (d *Document) String() string { return string(d.text) }

func (d *Document) Clone() *Document {
	text := make([]rune, len(d.text))
	copy(text, d.text)
	return &Document{text: text}
}

// Apply mutates the document for insert and delete operations. Other kinds
// only have their range checked.
func (d *Document) Apply(op models.Operation) error {
	switch op.Kind {
	case models.OpInsert:
		if op.Position < 0 || op.Position > len(d.text) {
			return fmt.Errorf("insert at %d in document of length %d: %w", op.Position, len(d.text), ErrOutOfRange)
		}
		ins := []rune(op.Content)
		text := make([]rune, 0, len(d.text)+len(ins))
		text = append(text, d.text[:op.Position]...)
		text = append(text, ins...)
		text = append(text, d.text[op.Position:]...)
		d.text = text
	case models.OpDelete:
		if op.Position < 0 || op.Length < 0 || op.Position+op.Length > len(d.text) {
			return fmt.Errorf("delete [%d,%d) in document of length %d: %w",
				op.Position, op.Position+op.Length, len(d.text), ErrOutOfRange)
		}
		d.text = append(d.text[:op.Position], d.text[op.Position+op.Length:]...)
	default:
		if op.Position < 0 || op.Length < 0 || op.Position+op.Length > len(d.text) {
			return fmt.Errorf("%s [%d,%d) in document of length %d: %w",
				op.Kind, op.Position, op.Position+op.Length, len(d.text), ErrOutOfRange)
		}
	}
	return nil
}

// Replay rebuilds a document from a base text and an ordered operation list.
func Replay(base string, ops []models.Operation) (*Document, error) {
	doc := NewDocument(base)
	for _, op := range ops {
		if err := doc.Apply(op); err != nil {
			return nil, fmt.Errorf("replay seq %d: %w", op.Seq, err)
		}
	}
	return doc, nil
}

// Clamp keeps a non-text operation's range inside a document of length n.
func Clamp(op models.Operation, n int) models.Operation {
	if op.Position < 0 {
		op.Position = 0
	}
	if op.Position > n {
		op.Position = n
	}
	if op.Length < 0 {
		op.Length = 0
	}
	if op.Position+op.Length > n {
		op.Length = n - op.Position
	}
	return op
}
