// Package ot reconciles concurrently submitted text operations against the
// operations a room accepted after the submitter's last known state.
//
// The rules are best-effort operational transformation for a single
// server-ordered log, not a CRDT: every operation is rewritten against the
// accepted history one prior operation at a time.
package ot

import (
	"slices"

	"go-collab/internal/models"
)

// Transform rewrites op so that it applies after prior. The result is empty
// when prior already removed everything op would touch, and has two elements
// when a delete has to be split around text inserted inside its range.
//
// When two inserts target the same position the one whose author ID sorts
// first is treated as earlier.
func Transform(op, prior models.Operation) []models.Operation {
	if !op.Kind.Positional() || !prior.Kind.Positional() {
		return []models.Operation{op}
	}

	switch {
	case op.Kind == models.OpInsert && prior.Kind == models.OpInsert:
		if prior.Position < op.Position ||
			(prior.Position == op.Position && prior.AuthorUserID < op.AuthorUserID) {
			op.Position += prior.Span()
		}
		return []models.Operation{op}

	case op.Kind == models.OpInsert && prior.Kind == models.OpDelete:
		start, end := prior.Position, prior.Position+prior.Length
		switch {
		case op.Position <= start:
		case op.Position >= end:
			op.Position -= prior.Length
		default:
			op.Position = start
		}
		return []models.Operation{op}

	case op.Kind == models.OpDelete && prior.Kind == models.OpInsert:
		start, end := op.Position, op.Position+op.Length
		n := prior.Span()
		switch {
		case prior.Position <= start:
			op.Position += n
			return []models.Operation{op}
		case prior.Position >= end:
			return []models.Operation{op}
		}
		// The insert landed inside the range. The tail is emitted first so
		// that both halves stay addressed against the same state.
		tail, head := op, op
		tail.Position = prior.Position + n
		tail.Length = end - prior.Position
		head.Length = prior.Position - start
		if head.ID != "" {
			tail.ID = head.ID + ".1"
		}
		return []models.Operation{tail, head}

	default:
		start, end := op.Position, op.Position+op.Length
		pStart, pEnd := prior.Position, prior.Position+prior.Length
		switch {
		case end <= pStart:
			return []models.Operation{op}
		case start >= pEnd:
			op.Position -= prior.Length
			return []models.Operation{op}
		}
		overlap := min(end, pEnd) - max(start, pStart)
		op.Length -= overlap
		if start > pStart {
			op.Position = pStart
		}
		if op.Length <= 0 {
			return nil
		}
		return []models.Operation{op}
	}
}

// Rebase rewrites two operation sequences that start from the same text so
// that each applies after the other: a followed by the returned b, and b
// followed by the returned a, produce the same text.
func Rebase(a, b []models.Operation) (aAfterB, bAfterA []models.Operation) {
	switch {
	case len(a) == 0 || len(b) == 0:
		return a, b
	case len(a) == 1 && len(b) == 1:
		return Transform(a[0], b[0]), Transform(b[0], a[0])
	case len(a) > 1:
		head, b1 := Rebase(a[:1], b)
		tail, b2 := Rebase(a[1:], b1)
		return slices.Concat(head, tail), b2
	default:
		a1, head := Rebase(a, b[:1])
		a2, tail := Rebase(a1, b[1:])
		return a2, slices.Concat(head, tail)
	}
}
