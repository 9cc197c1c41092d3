package monitor

import (
	"github.com/roach88/cellsync/internal/causal"
	"github.com/roach88/cellsync/internal/cell"
	"github.com/roach88/cellsync/internal/oplog"
)

// outcome is what pairing two concurrent records decided.
type outcome struct {
	// cell is the key the conflict is reported on.
	cell    string
	payload *StructuralPayload
	// merge is set when the pair is a move and an edit of its source that
	// can be relocated without asking.
	merge *renameMerge
}

// renameMerge relocates an edit made at a move's source to its destination.
type renameMerge struct {
	move oplog.Move
	edit oplog.Edit
	// fallback is raised instead when the relocation cannot be written
	// safely.
	fallback *outcome
}

// concurrent reports whether neither record causally saw the other.
func concurrent(a, b oplog.Record) bool {
	return causal.IsCausallyConcurrent(a.Span(), b.Span())
}

// classifyPair decides what two concurrent records by different authors mean
// for this replica. ours is the record authored locally. A nil outcome means
// the records do not collide.
func classifyPair(ours, theirs oplog.Record) *outcome {
	conflict := func(key string, reason Reason, local, remote *cell.Snapshot) *outcome {
		return &outcome{cell: key, payload: &StructuralPayload{
			Reason:   reason,
			Local:    local,
			Remote:   remote,
			LocalOp:  ours.ID,
			RemoteOp: theirs.ID,
		}}
	}

	switch o := ours.Op.(type) {
	case oplog.Move:
		switch t := theirs.Op.(type) {
		case oplog.Move:
			return moveMove(o, t, conflict)
		case oplog.Delete:
			if key, hit := moveDeleteCell(o, t); hit {
				return conflict(key, ReasonDeleteVsEdit, o.Content, nil)
			}
		case oplog.Edit:
			return moveEdit(o, t, theirs, conflict, false)
		}
	case oplog.Delete:
		switch t := theirs.Op.(type) {
		case oplog.Move:
			if key, hit := moveDeleteCell(t, o); hit {
				return conflict(key, ReasonDeleteVsEdit, nil, t.Content)
			}
		case oplog.Edit:
			if o.Cell == t.Cell {
				return conflict(o.Cell, ReasonDeleteVsEdit, nil, t.After)
			}
		}
	case oplog.Edit:
		switch t := theirs.Op.(type) {
		case oplog.Move:
			return moveEdit(t, o, ours, conflict, true)
		case oplog.Delete:
			if o.Cell == t.Cell {
				return conflict(o.Cell, ReasonDeleteVsEdit, o.After, nil)
			}
		}
	}
	return nil
}

type conflictFunc func(key string, reason Reason, local, remote *cell.Snapshot) *outcome

func moveMove(o, t oplog.Move, conflict conflictFunc) *outcome {
	switch {
	case o.From == t.From && o.To != t.To:
		out := conflict(o.From, ReasonMoveDestination, o.Content, t.Content)
		out.payload.Source = o.From
		out.payload.OursTo = o.To
		out.payload.TheirsTo = t.To
		return out
	case o.To == t.To && o.From != t.From:
		// Two cells landed on one; only one of them survives the merge.
		reason := ReasonContent
		if o.Fingerprint != t.Fingerprint {
			reason = contentReason(o.Content, t.Content)
		}
		return conflict(o.To, reason, o.Content, t.Content)
	case o.To == t.To && o.Fingerprint != t.Fingerprint:
		return conflict(o.To, contentReason(o.Content, t.Content), o.Content, t.Content)
	}
	return nil
}

// moveDeleteCell reports where a delete collides with a move: at its
// destination, or at its source when the deleted content is what moved.
func moveDeleteCell(m oplog.Move, d oplog.Delete) (string, bool) {
	switch {
	case d.Cell == m.To:
		return m.To, true
	case d.Cell == m.From && d.Before.Fingerprint() == m.Fingerprint:
		return m.From, true
	}
	return "", false
}

// moveEdit handles a move against an edit. editIsOurs says which side
// authored the edit so the payload keeps local and remote in place.
func moveEdit(m oplog.Move, e oplog.Edit, editRec oplog.Record, conflict conflictFunc, editIsOurs bool) *outcome {
	sides := func(moved, edited *cell.Snapshot) (*cell.Snapshot, *cell.Snapshot) {
		if editIsOurs {
			return edited, moved
		}
		return moved, edited
	}
	switch e.Cell {
	case m.To:
		reason := ReasonFormat
		if e.ContentChanged {
			reason = ReasonContent
		}
		local, remote := sides(m.Content, e.After)
		return conflict(m.To, reason, local, remote)
	case m.From:
		local, remote := sides(m.Content, e.After)
		fallback := conflict(m.From, ReasonDeleteVsEdit, local, remote)
		if editRec.Touches(m.To) || !fingerprintsAgree(m.Fingerprint, e.Before.Fingerprint()) {
			return fallback
		}
		return &outcome{cell: m.From, merge: &renameMerge{move: m, edit: e, fallback: fallback}}
	}
	return nil
}

func fingerprintsAgree(a, b string) bool {
	return a == "" || b == "" || a == b
}

func contentReason(a, b *cell.Snapshot) Reason {
	if cell.SameContent(a, b) {
		return ReasonFormat
	}
	return ReasonContent
}
