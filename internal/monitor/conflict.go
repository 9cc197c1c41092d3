package monitor

import (
	"time"

	"github.com/roach88/cellsync/internal/cell"
)

// Kind tags a conflict.
type Kind string

const (
	KindValue      Kind = "value"
	KindFormula    Kind = "formula"
	KindContent    Kind = "content"
	KindStructural Kind = "structural"
)

// Conflict is one open divergence between this replica and a remote one.
type Conflict struct {
	ID string `json:"id"`
	// Cell is the cell key the conflict is about. For move-destination
	// conflicts it is the move's source.
	Cell       string    `json:"cell"`
	RemoteUser string    `json:"remoteUserId,omitempty"`
	DetectedAt time.Time `json:"detectedAt"`
	Payload    Payload   `json:"payload"`
}

// Kind returns the conflict kind.
func (c Conflict) Kind() Kind {
	if c.Payload == nil {
		return ""
	}
	return c.Payload.Kind()
}

// A1 renders the conflict's cell in spreadsheet notation, or the raw key if
// it does not parse.
func (c Conflict) A1() string {
	a, err := cell.ParseKey(c.Cell)
	if err != nil {
		return c.Cell
	}
	return a.A1()
}

// Payload is the kind-specific part of a conflict: ValuePayload,
// FormulaPayload, ContentPayload or StructuralPayload.
type Payload interface {
	Kind() Kind
	isPayload()
}

// ValuePayload holds two concurrent literal values.
type ValuePayload struct {
	Local  any `json:"local"`
	Remote any `json:"remote"`
}

// FormulaPayload holds two concurrent formulas and best-effort previews of
// their results. A preview is nil when evaluation failed.
type FormulaPayload struct {
	Local         string  `json:"local"`
	Remote        string  `json:"remote"`
	LocalPreview  *string `json:"localPreview"`
	RemotePreview *string `json:"remotePreview"`
}

// ContentType names the kind of content on one side of a content conflict.
type ContentType string

const (
	ContentValue   ContentType = "value"
	ContentFormula ContentType = "formula"
)

// ContentSide is one side of a formula-vs-value conflict.
type ContentSide struct {
	Type    ContentType `json:"type"`
	Payload any         `json:"payload"`
}

// ContentPayload holds a formula written concurrently with a value.
type ContentPayload struct {
	Local  ContentSide `json:"local"`
	Remote ContentSide `json:"remote"`
}

// Reason says why a structural conflict was raised.
type Reason string

const (
	ReasonMoveDestination Reason = "move-destination"
	ReasonContent         Reason = "content"
	ReasonFormat          Reason = "format"
	ReasonDeleteVsEdit    Reason = "delete-vs-edit"
)

// StructuralPayload describes a move, delete or edit collision.
//
// Move-destination conflicts set Source, OursTo and TheirsTo; every other
// reason concerns the single cell named by Conflict.Cell. Local and Remote
// hold the competing content; nil means that side cleared the cell.
type StructuralPayload struct {
	Reason   Reason         `json:"reason"`
	Source   string         `json:"source,omitempty"`
	OursTo   string         `json:"oursTo,omitempty"`
	TheirsTo string         `json:"theirsTo,omitempty"`
	Local    *cell.Snapshot `json:"local"`
	Remote   *cell.Snapshot `json:"remote"`
	LocalOp  string         `json:"localOp"`
	RemoteOp string         `json:"remoteOp"`
}

// IsMove reports whether the conflict is about where a move landed.
func (p StructuralPayload) IsMove() bool { return p.Reason == ReasonMoveDestination }

func (ValuePayload) Kind() Kind      { return KindValue }
func (FormulaPayload) Kind() Kind    { return KindFormula }
func (ContentPayload) Kind() Kind    { return KindContent }
func (StructuralPayload) Kind() Kind { return KindStructural }

func (ValuePayload) isPayload()      {}
func (FormulaPayload) isPayload()    {}
func (ContentPayload) isPayload()    {}
func (StructuralPayload) isPayload() {}
