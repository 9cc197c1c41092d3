// Package monitor implements the conflict engines that sit on top of a
// replicated spreadsheet document.
//
// Three monitors share one shape. Each subscribes to change batches on the
// cell map, keeps a little per-cell state about what this replica last wrote,
// classifies every observed change as local, ignored, sequential-remote or
// concurrent-remote, and either reconciles silently or records a Conflict
// that a caller can later resolve.
//
//   - ValueMonitor: concurrent overwrites of a cell's literal value.
//   - FormulaMonitor: concurrent formula overwrites, with an AST-based
//     auto-merge, plus formula-vs-value "content" conflicts.
//   - StructuralMonitor: moves, move/move destination collisions, move vs
//     delete, move vs edit (rename-aware) and delete vs edit, compared
//     causally through the shared operation log.
//
// Causality never comes from wall-clock time. Per-field causal identifiers
// decide value and formula conflicts; state vectors published with each
// structural record decide structural ones.
//
// Thread-safety: monitors are not safe for concurrent use. All calls,
// including the document's change notifications, must come from the
// goroutine that owns the document.
package monitor
