// Package harness runs multi-replica editing scenarios against the conflict
// monitors.
//
// Each replica is an in-memory document with a value, formula and
// structural monitor attached. Replicas edit offline, exchange updates at
// sync steps, and the conflicts raised along the way are recorded in a
// trace.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: move_collision
//	description: "Two users move the same cell to different places"
//	replicas:
//	  - { name: alice, client: 1 }
//	  - { name: bob, client: 2 }
//	steps:
//	  - { replica: alice, set: { cell: A1, value: x } }
//	  - sync: [alice, bob]
//	  - { replica: alice, move: { from: A1, to: B1 } }
//	  - { replica: bob, move: { from: A1, to: C1 } }
//	  - sync: [alice, bob]
//	  - resolve: { replica: alice, monitor: structural, choose: theirs }
//	assertions:
//	  - { type: conflict_count, replica: bob, monitor: structural, count: 1 }
//	  - { type: cell, replica: alice, cell: C1, value: x }
//
// Cell references are A1 names on the scenario's sheet, or "Sheet!A1".
//
// # Assertion Types
//
//   - conflict_count: open conflicts on a replica, optionally per monitor
//   - conflict: an open conflict with the given kind, reason and cell
//   - cell: a cell's value or formula, or that it is empty
//   - converged: replicas hold identical cells
//   - records: the number of op log records on a replica
//
// # Deterministic Testing
//
// The harness uses:
//   - A shared manual clock that only moves at advance steps
//   - Sequential conflict and record ids per replica and monitor
//   - A manual scheduler whose deferred prunes fire after every step
//
// This keeps traces identical across runs for golden file comparison.
package harness
