// Package formula holds the small formula grammar used for merge policy
// decisions: numbers, text, booleans, cell and range references, function
// calls and unary/binary/postfix operators.
//
// Parsing tokenizes with github.com/xuri/efp and builds an AST by precedence
// climbing. The only questions the monitors ask of an AST are whether two
// formulas are structurally equal and whether one is a proper subtree (an
// extension) of the other.
//
// Evaluate produces a best-effort preview through excelize. It is never used
// for correctness decisions.
package formula
