// Package cell defines how spreadsheet cells are addressed, which fields they
// carry, and how their meaningful content is normalized and fingerprinted.
//
// Cell keys have the form "sheet:row:col" with zero-based row and column.
// Fingerprints are SHA-256 digests, with domain separation, over the RFC 8785
// canonical JSON of a normalized cell. Two cells with the same value,
// normalized formula, format and ciphertext always fingerprint identically,
// whatever order their format keys were written in.
package cell
