// Package core provides the domain models shared by the import pipeline.
//
// # Design Principles
//
// All structures in this package adhere to the following constraints:
//
//  1. Identity is content-derived: fingerprints are computed from bytes, never
//     from timestamps.
//  2. Paths are stored with forward slashes relative to their root so the
//     persisted state is portable across machines.
//  3. Collections are kept in sorted order so that encodings are reproducible.
//
// # Core Types
//
// AssetKey: the stable identifier of one importable source file.
// Fingerprint: a content hash used to detect change.
// Dependencies: the named fingerprints an import consulted besides its source.
// SourceFile: a file discovered while scanning a source root.
package core
