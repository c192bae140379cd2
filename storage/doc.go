// Package storage provides content-addressed storage for provisioning
// artifacts with pluggable backends.
//
// Manufacturing benches archive two kinds of content: provisioning records
// (one per provisioned unit) and blanked golden fuse images. Content is
// identified by its SHA-256 hash and stored under a per-type namespace.
//
// Backends are specified by URI:
//
//   - file:///var/lib/provisioning/
//   - s3://bucket-name/prefix/?region=us-west-2
//   - ipfs://ipfs.example.com:5001/
//   - vault://vault.example.com:8200/secret/provisioning
//
// MultiStorageBackend aggregates several backends: stores go to all
// available backends, fetches fall back through them in order. Benches on
// flaky line networks typically pair a local file backend with a remote
// archive.
//
// The IMS must never reach a storage backend. Fuse images are blanked
// before archiving; records carry only bus-safe values.
package storage
