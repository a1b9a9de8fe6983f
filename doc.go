// Package capsule implements an S3-compatible object storage gateway
// that keeps object bytes on local filesystem volumes and object
// metadata in a relational store.
//
// The root package holds the domain types and the Service that
// implements bucket and object semantics: capacity-aware volume
// placement, atomic object writes, multipart assembly, per-bucket
// versioning, server-side encryption, pre-signed URLs, bucket policies,
// and webhook event notifications. Persistence is pluggable through the
// Store and ObjectStorage interfaces, implemented by the database and
// filesystem subpackages.
package capsule
