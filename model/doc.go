// Package model defines the core value types of the persistence layer:
// bucket identities and spaces, logical timestamps, document ids and their
// hashed locations, and bucket content summaries.
//
// Types in this package are plain values. They carry no locking and are safe
// to copy; identity types (BucketID, Bucket, DocumentID) are comparable and
// usable as map keys.
package model
