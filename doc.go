// Package bucketgo is the persistence core of a distributed document store.
//
// Documents are grouped into redistributable partitions called buckets,
// identified by a bit-prefix of the document's hashed location. The package
// defines the Provider contract every storage backend implements:
//
//   - bucket lifecycle (create, delete, list, split, join)
//   - versioned document operations (put, remove, update, get)
//   - server-side iterators with byte-budgeted chunking
//   - active-state management driven by cluster state
//   - resource usage reporting
//
// The concrete in-memory backend lives in the engine package; the
// conformance package holds the executable contract any backend must pass;
// the merge package reconciles divergent bucket replicas across nodes.
//
// # Quick start
//
//	prov, err := engine.Open()
//	if err != nil {
//	    panic(err)
//	}
//	defer prov.Close()
//
//	b := model.Bucket{Space: model.DefaultSpace, ID: model.NewBucketID(8, 0x34)}
//	_ = prov.CreateBucket(ctx, b)
//	_ = prov.Put(ctx, b, 1000, doc)
//
// # Error taxonomy
//
// Provider methods report expected conditions (missing bucket, missing
// document, duplicate put) as normal results, never as errors. Errors carry
// a Code classifying how callers should react: retry (CodeTransient), stop
// retrying (CodePermanent), apply backpressure (CodeResourceExhausted), or
// shut the node down (CodeFatal). The ErrorWrapper decorator turns the
// latter two into listener notifications.
package bucketgo
