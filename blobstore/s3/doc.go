// Package s3 stores snapshot blobs in Amazon S3.
//
// # Usage
//
//	client := s3.NewFromConfig(cfg)
//	store := s3blob.NewStore(client, "my-bucket", "facematch/")
//
// Range reads let loaders verify a snapshot footer without downloading
// the whole object, and multipart uploads stream large snapshots without
// buffering them in memory.
//
// For deployments with more than one writer, CommitStore adds DynamoDB
// compare-and-swap semantics to the CURRENT pointer, which plain S3
// cannot provide.
package s3
