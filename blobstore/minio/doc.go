// Package minio stores snapshot blobs in MinIO or any S3-compatible
// object store, such as Ceph, SeaweedFS, or Garage.
//
// It uses the official MinIO client, so air-gapped deployments need no
// AWS dependencies:
//
//	client, err := minio.New("localhost:9000", &minio.Options{
//	    Creds: credentials.NewStaticV4(accessKey, secretKey, ""),
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	store := minioblob.NewStore(client, "facematch", "prod/")
//
// Uploads stream in parts, and reads use range requests, so snapshots
// never need to be buffered whole in memory.
package minio
