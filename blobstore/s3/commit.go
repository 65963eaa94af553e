package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/hupe1980/facematch/blobstore"
)

// DDBClient is the subset of the DynamoDB API the commit store calls.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// ErrConcurrentModification is returned when another writer committed a
// newer CURRENT pointer first. Re-read CURRENT and retry.
var ErrConcurrentModification = errors.New("concurrent modification detected")

// currentName is the pointer blob that names the active snapshot.
const currentName = "CURRENT"

// CommitStore wraps a Store and keeps the CURRENT pointer in DynamoDB.
//
// S3 offers no compare-and-swap, so two writers saving snapshots could
// silently overwrite each other's pointer update. The commit store writes
// every CURRENT update as a new version row with a conditional put; the
// losing writer gets ErrConcurrentModification. Reads of CURRENT return
// the highest committed version. All other blobs pass through to S3
// unchanged.
//
// The table uses partition key namespace (S) and sort key version (N):
//
//	aws dynamodb create-table \
//	  --table-name facematch-commits \
//	  --attribute-definitions AttributeName=namespace,AttributeType=S AttributeName=version,AttributeType=N \
//	  --key-schema AttributeName=namespace,KeyType=HASH AttributeName=version,KeyType=RANGE \
//	  --billing-mode PAY_PER_REQUEST
type CommitStore struct {
	blobs     *Store
	ddb       DDBClient
	table     string
	namespace string
}

var _ blobstore.BlobStore = (*CommitStore)(nil)

// NewCommitStore layers DynamoDB commits over an S3 store. The namespace
// keys the commit history, conventionally "s3://bucket/prefix".
func NewCommitStore(blobs *Store, ddb DDBClient, table, namespace string) *CommitStore {
	return &CommitStore{
		blobs:     blobs,
		ddb:       ddb,
		table:     table,
		namespace: namespace,
	}
}

// Open opens a blob for reading. Opening CURRENT resolves the latest
// committed version from DynamoDB.
func (s *CommitStore) Open(ctx context.Context, name string) (blobstore.Blob, error) {
	if name != currentName {
		return s.blobs.Open(ctx, name)
	}

	_, target, err := s.latest(ctx)
	if err != nil {
		return nil, err
	}
	if target == "" {
		return nil, blobstore.ErrNotFound
	}

	return &pointerBlob{content: []byte(target)}, nil
}

// Create streams a blob to S3. CURRENT cannot be streamed; commit it with
// Put so the version check applies.
func (s *CommitStore) Create(ctx context.Context, name string) (blobstore.WritableBlob, error) {
	if name == currentName {
		return nil, errors.New("CURRENT must be written with Put")
	}
	return s.blobs.Create(ctx, name)
}

// Put writes a blob. Writes to CURRENT become DynamoDB commits and may
// fail with ErrConcurrentModification.
func (s *CommitStore) Put(ctx context.Context, name string, data []byte) error {
	if name == currentName {
		return s.commit(ctx, string(data))
	}
	return s.blobs.Put(ctx, name, data)
}

// Delete removes a blob. Deleting CURRENT drops the whole commit history.
func (s *CommitStore) Delete(ctx context.Context, name string) error {
	if name == currentName {
		return s.prune(ctx, 0)
	}
	return s.blobs.Delete(ctx, name)
}

// List lists S3 blobs. CURRENT lives in DynamoDB and is not included.
func (s *CommitStore) List(ctx context.Context, prefix string) ([]string, error) {
	return s.blobs.List(ctx, prefix)
}

// Prune deletes commit history beyond the newest keep versions. The
// snapshot blobs the old versions pointed at are not touched.
func (s *CommitStore) Prune(ctx context.Context, keep int) error {
	if keep < 1 {
		keep = 1
	}
	return s.prune(ctx, keep)
}

// latest returns the highest committed version and its target, or zero
// values when nothing has been committed yet.
func (s *CommitStore) latest(ctx context.Context) (uint64, string, error) {
	resp, err := s.ddb.Query(ctx, &dynamodb.QueryInput{
		TableName:                aws.String(s.table),
		KeyConditionExpression:   aws.String("#ns = :ns"),
		ExpressionAttributeNames: map[string]string{"#ns": "namespace"},
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":ns": &ddbtypes.AttributeValueMemberS{Value: s.namespace},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return 0, "", fmt.Errorf("query commit table: %w", err)
	}

	if len(resp.Items) == 0 {
		return 0, "", nil
	}

	return decodeCommit(resp.Items[0])
}

// commit claims the next version with a conditional put. Two writers
// racing for the same version leave exactly one winner.
func (s *CommitStore) commit(ctx context.Context, target string) error {
	current, _, err := s.latest(ctx)
	if err != nil {
		return err
	}

	next := current + 1

	_, err = s.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item: map[string]ddbtypes.AttributeValue{
			"namespace": &ddbtypes.AttributeValueMemberS{Value: s.namespace},
			"version":   &ddbtypes.AttributeValueMemberN{Value: strconv.FormatUint(next, 10)},
			"target":    &ddbtypes.AttributeValueMemberS{Value: target},
		},
		ConditionExpression:      aws.String("attribute_not_exists(#v)"),
		ExpressionAttributeNames: map[string]string{"#v": "version"},
	})
	if err != nil {
		var cond *ddbtypes.ConditionalCheckFailedException
		if errors.As(err, &cond) {
			return ErrConcurrentModification
		}
		return fmt.Errorf("commit version %d: %w", next, err)
	}

	return nil
}

func (s *CommitStore) prune(ctx context.Context, keep int) error {
	resp, err := s.ddb.Query(ctx, &dynamodb.QueryInput{
		TableName:                aws.String(s.table),
		KeyConditionExpression:   aws.String("#ns = :ns"),
		ExpressionAttributeNames: map[string]string{"#ns": "namespace"},
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":ns": &ddbtypes.AttributeValueMemberS{Value: s.namespace},
		},
		ScanIndexForward: aws.Bool(false),
	})
	if err != nil {
		return fmt.Errorf("query commit table: %w", err)
	}

	if len(resp.Items) <= keep {
		return nil
	}

	for _, item := range resp.Items[keep:] {
		version, _, err := decodeCommit(item)
		if err != nil {
			return err
		}

		_, err = s.ddb.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(s.table),
			Key: map[string]ddbtypes.AttributeValue{
				"namespace": &ddbtypes.AttributeValueMemberS{Value: s.namespace},
				"version":   &ddbtypes.AttributeValueMemberN{Value: strconv.FormatUint(version, 10)},
			},
		})
		if err != nil {
			return fmt.Errorf("delete commit version %d: %w", version, err)
		}
	}

	return nil
}

func decodeCommit(item map[string]ddbtypes.AttributeValue) (uint64, string, error) {
	versionAttr, ok := item["version"].(*ddbtypes.AttributeValueMemberN)
	if !ok {
		return 0, "", errors.New("commit item missing version")
	}

	version, err := strconv.ParseUint(versionAttr.Value, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("parse commit version: %w", err)
	}

	targetAttr, ok := item["target"].(*ddbtypes.AttributeValueMemberS)
	if !ok {
		return 0, "", errors.New("commit item missing target")
	}

	return version, targetAttr.Value, nil
}

// pointerBlob serves a CURRENT value read from DynamoDB as an in-memory
// blob.
type pointerBlob struct {
	content []byte
}

var _ blobstore.Blob = (*pointerBlob)(nil)

func (b *pointerBlob) Close() error {
	return nil
}

func (b *pointerBlob) Size() int64 {
	return int64(len(b.content))
}

func (b *pointerBlob) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return bytes.NewReader(b.content).ReadAt(p, off)
}

func (b *pointerBlob) ReadRange(ctx context.Context, off, length int64) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	end := min(off+length, int64(len(b.content)))
	if off >= end {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}

	return io.NopCloser(bytes.NewReader(b.content[off:end])), nil
}
