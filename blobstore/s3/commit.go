package s3

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/hupe1980/bucketgo/blobstore"
)

// ErrConcurrentCommit is returned when another writer committed the same
// snapshot version first.
var ErrConcurrentCommit = errors.New("concurrent snapshot commit detected")

// DDBClient is the slice of the DynamoDB API the commit store uses.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// CommitStore wraps an S3 store with a DynamoDB commit log so the snapshot
// pointer named by currentName advances atomically. S3 alone lacks
// compare-and-swap; the conditional write on the version sort key supplies
// it, letting concurrent writers coordinate without losing commits.
//
// Table schema: partition key base_uri (S), sort key version (N).
type CommitStore struct {
	inner       *Store
	ddb         DDBClient
	tableName   string
	baseURI     string
	currentName string
}

// NewCommitStore wraps inner. Reads and writes of currentName go through the
// DynamoDB commit log; every other name passes straight to S3.
func NewCommitStore(inner *Store, ddb DDBClient, tableName, baseURI, currentName string) *CommitStore {
	return &CommitStore{
		inner:       inner,
		ddb:         ddb,
		tableName:   tableName,
		baseURI:     baseURI,
		currentName: currentName,
	}
}

// Put implements blobstore.Store.
func (s *CommitStore) Put(ctx context.Context, name string, data []byte) error {
	if name == s.currentName {
		return s.commit(ctx, string(data))
	}
	return s.inner.Put(ctx, name, data)
}

// Get implements blobstore.Store.
func (s *CommitStore) Get(ctx context.Context, name string) ([]byte, error) {
	if name == s.currentName {
		version, pointer, err := s.latest(ctx)
		if err != nil {
			return nil, err
		}
		if version == 0 {
			return nil, blobstore.ErrNotFound
		}
		return []byte(pointer), nil
	}
	return s.inner.Get(ctx, name)
}

// Delete implements blobstore.Store.
func (s *CommitStore) Delete(ctx context.Context, name string) error {
	return s.inner.Delete(ctx, name)
}

// List implements blobstore.Store.
func (s *CommitStore) List(ctx context.Context, prefix string) ([]string, error) {
	return s.inner.List(ctx, prefix)
}

// latest queries the commit log for the newest committed pointer.
func (s *CommitStore) latest(ctx context.Context) (uint64, string, error) {
	resp, err := s.ddb.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("base_uri = :uri"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uri": &types.AttributeValueMemberS{Value: s.baseURI},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return 0, "", fmt.Errorf("query commit log: %w", err)
	}
	if len(resp.Items) == 0 {
		return 0, "", nil
	}

	item := resp.Items[0]
	versionAttr, ok := item["version"].(*types.AttributeValueMemberN)
	if !ok {
		return 0, "", errors.New("commit log: missing version attribute")
	}
	pointerAttr, ok := item["pointer"].(*types.AttributeValueMemberS)
	if !ok {
		return 0, "", errors.New("commit log: missing pointer attribute")
	}

	var version uint64
	if _, err := fmt.Sscanf(versionAttr.Value, "%d", &version); err != nil {
		return 0, "", fmt.Errorf("commit log: parse version: %w", err)
	}
	return version, pointerAttr.Value, nil
}

// commit writes the next version with a conditional put; losing the race
// surfaces as ErrConcurrentCommit rather than a silent overwrite.
func (s *CommitStore) commit(ctx context.Context, pointer string) error {
	current, _, err := s.latest(ctx)
	if err != nil {
		return err
	}

	_, err = s.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: map[string]types.AttributeValue{
			"base_uri": &types.AttributeValueMemberS{Value: s.baseURI},
			"version":  &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", current+1)},
			"pointer":  &types.AttributeValueMemberS{Value: pointer},
		},
		ConditionExpression: aws.String("attribute_not_exists(version)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return ErrConcurrentCommit
		}
		return fmt.Errorf("commit snapshot pointer: %w", err)
	}
	return nil
}
