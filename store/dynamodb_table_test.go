package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTableAdmin struct {
	createErr error
	created   *dynamodb.CreateTableInput
	described int
}

func (f *fakeTableAdmin) CreateTable(_ context.Context, params *dynamodb.CreateTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	f.created = params
	return &dynamodb.CreateTableOutput{}, f.createErr
}

func (f *fakeTableAdmin) DescribeTable(_ context.Context, params *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	f.described++
	return &dynamodb.DescribeTableOutput{Table: &types.TableDescription{
		TableName:   params.TableName,
		TableStatus: types.TableStatusActive,
	}}, nil
}

func TestEnsureTable_CreatesIndexes(t *testing.T) {
	admin := &fakeTableAdmin{}
	require.NoError(t, EnsureTable(context.Background(), admin, "outcomes", time.Second))

	require.NotNil(t, admin.created)
	assert.Equal(t, "outcomes", aws.ToString(admin.created.TableName))
	assert.Len(t, admin.created.AttributeDefinitions, 6)

	var names []string
	for _, gsi := range admin.created.GlobalSecondaryIndexes {
		names = append(names, aws.ToString(gsi.IndexName))
	}
	assert.Equal(t, []string{IndexAllOutcomes, IndexTypeOutcomes}, names)
	assert.Equal(t, 1, admin.described)
}

func TestEnsureTable_ExistingTable(t *testing.T) {
	admin := &fakeTableAdmin{createErr: &types.ResourceInUseException{Message: aws.String("exists")}}
	assert.NoError(t, EnsureTable(context.Background(), admin, "outcomes", time.Second))
}

func TestEnsureTable_CreateFails(t *testing.T) {
	admin := &fakeTableAdmin{createErr: errors.New("access denied")}
	err := EnsureTable(context.Background(), admin, "outcomes", time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
	assert.Zero(t, admin.described)
}
