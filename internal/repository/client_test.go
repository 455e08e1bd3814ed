package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"retention-agent/internal/domain"
)

type fakeDynamo struct {
	getOut     *dynamodb.GetItemOutput
	getOuts    []*dynamodb.GetItemOutput
	getErr     error
	putErr     error
	updateOut  *dynamodb.UpdateItemOutput
	updateErrs []error
	queryOuts  []*dynamodb.QueryOutput
	queryErr   error
	txErr      error
	txErrs     []error

	getInputs    []*dynamodb.GetItemInput
	lastPutInput *dynamodb.PutItemInput
	updateInputs []*dynamodb.UpdateItemInput
	queryInputs  []*dynamodb.QueryInput
	lastTxInput  *dynamodb.TransactWriteItemsInput
	txInputs     []*dynamodb.TransactWriteItemsInput
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.getInputs = append(f.getInputs, in)
	if f.getErr != nil {
		return nil, f.getErr
	}
	if len(f.getOuts) > 0 {
		out := f.getOuts[0]
		f.getOuts = f.getOuts[1:]
		return out, nil
	}
	return f.getOut, nil
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.lastPutInput = in
	return &dynamodb.PutItemOutput{}, f.putErr
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	idx := len(f.updateInputs)
	f.updateInputs = append(f.updateInputs, in)
	if idx < len(f.updateErrs) && f.updateErrs[idx] != nil {
		return nil, f.updateErrs[idx]
	}
	if f.updateOut != nil {
		return f.updateOut, nil
	}
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.queryInputs = append(f.queryInputs, in)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	if len(f.queryOuts) == 0 {
		return &dynamodb.QueryOutput{}, nil
	}
	out := f.queryOuts[0]
	f.queryOuts = f.queryOuts[1:]
	return out, nil
}

func (f *fakeDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	idx := len(f.txInputs)
	f.txInputs = append(f.txInputs, in)
	f.lastTxInput = in
	if idx < len(f.txErrs) && f.txErrs[idx] != nil {
		return nil, f.txErrs[idx]
	}
	return &dynamodb.TransactWriteItemsOutput{}, f.txErr
}

func mustNewClient(t *testing.T, db *fakeDynamo) *Client {
	t.Helper()
	c, err := New(db, "test-table")
	require.NoError(t, err)
	c.now = func() time.Time { return time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC) }
	return c
}

func conditionFailed() error {
	return &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
}

func txConditionFailed() error {
	return &types.TransactionCanceledException{
		Message: aws.String("Transaction cancelled"),
		CancellationReasons: []types.CancellationReason{
			{Code: aws.String("ConditionalCheckFailed")},
			{Code: aws.String("None")},
		},
	}
}

func TestNew_NilAPI(t *testing.T) {
	_, err := New(nil, "test-table")
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be nil")
}

func TestNew_EmptyTableName(t *testing.T) {
	_, err := New(&fakeDynamo{}, " ")
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be empty")
}

func TestFormatTime_SortsLexically(t *testing.T) {
	whole := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	fraction := whole.Add(500 * time.Millisecond)
	require.Less(t, formatTime(whole), formatTime(fraction))

	parsed, err := parseTime(formatTime(fraction))
	require.NoError(t, err)
	require.True(t, fraction.Equal(parsed))
}

func TestIsConditionFailed(t *testing.T) {
	require.True(t, isConditionFailed(conditionFailed()))
	require.True(t, isConditionFailed(txConditionFailed()))
	require.False(t, isConditionFailed(&types.TransactionCanceledException{
		CancellationReasons: []types.CancellationReason{{Code: aws.String("ThrottlingError")}},
	}))
	require.False(t, isConditionFailed(errors.New("boom")))
}

func TestIntAttr_Malformed(t *testing.T) {
	_, err := intAttr(map[string]types.AttributeValue{"touch": s("bad")}, "touch")
	require.Error(t, err)
	require.Contains(t, err.Error(), "not a number")
}

func TestGetAccount_HappyPath(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{
		"PK":        s("ACCOUNT#acct-1"),
		"SK":        s(skMeta),
		"id":        s("acct-1"),
		"name":      s("Iron Temple Gym"),
		"timezone":  s("America/Denver"),
		"fromEmail": s("coach@irontemple.example"),
	}}}
	c := mustNewClient(t, db)
	acct, err := c.GetAccount(context.Background(), "acct-1")
	require.NoError(t, err)
	require.Equal(t, "America/Denver", acct.Timezone)
	require.Equal(t, "ACCOUNT#acct-1", db.getInputs[0].Key["PK"].(*types.AttributeValueMemberS).Value)
}

func TestGetAccount_NotFound(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{}})
	_, err := c.GetAccount(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGetAccount_GetItemError(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{getErr: errors.New("boom")})
	_, err := c.GetAccount(context.Background(), "acct-1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "GetAccount")
}
