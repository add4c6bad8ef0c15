package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ANIKETSHETTY47/energy-hub-engine/internal/billing"
	"github.com/ANIKETSHETTY47/energy-hub-engine/internal/domain"
	"github.com/ANIKETSHETTY47/energy-hub-engine/internal/engine"
)

var at = time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)

type fakeSNS struct {
	inputs []*sns.PublishInput
	err    error
}

func (f *fakeSNS) Publish(_ context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.inputs = append(f.inputs, in)
	return &sns.PublishOutput{MessageId: aws.String("m-1")}, nil
}

func TestSNSNotifier_WarningEscalated(t *testing.T) {
	fake := &fakeSNS{}
	n := newSNSNotifier(fake, "arn:aws:sns:us-east-1:1:alerts")

	err := n.WarningEscalated(context.Background(), engine.WarningEvent{
		TenantID: "a", HubID: "hub-1", From: domain.WarningLow, To: domain.WarningMedium, Violations: 3, At: at,
	})
	require.NoError(t, err)
	require.Len(t, fake.inputs, 1)
	in := fake.inputs[0]
	assert.Equal(t, "arn:aws:sns:us-east-1:1:alerts", aws.ToString(in.TopicArn))
	assert.Equal(t, "Energy Hub Alert: tenant a at medium warning", aws.ToString(in.Subject))
	assert.Contains(t, aws.ToString(in.Message), "Level: low -> medium")
	assert.Contains(t, aws.ToString(in.Message), "2026-01-05T12:00:00Z")

	fake.err = assert.AnError
	assert.ErrorIs(t, n.SendAlert(context.Background(), "s", "m"), assert.AnError)
}

func TestSNSNotifier_SendBatchAlerts(t *testing.T) {
	fake := &fakeSNS{}
	n := newSNSNotifier(fake, "topic")
	require.NoError(t, n.SendBatchAlerts(context.Background(), nil))
	assert.Empty(t, fake.inputs)

	require.NoError(t, n.SendBatchAlerts(context.Background(), []engine.WarningEvent{
		{TenantID: "a", HubID: "h", From: domain.WarningNone, To: domain.WarningLow, Violations: 1},
		{TenantID: "b", HubID: "h", From: domain.WarningHigh, To: domain.WarningCritical, Violations: 10},
	}))
	require.Len(t, fake.inputs, 1)
	assert.Equal(t, "Energy Hub: 2 warning escalations", aws.ToString(fake.inputs[0].Subject))
	assert.Contains(t, aws.ToString(fake.inputs[0].Message), "2. b on h: high -> critical (10 violations)")
}

type fakeS3 struct {
	objects map[string][]byte
	meta    map[string]map[string]string
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Key)] = data
	f.meta[aws.ToString(in.Key)] = in.Metadata
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func TestS3Archive_RoundTrip(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{}, meta: map[string]map[string]string{}}
	a := &S3Archive{svc: fake, bucket: "billing"}
	sealed := at
	p := billing.Period{
		ID: "p-1", HubID: "hub-1", Status: billing.StatusFinalized,
		Totals: billing.Totals{TotalTenantRevenueCAD: decimal.RequireFromString("341")}, FinalizedAt: &sealed,
	}

	require.NoError(t, a.ArchivePeriod(context.Background(), p))
	key := PeriodKey("hub-1", "p-1")
	assert.Equal(t, "billing/hub-1/p-1.json", key)
	assert.Equal(t, "2026-01-05T12:00:00Z", fake.meta[key]["finalized-at"])
	assert.True(t, json.Valid(fake.objects[key]))

	got, err := a.FetchPeriod(context.Background(), "hub-1", "p-1")
	require.NoError(t, err)
	assert.Equal(t, "p-1", got.ID)
	assert.True(t, got.Totals.TotalTenantRevenueCAD.Equal(p.Totals.TotalTenantRevenueCAD))

	_, err = a.FetchPeriod(context.Background(), "hub-1", "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

type fakeDynamo struct {
	items []map[string]types.AttributeValue
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.items = append(f.items, in.Item)
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	tid := in.ExpressionAttributeValues[":tid"].(*types.AttributeValueMemberS).Value
	var out []map[string]types.AttributeValue
	for i := len(f.items) - 1; i >= 0; i-- {
		if v, ok := f.items[i]["tenantId"].(*types.AttributeValueMemberS); ok && v.Value == tid {
			out = append(out, f.items[i])
		}
	}
	return &dynamodb.QueryOutput{Items: out}, nil
}

func TestDynamoAudit_RecordAndList(t *testing.T) {
	fake := &fakeDynamo{}
	d := &DynamoAudit{svc: fake, table: "HubAuditLog"}
	ctx := context.Background()

	for i, who := range []string{"ops", "finance"} {
		require.NoError(t, d.RecordAudit(ctx, domain.AuditRecord{
			ID: who, Action: domain.AuditResetViolations, TenantID: "a", HubID: "hub-1",
			Actor: who, Reason: "dispute", ViolationsCleared: i + 1, At: at.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, d.RecordAudit(ctx, domain.AuditRecord{ID: "x", TenantID: "b", At: at}))

	var stored auditItem
	require.NoError(t, attributevalue.UnmarshalMap(fake.items[0], &stored))
	assert.Equal(t, at.UnixNano(), stored.Timestamp)

	recs, err := d.ListAudits(ctx, "a")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "finance", recs[0].Actor)
	assert.Equal(t, 2, recs[0].ViolationsCleared)
	assert.True(t, recs[1].At.Equal(at))
}
