package cloud

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/ANIKETSHETTY47/energy-hub-engine/internal/domain"
	"github.com/ANIKETSHETTY47/energy-hub-engine/internal/engine"
)

type dynamoAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// DynamoAudit stores administrative audit records. The table is keyed by
// tenantId (partition) and timestamp (sort, unix nanoseconds).
type DynamoAudit struct {
	svc   dynamoAPI
	table string
}

var _ engine.AuditSink = (*DynamoAudit)(nil)

func NewDynamoAudit(cfg aws.Config, table string) *DynamoAudit {
	return &DynamoAudit{svc: dynamodb.NewFromConfig(cfg), table: table}
}

type auditItem struct {
	TenantID          string `dynamodbav:"tenantId"`
	Timestamp         int64  `dynamodbav:"timestamp"`
	AuditID           string `dynamodbav:"auditId"`
	Action            string `dynamodbav:"action"`
	HubID             string `dynamodbav:"hubId"`
	Actor             string `dynamodbav:"actor"`
	Reason            string `dynamodbav:"reason"`
	ViolationsCleared int    `dynamodbav:"violationsCleared"`
}

func toAuditItem(rec domain.AuditRecord) auditItem {
	return auditItem{
		TenantID:          rec.TenantID,
		Timestamp:         rec.At.UnixNano(),
		AuditID:           rec.ID,
		Action:            rec.Action,
		HubID:             rec.HubID,
		Actor:             rec.Actor,
		Reason:            rec.Reason,
		ViolationsCleared: rec.ViolationsCleared,
	}
}

func (it auditItem) record() domain.AuditRecord {
	return domain.AuditRecord{
		ID:                it.AuditID,
		Action:            it.Action,
		TenantID:          it.TenantID,
		HubID:             it.HubID,
		Actor:             it.Actor,
		Reason:            it.Reason,
		ViolationsCleared: it.ViolationsCleared,
		At:                time.Unix(0, it.Timestamp).UTC(),
	}
}

func (c *DynamoAudit) RecordAudit(ctx context.Context, rec domain.AuditRecord) error {
	item, err := attributevalue.MarshalMap(toAuditItem(rec))
	if err != nil {
		return fmt.Errorf("failed to marshal audit record: %w", err)
	}
	_, err = c.svc.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.table),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to put audit record in DynamoDB: %w", err)
	}
	return nil
}

// ListAudits returns a tenant's audit trail, newest first.
func (c *DynamoAudit) ListAudits(ctx context.Context, tenantID string) ([]domain.AuditRecord, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.table),
		KeyConditionExpression: aws.String("tenantId = :tid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":tid": &types.AttributeValueMemberS{Value: tenantID},
		},
		ScanIndexForward: aws.Bool(false),
	}

	var out []domain.AuditRecord
	p := dynamodb.NewQueryPaginator(c.svc, in)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to query audit records: %w", err)
		}
		var items []auditItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, fmt.Errorf("failed to unmarshal audit records: %w", err)
		}
		for _, it := range items {
			out = append(out, it.record())
		}
	}
	return out, nil
}
