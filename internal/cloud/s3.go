package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/ANIKETSHETTY47/energy-hub-engine/internal/billing"
	"github.com/ANIKETSHETTY47/energy-hub-engine/internal/domain"
)

type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Archive keeps a JSON copy of every finalized billing period.
type S3Archive struct {
	svc    s3API
	bucket string
}

var _ billing.Archiver = (*S3Archive)(nil)

func NewS3Archive(cfg aws.Config, bucket string) *S3Archive {
	return &S3Archive{svc: s3.NewFromConfig(cfg), bucket: bucket}
}

func PeriodKey(hubID, periodID string) string {
	return fmt.Sprintf("billing/%s/%s.json", hubID, periodID)
}

func (c *S3Archive) ArchivePeriod(ctx context.Context, p billing.Period) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode period %s: %w", p.ID, err)
	}
	_, err = c.svc.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(PeriodKey(p.HubID, p.ID)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"finalized-at": finalizedAt(p),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upload to S3: %w", err)
	}
	return nil
}

// FetchPeriod reads an archived period back.
func (c *S3Archive) FetchPeriod(ctx context.Context, hubID, periodID string) (billing.Period, error) {
	out, err := c.svc.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(PeriodKey(hubID, periodID)),
	})
	if err != nil {
		var missing *types.NoSuchKey
		if errors.As(err, &missing) {
			return billing.Period{}, fmt.Errorf("%w: archived period %s", domain.ErrNotFound, periodID)
		}
		return billing.Period{}, fmt.Errorf("failed to download from S3: %w", err)
	}
	defer out.Body.Close()

	var p billing.Period
	if err := json.NewDecoder(out.Body).Decode(&p); err != nil {
		return billing.Period{}, fmt.Errorf("failed to read S3 object body: %w", err)
	}
	return p, nil
}

func finalizedAt(p billing.Period) string {
	if p.FinalizedAt == nil {
		return ""
	}
	return p.FinalizedAt.UTC().Format(time.RFC3339)
}
