// Package archive copies completed checklist snapshots to object storage.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/repairtrack/engine/internal/domain"
)

// PutObjectAPI is the slice of the S3 client the archiver uses.
type PutObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver writes each completed snapshot as a JSON object. It satisfies
// checklist.Archiver.
type S3Archiver struct {
	client PutObjectAPI
	bucket string
	prefix string
}

// New creates an S3Archiver on an existing client.
func New(client PutObjectAPI, bucket, prefix string) *S3Archiver {
	return &S3Archiver{client: client, bucket: bucket, prefix: prefix}
}

// NewS3 loads the default AWS configuration for region and returns an archiver.
func NewS3(ctx context.Context, region, bucket, prefix string) (*S3Archiver, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return New(s3.NewFromConfig(awsCfg), bucket, prefix), nil
}

// Key returns the object key for a snapshot: <prefix><job>/<template>.json.
// A later completion of the same checklist overwrites the earlier copy.
func (a *S3Archiver) Key(snap domain.ChecklistSnapshot) string {
	return a.prefix + path.Join(snap.JobID, snap.TemplateID+".json")
}

// Archive uploads snap.
func (a *S3Archiver) Archive(ctx context.Context, snap domain.ChecklistSnapshot) error {
	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(a.Key(snap)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", a.bucket, a.Key(snap), err)
	}
	return nil
}
