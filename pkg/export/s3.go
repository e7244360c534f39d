package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/ethpandaops/dvtoor/pkg/config"
	"github.com/ethpandaops/dvtoor/pkg/runstore"
	"github.com/sirupsen/logrus"
)

const defaultS3Prefix = "dvtoor/runs"

// objectPutter is the subset of the S3 client the exporter uses.
type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// s3Exporter uploads one JSON object per run to S3-compatible storage.
type s3Exporter struct {
	log    logrus.FieldLogger
	cfg    *config.S3ExportConfig
	client objectPutter
}

// Ensure interface compliance.
var _ Exporter = (*s3Exporter)(nil)

// NewS3 creates an S3 exporter from the given configuration.
func NewS3(log logrus.FieldLogger, cfg *config.S3ExportConfig) Exporter {
	opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.Region != "" {
				o.Region = cfg.Region
			} else {
				o.Region = "us-east-1"
			}

			if cfg.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.EndpointURL)
			}

			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}

			if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
				o.Credentials = credentials.NewStaticCredentialsProvider(
					cfg.AccessKeyID, cfg.SecretAccessKey, "",
				)
			}
		},
	}

	return &s3Exporter{
		log:    log.WithField("component", "s3-exporter"),
		cfg:    cfg,
		client: s3.New(s3.Options{}, opts...),
	}
}

func (e *s3Exporter) Name() string {
	return "s3"
}

// Preflight verifies S3 connectivity by writing a small test object.
func (e *s3Exporter) Preflight(ctx context.Context) error {
	content := fmt.Sprintf("dvtoor write test: %s", time.Now().UTC().Format(time.RFC3339))

	_, err := e.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(e.cfg.Bucket),
		Key:         aws.String(e.prefix() + "/.dvtoor-write-test"),
		Body:        strings.NewReader(content),
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		return fmt.Errorf("writing test object to s3://%s: %w", e.cfg.Bucket, err)
	}

	return nil
}

func (e *s3Exporter) Export(ctx context.Context, run *runstore.Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encoding run: %w", err)
	}

	key := e.objectKey(run)

	input := &s3.PutObjectInput{
		Bucket:      aws.String(e.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	}

	if e.cfg.StorageClass != "" {
		input.StorageClass = s3types.StorageClass(e.cfg.StorageClass)
	}

	if e.cfg.ACL != "" {
		input.ACL = s3types.ObjectCannedACL(e.cfg.ACL)
	}

	if _, err := e.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("PutObject %s: %w", key, err)
	}

	e.log.WithFields(logrus.Fields{
		"key":    key,
		"bucket": e.cfg.Bucket,
	}).Info("Run results uploaded")

	return nil
}

func (e *s3Exporter) prefix() string {
	prefix := strings.TrimRight(e.cfg.Prefix, "/")
	if prefix == "" {
		return defaultS3Prefix
	}

	return prefix
}

// objectKey builds <prefix>/<category>/<run_id>.json.
func (e *s3Exporter) objectKey(run *runstore.Run) string {
	return e.prefix() + "/" + run.Category + "/" + run.ID + ".json"
}
