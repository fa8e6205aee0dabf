package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config holds the settings for an S3-backed archive.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string // optional custom endpoint (MinIO, LocalStack)
	Prefix   string // optional key prefix, e.g. "checkpoints/"
}

// S3Archive stores checkpoints as S3 objects. S3 overwrites are atomic on
// their own, so no rename dance is needed here.
type S3Archive struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Archive builds the archive from the default AWS credential chain.
func NewS3Archive(ctx context.Context, cfg S3Config) (*S3Archive, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("checkpoint: s3 archive needs a bucket")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("checkpoint: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // MinIO and LocalStack want path-style addressing
		}
	})
	return &S3Archive{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (a *S3Archive) Put(ctx context.Context, doc *Document) (string, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("checkpoint: marshal document: %w", err)
	}
	name := objectName(doc)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(a.prefix + name),
		Body:        bytes.NewReader(raw),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("checkpoint: s3 put %s: %w", name, err)
	}
	return name, nil
}

func (a *S3Archive) Get(ctx context.Context, name string) (*Document, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.prefix + name),
	})
	if err != nil {
		return nil, fmt.Errorf("checkpoint: s3 get %s: %w", name, err)
	}
	defer out.Body.Close()
	raw, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: s3 read %s: %w", name, err)
	}
	return decode(raw)
}

func (a *S3Archive) List(ctx context.Context) ([]string, error) {
	var names []string
	var token *string
	for {
		out, err := a.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(a.bucket),
			Prefix:            aws.String(a.prefix + namePrefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("checkpoint: s3 list: %w", err)
		}
		for _, obj := range out.Contents {
			names = append(names, strings.TrimPrefix(aws.ToString(obj.Key), a.prefix))
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}
	sort.Strings(names)
	return names, nil
}

func (a *S3Archive) Latest(ctx context.Context) (*Document, string, error) {
	return latest(ctx, a)
}
