package source

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/time/rate"
)

// S3Params is the parameter shape of the "s3" kind.
type S3Params struct {
	Bucket string `json:"bucket"`
	Prefix string `json:"prefix,omitempty"`
	Region string `json:"region,omitempty"`
}

type s3ListAPI interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

type s3Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// S3Adapter pages an S3 bucket listing and emits candidate items whose
// download URLs are presigned GETs. Credentials come from the AWS default
// chain; without credentials in the environment the client is anonymous,
// which suffices for public buckets.
type S3Adapter struct {
	opts Options

	// clients builds the list and presign clients; tests replace it.
	clients func(ctx context.Context, region string) (s3ListAPI, s3Presigner, error)
}

// NewS3Adapter returns the s3 adapter.
func NewS3Adapter(opts Options) *S3Adapter {
	return &S3Adapter{opts: opts, clients: newS3Clients}
}

func newS3Clients(ctx context.Context, region string) (s3ListAPI, s3Presigner, error) {
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	return client, s3.NewPresignClient(client), nil
}

func (a *S3Adapter) Kind() string { return "s3" }

func (a *S3Adapter) ValidateParams(params json.RawMessage) error {
	var p S3Params
	if err := json.Unmarshal(params, &p); err != nil {
		return fmt.Errorf("invalid s3 params: %w", err)
	}
	if p.Bucket == "" {
		return fmt.Errorf("s3 params: bucket is required")
	}
	return nil
}

func (a *S3Adapter) FetchBatches(ctx context.Context, params json.RawMessage, limit int, emit EmitFunc) error {
	var p S3Params
	if err := json.Unmarshal(params, &p); err != nil {
		return fmt.Errorf("invalid s3 params: %w", err)
	}

	listClient, presigner, err := a.clients(ctx, p.Region)
	if err != nil {
		return err
	}

	limiter := rate.NewLimiter(rate.Limit(1), 1)
	seen := dedup{}
	inspected := 0

	paginator := s3.NewListObjectsV2Paginator(listClient, &s3.ListObjectsV2Input{
		Bucket: aws.String(p.Bucket),
		Prefix: aws.String(p.Prefix),
	})

	for paginator.HasMorePages() && inspected < limit {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("failed to list bucket %s: %w", p.Bucket, err)
		}

		var batch Batch
		for _, obj := range page.Contents {
			if inspected >= limit {
				break
			}
			if obj.Key == nil || !isImageURL("s3://"+p.Bucket+"/"+*obj.Key) {
				continue
			}
			inspected++

			presigned, err := presigner.PresignGetObject(ctx, &s3.GetObjectInput{
				Bucket: aws.String(p.Bucket),
				Key:    obj.Key,
			}, s3.WithPresignExpires(1*time.Hour))
			if err != nil {
				return fmt.Errorf("failed to presign %s: %w", *obj.Key, err)
			}
			if !seen.add(presigned.URL) {
				continue
			}

			item := Item{
				DownloadURL: presigned.URL,
				WebsiteURL:  "s3://" + p.Bucket + "/" + *obj.Key,
				Title:       *obj.Key,
			}
			if obj.LastModified != nil {
				t := obj.LastModified.UTC()
				item.SourceCreatedAt = &t
			}
			batch = append(batch, item)
			if len(batch) == MaxBatchSize {
				if err := emit(ctx, batch); err != nil {
					return err
				}
				batch = nil
			}
		}
		if len(batch) > 0 {
			if err := emit(ctx, batch); err != nil {
				return err
			}
		}
	}
	return nil
}
