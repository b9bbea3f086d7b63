package archive

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// s3Uploader uploads archive files to S3 using the transfer manager,
// which handles multipart upload for larger archives transparently.
type s3Uploader struct {
	uploader *manager.Uploader
}

// NewS3Uploader builds an Uploader backed by the default AWS credential
// chain, scoped to the given region.
func NewS3Uploader(ctx context.Context, region string) (Uploader, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg)
	return &s3Uploader{uploader: manager.NewUploader(client)}, nil
}

// Upload reads path and puts it at bucket/key.
func (u *s3Uploader) Upload(ctx context.Context, bucket, key, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening archive for upload: %w", err)
	}
	defer f.Close()

	_, err = u.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("uploading to s3: %w", err)
	}
	return nil
}
