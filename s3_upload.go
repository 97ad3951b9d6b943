package drivewatch

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3PutObjectClient is satisfied by *s3.Client.
type S3PutObjectClient interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Uploader stages file content in Amazon S3.
type S3Uploader struct {
	client S3PutObjectClient
}

func NewS3Uploader(client S3PutObjectClient) *S3Uploader {
	return &S3Uploader{
		client: client,
	}
}

type UploadInput struct {
	Bucket      string
	Key         string
	Body        io.Reader
	ContentType string
	Metadata    map[string]string
}

type UploadOutput struct {
	S3URI string
	Size  int64
}

func (u *S3Uploader) Upload(ctx context.Context, input *UploadInput) (*UploadOutput, error) {
	// the body is buffered to send Content-Length
	buf, err := io.ReadAll(input.Body)
	if err != nil {
		return nil, fmt.Errorf("read body for s3://%s/%s: %w", input.Bucket, input.Key, err)
	}

	putInput := &s3.PutObjectInput{
		Bucket:        aws.String(input.Bucket),
		Key:           aws.String(input.Key),
		Body:          bytes.NewReader(buf),
		ContentLength: aws.Int64(int64(len(buf))),
		Metadata:      input.Metadata,
	}
	if input.ContentType != "" {
		putInput.ContentType = aws.String(input.ContentType)
	}

	if _, err := u.client.PutObject(ctx, putInput); err != nil {
		return nil, fmt.Errorf("upload to s3://%s/%s: %w", input.Bucket, input.Key, err)
	}

	return &UploadOutput{
		S3URI: fmt.Sprintf("s3://%s/%s", input.Bucket, input.Key),
		Size:  int64(len(buf)),
	}, nil
}
