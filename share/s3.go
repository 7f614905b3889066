package share

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/stevecastle/wiggle/export"
)

// S3Options configures an S3Target. Endpoint selects an S3-compatible store
// and switches to path-style addressing.
type S3Options struct {
	Bucket          string
	Region          string
	Endpoint        string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
	Expires         time.Duration
}

type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type getPresigner interface {
	PresignGetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// S3Target uploads artifacts to a bucket and shares a presigned GET link.
type S3Target struct {
	bucket  string
	prefix  string
	expires time.Duration
	put     objectPutter
	presign getPresigner
}

// NewS3Target builds a target from opts. Static keys are used when given,
// otherwise the default AWS credential chain.
func NewS3Target(ctx context.Context, opts S3Options) (*S3Target, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("%w: no bucket configured", ErrUnavailable)
	}
	loaders := []func(*awsconfig.LoadOptions) error{}
	if opts.Region != "" {
		loaders = append(loaders, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loaders = append(loaders, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3Target(opts, client, s3.NewPresignClient(client)), nil
}

func newS3Target(opts S3Options, put objectPutter, presign getPresigner) *S3Target {
	expires := opts.Expires
	if expires <= 0 {
		expires = time.Hour
	}
	return &S3Target{
		bucket:  opts.Bucket,
		prefix:  strings.Trim(opts.Prefix, "/"),
		expires: expires,
		put:     put,
		presign: presign,
	}
}

// Key is the object key for an artifact.
func (t *S3Target) Key(art *export.Artifact) string {
	name := uuid.NewString() + "/" + DownloadName(art)
	if t.prefix == "" {
		return name
	}
	return path.Join(t.prefix, name)
}

// Share uploads the artifact and returns a presigned download URL.
func (t *S3Target) Share(ctx context.Context, art *export.Artifact) (string, error) {
	f, err := os.Open(art.Path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	key := t.Key(art)
	_, err = t.put.PutObject(ctx, &s3.PutObjectInput{
		Bucket:             aws.String(t.bucket),
		Key:                aws.String(key),
		Body:               f,
		ContentLength:      aws.Int64(art.Bytes),
		ContentType:        aws.String(art.MIME),
		ContentDisposition: aws.String(fmt.Sprintf("attachment; filename=%q", DownloadName(art))),
	})
	if err != nil {
		return "", classify("put object", err)
	}
	req, err := t.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(t.expires))
	if err != nil {
		return "", classify("presign", err)
	}
	return req.URL, nil
}

// classify maps cancellation to ErrCancelled and labels service errors.
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, ErrCancelled)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchBucket", "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return fmt.Errorf("%w: %s: %s", ErrUnavailable, op, apiErr.ErrorMessage())
		}
		return fmt.Errorf("s3 %s: %s: %w", op, apiErr.ErrorCode(), err)
	}
	return fmt.Errorf("s3 %s: %w", op, err)
}
