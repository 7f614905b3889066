package share

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/stevecastle/wiggle/export"
)

func artifact(t *testing.T, format, mime string) *export.Artifact {
	t.Helper()
	p := filepath.Join(t.TempDir(), "job-output."+format)
	if err := os.WriteFile(p, []byte("artifact-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	return &export.Artifact{Path: p, Name: filepath.Base(p), Format: format, MIME: mime, Bytes: 14}
}

type sharerFunc func(ctx context.Context, art *export.Artifact) (string, error)

func (f sharerFunc) Share(ctx context.Context, art *export.Artifact) (string, error) { return f(ctx, art) }

func TestDeliverShareFirst(t *testing.T) {
	art := artifact(t, "gif", "image/gif")
	dir := t.TempDir()
	res, err := Deliver(context.Background(), art, sharerFunc(func(context.Context, *export.Artifact) (string, error) {
		return "https://example.test/wiggle.gif?sig=abc", nil
	}), dir)
	if err != nil {
		t.Fatal(err)
	}
	if res.Method != MethodShare || res.URL == "" {
		t.Fatalf("result = %+v", res)
	}
	if entries, _ := os.ReadDir(dir); len(entries) != 0 {
		t.Error("shared artifact was also downloaded")
	}
}

func TestDeliverCancelIsSuccess(t *testing.T) {
	art := artifact(t, "mp4", "video/mp4")
	dir := t.TempDir()
	res, err := Deliver(context.Background(), art, sharerFunc(func(context.Context, *export.Artifact) (string, error) {
		return "", ErrCancelled
	}), dir)
	if err != nil {
		t.Fatalf("cancelled share returned error %v", err)
	}
	if res.Method != MethodCancelled {
		t.Fatalf("method = %q", res.Method)
	}
	if entries, _ := os.ReadDir(dir); len(entries) != 0 {
		t.Error("cancelled share fell back to download")
	}
}

func TestDeliverFallsBackToDownload(t *testing.T) {
	art := artifact(t, "webm", "video/webm")
	dir := t.TempDir()
	for _, s := range []Sharer{
		nil,
		sharerFunc(func(context.Context, *export.Artifact) (string, error) { return "", ErrUnavailable }),
	} {
		res, err := Deliver(context.Background(), art, s, dir)
		if err != nil {
			t.Fatal(err)
		}
		if res.Method != MethodDownload {
			t.Fatalf("method = %q", res.Method)
		}
		data, err := os.ReadFile(res.Path)
		if err != nil || string(data) != "artifact-bytes" {
			t.Fatalf("downloaded %q, %v", data, err)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "wiggle.webm")); err != nil {
		t.Error("first download not named wiggle.webm")
	}
	if _, err := os.Stat(filepath.Join(dir, "wiggle (1).webm")); err != nil {
		t.Error("second download did not get a numbered name")
	}
}

type fakeS3 struct {
	putErr  error
	in      *s3.PutObjectInput
	body    string
	expires bool
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	f.in = in
	b, _ := io.ReadAll(in.Body)
	f.body = string(b)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) PresignGetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	var po s3.PresignOptions
	for _, o := range opts {
		o(&po)
	}
	f.expires = po.Expires > 0
	return &v4.PresignedHTTPRequest{URL: "https://bucket.test/" + *in.Key + "?X-Amz-Signature=x", Method: "GET"}, nil
}

func TestS3TargetShare(t *testing.T) {
	fake := &fakeS3{}
	target := newS3Target(S3Options{Bucket: "wiggles", Prefix: "/exports/"}, fake, fake)
	art := artifact(t, "gif", "image/gif")

	url, err := target.Share(context.Background(), art)
	if err != nil {
		t.Fatal(err)
	}
	key := *fake.in.Key
	if !strings.HasPrefix(key, "exports/") || !strings.HasSuffix(key, "/wiggle.gif") {
		t.Errorf("key = %q", key)
	}
	if *fake.in.Bucket != "wiggles" || *fake.in.ContentType != "image/gif" || fake.body != "artifact-bytes" {
		t.Errorf("put input = %+v body %q", fake.in, fake.body)
	}
	if !strings.Contains(url, key) || !fake.expires {
		t.Errorf("url = %q expires set = %v", url, fake.expires)
	}
}

func TestS3TargetErrors(t *testing.T) {
	art := artifact(t, "gif", "image/gif")
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"denied", &smithy.GenericAPIError{Code: "AccessDenied", Message: "nope"}, ErrUnavailable},
		{"cancelled", context.Canceled, ErrCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeS3{putErr: tt.err}
			_, err := newS3Target(S3Options{Bucket: "b"}, fake, fake).Share(context.Background(), art)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Share = %v; want %v", err, tt.want)
			}
		})
	}

	fake := &fakeS3{putErr: &smithy.GenericAPIError{Code: "SlowDown", Message: "busy"}}
	_, err := newS3Target(S3Options{Bucket: "b"}, fake, fake).Share(context.Background(), art)
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) || apiErr.ErrorCode() != "SlowDown" {
		t.Fatalf("unclassified error lost its API code: %v", err)
	}
}

func TestNewS3TargetRequiresBucket(t *testing.T) {
	if _, err := NewS3Target(context.Background(), S3Options{}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v", err)
	}
}
