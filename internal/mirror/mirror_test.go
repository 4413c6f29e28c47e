package mirror

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type fakeS3 struct {
	objects map[string][]byte
	err     error
}

func (f *fakeS3) PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	data, err := io.ReadAll(input.Body)
	if err != nil {
		return nil, err
	}
	if f.objects == nil {
		f.objects = make(map[string][]byte)
	}
	f.objects[*input.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func TestNewDisabledWithoutCredentials(t *testing.T) {
	if u := New(Config{Bucket: "b"}, slog.Default()); u != nil {
		t.Error("expected nil Uploader when credentials are missing")
	}
	if u := New(Config{AccessKey: "k", SecretKey: "s"}, slog.Default()); u != nil {
		t.Error("expected nil Uploader when bucket is missing")
	}
}

func TestUpload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "IMG_1.jpg")
	if err := os.WriteFile(path, []byte("pixels"), 0o644); err != nil {
		t.Fatal(err)
	}

	fake := &fakeS3{}
	u := &Uploader{client: fake, bucket: "media", logger: slog.Default()}

	if err := u.Upload(context.Background(), path, "Photos/2024/IMG_1.jpg"); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if got := string(fake.objects["Photos/2024/IMG_1.jpg"]); got != "pixels" {
		t.Errorf("stored object = %q, want %q", got, "pixels")
	}
}

func TestUploadErrorClassified(t *testing.T) {
	path := filepath.Join(t.TempDir(), "IMG_1.jpg")
	if err := os.WriteFile(path, []byte("pixels"), 0o644); err != nil {
		t.Fatal(err)
	}

	u := &Uploader{client: &fakeS3{err: errors.New("denied")}, bucket: "media", logger: slog.Default()}

	err := u.Upload(context.Background(), path, "k")
	var ue *UploadError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UploadError, got %v", err)
	}
	if ue.Key != "k" {
		t.Errorf("key = %q, want k", ue.Key)
	}
}

func TestUploadMissingFile(t *testing.T) {
	u := &Uploader{client: &fakeS3{}, bucket: "media", logger: slog.Default()}
	if err := u.Upload(context.Background(), "/nonexistent/file.jpg", "k"); err == nil {
		t.Error("expected error for missing local file")
	}
}
