package blob

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/pkg/errors"
)

func TestMapMinioErr(t *testing.T) {
	nsk := minio.ErrorResponse{Code: "NoSuchKey", StatusCode: 404}
	if mapMinioErr(nsk) != ErrNotFound {
		t.Error("NoSuchKey should map to ErrNotFound")
	}
	if errors.Cause(mapMinioErr(errors.New("boom"))) == ErrNotFound {
		t.Error("generic error mapped to ErrNotFound")
	}
}

// Runs against a live server when MINIO_TEST_ENDPOINT is set.
func TestMinioRoundTrip(t *testing.T) {
	endpoint := os.Getenv("MINIO_TEST_ENDPOINT")
	if endpoint == "" {
		t.Skip("MINIO_TEST_ENDPOINT not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	m, err := NewMinio(ctx, MinioConfig{
		Endpoint:  endpoint,
		AccessKey: os.Getenv("MINIO_TEST_ACCESS_KEY"),
		SecretKey: os.Getenv("MINIO_TEST_SECRET_KEY"),
		Bucket:    "runbin-test",
	})
	if err != nil {
		t.Fatalf("NewMinio: %v", err)
	}
	data := []byte{0, 1, 2, 0xff}
	if err := m.Put(ctx, "t_r_a.py", data); err != nil {
		t.Fatal(err)
	}
	got, err := m.Get(ctx, "t_r_a.py")
	if err != nil || !bytes.Equal(got, data) {
		t.Fatalf("Get = %v %v", got, err)
	}
	if err := m.Delete(ctx, "t_r_a.py"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Get(ctx, "t_r_a.py"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}
