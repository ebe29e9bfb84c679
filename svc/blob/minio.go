package blob

import (
	"bytes"
	"context"
	"io"
	"runbin/svc/util"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
)

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
	Region    string
}

// Minio stores each blob as one object. A single PutObject is atomic to
// readers.
type Minio struct {
	client *minio.Client
	bucket string
}

func NewMinio(ctx context.Context, c MinioConfig) (*Minio, error) {
	client, err := minio.New(c.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(c.AccessKey, c.SecretKey, ""),
		Secure: c.UseSSL,
		Region: c.Region,
	})
	if err != nil {
		return nil, errors.Wrap(err, "minio client")
	}
	m := &Minio{client: client, bucket: c.Bucket}
	if err := m.ensureBucket(ctx, c.Region); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Minio) ensureBucket(ctx context.Context, region string) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return errors.Wrapf(err, "check bucket %s", m.bucket)
	}
	if exists {
		return nil
	}
	if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		if ok, _ := m.client.BucketExists(ctx, m.bucket); ok {
			return nil
		}
		return errors.Wrapf(err, "create bucket %s", m.bucket)
	}
	util.Info().Str("bucket", m.bucket).Msg("created blob bucket")
	return nil
}

func (m *Minio) Put(ctx context.Context, key string, data []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	return errors.Wrap(err, "put object")
}

func (m *Minio) Get(ctx context.Context, key string) ([]byte, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, mapMinioErr(err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, mapMinioErr(err)
	}
	return data, nil
}

func (m *Minio) Delete(ctx context.Context, key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	err := m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{})
	if err != nil && errors.Cause(mapMinioErr(err)) != ErrNotFound {
		return errors.Wrap(err, "remove object")
	}
	return nil
}

func (m *Minio) Ping(ctx context.Context) error {
	ok, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return errors.Wrap(err, "minio ping")
	}
	if !ok {
		return errors.Errorf("bucket %s missing", m.bucket)
	}
	return nil
}

// GetObject reports a missing key lazily, on the first read.
func mapMinioErr(err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return ErrNotFound
	}
	return errors.Wrap(err, "get object")
}
