// Package s3 serves blob containers from an S3-compatible bucket as file
// listings. A container is a key prefix inside the bucket.
package s3

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/Azure/BatchExplorer-sub004/internal/getter"
	"github.com/Azure/BatchExplorer-sub004/internal/logging"
	"github.com/Azure/BatchExplorer-sub004/internal/metrics"
	"github.com/Azure/BatchExplorer-sub004/pkg/models"
)

// Params keys understood by the store.
const (
	ParamContainer = "container"
	ParamPath      = "path"
)

// Config holds S3 connection settings.
type Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
}

// Store lists, heads and deletes blobs of one bucket.
type Store struct {
	client *s3.Client
	bucket string
}

// New connects to the bucket described by cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewWithClient(client, cfg.Bucket), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *s3.Client, bucket string) *Store {
	return &Store{client: client, bucket: bucket}
}

// Bucket returns the bucket name.
func (s *Store) Bucket() string { return s.bucket }

// cursor is the state behind an opaque nextLink.
type cursor struct {
	Container string `json:"c,omitempty"`
	Folder    string `json:"f,omitempty"`
	Recursive bool   `json:"r,omitempty"`
	Max       int32  `json:"m,omitempty"`
	Token     string `json:"t"`
}

func (c cursor) encode() string {
	data, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(data)
}

func decodeCursor(link string) (cursor, error) {
	var c cursor
	data, err := base64.RawURLEncoding.DecodeString(link)
	if err != nil {
		return c, fmt.Errorf("decode continuation: %w", err)
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("decode continuation: %w", err)
	}
	return c, nil
}

// List returns the first page of opts.Folder in the container named by
// params. Without Recursive, sub folders come back as directory entries.
func (s *Store) List(ctx context.Context, params models.Params, opts models.ListOptions) (getter.Page[models.File], error) {
	return s.list(ctx, cursor{
		Container: params[ParamContainer],
		Folder:    strings.Trim(opts.Folder, "/"),
		Recursive: opts.Recursive,
		Max:       int32(opts.MaxResults()),
	})
}

// ListNext follows a nextLink returned by List.
func (s *Store) ListNext(ctx context.Context, nextLink string) (getter.Page[models.File], error) {
	c, err := decodeCursor(nextLink)
	if err != nil {
		return getter.Page[models.File]{}, err
	}
	return s.list(ctx, c)
}

func (s *Store) list(ctx context.Context, c cursor) (getter.Page[models.File], error) {
	root := containerPrefix(c.Container)
	prefix := root
	if c.Folder != "" {
		prefix += c.Folder + "/"
	}
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	}
	if !c.Recursive {
		input.Delimiter = aws.String("/")
	}
	if c.Max > 0 {
		input.MaxKeys = aws.Int32(c.Max)
	}
	if c.Token != "" {
		input.ContinuationToken = aws.String(c.Token)
	}

	start := time.Now()
	out, err := s.client.ListObjectsV2(ctx, input)
	metrics.RecordS3Operation("list_objects", time.Since(start), err == nil)
	if err != nil {
		return getter.Page[models.File]{}, fmt.Errorf("list %s/%s: %w", s.bucket, prefix, translate(err))
	}

	page := getter.Page[models.File]{Items: make([]models.File, 0, len(out.CommonPrefixes)+len(out.Contents))}
	for _, p := range out.CommonPrefixes {
		name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(p.Prefix), root), "/")
		if name == "" {
			continue
		}
		page.Items = append(page.Items, models.File{Name: name, IsDirectory: true})
	}
	for _, obj := range out.Contents {
		key := aws.ToString(obj.Key)
		if key == prefix {
			continue
		}
		page.Items = append(page.Items, objectFile(strings.TrimPrefix(key, root), obj))
	}
	if aws.ToBool(out.IsTruncated) && aws.ToString(out.NextContinuationToken) != "" {
		c.Token = aws.ToString(out.NextContinuationToken)
		page.NextLink = c.encode()
	}
	logging.Debug("s3 list",
		logging.String("prefix", prefix),
		logging.Int("items", len(page.Items)),
		logging.Bool("more", page.NextLink != ""))
	return page, nil
}

func objectFile(name string, obj types.Object) models.File {
	f := models.File{
		Name:          strings.TrimSuffix(name, "/"),
		IsDirectory:   strings.HasSuffix(name, "/"),
		ContentLength: aws.ToInt64(obj.Size),
		ETag:          strings.Trim(aws.ToString(obj.ETag), `"`),
	}
	if obj.LastModified != nil {
		f.LastModified = *obj.LastModified
	}
	return f
}

// Head fetches the properties of the blob at params[ParamPath].
func (s *Store) Head(ctx context.Context, params models.Params) (models.File, error) {
	name := strings.Trim(params[ParamPath], "/")
	key := containerPrefix(params[ParamContainer]) + name

	start := time.Now()
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	metrics.RecordS3Operation("head_object", time.Since(start), err == nil)
	if err != nil {
		return models.File{}, fmt.Errorf("head %s: %w", key, translate(err))
	}

	f := models.File{
		Name:          name,
		ContentLength: aws.ToInt64(out.ContentLength),
		ContentType:   aws.ToString(out.ContentType),
		ETag:          strings.Trim(aws.ToString(out.ETag), `"`),
	}
	if out.LastModified != nil {
		f.LastModified = *out.LastModified
	}
	return f, nil
}

// Deleter returns a function deleting blobs of container by path.
func (s *Store) Deleter(container string) func(ctx context.Context, path string) error {
	return func(ctx context.Context, path string) error {
		return s.Delete(ctx, containerPrefix(container)+strings.Trim(path, "/"))
	}
}

// Delete removes the object at key.
func (s *Store) Delete(ctx context.Context, key string) error {
	start := time.Now()
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	metrics.RecordS3Operation("delete_object", time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, translate(err))
	}
	logging.Debug("s3 delete object", logging.String("key", key))
	return nil
}

func containerPrefix(container string) string {
	container = strings.Trim(container, "/")
	if container == "" {
		return ""
	}
	return container + "/"
}

// translate maps S3 "missing" errors onto getter.ErrNotFound.
func translate(err error) error {
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	var nsb *types.NoSuchBucket
	if errors.As(err, &nf) || errors.As(err, &nsk) || errors.As(err, &nsb) {
		return errors.Join(getter.ErrNotFound, err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey", "NoSuchBucket":
			return errors.Join(getter.ErrNotFound, err)
		}
	}
	return err
}
