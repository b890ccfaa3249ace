// Package s3 is the S3-compatible adapter, built on the official aws
// client library. It works against AWS itself and against path-style
// compatible endpoints (MinIO, R2, Ceph RGW).
//
// Because S3 is a key/value store, directories are an abstraction: listing
// uses the delimiter convention and CreateDirectory writes a zero-byte
// marker key.
package s3

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"github.com/filehub/filehub/storage/driver"
	"github.com/filehub/filehub/storage/driver/registry"
)

const driverName = "S3"

// listMax is the S3 page-size ceiling.
const listMax = 1000

const defaultURLExpiry = 15 * time.Minute

func init() {
	registry.Register(registry.Registration{
		Type:        driverName,
		DisplayName: "S3-Compatible Storage",
		Capabilities: driver.Capabilities{
			driver.CapReader, driver.CapWriter, driver.CapDirectLink,
			driver.CapMultipart, driver.CapPagedList,
		},
		Options: []registry.Option{
			{Name: "bucket", Type: registry.OptionString, Required: true},
			{Name: "region", Type: registry.OptionString, Default: "us-east-1"},
			{Name: "endpoint", Type: registry.OptionString, Rule: registry.RuleURL},
			{Name: "force_path_style", Type: registry.OptionBoolean, Default: false},
			{Name: "default_folder", Type: registry.OptionString},
			{Name: "part_size", Type: registry.OptionNumber, Default: 16 * 1024 * 1024},
			{Name: "access_key_id", Type: registry.OptionSecret, RequiredOnCreate: true},
			{Name: "secret_access_key", Type: registry.OptionSecret, RequiredOnCreate: true},
		},
		New: func(ctx context.Context, cfg registry.Config, secret registry.Config) (driver.Driver, error) {
			return newDriver(cfg, secret)
		},
	})
}

// Driver serves one bucket.
type Driver struct {
	client   *s3.S3
	uploader *s3manager.Uploader
	bucket   string
	partSize int64
}

var (
	_ driver.Driver       = (*Driver)(nil)
	_ driver.Reader       = (*Driver)(nil)
	_ driver.Writer       = (*Driver)(nil)
	_ driver.DirectLinker = (*Driver)(nil)
	_ driver.Multiparter  = (*Driver)(nil)
)

func newDriver(cfg registry.Config, secret registry.Config) (*Driver, error) {
	bucket, _ := cfg["bucket"].(string)
	if bucket == "" {
		return nil, driver.InvalidPathError{Path: "bucket", DriverName: driverName}
	}
	region, _ := cfg["region"].(string)
	if region == "" {
		region = "us-east-1"
	}

	awsCfg := aws.NewConfig().WithRegion(region)
	if endpoint, _ := cfg["endpoint"].(string); endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(endpoint)
	}
	if truthy(cfg["force_path_style"]) {
		awsCfg = awsCfg.WithS3ForcePathStyle(true)
	}

	accessKey, _ := secret["access_key_id"].(string)
	secretKey, _ := secret["secret_access_key"].(string)
	if accessKey != "" {
		awsCfg = awsCfg.WithCredentials(credentials.NewStaticCredentials(accessKey, secretKey, ""))
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, driver.Error{DriverName: driverName, Enclosed: err}
	}

	client := s3.New(sess)
	partSize := int64(16 * 1024 * 1024)
	if n, ok := cfg["part_size"].(float64); ok && int64(n) >= s3manager.MinUploadPartSize {
		partSize = int64(n)
	}

	return &Driver{
		client: client,
		uploader: s3manager.NewUploaderWithClient(client, func(u *s3manager.Uploader) {
			u.PartSize = partSize
		}),
		bucket:   bucket,
		partSize: partSize,
	}, nil
}

func truthy(raw interface{}) bool {
	switch v := raw.(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case int:
		return v != 0
	case string:
		return v == "true" || v == "1"
	}
	return false
}

// Type implements driver.Driver.
func (d *Driver) Type() string { return driverName }

// Capabilities implements driver.Driver.
func (d *Driver) Capabilities() driver.Capabilities {
	return driver.Capabilities{
		driver.CapReader, driver.CapWriter, driver.CapDirectLink,
		driver.CapMultipart, driver.CapPagedList,
	}
}

// key maps a backend subPath to an object key, no leading slash.
func (d *Driver) key(subPath string) string {
	return strings.TrimPrefix(path.Clean("/"+subPath), "/")
}

// ListDirectory implements driver.Reader via the delimiter convention.
func (d *Driver) ListDirectory(ctx context.Context, subPath string, opts driver.CallOptions) (*driver.Listing, error) {
	prefix := d.key(subPath)
	if prefix != "" {
		prefix += "/"
	}

	in := &s3.ListObjectsV2Input{
		Bucket:    aws.String(d.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
		MaxKeys:   aws.Int64(listMax),
	}
	if opts.PageToken != "" {
		in.ContinuationToken = aws.String(opts.PageToken)
	}

	out, err := d.client.ListObjectsV2WithContext(ctx, in)
	if err != nil {
		return nil, mapAWSError(err, subPath)
	}

	base := strings.TrimSuffix(opts.Path, "/")
	var items []driver.ListItem
	for _, cp := range out.CommonPrefixes {
		name := path.Base(strings.TrimSuffix(aws.StringValue(cp.Prefix), "/"))
		items = append(items, driver.ListItem{
			Path: base + "/" + name, Name: name, IsDirectory: true,
		})
	}
	for _, obj := range out.Contents {
		key := aws.StringValue(obj.Key)
		if key == prefix {
			continue // the directory marker itself
		}
		name := path.Base(key)
		size := aws.Int64Value(obj.Size)
		mod := aws.TimeValue(obj.LastModified)
		items = append(items, driver.ListItem{
			Path: base + "/" + name, Name: name, Size: &size, Modified: &mod,
		})
	}

	listing := &driver.Listing{Path: opts.Path, Type: "directory", Items: items}
	if aws.BoolValue(out.IsTruncated) {
		listing.NextPageToken = aws.StringValue(out.NextContinuationToken)
	}
	return listing, nil
}

// GetFileInfo implements driver.Reader. A key miss is retried as a prefix
// probe so directory abstractions stat correctly.
func (d *Driver) GetFileInfo(ctx context.Context, subPath string, opts driver.CallOptions) (*driver.FileInfo, error) {
	key := d.key(subPath)
	head, err := d.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(d.bucket), Key: aws.String(key),
	})
	if err == nil {
		size := aws.Int64Value(head.ContentLength)
		mod := aws.TimeValue(head.LastModified)
		return &driver.FileInfo{
			Path:        opts.Path,
			Name:        path.Base(opts.Path),
			Size:        &size,
			Modified:    &mod,
			ContentType: aws.StringValue(head.ContentType),
			ETag:        aws.StringValue(head.ETag),
		}, nil
	}
	if !isAWSNotFound(err) {
		return nil, mapAWSError(err, subPath)
	}

	out, lerr := d.client.ListObjectsV2WithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(d.bucket), Prefix: aws.String(key + "/"), MaxKeys: aws.Int64(1),
	})
	if lerr == nil && aws.Int64Value(out.KeyCount) > 0 {
		return &driver.FileInfo{Path: opts.Path, Name: path.Base(opts.Path), IsDirectory: true}, nil
	}
	return nil, driver.PathNotFoundError{Path: subPath, DriverName: driverName}
}

// DownloadFile implements driver.Reader.
func (d *Driver) DownloadFile(ctx context.Context, subPath string, opts driver.CallOptions) (*driver.StreamDescriptor, error) {
	key := d.key(subPath)
	head, err := d.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(d.bucket), Key: aws.String(key),
	})
	if err != nil {
		return nil, mapAWSError(err, subPath)
	}

	size := aws.Int64Value(head.ContentLength)
	mod := aws.TimeValue(head.LastModified)
	return &driver.StreamDescriptor{
		Size:         &size,
		ContentType:  aws.StringValue(head.ContentType),
		ETag:         aws.StringValue(head.ETag),
		LastModified: &mod,
		Open: func(ctx context.Context) (*driver.StreamHandle, error) {
			out, err := d.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
				Bucket: aws.String(d.bucket), Key: aws.String(key),
			})
			if err != nil {
				return nil, mapAWSError(err, subPath)
			}
			return &driver.StreamHandle{Reader: out.Body, UpstreamStatus: 200}, nil
		},
		OpenRange: func(ctx context.Context, rng driver.Range) (*driver.StreamHandle, error) {
			if rng.Start >= size {
				return nil, driver.InvalidOffsetError{Path: subPath, Offset: rng.Start, DriverName: driverName}
			}
			end := rng.End
			if end >= size {
				end = size - 1
			}
			out, err := d.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
				Bucket: aws.String(d.bucket),
				Key:    aws.String(key),
				Range:  aws.String(fmt.Sprintf("bytes=%d-%d", rng.Start, end)),
			})
			if err != nil {
				return nil, mapAWSError(err, subPath)
			}
			yes := true
			return &driver.StreamHandle{
				Reader:               out.Body,
				SupportsRange:        &yes,
				UpstreamStatus:       206,
				UpstreamContentRange: aws.StringValue(out.ContentRange),
			}, nil
		},
	}, nil
}

// UploadFile implements driver.Writer through the multipart-capable manager
// so unknown-size streams work.
func (d *Driver) UploadFile(ctx context.Context, subPath string, content io.Reader, size int64, opts driver.CallOptions) (*driver.UploadResult, error) {
	key := d.key(subPath)
	_, err := d.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
		Body:   content,
	})
	if err != nil {
		return nil, mapAWSError(err, subPath)
	}
	return &driver.UploadResult{Success: true, StoragePath: "/" + key}, nil
}

// UpdateFile implements driver.Writer.
func (d *Driver) UpdateFile(ctx context.Context, subPath string, content io.Reader, size int64, opts driver.CallOptions) (*driver.UpdateResult, error) {
	key := d.key(subPath)
	if _, err := d.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(d.bucket), Key: aws.String(key),
	}); err != nil {
		return nil, mapAWSError(err, subPath)
	}
	if _, err := d.UploadFile(ctx, subPath, content, size, opts); err != nil {
		return nil, err
	}
	return &driver.UpdateResult{Success: true, Path: opts.Path}, nil
}

// CreateDirectory implements driver.Writer with a zero-byte marker key.
func (d *Driver) CreateDirectory(ctx context.Context, subPath string, opts driver.CallOptions) (*driver.CreateDirResult, error) {
	marker := d.key(subPath) + "/"
	if _, err := d.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(d.bucket), Key: aws.String(marker),
	}); err == nil {
		return &driver.CreateDirResult{Success: true, Path: opts.Path, AlreadyExists: true}, nil
	}
	_, err := d.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(d.bucket), Key: aws.String(marker), Body: strings.NewReader(""),
	})
	if err != nil {
		return nil, mapAWSError(err, subPath)
	}
	return &driver.CreateDirResult{Success: true, Path: opts.Path}, nil
}

// RenameItem implements driver.Writer as copy-then-delete over the key or
// prefix.
func (d *Driver) RenameItem(ctx context.Context, oldSub, newSub string, pair driver.RenamePair) (*driver.RenameResult, error) {
	oldKey, newKey := d.key(oldSub), d.key(newSub)

	keys, err := d.keysUnder(ctx, oldKey)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, driver.PathNotFoundError{Path: oldSub, DriverName: driverName}
	}

	for _, k := range keys {
		target := newKey + strings.TrimPrefix(k, oldKey)
		if _, err := d.client.CopyObjectWithContext(ctx, &s3.CopyObjectInput{
			Bucket:     aws.String(d.bucket),
			Key:        aws.String(target),
			CopySource: aws.String(d.bucket + "/" + k),
		}); err != nil {
			return nil, mapAWSError(err, oldSub)
		}
	}
	if err := d.deleteKeys(ctx, keys); err != nil {
		return nil, err
	}
	return &driver.RenameResult{Success: true, Source: pair.Source, Target: pair.Target}, nil
}

// CopyItem implements driver.Writer with a server-side object copy.
func (d *Driver) CopyItem(ctx context.Context, srcSub, dstSub string, pair driver.RenamePair) (*driver.CopyResult, error) {
	srcKey, dstKey := d.key(srcSub), d.key(dstSub)

	if _, err := d.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(d.bucket), Key: aws.String(dstKey),
	}); err == nil {
		return &driver.CopyResult{
			Status:  driver.CopySkipped,
			Source:  pair.Source,
			Target:  pair.Target,
			Skipped: true,
			Reason:  "target already exists",
		}, nil
	}

	if _, err := d.client.CopyObjectWithContext(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(d.bucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(d.bucket + "/" + srcKey),
	}); err != nil {
		return nil, mapAWSError(err, srcSub)
	}
	return &driver.CopyResult{Status: driver.CopySuccess, Source: pair.Source, Target: pair.Target}, nil
}

// BatchRemoveItems implements driver.Writer with DeleteObjects batches.
func (d *Driver) BatchRemoveItems(ctx context.Context, subPaths []string, opts driver.CallOptions) (*driver.BatchRemoveResult, error) {
	res := &driver.BatchRemoveResult{Failed: []driver.BatchRemoveFailure{}}
	for _, sub := range subPaths {
		keys, err := d.keysUnder(ctx, d.key(sub))
		if err != nil {
			res.Failed = append(res.Failed, driver.BatchRemoveFailure{Path: sub, Error: err.Error()})
			continue
		}
		if len(keys) == 0 {
			res.Failed = append(res.Failed, driver.BatchRemoveFailure{Path: sub, Error: "not found"})
			continue
		}
		if err := d.deleteKeys(ctx, keys); err != nil {
			res.Failed = append(res.Failed, driver.BatchRemoveFailure{Path: sub, Error: err.Error()})
			continue
		}
		res.Succeeded++
	}
	return res, nil
}

// GenerateDownloadURL implements driver.DirectLinker with a presigned GET.
func (d *Driver) GenerateDownloadURL(ctx context.Context, subPath string, opts driver.CallOptions) (*driver.DownloadURL, error) {
	req, _ := d.client.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(d.bucket), Key: aws.String(d.key(subPath)),
	})
	url, err := req.Presign(defaultURLExpiry)
	if err != nil {
		return nil, mapAWSError(err, subPath)
	}
	at := time.Now().Add(defaultURLExpiry)
	return &driver.DownloadURL{
		URL:       url,
		Type:      "native_direct",
		ExpiresIn: int64(defaultURLExpiry.Seconds()),
		ExpiresAt: &at,
	}, nil
}

// keysUnder returns the exact key (when it exists) or every key under its
// prefix.
func (d *Driver) keysUnder(ctx context.Context, key string) ([]string, error) {
	if _, err := d.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(d.bucket), Key: aws.String(key),
	}); err == nil {
		return []string{key}, nil
	}

	var keys []string
	in := &s3.ListObjectsV2Input{
		Bucket: aws.String(d.bucket), Prefix: aws.String(key + "/"), MaxKeys: aws.Int64(listMax),
	}
	for {
		out, err := d.client.ListObjectsV2WithContext(ctx, in)
		if err != nil {
			return nil, mapAWSError(err, key)
		}
		for _, obj := range out.Contents {
			keys = append(keys, aws.StringValue(obj.Key))
		}
		if !aws.BoolValue(out.IsTruncated) {
			return keys, nil
		}
		in.ContinuationToken = out.NextContinuationToken
	}
}

func (d *Driver) deleteKeys(ctx context.Context, keys []string) error {
	for len(keys) > 0 {
		batch := keys
		if len(batch) > listMax {
			batch = batch[:listMax]
		}
		keys = keys[len(batch):]

		objects := make([]*s3.ObjectIdentifier, len(batch))
		for i, k := range batch {
			objects[i] = &s3.ObjectIdentifier{Key: aws.String(k)}
		}
		if _, err := d.client.DeleteObjectsWithContext(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(d.bucket),
			Delete: &s3.Delete{Objects: objects, Quiet: aws.Bool(true)},
		}); err != nil {
			return mapAWSError(err, batch[0])
		}
	}
	return nil
}

func isAWSNotFound(err error) bool {
	if aerr, ok := err.(awserr.RequestFailure); ok {
		return aerr.StatusCode() == 404
	}
	if aerr, ok := err.(awserr.Error); ok {
		return aerr.Code() == s3.ErrCodeNoSuchKey || aerr.Code() == "NotFound"
	}
	return false
}

func mapAWSError(err error, path string) error {
	if isAWSNotFound(err) {
		return driver.PathNotFoundError{Path: path, DriverName: driverName}
	}
	if aerr, ok := err.(awserr.RequestFailure); ok {
		if aerr.StatusCode() == 403 {
			return driver.AccessDeniedError{Path: path, DriverName: driverName, Message: aerr.Message()}
		}
		return driver.Error{DriverName: driverName, Status: aerr.StatusCode(), Enclosed: err}
	}
	return driver.Error{DriverName: driverName, Enclosed: err}
}
