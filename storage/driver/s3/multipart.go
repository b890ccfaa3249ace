package s3

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/filehub/filehub/storage/driver"
)

// The frontend multipart flow maps directly onto the native S3 one: the
// client gets one presigned URL per part and completes with the collected
// etags.

const partURLExpiry = time.Hour

// InitializeFrontendMultipartUpload implements driver.Multiparter.
func (d *Driver) InitializeFrontendMultipartUpload(ctx context.Context, subPath string, init driver.MultipartInit, opts driver.CallOptions) (*driver.MultipartInitResult, error) {
	out, err := d.client.CreateMultipartUploadWithContext(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(d.bucket),
		Key:         aws.String(d.key(subPath)),
		ContentType: nonEmpty(init.ContentType),
	})
	if err != nil {
		return nil, mapAWSError(err, subPath)
	}

	partSize := init.PartSize
	if partSize <= 0 {
		partSize = d.partSize
	}
	return &driver.MultipartInitResult{
		Success:   true,
		UploadID:  aws.StringValue(out.UploadId),
		Strategy:  driver.StrategyPerPartURL,
		PartSize:  partSize,
		ExpiresIn: int64(partURLExpiry.Seconds()),
	}, nil
}

// SignMultipartParts implements driver.Multiparter.
func (d *Driver) SignMultipartParts(ctx context.Context, subPath string, uploadID string, partNumbers []int, opts driver.CallOptions) (*driver.MultipartSignResult, error) {
	parts := make([]driver.SignedPart, 0, len(partNumbers))
	for _, n := range partNumbers {
		req, _ := d.client.UploadPartRequest(&s3.UploadPartInput{
			Bucket:     aws.String(d.bucket),
			Key:        aws.String(d.key(subPath)),
			UploadId:   aws.String(uploadID),
			PartNumber: aws.Int64(int64(n)),
		})
		url, err := req.Presign(partURLExpiry)
		if err != nil {
			return nil, mapAWSError(err, subPath)
		}
		parts = append(parts, driver.SignedPart{PartNumber: n, URL: url})
	}
	return &driver.MultipartSignResult{
		Success:  true,
		UploadID: uploadID,
		Strategy: driver.StrategyPerPartURL,
		Parts:    parts,
	}, nil
}

// ListMultipartUploads implements driver.Multiparter.
func (d *Driver) ListMultipartUploads(ctx context.Context, subPath string, opts driver.CallOptions) ([]driver.MultipartUpload, error) {
	prefix := d.key(subPath)
	out, err := d.client.ListMultipartUploadsWithContext(ctx, &s3.ListMultipartUploadsInput{
		Bucket: aws.String(d.bucket),
		Prefix: nonEmpty(prefix),
	})
	if err != nil {
		return nil, mapAWSError(err, subPath)
	}

	uploads := make([]driver.MultipartUpload, 0, len(out.Uploads))
	for _, u := range out.Uploads {
		uploads = append(uploads, driver.MultipartUpload{
			UploadID:  aws.StringValue(u.UploadId),
			Path:      "/" + aws.StringValue(u.Key),
			Initiated: aws.TimeValue(u.Initiated),
		})
	}
	return uploads, nil
}

// ListMultipartParts implements driver.Multiparter.
func (d *Driver) ListMultipartParts(ctx context.Context, subPath string, uploadID string, opts driver.CallOptions) ([]driver.MultipartPart, error) {
	out, err := d.client.ListPartsWithContext(ctx, &s3.ListPartsInput{
		Bucket:   aws.String(d.bucket),
		Key:      aws.String(d.key(subPath)),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		return nil, mapAWSError(err, subPath)
	}

	parts := make([]driver.MultipartPart, 0, len(out.Parts))
	for _, p := range out.Parts {
		parts = append(parts, driver.MultipartPart{
			PartNumber: int(aws.Int64Value(p.PartNumber)),
			Size:       aws.Int64Value(p.Size),
			ETag:       aws.StringValue(p.ETag),
		})
	}
	return parts, nil
}

// CompleteFrontendMultipartUpload implements driver.Multiparter.
func (d *Driver) CompleteFrontendMultipartUpload(ctx context.Context, subPath string, uploadID string, parts []driver.CompletedPart, opts driver.CallOptions) (*driver.MultipartCompleteResult, error) {
	completed := make([]*s3.CompletedPart, len(parts))
	for i, p := range parts {
		completed[i] = &s3.CompletedPart{
			PartNumber: aws.Int64(int64(p.PartNumber)),
			ETag:       aws.String(p.ETag),
		}
	}

	out, err := d.client.CompleteMultipartUploadWithContext(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(d.bucket),
		Key:             aws.String(d.key(subPath)),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &s3.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return nil, mapAWSError(err, subPath)
	}
	return &driver.MultipartCompleteResult{
		Success:     true,
		StoragePath: "/" + d.key(subPath),
		ETag:        aws.StringValue(out.ETag),
	}, nil
}

// AbortFrontendMultipartUpload implements driver.Multiparter.
func (d *Driver) AbortFrontendMultipartUpload(ctx context.Context, subPath string, uploadID string, opts driver.CallOptions) error {
	_, err := d.client.AbortMultipartUploadWithContext(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(d.bucket),
		Key:      aws.String(d.key(subPath)),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		return mapAWSError(err, subPath)
	}
	return nil
}

// ProxyFrontendMultipartChunk implements driver.Multiparter for clients that
// cannot reach the presigned endpoint directly. UploadPart needs a seekable
// body, so the chunk is buffered.
func (d *Driver) ProxyFrontendMultipartChunk(ctx context.Context, subPath string, uploadID string, partNumber int, body io.Reader, opts driver.CallOptions) (*driver.MultipartPart, error) {
	buf, err := io.ReadAll(body)
	if err != nil {
		return nil, driver.Error{DriverName: driverName, Enclosed: err}
	}

	out, err := d.client.UploadPartWithContext(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(d.bucket),
		Key:        aws.String(d.key(subPath)),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int64(int64(partNumber)),
		Body:       bytes.NewReader(buf),
	})
	if err != nil {
		return nil, mapAWSError(err, subPath)
	}
	return &driver.MultipartPart{
		PartNumber: partNumber,
		Size:       int64(len(buf)),
		ETag:       aws.StringValue(out.ETag),
	}, nil
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return aws.String(s)
}
