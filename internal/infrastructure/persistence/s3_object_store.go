package persistence

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/molpadia/molpadrive/internal/apperr"
	"github.com/molpadia/molpadrive/internal/domain/entity"
)

const (
	// Largest object CopyObject accepts in a single request.
	maxSingleCopySize int64 = 5 << 30
	copyPartSize      int64 = 512 << 20
)

type S3ObjectStore struct {
	s3     s3iface.S3API
	bucket string
}

func NewS3ObjectStore(sess *session.Session, bucket string) *S3ObjectStore {
	return &S3ObjectStore{s3: s3.New(sess), bucket: bucket}
}

// NewS3ObjectStoreWithClient wraps an existing S3 client.
func NewS3ObjectStoreWithClient(client s3iface.S3API, bucket string) *S3ObjectStore {
	return &S3ObjectStore{s3: client, bucket: bucket}
}

// Initiates a multipart upload and return an upload ID from remote AWS S3 storage.
func (o *S3ObjectStore) CreateMultipartUpload(ctx context.Context, key, contentType string) (string, error) {
	out, err := o.s3.CreateMultipartUploadWithContext(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(o.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", mapS3Error(err)
	}
	return aws.StringValue(out.UploadId), nil
}

// Presign an UploadPart request for one part.
func (o *S3ObjectStore) SignUploadPart(ctx context.Context, key, uploadID string, partNumber int64, ttl time.Duration) (string, error) {
	req, _ := o.s3.UploadPartRequest(&s3.UploadPartInput{
		Bucket:     aws.String(o.bucket),
		Key:        aws.String(key),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int64(partNumber),
	})
	req.SetContext(ctx)
	u, err := req.Presign(ttl)
	if err != nil {
		return "", fmt.Errorf("presign part %d: %w", partNumber, err)
	}
	return u, nil
}

// Upload a file part to remote AWS S3 storage.
func (o *S3ObjectStore) UploadPart(ctx context.Context, key, uploadID string, partNumber int64, body io.ReadSeeker, size int64) (string, error) {
	out, err := o.s3.UploadPartWithContext(ctx, &s3.UploadPartInput{
		Body:          body,
		Bucket:        aws.String(o.bucket),
		ContentLength: aws.Int64(size),
		Key:           aws.String(key),
		PartNumber:    aws.Int64(partNumber),
		UploadId:      aws.String(uploadID),
	})
	if err != nil {
		return "", mapS3Error(err)
	}
	return aws.StringValue(out.ETag), nil
}

// Mark the multipart upload as completed for the remote AWS S3 storage.
func (o *S3ObjectStore) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []*entity.Part) (*entity.CompletedObject, error) {
	fileParts := make([]*s3.CompletedPart, 0, len(parts))
	for _, part := range parts {
		fileParts = append(fileParts, &s3.CompletedPart{
			ETag:       aws.String(part.ETag),
			PartNumber: aws.Int64(part.PartNumber),
		})
	}
	out, err := o.s3.CompleteMultipartUploadWithContext(ctx, &s3.CompleteMultipartUploadInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(key),
		MultipartUpload: &s3.CompletedMultipartUpload{
			Parts: fileParts,
		},
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		return nil, mapS3Error(err)
	}
	return &entity.CompletedObject{
		Location: aws.StringValue(out.Location),
		ETag:     aws.StringValue(out.ETag),
	}, nil
}

func (o *S3ObjectStore) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	_, err := o.s3.AbortMultipartUploadWithContext(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(o.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	return mapS3Error(err)
}

func (o *S3ObjectStore) ListMultipartUploads(ctx context.Context, prefix string) ([]*entity.PendingUpload, error) {
	var uploads []*entity.PendingUpload
	err := o.s3.ListMultipartUploadsPagesWithContext(ctx, &s3.ListMultipartUploadsInput{
		Bucket: aws.String(o.bucket),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListMultipartUploadsOutput, lastPage bool) bool {
		for _, u := range page.Uploads {
			uploads = append(uploads, &entity.PendingUpload{
				Key:       aws.StringValue(u.Key),
				UploadID:  aws.StringValue(u.UploadId),
				Initiated: aws.TimeValue(u.Initiated),
			})
		}
		return true
	})
	if err != nil {
		return nil, mapS3Error(err)
	}
	return uploads, nil
}

func (o *S3ObjectStore) ListParts(ctx context.Context, key, uploadID string) ([]*entity.Part, error) {
	var parts []*entity.Part
	err := o.s3.ListPartsPagesWithContext(ctx, &s3.ListPartsInput{
		Bucket:   aws.String(o.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	}, func(page *s3.ListPartsOutput, lastPage bool) bool {
		for _, p := range page.Parts {
			parts = append(parts, &entity.Part{
				PartNumber: aws.Int64Value(p.PartNumber),
				ETag:       aws.StringValue(p.ETag),
				Size:       aws.Int64Value(p.Size),
			})
		}
		return true
	})
	if err != nil {
		return nil, mapS3Error(err)
	}
	return parts, nil
}

// Copy an object, switching to a multipart copy above the single request limit.
func (o *S3ObjectStore) CopyObject(ctx context.Context, srcKey, dstKey string, size int64) error {
	source := (&url.URL{Path: o.bucket + "/" + srcKey}).EscapedPath()
	if size <= maxSingleCopySize {
		_, err := o.s3.CopyObjectWithContext(ctx, &s3.CopyObjectInput{
			Bucket:     aws.String(o.bucket),
			Key:        aws.String(dstKey),
			CopySource: aws.String(source),
		})
		return mapS3Error(err)
	}
	return o.multipartCopy(ctx, source, dstKey, size)
}

func (o *S3ObjectStore) multipartCopy(ctx context.Context, source, dstKey string, size int64) (err error) {
	created, err := o.s3.CreateMultipartUploadWithContext(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(dstKey),
	})
	if err != nil {
		return mapS3Error(err)
	}
	uploadID := aws.StringValue(created.UploadId)
	defer func() {
		if err != nil {
			o.AbortMultipartUpload(context.WithoutCancel(ctx), dstKey, uploadID)
		}
	}()

	var parts []*entity.Part
	for n, offset := int64(1), int64(0); offset < size; n, offset = n+1, offset+copyPartSize {
		end := offset + copyPartSize - 1
		if end >= size {
			end = size - 1
		}
		out, err := o.s3.UploadPartCopyWithContext(ctx, &s3.UploadPartCopyInput{
			Bucket:          aws.String(o.bucket),
			Key:             aws.String(dstKey),
			UploadId:        aws.String(uploadID),
			PartNumber:      aws.Int64(n),
			CopySource:      aws.String(source),
			CopySourceRange: aws.String(fmt.Sprintf("bytes=%d-%d", offset, end)),
		})
		if err != nil {
			return mapS3Error(err)
		}
		parts = append(parts, &entity.Part{PartNumber: n, ETag: aws.StringValue(out.CopyPartResult.ETag)})
	}
	_, err = o.CompleteMultipartUpload(ctx, dstKey, uploadID, parts)
	return err
}

func (o *S3ObjectStore) DeleteObject(ctx context.Context, key string) error {
	_, err := o.s3.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(key),
	})
	return mapS3Error(err)
}

func (o *S3ObjectStore) GetObject(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := o.s3.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, mapS3Error(err)
	}
	return out.Body, nil
}

// Upload an entire file to remote AWS S3 storage.
func (o *S3ObjectStore) PutObject(ctx context.Context, key, contentType string, body io.ReadSeeker, size int64) error {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(o.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	_, err := o.s3.PutObjectWithContext(ctx, input)
	return mapS3Error(err)
}

// Translate missing-resource errors into NotFound; everything else is
// returned as is for the caller to classify.
func mapS3Error(err error) error {
	if err == nil {
		return nil
	}
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchUpload, s3.ErrCodeNoSuchKey, "NotFound":
			e := apperr.NotFound("%s", aerr.Message()).(*apperr.Error)
			e.Err = err
			return e
		}
	}
	return err
}
