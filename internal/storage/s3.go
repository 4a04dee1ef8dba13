package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/vxg-embedded/cloud-agent/internal/clock"
)

// S3Client is the subset of *s3.Client the remote timeline needs, so
// tests can swap in a fake.
type S3Client interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// RemoteTimeline is a Timeline backed by an S3-compatible object store,
// keyed by spec.md §6's object-key layout:
// <prefix>/<YYYYMMDD>/<HH>/<packed-begin>_<packed-end>.<ext>
type RemoteTimeline struct {
	client S3Client
	bucket string
	prefix string
}

// NewRemoteTimeline builds a RemoteTimeline over an existing S3 client.
func NewRemoteTimeline(client S3Client, bucket, prefix string) *RemoteTimeline {
	return &RemoteTimeline{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

func (r *RemoteTimeline) keyPrefix(period clock.Period) string {
	if period.Begin.IsNull() {
		return r.prefix + "/"
	}
	return fmt.Sprintf("%s/%s/%s/", r.prefix, period.Begin.Std().Format("20060102"), period.Begin.Std().Format("15"))
}

func (r *RemoteTimeline) key(item Item) string {
	day := item.Period.Begin.Std().Format("20060102")
	hour := item.Period.Begin.Std().Format("15")
	return fmt.Sprintf("%s/%s/%s/%s_%s.%s", r.prefix, day, hour, item.Period.Begin.Packed(), item.Period.End.Packed(), extFor(item.MediaType))
}

// List pages through every object under the day/hour prefix of
// period.Begin (the whole store prefix when Begin is null), parsing their
// begin/end timestamps back out of the key name. Objects filed under other
// hours are not listed, even when their periods intersect period.
func (r *RemoteTimeline) List(ctx context.Context, period clock.Period) ([]Item, error) {
	var items []Item
	var token *string
	prefix := r.keyPrefix(period)
	for {
		out, err := r.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(r.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("storage: list %s/%s: %w", r.bucket, prefix, err)
		}
		for _, obj := range out.Contents {
			item, ok := parseObjectKey(*obj.Key)
			if !ok {
				continue
			}
			if !item.Period.Intersects(period) {
				continue
			}
			if obj.Size != nil {
				item.State = StateAsyncReady
			}
			items = append(items, item)
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		token = out.NextContinuationToken
	}
	return items, nil
}

func parseObjectKey(key string) (Item, bool) {
	parts := strings.Split(key, "/")
	if len(parts) < 2 {
		return Item{}, false
	}
	name := parts[len(parts)-1]
	base := name
	ext := "bin"
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		base = name[:i]
		ext = name[i+1:]
	}
	bounds := strings.SplitN(base, "_", 2)
	if len(bounds) != 2 {
		return Item{}, false
	}
	begin, err := clock.ParseAny(bounds[0])
	if err != nil {
		return Item{}, false
	}
	end, err := clock.ParseAny(bounds[1])
	if err != nil {
		return Item{}, false
	}
	category := "unknown"
	if len(parts) >= 4 {
		category = parts[0]
	}
	return Item{
		Period:    clock.NewPeriod(begin, end),
		Category:  category,
		MediaType: "application/octet-stream;ext=" + ext,
	}, true
}

// Load downloads item's payload.
func (r *RemoteTimeline) Load(ctx context.Context, item Item) (Item, error) {
	out, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(r.key(item)),
	})
	if err != nil {
		return item, fmt.Errorf("storage: get %s: %w", r.key(item), err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return item, err
	}
	item.Payload = data
	item.State = StateLoaded
	return item, nil
}

// Store uploads item synchronously.
func (r *RemoteTimeline) Store(ctx context.Context, item Item) error {
	_, err := r.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(r.key(item)),
		Body:   bytes.NewReader(item.Payload),
	})
	if err != nil {
		return fmt.Errorf("storage: put %s: %w", r.key(item), err)
	}
	return nil
}

// StoreAsync runs Store in a new goroutine and reports the outcome
// through done. The S3 SDK has no first-class async PUT, so this is the
// same "blocking call off the caller's goroutine" pattern C4
// (internal/httpclient) uses for its own DoAsync.
func (r *RemoteTimeline) StoreAsync(item Item, done DoneFunc, isCanceled CanceledFunc) {
	go func() {
		if isCanceled != nil && isCanceled() {
			done(false)
			return
		}
		err := r.Store(context.Background(), item)
		done(err == nil)
	}()
}
