package storage

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vxg-embedded/cloud-agent/internal/clock"
)

func mustParse(t *testing.T, s string) clock.Time {
	t.Helper()
	tm, err := clock.ParseAny(s)
	require.NoError(t, err)
	return tm
}

func TestLocalTimelineStoreListLoad(t *testing.T) {
	dir := t.TempDir()
	tl := NewLocalTimeline(dir)

	begin := mustParse(t, "20260101T000000.000000")
	end := mustParse(t, "20260101T000010.000000")
	item := Item{
		Period:    clock.NewPeriod(begin, end),
		Category:  "video",
		MediaType: "video/mp4",
		Payload:   []byte("hello"),
	}
	require.NoError(t, tl.Store(context.Background(), item))

	listed, err := tl.List(context.Background(), clock.NewPeriod(begin, end.Add(time.Hour)))
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "video", listed[0].Category)
	assert.True(t, listed[0].Period.Begin.Equal(begin))

	loaded, err := tl.Load(context.Background(), listed[0])
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), loaded.Payload)
	assert.Equal(t, StateLoaded, loaded.State)
}

func TestLocalTimelineListEmptyWhenMissing(t *testing.T) {
	tl := NewLocalTimeline(t.TempDir() + "/does-not-exist")
	items, err := tl.List(context.Background(), clock.NewPeriod(clock.Now(), clock.Now().Add(time.Hour)))
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestLocalTimelineStoreAsyncReportsDone(t *testing.T) {
	tl := NewLocalTimeline(t.TempDir())
	begin := mustParse(t, "20260101T000000.000000")
	end := mustParse(t, "20260101T000010.000000")
	item := Item{Period: clock.NewPeriod(begin, end), Category: "video", MediaType: "video/mp4", Payload: []byte("x")}

	done := make(chan bool, 1)
	tl.StoreAsync(item, func(ok bool) { done <- ok }, nil)

	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("store never completed")
	}
}

func TestLocalTimelineStoreAsyncHonorsCancellation(t *testing.T) {
	tl := NewLocalTimeline(t.TempDir())
	item := Item{Period: clock.NewPeriod(mustParse(t, "20260101T000000.000000"), mustParse(t, "20260101T000010.000000")), Category: "video", MediaType: "video/mp4"}

	done := make(chan bool, 1)
	tl.StoreAsync(item, func(ok bool) { done <- ok }, func() bool { return true })

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("store never completed")
	}
}

type fakeS3 struct {
	objects map[string][]byte
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	var contents []types.Object
	prefix := aws.ToString(params.Prefix)
	for k, v := range f.objects {
		if len(k) < len(prefix) || k[:len(prefix)] != prefix {
			continue
		}
		size := int64(len(v))
		contents = append(contents, types.Object{Key: aws.String(k), Size: &size})
	}
	falseVal := false
	return &s3.ListObjectsV2Output{Contents: contents, IsTruncated: &falseVal}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body := params.Body
	buf := make([]byte, 0, 1024)
	tmp := make([]byte, 256)
	for {
		n, err := body.Read(tmp)
		buf = append(buf, tmp[:n]...)
		if err != nil {
			break
		}
	}
	f.objects[aws.ToString(params.Key)] = buf
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, assert.AnError
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func TestRemoteTimelineStoreListLoad(t *testing.T) {
	client := &fakeS3{objects: map[string][]byte{}}
	rt := NewRemoteTimeline(client, "bucket", "cam-1")

	begin := mustParse(t, "20260101T000000.000000")
	end := mustParse(t, "20260101T000010.000000")
	item := Item{Period: clock.NewPeriod(begin, end), Category: "video", MediaType: "video/mp4", Payload: []byte("payload")}

	require.NoError(t, rt.Store(context.Background(), item))

	listed, err := rt.List(context.Background(), clock.NewPeriod(begin, end.Add(time.Hour)))
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.True(t, listed[0].Period.Begin.Equal(begin))

	loaded, err := rt.Load(context.Background(), listed[0])
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), loaded.Payload)
}
