package mirror

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ui-toolbox/icon-repository-sub000/internal/store"
)

type fakeObjects struct {
	buckets map[string]bool
	objects map[string][]byte
	types   map[string]string
	failPut bool
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{buckets: map[string]bool{}, objects: map[string][]byte{}, types: map[string]string{}}
}

func (f *fakeObjects) BucketExists(_ context.Context, bucket string) (bool, error) {
	return f.buckets[bucket], nil
}

func (f *fakeObjects) MakeBucket(_ context.Context, bucket string, _ minio.MakeBucketOptions) error {
	f.buckets[bucket] = true
	return nil
}

func (f *fakeObjects) PutObject(_ context.Context, bucket, object string, reader io.Reader, _ int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	if f.failPut {
		return minio.UploadInfo{}, errors.New("unavailable")
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	f.objects[bucket+"/"+object] = data
	f.types[bucket+"/"+object] = opts.ContentType
	return minio.UploadInfo{Bucket: bucket, Key: object}, nil
}

func (f *fakeObjects) RemoveObject(_ context.Context, bucket, object string, _ minio.RemoveObjectOptions) error {
	delete(f.objects, bucket+"/"+object)
	return nil
}

func (f *fakeObjects) CopyObject(_ context.Context, dst minio.CopyDestOptions, src minio.CopySrcOptions) (minio.UploadInfo, error) {
	data, ok := f.objects[src.Bucket+"/"+src.Object]
	if !ok {
		return minio.UploadInfo{}, errors.New("no such key")
	}
	f.objects[dst.Bucket+"/"+dst.Object] = data
	return minio.UploadInfo{Bucket: dst.Bucket, Key: dst.Object}, nil
}

func TestKeyMatchesWorkingTreeLayout(t *testing.T) {
	assert.Equal(t, "thin-crust/32cm/pizza@32cm.thin-crust", Key("pizza", store.IconfileDescriptor{Format: "thin-crust", Size: "32cm"}))
}

func TestPutRemoveRename(t *testing.T) {
	ctx := context.Background()
	objects := newFakeObjects()
	m := newMinIO(objects, "icons", nil)
	require.NoError(t, m.ensureBucket(ctx))
	assert.True(t, objects.buckets["icons"])

	svg := store.IconfileDescriptor{Format: "svg", Size: "24px"}
	png := store.IconfileDescriptor{Format: "png", Size: "48px"}
	require.NoError(t, m.Put(ctx, store.Iconfile{Name: "pizza", IconfileDescriptor: svg, Content: []byte("<svg/>")}))
	require.NoError(t, m.Put(ctx, store.Iconfile{Name: "pizza", IconfileDescriptor: png, Content: []byte("png")}))
	assert.Equal(t, "image/svg+xml", objects.types["icons/svg/24px/pizza@24px.svg"])
	assert.Equal(t, "image/png", objects.types["icons/png/48px/pizza@48px.png"])

	require.NoError(t, m.Rename(ctx, "pizza", "calzone", []store.IconfileDescriptor{svg, png}))
	assert.Equal(t, []byte("<svg/>"), objects.objects["icons/svg/24px/calzone@24px.svg"])
	assert.NotContains(t, objects.objects, "icons/svg/24px/pizza@24px.svg")

	require.NoError(t, m.Remove(ctx, "calzone", png))
	assert.Len(t, objects.objects, 1)

	err := m.Rename(ctx, "ghost", "spirit", []store.IconfileDescriptor{svg})
	assert.ErrorContains(t, err, "copy svg/24px/ghost@24px.svg")

	objects.failPut = true
	assert.Error(t, m.Put(ctx, store.Iconfile{Name: "x", IconfileDescriptor: svg}))
}
