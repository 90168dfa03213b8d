package gcs

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	buf         bytes.Buffer
	contentType string
	closed      bool
	closeErr    error
}

func (w *recordingWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *recordingWriter) Close() error {
	w.closed = true
	return w.closeErr
}

func (w *recordingWriter) SetContentType(ct string) { w.contentType = ct }

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)
	_, err = newBlobStore(Config{}, nil)
	require.Error(t, err)
}

func TestPutObject(t *testing.T) {
	t.Parallel()

	w := &recordingWriter{}
	var gotBucket, gotPath string
	store, err := newBlobStore(Config{Bucket: "artifacts"}, func(_ context.Context, bucket, path string) objectWriter {
		gotBucket, gotPath = bucket, path
		return w
	})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "scans/t/abc.html", "text/html", strings.NewReader("<html/>"))
	require.NoError(t, err)
	require.Equal(t, "gs://artifacts/scans/t/abc.html", uri)
	require.Equal(t, "artifacts", gotBucket)
	require.Equal(t, "scans/t/abc.html", gotPath)
	require.Equal(t, "text/html", w.contentType)
	require.Equal(t, "<html/>", w.buf.String())
	require.True(t, w.closed)
}

func TestPutObjectCloseError(t *testing.T) {
	t.Parallel()

	w := &recordingWriter{closeErr: errors.New("quota exceeded")}
	store, err := newBlobStore(Config{Bucket: "b"}, func(context.Context, string, string) objectWriter { return w })
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "p", "", strings.NewReader("x"))
	require.ErrorContains(t, err, "quota exceeded")

	_, err = store.PutObject(context.Background(), "", "", strings.NewReader("x"))
	require.Error(t, err)
}
