package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("<html></html>")
	uri, err := store.PutObject(context.Background(), "scans/t1/abc.html", "text/html", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://scans/t1/abc.html", uri)

	payload[0] = 'X'
	data, contentType, ok := store.Object("scans/t1/abc.html")
	require.True(t, ok)
	require.Equal(t, "<html></html>", string(data))
	require.Equal(t, "text/html", contentType)
	require.Equal(t, 1, store.Len())
}

func TestBlobStoreRejectsEmptyPath(t *testing.T) {
	t.Parallel()

	_, err := NewBlobStore().PutObject(context.Background(), " ", "text/html", bytes.NewReader(nil))
	require.Error(t, err)
}
