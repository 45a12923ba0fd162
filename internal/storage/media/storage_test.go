package media

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}

func TestStorage_FetchCachesDownload(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write(pngHeader)
	}))
	defer srv.Close()

	s, err := NewStorage(t.TempDir(), time.Hour, zap.NewNop())
	require.NoError(t, err)
	defer s.Close()

	url := srv.URL + "/banner.png?v=1"
	first, err := s.Fetch(context.Background(), url)
	require.NoError(t, err)
	assert.Equal(t, "image/png", first.Mimetype)
	assert.Equal(t, "banner.png", first.FileName)

	second, err := s.Fetch(context.Background(), url)
	require.NoError(t, err)
	assert.Equal(t, first.Data, second.Data)
	assert.Equal(t, int32(1), hits.Load())
}

func TestStorage_FetchHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	s, err := NewStorage(t.TempDir(), time.Hour, zap.NewNop())
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Fetch(context.Background(), srv.URL+"/missing.pdf")
	assert.Error(t, err)
}

func TestFileNameFromURL(t *testing.T) {
	assert.Equal(t, "report.pdf", fileNameFromURL("https://cdn.example.com/files/report.pdf?token=abc"))
	assert.Equal(t, "", fileNameFromURL("https://cdn.example.com/files/"))
	assert.Equal(t, "", fileNameFromURL("https://cdn.example.com/download"))
}
