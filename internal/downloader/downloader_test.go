package downloader

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const payload = "resnet50 weights, or something like it"

func newServer(t *testing.T) *httptest.Server {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/weights.h5" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(payload))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestDownload(t *testing.T) {
	server := newServer(t)
	dir := t.TempDir()

	filePath := path.Join(dir, "sub", "weights.h5")
	size, err := Download(server.URL+"/weights.h5", filePath, false)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), size)
	contents, err := os.ReadFile(filePath)
	require.NoError(t, err)
	assert.Equal(t, payload, string(contents))

	// Missing files must not leave anything behind.
	missingPath := path.Join(dir, "missing.h5")
	_, err = Download(server.URL+"/missing.h5", missingPath, false)
	require.Error(t, err)
	_, statErr := os.Stat(missingPath)
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(missingPath + ".downloading")
	assert.True(t, os.IsNotExist(statErr))
}

func TestDownloadIfMissing(t *testing.T) {
	server := newServer(t)
	filePath := path.Join(t.TempDir(), "weights.h5")

	// Well-formed MD5, but not the one of payload.
	const md5Hash = "6c2bb6c6d7b7f0d4b8b7a1c2b8a0f1f7"
	require.NoError(t, DownloadIfMissing(server.URL+"/weights.h5", filePath, ""))

	// Second call must not download again: the server would fail on a different path.
	require.NoError(t, DownloadIfMissing(server.URL+"/not-there", filePath, ""))

	err := DownloadIfMissing(server.URL+"/weights.h5", filePath, md5Hash)
	require.Error(t, err, "checksum should not match")
	require.Error(t, DownloadIfMissing(server.URL+"/weights.h5", filePath, "abc"))
}

func TestValidateChecksum(t *testing.T) {
	filePath := path.Join(t.TempDir(), "empty")
	require.NoError(t, os.WriteFile(filePath, nil, 0644))
	// Well known hashes of the empty input.
	require.NoError(t, ValidateChecksum(filePath, "d41d8cd98f00b204e9800998ecf8427e"))
	require.NoError(t, ValidateChecksum(filePath, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"))
	require.Error(t, ValidateChecksum(filePath, "00000000000000000000000000000000"))
	require.Error(t, ValidateChecksum(path.Join(t.TempDir(), "nope"), "d41d8cd98f00b204e9800998ecf8427e"))
}
