// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package downloader

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDownloadIfMissing(t *testing.T) {
	ShowProgressBar = false
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if r.URL.Path != "/file.gz" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("contents"))
	}))
	defer server.Close()

	filePath := filepath.Join(t.TempDir(), "sub", "file.gz")
	require.NoError(t, DownloadIfMissing(server.URL+"/file.gz", filePath))
	got, err := os.ReadFile(filePath)
	require.NoError(t, err)
	assert.Equal(t, "contents", string(got))

	// Already there: no new request.
	require.NoError(t, DownloadIfMissing(server.URL+"/file.gz", filePath))
	assert.Equal(t, int32(1), requests.Load())

	// Failed downloads leave no file behind.
	missingPath := filepath.Join(t.TempDir(), "missing.gz")
	require.Error(t, DownloadIfMissing(server.URL+"/missing.gz", missingPath))
	_, err = os.Stat(missingPath)
	assert.True(t, os.IsNotExist(err))
}
