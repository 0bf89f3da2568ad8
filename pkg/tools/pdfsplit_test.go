package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePageRanges(t *testing.T) {
	ranges, err := parsePageRanges([]string{"1-2", "4", "6-"})
	require.NoError(t, err)
	require.Len(t, ranges, 3)

	assert.Equal(t, pageRange{Start: 1, End: 2}, ranges[0])
	assert.Equal(t, pageRange{Start: 4, End: 4}, ranges[1])
	assert.Equal(t, pageRange{Start: 6, End: 0}, ranges[2])
}

func TestParsePageRangesOpenStart(t *testing.T) {
	ranges, err := parsePageRanges([]string{"-5"})
	require.NoError(t, err)
	assert.Equal(t, pageRange{Start: 1, End: 5}, ranges[0])
}

func TestParsePageRangesTrimsWhitespace(t *testing.T) {
	ranges, err := parsePageRanges([]string{" 3 - 7 ", " 9 "})
	require.Error(t, err, "inner whitespace is not a valid page number")
	_ = ranges

	ranges, err = parsePageRanges([]string{" 3-7 "})
	require.NoError(t, err)
	assert.Equal(t, pageRange{Start: 3, End: 7}, ranges[0])
}

func TestParsePageRangesRejectsInvalid(t *testing.T) {
	for _, specs := range [][]string{
		{},
		{""},
		{"abc"},
		{"0"},
		{"5-2"},
		{"-"},
		{"1-2-3"},
	} {
		_, err := parsePageRanges(specs)
		assert.Error(t, err, "specs %v should be rejected", specs)
	}
}

// fakeAdobe stands in for the PDF Services API: token, asset upload, job
// submission, status polling and result download.
func fakeAdobe(t *testing.T, pollsBeforeDone int) *httptest.Server {
	t.Helper()

	polls := 0
	var server *httptest.Server
	mux := http.NewServeMux()

	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client-id", r.Form.Get("client_id"))
		assert.Equal(t, "client-secret", r.Form.Get("client_secret"))
		_ = json.NewEncoder(w).Encode(map[string]string{"access_token": "token-123"})
	})

	mux.HandleFunc("/assets", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer token-123", r.Header.Get("Authorization"))
		assert.Equal(t, "client-id", r.Header.Get("x-api-key"))
		_ = json.NewEncoder(w).Encode(map[string]string{
			"uploadUri": server.URL + "/upload",
			"assetID":   "asset-1",
		})
	})

	mux.HandleFunc("/upload", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/operation/splitpdf", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			AssetID     string `json:"assetID"`
			Splitoption struct {
				PageRanges []map[string]int `json:"pageRanges"`
			} `json:"splitoption"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "asset-1", body.AssetID)
		require.Len(t, body.Splitoption.PageRanges, 2)
		assert.Equal(t, 1, body.Splitoption.PageRanges[0]["start"])
		assert.Equal(t, 2, body.Splitoption.PageRanges[0]["end"])
		assert.Equal(t, 3, body.Splitoption.PageRanges[1]["start"])
		_, open := body.Splitoption.PageRanges[1]["end"]
		assert.False(t, open, "open-ended range must omit end")

		w.Header().Set("Location", server.URL+"/status")
		w.WriteHeader(http.StatusCreated)
	})

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		polls++
		if polls <= pollsBeforeDone {
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "in progress"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "done",
			"assets": []map[string]string{
				{"downloadUri": server.URL + "/download/1"},
				{"downloadUri": server.URL + "/download/2"},
			},
		})
	})

	mux.HandleFunc("/download/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("%PDF-1.7 piece " + r.URL.Path))
	})

	server = httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newTestPDFSplit(serverURL string) *PDFSplit {
	p := NewPDFSplit(serverURL, "client-id", "client-secret", zerolog.Nop())
	p.pollInterval = time.Millisecond
	return p
}

func TestPDFSplitHandler(t *testing.T) {
	server := fakeAdobe(t, 2)

	dir := t.TempDir()
	input := filepath.Join(dir, "report.pdf")
	require.NoError(t, os.WriteFile(input, []byte("%PDF-1.7 source"), 0644))

	p := newTestPDFSplit(server.URL)
	out, err := p.Handler(context.Background(), map[string]any{
		"file_path":   input,
		"page_ranges": []any{"1-2", "3-"},
	})
	require.NoError(t, err)

	files := out["output_files"].([]string)
	require.Len(t, files, 2)
	assert.Equal(t, filepath.Join(dir, "output", "split_1.pdf"), files[0])
	assert.Equal(t, filepath.Join(dir, "output", "split_2.pdf"), files[1])

	for _, f := range files {
		data, err := os.ReadFile(f)
		require.NoError(t, err)
		assert.Contains(t, string(data), "%PDF")
	}
}

func TestPDFSplitHandlerFileNotFound(t *testing.T) {
	p := newTestPDFSplit("http://unused")

	_, err := p.Handler(context.Background(), map[string]any{
		"file_path":   filepath.Join(t.TempDir(), "missing.pdf"),
		"page_ranges": []any{"1-2"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "file not found")
}

func TestPDFSplitHandlerRejectsBadRanges(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "report.pdf")
	require.NoError(t, os.WriteFile(input, []byte("%PDF"), 0644))

	p := newTestPDFSplit("http://unused")
	_, err := p.Handler(context.Background(), map[string]any{
		"file_path":   input,
		"page_ranges": []any{"5-2"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid page range")
}

func TestPDFSplitHandlerJobFailure(t *testing.T) {
	var server *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"access_token": "token-123"})
	})
	mux.HandleFunc("/assets", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"uploadUri": server.URL + "/upload",
			"assetID":   "asset-1",
		})
	})
	mux.HandleFunc("/upload", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("/operation/splitpdf", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", server.URL+"/status")
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "failed",
			"error":  map[string]string{"message": "corrupt input document"},
		})
	})
	server = httptest.NewServer(mux)
	defer server.Close()

	dir := t.TempDir()
	input := filepath.Join(dir, "report.pdf")
	require.NoError(t, os.WriteFile(input, []byte("%PDF"), 0644))

	p := newTestPDFSplit(server.URL)
	_, err := p.Handler(context.Background(), map[string]any{
		"file_path":   input,
		"page_ranges": []any{"1"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupt input document")
}

func TestPDFSplitDescriptor(t *testing.T) {
	p := NewPDFSplit("", "", "", zerolog.Nop())
	desc := p.Descriptor()

	assert.Equal(t, "split_pdf", desc.Name)
	assert.Equal(t, "Processing the PDF split request...", desc.ProgressLabel)
}
