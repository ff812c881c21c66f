package transfer

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaywantadh/chunkmerge/internal/metadata"
	"github.com/jaywantadh/chunkmerge/pkg/logging"
)

const testMaxChunkSize = 64

func newTestServer(t *testing.T) (*testEnv, *httptest.Server) {
	t.Helper()
	env := newTestEnv(t, nil)
	srv := httptest.NewServer(NewServer(env.service, env.catalog, testMaxChunkSize, logging.Discard()).Handler())
	t.Cleanup(srv.Close)
	return env, srv
}

func doRequest(t *testing.T, method, u string, body io.Reader, contentType string) (*http.Response, rawResponse) {
	t.Helper()
	req, err := http.NewRequest(method, u, body)
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded rawResponse
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(data) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(data, &decoded))
	}
	return resp, decoded
}

func putChunk(t *testing.T, srv *httptest.Server, identifier, index, payload string) (*http.Response, rawResponse) {
	t.Helper()
	u := srv.URL + BasePath + "/uploads/" + url.PathEscape(identifier) + "/chunks/" + index
	return doRequest(t, http.MethodPut, u, strings.NewReader(payload), "application/octet-stream")
}

func TestServerUploadAndMerge(t *testing.T) {
	env, srv := newTestServer(t)

	for i, p := range []string{"BB", "AA", "CC"} {
		index := []string{"1", "0", "2"}[i]
		resp, body := putChunk(t, srv, "f1", index, p)
		require.Equal(t, http.StatusOK, resp.StatusCode, body.Message)
		assert.True(t, body.Success)
	}

	resp, body := doRequest(t, http.MethodPost, srv.URL+BasePath+"/uploads/f1/merge",
		strings.NewReader(`{"total_chunks":3,"file_name":"out.bin"}`), "application/json")
	require.Equal(t, http.StatusOK, resp.StatusCode, body.Message)
	assert.True(t, body.Success)

	var rec metadata.ArtifactRecord
	require.NoError(t, json.Unmarshal(body.Data, &rec))
	assert.Equal(t, int64(6), rec.Size)

	got, err := os.ReadFile(filepath.Join(env.uploadDir, "out.bin"))
	require.NoError(t, err)
	assert.Equal(t, "AABBCC", string(got))

	resp, body = doRequest(t, http.MethodGet, srv.URL+BasePath+"/uploads/f1", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list ChunkListResponse
	require.NoError(t, json.Unmarshal(body.Data, &list))
	assert.Empty(t, list.Chunks)

	resp, body = doRequest(t, http.MethodGet, srv.URL+BasePath+"/artifacts/f1", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body.Data, &rec))
	assert.Equal(t, "out.bin", rec.FileName)
}

func TestServerMergeIncomplete(t *testing.T) {
	_, srv := newTestServer(t)

	putChunk(t, srv, "f2", "0", "AA")
	putChunk(t, srv, "f2", "2", "CC")

	resp, body := doRequest(t, http.MethodPost, srv.URL+"/merge",
		strings.NewReader(`{"identifier":"f2","total_chunks":3}`), "application/json")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.False(t, body.Success)
	assert.Equal(t, ReasonIncompleteUpload, body.Reason)
	require.NotNil(t, body.MissingIndex)
	assert.Equal(t, 1, *body.MissingIndex)

	resp, _ = doRequest(t, http.MethodHead, srv.URL+BasePath+"/uploads/f2/chunks/0", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = doRequest(t, http.MethodHead, srv.URL+BasePath+"/uploads/f2/chunks/1", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	putChunk(t, srv, "f2", "1", "BB")
	resp, body = doRequest(t, http.MethodPost, srv.URL+"/merge",
		strings.NewReader(`{"identifier":"f2","total_chunks":3}`), "application/json")
	assert.Equal(t, http.StatusOK, resp.StatusCode, body.Message)
}

func TestServerRejectsBadInput(t *testing.T) {
	_, srv := newTestServer(t)

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		reason Reason
	}{
		{"invalid json", http.MethodPost, "/merge", `{`, http.StatusBadRequest, ReasonInvalidRequest},
		{"zero total", http.MethodPost, "/merge", `{"identifier":"f1","total_chunks":0}`, http.StatusBadRequest, ReasonInvalidRequest},
		{"missing identifier", http.MethodPost, "/merge", `{"total_chunks":1}`, http.StatusBadRequest, ReasonInvalidRequest},
		{"oversize chunk", http.MethodPut, BasePath + "/uploads/f1/chunks/0", strings.Repeat("x", testMaxChunkSize+1), http.StatusRequestEntityTooLarge, ReasonTooLarge},
		{"unknown route", http.MethodGet, "/nope", "", http.StatusNotFound, ReasonNotFound},
		{"unknown artifact", http.MethodGet, BasePath + "/artifacts/ghost", "", http.StatusNotFound, ReasonNotFound},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := doRequest(t, tc.method, srv.URL+tc.path, strings.NewReader(tc.body), "")
			assert.Equal(t, tc.status, resp.StatusCode)
			assert.Equal(t, tc.reason, body.Reason)
			assert.False(t, body.Success)
		})
	}
}

func TestServerChunkAtLimitAccepted(t *testing.T) {
	_, srv := newTestServer(t)

	resp, body := putChunk(t, srv, "f1", "0", strings.Repeat("x", testMaxChunkSize))
	assert.Equal(t, http.StatusOK, resp.StatusCode, body.Message)
}

func TestServerMultipartUpload(t *testing.T) {
	env, srv := newTestServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("identifier", "f3"))
	require.NoError(t, mw.WriteField("index", "4"))
	part, err := mw.CreateFormFile("chunk", "blob")
	require.NoError(t, err)
	_, err = part.Write([]byte("payload"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, body := doRequest(t, http.MethodPost, srv.URL+"/upload", &buf, mw.FormDataContentType())
	require.Equal(t, http.StatusOK, resp.StatusCode, body.Message)

	got, err := env.store.Get("f3", 4)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))
}

func TestServerMultipartBadIndex(t *testing.T) {
	_, srv := newTestServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("identifier", "f3"))
	require.NoError(t, mw.WriteField("index", "-1"))
	require.NoError(t, mw.Close())

	resp, body := doRequest(t, http.MethodPost, srv.URL+"/upload", &buf, mw.FormDataContentType())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, ReasonInvalidRequest, body.Reason)
}

func TestServerEscapedIdentifier(t *testing.T) {
	env, srv := newTestServer(t)

	resp, body := putChunk(t, srv, "dir/../f 1", "0", "AA")
	require.Equal(t, http.StatusOK, resp.StatusCode, body.Message)

	got, err := env.store.Get("dir/../f 1", 0)
	require.NoError(t, err)
	assert.Equal(t, "AA", string(got))
}

func TestServerCORSPreflight(t *testing.T) {
	_, srv := newTestServer(t)

	resp, _ := doRequest(t, http.MethodOptions, srv.URL+BasePath+"/uploads/f1/chunks/0", nil, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), http.MethodPut)
}

func TestServerRequestID(t *testing.T) {
	_, srv := newTestServer(t)

	resp, _ := doRequest(t, http.MethodGet, srv.URL+"/", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, resp.Header.Get(HeaderRequestID), 36)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/", nil)
	require.NoError(t, err)
	req.Header.Set(HeaderRequestID, "req-42")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "req-42", resp.Header.Get(HeaderRequestID))
}

func mergeOne(t *testing.T, srv *httptest.Server, identifier, payload, fileName string) {
	t.Helper()
	resp, body := putChunk(t, srv, identifier, "0", payload)
	require.Equal(t, http.StatusOK, resp.StatusCode, body.Message)

	req, err := json.Marshal(MergeRequest{TotalChunks: 1, FileName: fileName})
	require.NoError(t, err)
	resp, body = doRequest(t, http.MethodPost, srv.URL+BasePath+"/uploads/"+url.PathEscape(identifier)+"/merge",
		bytes.NewReader(req), "application/json")
	require.Equal(t, http.StatusOK, resp.StatusCode, body.Message)
}

func TestServerListAndDeleteArtifacts(t *testing.T) {
	env, srv := newTestServer(t)

	mergeOne(t, srv, "f1", "AA", "one.bin")
	mergeOne(t, srv, "f2", "BB", "two.bin")

	resp, body := doRequest(t, http.MethodGet, srv.URL+BasePath+"/artifacts", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var records []metadata.ArtifactRecord
	require.NoError(t, json.Unmarshal(body.Data, &records))
	require.Len(t, records, 2)
	assert.Equal(t, "f1", records[0].Identifier)
	assert.Equal(t, "f2", records[1].Identifier)

	resp, body = doRequest(t, http.MethodDelete, srv.URL+BasePath+"/artifacts/f1", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode, body.Message)

	_, err := os.Stat(filepath.Join(env.uploadDir, "one.bin"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(env.uploadDir, "two.bin"))
	assert.NoError(t, err)

	resp, _ = doRequest(t, http.MethodGet, srv.URL+BasePath+"/artifacts/f1", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = doRequest(t, http.MethodDelete, srv.URL+BasePath+"/artifacts/f1", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, ReasonNotFound, body.Reason)
}

func TestServerDeleteKeepsSharedFile(t *testing.T) {
	env, srv := newTestServer(t)

	mergeOne(t, srv, "f1", "AA", "same.bin")
	mergeOne(t, srv, "f2", "BB", "same.bin")

	resp, body := doRequest(t, http.MethodDelete, srv.URL+BasePath+"/artifacts/f1", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode, body.Message)

	got, err := os.ReadFile(filepath.Join(env.uploadDir, "same.bin"))
	require.NoError(t, err)
	assert.Equal(t, "BB", string(got))
}
