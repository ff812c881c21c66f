package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/docker/go-units"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/chunkmerge/internal/chunker"
	"github.com/jaywantadh/chunkmerge/internal/merge"
	"github.com/jaywantadh/chunkmerge/internal/metadata"
)

// RemoteError is a failure reported by the server.
type RemoteError struct {
	StatusCode int
	Reason     Reason
	Message    string
}

func (e *RemoteError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("server returned %d (%s): %s", e.StatusCode, e.Reason, e.Message)
}

type ClientOptions struct {
	// RetryMax bounds retries of chunk uploads. Merges are never retried:
	// an eager-cleanup server may already have consumed chunks.
	RetryMax int
	Workers  int
	Timeout  time.Duration
}

// Client uploads files to a transfer Server chunk by chunk.
type Client struct {
	baseURL string
	chunks  *retryablehttp.Client
	merges  *retryablehttp.Client
	workers int
	log     logrus.FieldLogger
}

// NewClient creates a new transfer client
func NewClient(baseURL string, opts ClientOptions, log logrus.FieldLogger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}

	newHTTP := func(retryMax int) *retryablehttp.Client {
		c := retryablehttp.NewClient()
		c.HTTPClient.Timeout = opts.Timeout
		c.RetryMax = retryMax
		c.RetryWaitMin = 200 * time.Millisecond
		c.RetryWaitMax = 5 * time.Second
		c.ErrorHandler = retryablehttp.PassthroughErrorHandler
		c.Logger = leveledLogger{log}
		return c
	}

	return &Client{
		baseURL: baseURL,
		chunks:  newHTTP(opts.RetryMax),
		merges:  newHTTP(0),
		workers: opts.Workers,
		log:     log,
	}
}

type rawResponse struct {
	Success      bool            `json:"success"`
	Message      string          `json:"message"`
	Reason       Reason          `json:"reason"`
	MissingIndex *int            `json:"missing_index"`
	Data         json.RawMessage `json:"data"`
}

func (c *Client) uploadURL(identifier string, parts ...string) string {
	u := c.baseURL + BasePath + "/uploads/" + url.PathEscape(identifier)
	for _, p := range parts {
		u += "/" + p
	}
	return u
}

func (c *Client) do(client *retryablehttp.Client, req *retryablehttp.Request) (*http.Response, rawResponse, error) {
	var body rawResponse

	resp, err := client.Do(req)
	if err != nil {
		return nil, body, err
	}
	defer resp.Body.Close()

	if req.Method == http.MethodHead {
		return resp, body, nil
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp, body, err
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return resp, body, &RemoteError{StatusCode: resp.StatusCode, Message: string(data)}
	}
	return resp, body, nil
}

func remoteError(resp *http.Response, body rawResponse) error {
	return &RemoteError{StatusCode: resp.StatusCode, Reason: body.Reason, Message: body.Message}
}

// PutChunk uploads one chunk, retrying transient failures.
func (c *Client) PutChunk(ctx context.Context, identifier string, index int, payload []byte) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPut, c.uploadURL(identifier, "chunks", strconv.Itoa(index)), payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, body, err := c.do(c.chunks, req)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK || !body.Success {
		return remoteError(resp, body)
	}
	return nil
}

// ChunkExists asks whether the server holds a chunk.
func (c *Client) ChunkExists(ctx context.Context, identifier string, index int) (bool, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodHead, c.uploadURL(identifier, "chunks", strconv.Itoa(index)), nil)
	if err != nil {
		return false, err
	}

	resp, _, err := c.do(c.chunks, req)
	if err != nil {
		return false, err
	}
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, &RemoteError{StatusCode: resp.StatusCode, Message: resp.Status}
	}
}

// ListChunks returns the chunk indices stored for identifier.
func (c *Client) ListChunks(ctx context.Context, identifier string) ([]int, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.uploadURL(identifier), nil)
	if err != nil {
		return nil, err
	}

	resp, body, err := c.do(c.chunks, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, remoteError(resp, body)
	}

	var list ChunkListResponse
	if err := json.Unmarshal(body.Data, &list); err != nil {
		return nil, fmt.Errorf("failed to decode chunk list: %w", err)
	}
	return list.Chunks, nil
}

// Merge asks the server to assemble the upload. A rejection for a missing
// chunk comes back as *merge.IncompleteUploadError.
func (c *Client) Merge(ctx context.Context, identifier string, totalChunks int, fileName string) (*metadata.ArtifactRecord, error) {
	payload, err := json.Marshal(MergeRequest{TotalChunks: totalChunks, FileName: fileName})
	if err != nil {
		return nil, err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.uploadURL(identifier, "merge"), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, body, err := c.do(c.merges, req)
	if err != nil {
		return nil, err
	}

	if body.Reason == ReasonIncompleteUpload && body.MissingIndex != nil {
		return nil, &merge.IncompleteUploadError{Identifier: identifier, MissingIndex: *body.MissingIndex}
	}
	if resp.StatusCode != http.StatusOK || !body.Success {
		return nil, remoteError(resp, body)
	}

	var rec metadata.ArtifactRecord
	if err := json.Unmarshal(body.Data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode artifact: %w", err)
	}
	return &rec, nil
}

// Artifact fetches the catalog record of a merged upload.
func (c *Client) Artifact(ctx context.Context, identifier string) (*metadata.ArtifactRecord, error) {
	u := c.baseURL + BasePath + "/artifacts/" + url.PathEscape(identifier)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, body, err := c.do(c.chunks, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, remoteError(resp, body)
	}

	var rec metadata.ArtifactRecord
	if err := json.Unmarshal(body.Data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode artifact: %w", err)
	}
	return &rec, nil
}

// ListArtifacts fetches every catalog record.
func (c *Client) ListArtifacts(ctx context.Context) ([]metadata.ArtifactRecord, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+BasePath+"/artifacts", nil)
	if err != nil {
		return nil, err
	}

	resp, body, err := c.do(c.chunks, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, remoteError(resp, body)
	}

	var records []metadata.ArtifactRecord
	if err := json.Unmarshal(body.Data, &records); err != nil {
		return nil, fmt.Errorf("failed to decode artifacts: %w", err)
	}
	return records, nil
}

// DeleteArtifact removes a merged artifact and its catalog record.
func (c *Client) DeleteArtifact(ctx context.Context, identifier string) error {
	u := c.baseURL + BasePath + "/artifacts/" + url.PathEscape(identifier)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return err
	}

	resp, body, err := c.do(c.chunks, req)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return remoteError(resp, body)
	}
	return nil
}

// UploadFile splits filePath into chunks, uploads them concurrently and
// merges them under identifier. chunkSize <= 0 picks a size from the file
// size; an empty fileName uses the file's base name.
func (c *Client) UploadFile(ctx context.Context, filePath, identifier string, chunkSize int64, fileName string) (*metadata.ArtifactRecord, error) {
	info, err := os.Stat(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	if chunkSize <= 0 {
		chunkSize = chunker.DetermineChunkSize(info.Size())
	}
	if fileName == "" {
		fileName = filepath.Base(filePath)
	}

	total := chunker.CountChunks(info.Size(), chunkSize)
	progress := NewUploadProgress(identifier, total, info.Size())
	log := c.log.WithFields(logrus.Fields{
		"identifier": identifier,
		"file":       fileName,
		"chunks":     total,
		"chunk_size": units.BytesSize(float64(chunkSize)),
	})
	log.Info("upload started")

	sent, err := chunker.ChunkFile(ctx, filePath, chunkSize, c.workers, func(ctx context.Context, ch chunker.Chunk) error {
		if err := c.PutChunk(ctx, identifier, ch.Index, ch.Data); err != nil {
			return err
		}
		snap := progress.ChunkDone(int64(len(ch.Data)))
		log.WithFields(logrus.Fields{
			"index":    ch.Index,
			"progress": fmt.Sprintf("%.1f%%", snap.Percent),
			"speed":    units.BytesSize(snap.Speed) + "/s",
		}).Debug("chunk uploaded")
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("upload of %s failed: %w", filePath, err)
	}

	rec, err := c.Merge(ctx, identifier, sent, fileName)
	if err != nil {
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"path": rec.Path,
		"size": units.HumanSize(float64(rec.Size)),
	}).Info("upload merged")
	return rec, nil
}

// leveledLogger routes retryablehttp logging through logrus.
type leveledLogger struct {
	log logrus.FieldLogger
}

func (l leveledLogger) entry(keysAndValues []interface{}) *logrus.Entry {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return l.log.WithFields(fields)
}

func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.entry(keysAndValues).Error(msg)
}

func (l leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.entry(keysAndValues).Debug(msg)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.entry(keysAndValues).Debug(msg)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.entry(keysAndValues).Warn(msg)
}
