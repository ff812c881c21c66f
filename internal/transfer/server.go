package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/chunkmerge/internal/metadata"
)

// multipart framing allowance on top of the chunk itself
const multipartOverhead = 1 << 20

// ArtifactCatalog serves the artifact endpoints.
type ArtifactCatalog interface {
	GetArtifact(identifier string) (metadata.ArtifactRecord, error)
	ListArtifacts() ([]metadata.ArtifactRecord, error)
	DeleteArtifact(identifier string) error
}

// Server exposes the upload service over HTTP.
type Server struct {
	service      *Service
	artifacts    ArtifactCatalog
	maxChunkSize int64
	log          logrus.FieldLogger
}

// NewServer creates a new transfer server. artifacts may be nil.
func NewServer(service *Service, artifacts ArtifactCatalog, maxChunkSize int64, log logrus.FieldLogger) *Server {
	return &Server{
		service:      service,
		artifacts:    artifacts,
		maxChunkSize: maxChunkSize,
		log:          log,
	}
}

// Handler returns the routed handler wrapped in CORS and request logging.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.UseEncodedPath()

	r.HandleFunc("/", s.handleHome).Methods(http.MethodGet)
	r.HandleFunc("/upload", s.handleMultipartUpload).Methods(http.MethodPost)
	r.HandleFunc("/merge", s.handleMerge).Methods(http.MethodPost)

	api := r.PathPrefix(BasePath).Subrouter()
	api.HandleFunc("/uploads/{identifier}/chunks/{index:[0-9]+}", s.handleChunkPut).Methods(http.MethodPut)
	api.HandleFunc("/uploads/{identifier}/chunks/{index:[0-9]+}", s.handleChunkHead).Methods(http.MethodHead)
	api.HandleFunc("/uploads/{identifier}", s.handleListChunks).Methods(http.MethodGet)
	api.HandleFunc("/uploads/{identifier}/merge", s.handleMerge).Methods(http.MethodPost)
	api.HandleFunc("/artifacts", s.handleListArtifacts).Methods(http.MethodGet)
	api.HandleFunc("/artifacts/{identifier}", s.handleArtifact).Methods(http.MethodGet)
	api.HandleFunc("/artifacts/{identifier}", s.handleDeleteArtifact).Methods(http.MethodDelete)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteErrorResponse(w, ReasonNotFound, "no such route")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteJSONResponse(w, http.StatusMethodNotAllowed, Response{Message: "method not allowed", Reason: ReasonInvalidRequest})
	})

	return s.logRequests(cors(r))
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("address", addr).Info("transfer server started")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s.log.Info("transfer server stopping")
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("chunk upload server running"))
}

// handleChunkPut handles PUT /api/v1/uploads/{identifier}/chunks/{index}
func (s *Server) handleChunkPut(w http.ResponseWriter, r *http.Request) {
	identifier, index, ok := chunkVars(w, r)
	if !ok {
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxChunkSize))
	if err != nil {
		s.writeBodyError(w, err)
		return
	}

	WriteOutcome(w, s.service.StoreChunk(identifier, index, payload))
}

// handleMultipartUpload handles POST /upload with form fields identifier,
// index and the file part chunk.
func (s *Server) handleMultipartUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxChunkSize+multipartOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		s.writeBodyError(w, err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	identifier := r.FormValue("identifier")
	index, err := strconv.Atoi(r.FormValue("index"))
	if err != nil || index < 0 {
		WriteErrorResponse(w, ReasonInvalidRequest, "index must be a non-negative integer")
		return
	}

	file, header, err := r.FormFile("chunk")
	if err != nil {
		WriteErrorResponse(w, ReasonInvalidRequest, "missing chunk file part")
		return
	}
	defer file.Close()

	if header.Size > s.maxChunkSize {
		WriteErrorResponse(w, ReasonTooLarge, fmt.Sprintf("chunk exceeds %d bytes", s.maxChunkSize))
		return
	}

	payload, err := io.ReadAll(file)
	if err != nil {
		WriteErrorResponse(w, ReasonInvalidRequest, "failed to read chunk file part")
		return
	}

	WriteOutcome(w, s.service.StoreChunk(identifier, index, payload))
}

// handleChunkHead handles HEAD /api/v1/uploads/{identifier}/chunks/{index}
func (s *Server) handleChunkHead(w http.ResponseWriter, r *http.Request) {
	identifier, index, ok := chunkVars(w, r)
	if !ok {
		return
	}

	exists, err := s.service.ChunkExists(identifier, index)
	switch {
	case err != nil:
		w.WriteHeader(http.StatusBadRequest)
	case exists:
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// handleListChunks handles GET /api/v1/uploads/{identifier}
func (s *Server) handleListChunks(w http.ResponseWriter, r *http.Request) {
	identifier, ok := identifierVar(w, r)
	if !ok {
		return
	}

	chunks, err := s.service.ListChunks(identifier)
	if err != nil {
		WriteErrorResponse(w, ReasonInvalidRequest, err.Error())
		return
	}

	WriteJSONResponse(w, http.StatusOK, Response{
		Success: true,
		Message: fmt.Sprintf("%d chunks stored", len(chunks)),
		Data:    ChunkListResponse{Identifier: identifier, Chunks: chunks},
	})
}

// handleMerge handles POST /merge and POST /api/v1/uploads/{identifier}/merge
func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	var req MergeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteErrorResponse(w, ReasonInvalidRequest, "invalid JSON")
		return
	}

	if _, ok := mux.Vars(r)["identifier"]; ok {
		identifier, ok := identifierVar(w, r)
		if !ok {
			return
		}
		req.Identifier = identifier
	}

	WriteOutcome(w, s.service.Merge(r.Context(), req.Identifier, req.TotalChunks, req.FileName))
}

// handleArtifact handles GET /api/v1/artifacts/{identifier}
func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	identifier, ok := identifierVar(w, r)
	if !ok {
		return
	}
	if s.artifacts == nil {
		WriteErrorResponse(w, ReasonNotFound, "artifact catalog disabled")
		return
	}

	rec, err := s.artifacts.GetArtifact(identifier)
	if err != nil {
		if errors.Is(err, metadata.ErrArtifactNotFound) {
			WriteErrorResponse(w, ReasonNotFound, err.Error())
			return
		}
		s.log.WithError(err).Error("artifact lookup failed")
		WriteErrorResponse(w, ReasonInternal, "artifact lookup failed")
		return
	}

	WriteJSONResponse(w, http.StatusOK, Response{Success: true, Message: "artifact found", Data: rec})
}

// handleListArtifacts handles GET /api/v1/artifacts
func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	if s.artifacts == nil {
		WriteErrorResponse(w, ReasonNotFound, "artifact catalog disabled")
		return
	}

	records, err := s.artifacts.ListArtifacts()
	if err != nil {
		s.log.WithError(err).Error("artifact listing failed")
		WriteErrorResponse(w, ReasonInternal, "artifact listing failed")
		return
	}

	WriteJSONResponse(w, http.StatusOK, Response{
		Success: true,
		Message: fmt.Sprintf("%d artifacts", len(records)),
		Data:    records,
	})
}

// handleDeleteArtifact handles DELETE /api/v1/artifacts/{identifier}. The
// file goes too unless another record still points at it.
func (s *Server) handleDeleteArtifact(w http.ResponseWriter, r *http.Request) {
	identifier, ok := identifierVar(w, r)
	if !ok {
		return
	}
	if s.artifacts == nil {
		WriteErrorResponse(w, ReasonNotFound, "artifact catalog disabled")
		return
	}

	unlock := s.service.lockUpload(identifier)
	defer unlock()

	rec, err := s.artifacts.GetArtifact(identifier)
	if err != nil {
		if errors.Is(err, metadata.ErrArtifactNotFound) {
			WriteErrorResponse(w, ReasonNotFound, err.Error())
			return
		}
		s.log.WithError(err).Error("artifact lookup failed")
		WriteErrorResponse(w, ReasonInternal, "artifact lookup failed")
		return
	}

	shared, err := s.pathShared(rec)
	if err != nil {
		s.log.WithError(err).Error("artifact listing failed")
		WriteErrorResponse(w, ReasonInternal, "artifact listing failed")
		return
	}
	if !shared {
		if err := os.Remove(rec.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.log.WithError(err).WithField("path", rec.Path).Error("artifact removal failed")
			WriteErrorResponse(w, ReasonInternal, "artifact removal failed")
			return
		}
	}

	if err := s.artifacts.DeleteArtifact(identifier); err != nil {
		s.log.WithError(err).Error("artifact record removal failed")
		WriteErrorResponse(w, ReasonInternal, "artifact record removal failed")
		return
	}

	s.log.WithFields(logrus.Fields{
		"identifier": identifier,
		"path":       rec.Path,
		"file_kept":  shared,
	}).Info("artifact deleted")
	WriteJSONResponse(w, http.StatusOK, Response{Success: true, Message: "artifact deleted", Data: rec})
}

// pathShared reports whether a record other than rec names the same file.
func (s *Server) pathShared(rec metadata.ArtifactRecord) (bool, error) {
	records, err := s.artifacts.ListArtifacts()
	if err != nil {
		return false, err
	}
	for _, other := range records {
		if other.Identifier != rec.Identifier && other.Path == rec.Path {
			return true, nil
		}
	}
	return false, nil
}

func (s *Server) writeBodyError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		WriteErrorResponse(w, ReasonTooLarge, fmt.Sprintf("chunk exceeds %d bytes", s.maxChunkSize))
		return
	}
	WriteErrorResponse(w, ReasonInvalidRequest, "failed to read request body")
}

func identifierVar(w http.ResponseWriter, r *http.Request) (string, bool) {
	identifier, err := url.PathUnescape(mux.Vars(r)["identifier"])
	if err != nil {
		WriteErrorResponse(w, ReasonInvalidRequest, "malformed identifier")
		return "", false
	}
	return identifier, true
}

func chunkVars(w http.ResponseWriter, r *http.Request) (string, int, bool) {
	identifier, ok := identifierVar(w, r)
	if !ok {
		return "", 0, false
	}
	index, err := strconv.Atoi(mux.Vars(r)["index"])
	if err != nil {
		WriteErrorResponse(w, ReasonInvalidRequest, "invalid chunk index")
		return "", 0, false
	}
	return identifier, index, true
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, HEAD, POST, PUT, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, "+HeaderRequestID)
		h.Set("Access-Control-Expose-Headers", HeaderRequestID)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(HeaderRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, requestID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		s.log.WithFields(logrus.Fields{
			"request_id": requestID,
			"method":     r.Method,
			"path":       r.URL.EscapedPath(),
			"status":     rec.status,
			"duration":   time.Since(start).String(),
		}).Info("request handled")
	})
}
