package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/schaermu/pismo/internal/activation"
	"github.com/schaermu/pismo/internal/apply"
	"github.com/schaermu/pismo/internal/registry"
)

// SocketName is the FileDescriptorName the server looks for when started by
// systemd socket activation.
const SocketName = "pismo"

const maxRequestBytes = 1 << 20 // 1 MB

// badRequestError marks handler failures caused by the caller.
type badRequestError struct{ err error }

func (e *badRequestError) Error() string { return e.err.Error() }
func (e *badRequestError) Unwrap() error { return e.err }

func badRequest(format string, args ...any) error {
	return &badRequestError{err: fmt.Errorf(format, args...)}
}

// Server serves the trees of a registry.
type Server struct {
	reg    *registry.Registry
	logger *slog.Logger
	tokens *TokenStore
}

// NewServer creates a server for the trees in reg.
func NewServer(reg *registry.Registry, logger *slog.Logger) *Server {
	return &Server{
		reg:    reg,
		logger: logger,
		tokens: NewTokenStore(),
	}
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api", s.handleAPI)
	mux.HandleFunc("/upload", s.handleUpload)
	mux.Handle("/metrics", metricsHandler())
	mux.HandleFunc("/", s.handleRoot)
	return s.logRequests(mux)
}

// Start serves on addr, or on the systemd-provided socket when the process
// was socket activated, until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	listener, err := activation.Listener(SocketName)
	if err != nil {
		return fmt.Errorf("socket activation: %w", err)
	}
	if listener != nil {
		s.logger.Info("using socket-activated listener", "addr", listener.Addr().String())
	} else {
		listener, err = net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
	}

	return s.Serve(ctx, listener)
}

// Serve serves on listener until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	// No read or write timeout: file transfers may take arbitrarily long.
	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("pismo server starting", "addr", listener.Addr().String())
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down pismo server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "pismo server\n")
}

// handleAPI dispatches POST /api by method name.
func (s *Server) handleAPI(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if r.Method != http.MethodPost {
		s.logger.Warn("rejecting non-POST api request", "method", r.Method)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req Request
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes)).Decode(&req); err != nil {
		s.logger.Warn("rejecting malformed api request", "error", err)
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		recordRequest("invalid", http.StatusBadRequest, time.Since(start))
		return
	}

	var (
		resp any
		err  error
	)
	switch req.Method {
	case MethodGetTrees:
		resp, err = s.getTrees()
	case MethodGetFileTime:
		resp, err = s.getFileTime(req.Params)
	case MethodSetFileTime:
		err = s.setFileTime(req.Params)
	case MethodGetFile:
		// streams its own response
		status := s.getFile(w, req.Params)
		recordRequest(req.Method, status, time.Since(start))
		return
	case MethodPreparePutFile:
		resp, err = s.preparePutFile(req.Params)
	case MethodDeleteFile:
		err = s.deleteFile(req.Params)
	default:
		s.logger.Warn("unrecognized api method", "method", req.Method)
		http.Error(w, "unrecognized request method: "+req.Method, http.StatusBadRequest)
		recordRequest("unknown", http.StatusBadRequest, time.Since(start))
		return
	}

	status := s.writeResult(w, req.Method, resp, err)
	recordRequest(req.Method, status, time.Since(start))
}

func (s *Server) writeResult(w http.ResponseWriter, method string, resp any, err error) int {
	if err != nil {
		status := errorStatus(err)
		s.logger.Error("api call failed", "method", method, "error", err)
		http.Error(w, err.Error(), status)
		return status
	}

	if resp == nil {
		w.WriteHeader(http.StatusOK)
		return http.StatusOK
	}

	data, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		s.logger.Error("failed to encode api response", "method", method, "error", err)
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
	return http.StatusOK
}

func errorStatus(err error) int {
	var bad *badRequestError
	if errors.As(err, &bad) || errors.Is(err, apply.ErrOutsideRoot) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func decodeParams(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		return badRequest("missing params")
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return badRequest("invalid params: %v", err)
	}
	return nil
}

// resolve maps a tree name and relative path to a local file.
func (s *Server) resolve(p FileParams) (string, error) {
	if p.TreeName == "" || p.RelativePath == "" {
		return "", badRequest("treename and relativePath are required")
	}
	root, err := s.reg.Root(p.TreeName)
	if err != nil {
		return "", err
	}
	return apply.JoinRoot(root, p.RelativePath)
}

func (s *Server) getTrees() (*TreesResponse, error) {
	names, err := s.reg.Names()
	if err != nil {
		return nil, err
	}

	resp := &TreesResponse{Trees: []TreeEntry{}}
	for _, name := range names {
		snap, err := s.reg.Read(name)
		if err != nil {
			s.logger.Error("failed to read tree file", "tree", name, "error", err)
			continue
		}
		resp.Trees = append(resp.Trees, TreeEntry{TreeName: name, TreeFile: snap})
	}
	return resp, nil
}

func (s *Server) getFileTime(raw json.RawMessage) (*FileTime, error) {
	var p FileParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	path, err := s.resolve(p)
	if err != nil {
		return nil, err
	}

	times, err := apply.FileTimes(path)
	if err != nil {
		return nil, err
	}
	ft := NewFileTime(times)
	return &ft, nil
}

func (s *Server) setFileTime(raw json.RawMessage) error {
	var p SetFileTimeParams
	if err := decodeParams(raw, &p); err != nil {
		return err
	}
	path, err := s.resolve(p.FileParams)
	if err != nil {
		return err
	}

	t := p.FileTime.Times()
	return os.Chtimes(path, t.Atime, t.Mtime)
}

// getFile streams the file content and returns the response status.
func (s *Server) getFile(w http.ResponseWriter, raw json.RawMessage) int {
	var p FileParams
	err := decodeParams(raw, &p)
	var path string
	if err == nil {
		path, err = s.resolve(p)
	}
	if err != nil {
		return s.writeResult(w, MethodGetFile, nil, err)
	}

	f, err := os.Open(path)
	if err != nil {
		return s.writeResult(w, MethodGetFile, nil, err)
	}
	defer func() {
		_ = f.Close()
	}()

	info, err := f.Stat()
	if err != nil {
		return s.writeResult(w, MethodGetFile, nil, err)
	}
	if !info.Mode().IsRegular() {
		return s.writeResult(w, MethodGetFile, nil, badRequest("%s is not a regular file", p.RelativePath))
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", info.Size()))
	w.Header().Set(FileModeHeader, strconv.FormatUint(uint64(info.Mode().Perm()), 8))
	w.WriteHeader(http.StatusOK)

	n, err := io.Copy(w, f)
	recordDownload(n)
	if err != nil {
		s.logger.Warn("file download interrupted", "tree", p.TreeName, "path", p.RelativePath, "error", err)
	}
	return http.StatusOK
}

func (s *Server) preparePutFile(raw json.RawMessage) (*PutResponse, error) {
	var p PreparePutParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.FileSize < 0 {
		return nil, badRequest("invalid filesize %d", p.FileSize)
	}
	if p.FileMode&^uint32(fs.ModePerm) != 0 {
		return nil, badRequest("invalid filemode %o", p.FileMode)
	}
	// fail early on unknown trees and bad paths
	if _, err := s.resolve(p.FileParams); err != nil {
		return nil, err
	}

	id := s.tokens.Issue(PutTarget{
		TreeName:     p.TreeName,
		RelativePath: p.RelativePath,
		FileSize:     p.FileSize,
		Mode:         fs.FileMode(p.FileMode),
	})
	s.logger.Debug("upload prepared", "tree", p.TreeName, "path", p.RelativePath, "size", humanize.Bytes(uint64(p.FileSize)))

	return &PutResponse{PutID: id}, nil
}

func (s *Server) deleteFile(raw json.RawMessage) error {
	var p FileParams
	if err := decodeParams(raw, &p); err != nil {
		return err
	}
	path, err := s.resolve(p)
	if err != nil {
		return err
	}

	s.logger.Info("deleting file", "tree", p.TreeName, "path", p.RelativePath)
	return os.Remove(path)
}

// handleUpload receives the content for a prepared upload.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if r.Method != http.MethodPut {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.Header.Get(PutIDHeader)
	if id == "" {
		http.Error(w, PutIDHeader+" header missing", http.StatusBadRequest)
		recordRequest("upload", http.StatusBadRequest, time.Since(start))
		return
	}
	target, ok := s.tokens.Consume(id)
	if !ok {
		s.logger.Warn("rejecting upload with unknown put id")
		http.Error(w, "unknown put id", http.StatusBadRequest)
		recordRequest("upload", http.StatusBadRequest, time.Since(start))
		return
	}

	path, err := s.resolve(FileParams{TreeName: target.TreeName, RelativePath: target.RelativePath})
	if err != nil {
		status := s.writeResult(w, "upload", nil, err)
		recordRequest("upload", status, time.Since(start))
		return
	}

	body := &countingReader{r: r.Body}
	if err := apply.WriteFileAtomic(path, body, apply.Content{Size: target.FileSize, Mode: target.Mode}); err != nil {
		status := s.writeResult(w, "upload", nil, err)
		recordRequest("upload", status, time.Since(start))
		return
	}
	recordUpload(body.n)

	s.logger.Info("file uploaded",
		"tree", target.TreeName,
		"path", target.RelativePath,
		"size", humanize.Bytes(uint64(body.n)),
		"duration", time.Since(start))

	w.WriteHeader(http.StatusOK)
	recordRequest("upload", http.StatusOK, time.Since(start))
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

// logRequests logs every request with its status and duration.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
			"remote", r.RemoteAddr)
	})
}
