package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/cabinet/internal/storage"
	"github.com/JakeFAU/cabinet/internal/store"
)

var errUnsatisfiableRange = errors.New("unsatisfiable range")

func (s *Server) attachmentFile(w http.ResponseWriter, r *http.Request) {
	s.serveAttachment(w, r, false)
}

func (s *Server) attachmentThumbnail(w http.ResponseWriter, r *http.Request) {
	s.serveAttachment(w, r, true)
}

// serveAttachment streams a stored file, honoring a single-range Range
// header.
func (s *Server) serveAttachment(w http.ResponseWriter, r *http.Request, thumbnail bool) {
	if s.backend == nil {
		writeError(w, http.StatusServiceUnavailable, "storage backend unavailable")
		return
	}
	ctx := r.Context()
	a, err := s.store.GetAttachment(ctx, chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "attachment not found")
			return
		}
		s.logger.Error("get attachment failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load attachment")
		return
	}
	uri, mime := a.FileURI, a.Mime
	if thumbnail {
		uri, mime = a.ThumbnailFileURI, "image/jpeg"
	}
	if uri == "" {
		writeError(w, http.StatusNotFound, "file not downloaded")
		return
	}
	exists, err := s.backend.Exists(ctx, uri)
	if err != nil {
		s.logger.Error("check stored file failed", zap.String("uri", uri), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to check file")
		return
	}
	if !exists {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	size, err := s.backend.Size(ctx, uri)
	if err != nil {
		s.logger.Error("stat stored file failed", zap.String("uri", uri), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to stat file")
		return
	}

	rng, err := parseRange(r.Header.Get("Range"), size)
	if err != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		writeError(w, http.StatusRequestedRangeNotSatisfiable, err.Error())
		return
	}
	body, err := s.backend.Stream(ctx, uri, rng)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			writeError(w, http.StatusNotFound, "file not found")
			return
		}
		s.logger.Error("open stored file failed", zap.String("uri", uri), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to open file")
		return
	}
	defer body.Close() //nolint:errcheck // read-only stream

	if mime == "" {
		mime = "application/octet-stream"
	}
	w.Header().Set("Content-Type", mime)
	w.Header().Set("Accept-Ranges", "bytes")
	status := http.StatusOK
	length := size
	if rng != nil {
		status = http.StatusPartialContent
		length = rng.Length()
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", rng.Start, rng.End, size))
	}
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	w.WriteHeader(status)
	if _, err := io.Copy(w, body); err != nil {
		s.logger.Debug("attachment stream interrupted", zap.String("uri", uri), zap.Error(err))
	}
}

// parseRange parses a single "bytes=" range against size. An empty header
// yields nil. The returned range is always closed.
func parseRange(header string, size int64) (*storage.Range, error) {
	if header == "" {
		return nil, nil
	}
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok || strings.Contains(spec, ",") {
		return nil, errUnsatisfiableRange
	}
	startStr, endStr, ok := strings.Cut(strings.TrimSpace(spec), "-")
	if !ok {
		return nil, errUnsatisfiableRange
	}
	if startStr == "" {
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 || size == 0 {
			return nil, errUnsatisfiableRange
		}
		n = min(n, size)
		return &storage.Range{Start: size - n, End: size - 1}, nil
	}
	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 || start >= size {
		return nil, errUnsatisfiableRange
	}
	end := size - 1
	if endStr != "" {
		if end, err = strconv.ParseInt(endStr, 10, 64); err != nil || end < start {
			return nil, errUnsatisfiableRange
		}
		end = min(end, size-1)
	}
	return &storage.Range{Start: start, End: end}, nil
}
