package api

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/SpringsFern/TG-FileStream/internal/locator"
	"github.com/SpringsFern/TG-FileStream/internal/logging"
	"github.com/SpringsFern/TG-FileStream/internal/metrics"
	"github.com/SpringsFern/TG-FileStream/internal/remote"
	"github.com/SpringsFern/TG-FileStream/internal/storage"
	"github.com/SpringsFern/TG-FileStream/internal/transfer"
)

var (
	errUnsatisfiable = errors.New("range not satisfiable")
	errNoData        = errors.New("upstream returned no data")
)

// handleDownload serves GET and HEAD /dl/{payload}/{sig}.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logging.WithContext(ctx)

	userID, fileID, err := s.signer.Parse(r.PathValue("payload"), r.PathValue("sig"))
	if err != nil {
		s.sendError(w, http.StatusForbidden, "invalid link")
		return
	}
	if !s.checkUser(w, r, userID) {
		return
	}

	file, err := s.resolver.File(ctx, fileID, userID)
	if errors.Is(err, locator.ErrFileNotFound) {
		s.sendError(w, http.StatusNotFound, "file not found")
		return
	}
	if err != nil {
		log.Error("failed to load file", zap.Int64("file", fileID), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "failed to load file")
		return
	}

	start, end, err := parseRange(r.Header.Get("Range"), file.Size)
	if err != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", file.Size))
		s.sendError(w, http.StatusRequestedRangeNotSatisfiable, err.Error())
		return
	}

	status := http.StatusPartialContent
	if start == 0 && end == file.Size-1 {
		status = http.StatusOK
	}

	if r.Method == http.MethodHead {
		setContentHeaders(w, file, start, end)
		w.WriteHeader(status)
		return
	}

	t := s.pool.Least()
	if t == nil {
		s.sendError(w, http.StatusServiceUnavailable, "no backend account available")
		return
	}
	log = log.With(zap.Int64("file", file.ID), zap.Int64("account", t.AccountID()))

	stream, err := s.open(ctx, t, file, userID, start, end)
	if err != nil {
		metrics.RecordContentDownload(0, false)
		switch {
		case errors.Is(err, locator.ErrRefreshFailed):
			log.Error("failed to resolve file location", zap.Error(err))
			s.sendError(w, http.StatusInternalServerError, "failed to resolve file location")
		case ctx.Err() != nil:
			// Client went away; nothing to answer.
		default:
			log.Error("download failed before first byte", zap.Error(err))
			s.sendError(w, http.StatusBadGateway, "upstream read failed")
		}
		return
	}
	defer stream.Close()

	setContentHeaders(w, file, start, end)
	w.WriteHeader(status)

	n, err := stream.WriteTo(w)
	metrics.RecordContentDownload(n, err == nil)
	if errors.Is(err, remote.ErrLocationExpired) {
		s.resolver.Invalidate(file.ID, t.AccountID())
	}
}

// open resolves the location and pulls the first chunk so that a failing
// upstream can still be answered with an error status. A stale location is
// refreshed once.
func (s *Server) open(ctx context.Context, t *transfer.ParallelTransferrer, file *storage.FileInfo, userID, start, end int64) (*transfer.Stream, error) {
	for attempt := 0; ; attempt++ {
		loc, err := s.resolver.Location(ctx, file, userID, t)
		if err != nil {
			return nil, err
		}
		stream, err := t.Download(ctx, *loc, file.DCID, file.Size, start, end)
		if err != nil {
			return nil, err
		}
		if stream.Next() {
			return stream, nil
		}

		err = stream.Err()
		if err == nil {
			// The object is shorter than its recorded size.
			return nil, errNoData
		}
		if errors.Is(err, remote.ErrLocationExpired) && attempt == 0 {
			s.resolver.Invalidate(file.ID, t.AccountID())
			continue
		}
		return nil, err
	}
}

func setContentHeaders(w http.ResponseWriter, file *storage.FileInfo, start, end int64) {
	mimeType := file.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	name := file.Name
	if name == "" {
		name = strconv.FormatInt(file.ID, 10)
	}

	h := w.Header()
	h.Set("Content-Type", mimeType)
	h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, file.Size))
	h.Set("Content-Length", strconv.FormatInt(end-start+1, 10))
	h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	h.Set("Accept-Ranges", "bytes")
}

// parseRange returns the inclusive byte range requested by a Range header.
// An empty header selects the whole object. Multiple ranges, malformed
// headers and ranges outside the object are unsatisfiable; ends past the
// object are not clamped.
func parseRange(header string, size int64) (start, end int64, err error) {
	if size <= 0 {
		return 0, 0, errUnsatisfiable
	}
	if header == "" {
		return 0, size - 1, nil
	}

	rng, ok := strings.CutPrefix(header, "bytes=")
	if !ok || strings.Contains(rng, ",") {
		return 0, 0, errUnsatisfiable
	}
	startStr, endStr, ok := strings.Cut(strings.TrimSpace(rng), "-")
	if !ok {
		return 0, 0, errUnsatisfiable
	}

	switch {
	case startStr == "" && endStr == "":
		return 0, 0, errUnsatisfiable
	case startStr == "":
		suffix, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || suffix <= 0 {
			return 0, 0, errUnsatisfiable
		}
		start = max(size-suffix, 0)
		end = size - 1
	default:
		start, err = strconv.ParseInt(startStr, 10, 64)
		if err != nil {
			return 0, 0, errUnsatisfiable
		}
		end = size - 1
		if endStr != "" {
			end, err = strconv.ParseInt(endStr, 10, 64)
			if err != nil {
				return 0, 0, errUnsatisfiable
			}
		}
	}

	if start < 0 || end < start || end >= size {
		return 0, 0, errUnsatisfiable
	}
	return start, end, nil
}
