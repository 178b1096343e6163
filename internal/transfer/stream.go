package transfer

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/SpringsFern/TG-FileStream/internal/metrics"
	"github.com/SpringsFern/TG-FileStream/internal/remote"
)

// Stream yields the trimmed chunks of one range download in order. It is
// single-pass and not safe for concurrent use.
//
//	for s.Next() {
//		w.Write(s.Chunk())
//	}
//	if err := s.Err(); err != nil { ... }
//
// The stream holds a connection lease and counts as an active user from the
// first Next until it finishes, fails, is cancelled, or is closed.
type Stream struct {
	ctx  context.Context
	t    *ParallelTransferrer
	dcID int
	loc  remote.Location
	plan chunkPlan
	log  *zap.Logger

	part   int64
	offset int64
	lease  *Lease
	chunk  []byte
	err    error

	started bool
	done    bool
}

// Next fetches the next chunk. It returns false when the range is exhausted
// or the stream stopped; Err tells which.
func (s *Stream) Next() bool {
	if s.done {
		return false
	}
	if !s.started {
		s.started = true
		s.t.enter()
		lease, err := s.t.manager(s.dcID).Acquire(s.ctx)
		if err != nil {
			s.stop(err)
			return false
		}
		s.lease = lease
		s.log = lease.Conn().log
	}

	if s.part > s.plan.last {
		s.log.Info("parallel download finished")
		s.finish()
		return false
	}
	if err := s.ctx.Err(); err != nil {
		s.stop(err)
		return false
	}

	begin := time.Now()
	data, err := s.lease.Conn().Sender().GetFile(s.ctx, s.loc, s.offset, int(s.plan.size))
	metrics.RecordChunk(s.dcID, time.Since(begin), err == nil)
	if err != nil {
		if ctxErr := s.ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		s.stop(err)
		return false
	}
	if len(data) == 0 {
		s.log.Info("parallel download finished, remote returned no data",
			zap.Int64("chunk", s.part))
		s.finish()
		return false
	}

	s.chunk = s.plan.trim(s.part, data)
	s.log.Debug("chunk downloaded",
		zap.Int64("chunk", s.part),
		zap.Int64("last_chunk", s.plan.last),
		zap.Int64("total_chunks", s.plan.total))
	s.offset += s.plan.size
	s.part++
	return true
}

// Chunk returns the bytes produced by the last successful Next.
func (s *Stream) Chunk() []byte {
	return s.chunk
}

// Err returns the error that stopped the stream, or nil if it ran to
// completion. A cancelled stream reports the context error.
func (s *Stream) Err() error {
	return s.err
}

// Close stops the stream early and releases its lease. It is safe to call
// at any point and more than once.
func (s *Stream) Close() error {
	if s.done {
		return nil
	}
	if s.started {
		s.log.Info("parallel download interrupted", zap.Int64("chunk", s.part))
	}
	s.finish()
	return nil
}

// WriteTo writes the pending chunk, if Next already produced one that was not
// written yet, followed by every remaining chunk. The writer is flushed after
// each chunk when it supports it. It does not mix with Chunk.
func (s *Stream) WriteTo(w io.Writer) (int64, error) {
	var n int64
	flush := func() {}
	if rw, ok := w.(http.ResponseWriter); ok {
		rc := http.NewResponseController(rw)
		flush = func() { rc.Flush() }
	}

	write := func() error {
		if len(s.chunk) == 0 {
			return nil
		}
		m, err := w.Write(s.chunk)
		n += int64(m)
		s.chunk = nil
		if err != nil {
			return err
		}
		flush()
		return nil
	}

	if err := write(); err != nil {
		s.Close()
		return n, err
	}
	for s.Next() {
		if err := write(); err != nil {
			s.Close()
			return n, err
		}
	}
	return n, s.err
}

// stop ends the stream with err. Cancellation is routine and logged quietly.
func (s *Stream) stop(err error) {
	s.err = err
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		s.log.Info("parallel download interrupted", zap.Int64("chunk", s.part))
	} else {
		s.log.Error("parallel download errored", zap.Int64("chunk", s.part), zap.Error(err))
	}
	s.finish()
}

func (s *Stream) finish() {
	s.done = true
	s.chunk = nil
	if s.lease != nil {
		s.lease.Release()
	}
	if s.started {
		s.t.leave()
	}
}
