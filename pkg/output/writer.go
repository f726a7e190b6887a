package output

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Writer emits run records. Implementations are safe for concurrent use
// and write each record as one complete line.
type Writer interface {
	WriteStage(ctx context.Context, stage *StageRecord) error
	WriteResult(ctx context.Context, result *ResultRecord) error
	WriteError(ctx context.Context, err *ErrorRecord) error
	Close() error
}

var _ Writer = (*JSONLWriter)(nil)

// JSONLWriter writes Record envelopes as newline-delimited JSON.
type JSONLWriter struct {
	mu     sync.Mutex
	dst    io.Writer
	runID  string
	now    func() time.Time
	closed bool
}

// NewJSONLWriter tags every record written to dst with runID.
func NewJSONLWriter(dst io.Writer, runID string) *JSONLWriter {
	return &JSONLWriter{dst: dst, runID: runID, now: time.Now}
}

func (jw *JSONLWriter) WriteStage(ctx context.Context, stage *StageRecord) error {
	return jw.emit(ctx, TypeStage, stage)
}

func (jw *JSONLWriter) WriteResult(ctx context.Context, result *ResultRecord) error {
	return jw.emit(ctx, TypeResult, result)
}

func (jw *JSONLWriter) WriteError(ctx context.Context, err *ErrorRecord) error {
	return jw.emit(ctx, TypeError, err)
}

// Close stops further writes. The destination is left open.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	jw.closed = true
	jw.mu.Unlock()
	return nil
}

func (jw *JSONLWriter) emit(ctx context.Context, kind string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()
	if jw.closed {
		return ErrWriterClosed
	}

	line, err := json.Marshal(Record{Type: kind, TS: jw.now().UTC(), RunID: jw.runID, Data: data})
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}
	if err := writeFull(jw.dst, append(line, '\n')); err != nil {
		return &WriteError{Op: "write", Err: err}
	}
	return nil
}

// writeFull retries short writes so a record is never truncated mid-line.
func writeFull(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		switch {
		case err != nil:
			return err
		case n == 0:
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}
