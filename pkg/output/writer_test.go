package output

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedTS = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestWriter(dst io.Writer) *JSONLWriter {
	w := NewJSONLWriter(dst, "run-7")
	w.now = func() time.Time { return fixedTS }
	return w
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []Record {
	t.Helper()
	var out []Record
	for _, line := range strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n") {
		var r Record
		require.NoError(t, json.Unmarshal([]byte(line), &r), line)
		out = append(out, r)
	}
	return out
}

func TestJSONLWriter_Envelopes(t *testing.T) {
	var buf bytes.Buffer
	w := newTestWriter(&buf)
	ctx := context.Background()

	require.NoError(t, w.WriteStage(ctx, &StageRecord{Stage: "extract", From: "acquire_weights", Elapsed: 3 * time.Second, Detail: map[string]any{"files": 12}}))
	require.NoError(t, w.WriteError(ctx, &ErrorRecord{Code: ErrCodePublication, Message: "hub returned 503", Stage: "package"}))
	require.NoError(t, w.WriteResult(ctx, &ResultRecord{ArchivePath: "/out/trained_model.tar", Duration: 90 * time.Second, DurationHuman: "1m30s"}))

	recs := decodeLines(t, &buf)
	require.Len(t, recs, 3)
	for i, want := range []string{TypeStage, TypeError, TypeResult} {
		assert.Equal(t, want, recs[i].Type)
		assert.Equal(t, "run-7", recs[i].RunID)
		assert.True(t, fixedTS.Equal(recs[i].TS))
	}

	var stage StageRecord
	require.NoError(t, json.Unmarshal(recs[0].Data, &stage))
	assert.Equal(t, "extract", stage.Stage)
	assert.Equal(t, 3*time.Second, stage.Elapsed)
	assert.EqualValues(t, 12, stage.Detail["files"])

	var perr ErrorRecord
	require.NoError(t, json.Unmarshal(recs[1].Data, &perr))
	assert.False(t, perr.Fatal)
	assert.Equal(t, "package", perr.Stage)

	var res ResultRecord
	require.NoError(t, json.Unmarshal(recs[2].Data, &res))
	assert.Equal(t, "/out/trained_model.tar", res.ArchivePath)
	assert.Equal(t, "1m30s", res.DurationHuman)
}

func TestJSONLWriter_OmitsEmptyFields(t *testing.T) {
	var buf bytes.Buffer
	w := newTestWriter(&buf)
	require.NoError(t, w.WriteStage(context.Background(), &StageRecord{Stage: "init"}))
	require.NoError(t, w.WriteError(context.Background(), &ErrorRecord{Code: ErrCodeInternal, Message: "x", Fatal: true}))

	recs := decodeLines(t, &buf)
	assert.JSONEq(t, `{"stage":"init"}`, string(recs[0].Data))
	assert.JSONEq(t, `{"code":"INTERNAL","message":"x","fatal":true}`, string(recs[1].Data))
}

func TestJSONLWriter_ConcurrentLinesStayWhole(t *testing.T) {
	var buf bytes.Buffer
	var mu sync.Mutex
	w := newTestWriter(writerFunc(func(p []byte) (int, error) {
		mu.Lock()
		defer mu.Unlock()
		return buf.Write(p)
	}))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				assert.NoError(t, w.WriteStage(context.Background(), &StageRecord{Stage: "train"}))
			}
		}()
	}
	wg.Wait()

	assert.Len(t, decodeLines(t, &buf), 500)
}

func TestJSONLWriter_Errors(t *testing.T) {
	boom := errors.New("disk full")

	tests := []struct {
		name   string
		dst    io.Writer
		ctx    func() context.Context
		close  bool
		wantIs error
		wantOp string
	}{
		{
			name:   "write failure",
			dst:    writerFunc(func([]byte) (int, error) { return 0, boom }),
			wantIs: boom,
			wantOp: "write",
		},
		{
			name:   "zero-length write",
			dst:    writerFunc(func([]byte) (int, error) { return 0, nil }),
			wantIs: io.ErrShortWrite,
			wantOp: "write",
		},
		{
			name:   "closed",
			dst:    io.Discard,
			close:  true,
			wantIs: ErrWriterClosed,
		},
		{
			name: "cancelled",
			dst:  io.Discard,
			ctx: func() context.Context {
				ctx, cancel := context.WithCancel(context.Background())
				cancel()
				return ctx
			},
			wantIs: context.Canceled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newTestWriter(tt.dst)
			if tt.close {
				require.NoError(t, w.Close())
			}
			ctx := context.Background()
			if tt.ctx != nil {
				ctx = tt.ctx()
			}

			err := w.WriteStage(ctx, &StageRecord{Stage: "init"})
			require.ErrorIs(t, err, tt.wantIs)
			if tt.wantOp != "" {
				var we *WriteError
				require.ErrorAs(t, err, &we)
				assert.Equal(t, tt.wantOp, we.Op)
			}
		})
	}
}

func TestJSONLWriter_ShortWritesComplete(t *testing.T) {
	var buf bytes.Buffer
	w := newTestWriter(writerFunc(func(p []byte) (int, error) {
		if len(p) > 7 {
			p = p[:7]
		}
		return buf.Write(p)
	}))

	require.NoError(t, w.WriteResult(context.Background(), &ResultRecord{ArchivePath: "/out/trained_model.tar"}))
	require.Len(t, decodeLines(t, &buf), 1)
	assert.True(t, strings.HasSuffix(buf.String(), "\n"))
}

func TestWriteError_Message(t *testing.T) {
	err := &WriteError{Op: "write", Err: io.ErrClosedPipe}
	assert.Equal(t, "output: write: io: read/write on closed pipe", err.Error())
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
