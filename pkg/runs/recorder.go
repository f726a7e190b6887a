package runs

import (
	"context"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/loraforge/pkg/pipeline"
	"github.com/3leaps/loraforge/pkg/request"
)

// DefaultHeartbeatInterval is how often a running record is refreshed.
const DefaultHeartbeatInterval = 30 * time.Second

// Recorder persists pipeline events for one run.
//
// The record is created on the first stage event, since the run id is
// assigned by the pipeline.
type Recorder struct {
	store  *Store
	req    request.Request
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	rec     *Record
	logPath string
}

var _ pipeline.Observer = (*Recorder)(nil)

// NewRecorder returns a Recorder for req. The request is stored redacted.
func NewRecorder(store *Store, req request.Request, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		store:  store,
		req:    req.Redacted(),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Record returns a copy of the current record, or nil before the first
// event.
func (r *Recorder) Record() *Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rec == nil {
		return nil
	}
	cp := *r.rec
	cp.Stages = append([]StageEntry(nil), r.rec.Stages...)
	return &cp
}

// StageEntered implements pipeline.Observer.
func (r *Recorder) StageEntered(_ context.Context, ev pipeline.StageEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	at := ev.At.UTC()
	if ev.At.IsZero() {
		at = r.now()
	}
	if r.rec == nil {
		req := r.req
		r.rec = &Record{
			RunID:     ev.RunID,
			State:     StateRunning,
			PID:       os.Getpid(),
			CreatedAt: at,
			StartedAt: &at,
			Request:   &req,
			LogPath:   r.logPath,
		}
	}
	r.rec.Stage = string(ev.To)
	r.rec.Stages = append(r.rec.Stages, StageEntry{Stage: string(ev.To), EnteredAt: at})
	r.rec.LastHeartbeat = &at
	return r.store.Write(r.rec)
}

// RunFinished implements pipeline.Observer.
func (r *Recorder) RunFinished(_ context.Context, res *pipeline.Result, runErr error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.rec == nil {
		if res == nil {
			return nil
		}
		now := r.now()
		req := r.req
		r.rec = &Record{RunID: res.RunID, CreatedAt: now, StartedAt: &now, PID: os.Getpid(), Request: &req, LogPath: r.logPath}
	}

	end := r.now()
	r.rec.EndedAt = &end
	r.rec.State = StateSuccess
	if res != nil {
		r.rec.ArchivePath = res.ArchivePath
		r.rec.Shortcut = res.Shortcut
		r.rec.Published = res.Published
		r.rec.PublishError = res.PublishError
	}
	if runErr != nil {
		r.rec.State = StateFailed
		r.rec.Error = runErr.Error()
		r.rec.ErrorCode = pipeline.ErrorCode(runErr)
	}
	return r.store.Write(r.rec)
}

// SetLogPath records where the run's log output went. A path set before the
// first event is applied when the record is created.
func (r *Recorder) SetLogPath(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logPath = path
	if r.rec != nil {
		r.rec.LogPath = path
		_ = r.store.Write(r.rec)
	}
}

// StartHeartbeat refreshes LastHeartbeat every interval until ctx is done or
// the returned stop function is called.
func (r *Recorder) StartHeartbeat(ctx context.Context, interval time.Duration) func() {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	t := time.NewTicker(interval)
	stopped := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(stopped)
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-t.C:
				r.beat()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.Stop()
			close(done)
			<-stopped
		})
	}
}

func (r *Recorder) beat() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rec == nil || r.rec.State != StateRunning {
		return
	}
	now := r.now()
	r.rec.LastHeartbeat = &now
	if err := r.store.Write(r.rec); err != nil {
		r.logger.Warn("Run heartbeat write failed", zap.Error(err))
	}
}
