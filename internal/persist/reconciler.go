package persist

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/csSone/LlamacppServer/internal/common"
	"github.com/csSone/LlamacppServer/internal/metrics"
)

type SaveStatus string

const (
	SaveSaving SaveStatus = "saving"
	SaveSaved  SaveStatus = "saved"
	SaveFailed SaveStatus = "error"
)

// SaveState is reported after every backup and server write. HintChanged
// is set when the save hint text differs from the previous one.
type SaveState struct {
	Status      SaveStatus
	Reason      string
	Hint        string
	HintChanged bool
}

// Reconciler keeps a completion durable: an undebounced local backup on
// every save, a debounced or immediate server write, and load-time
// resolution between the two.
type Reconciler struct {
	remote Remote
	backup BackupStore
	writer *DurableWriter
	log    *slog.Logger

	mu      sync.Mutex
	id      string
	build   PayloadFunc
	lastErr string
	reason  string
	onState func(SaveState)
}

func NewReconciler(remote Remote, backup BackupStore, writer *DurableWriter, log *slog.Logger) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	if backup == nil {
		backup = NewMemoryBackup()
	}
	r := &Reconciler{remote: remote, backup: backup, writer: writer, log: log}
	writer.OnWrite(r.written)
	return r
}

// Bind sets the completion id and the payload builder used by saves.
func (r *Reconciler) Bind(id string, build PayloadFunc) {
	r.mu.Lock()
	r.id, r.build = id, build
	r.mu.Unlock()
}

func (r *Reconciler) OnState(fn func(SaveState)) {
	r.mu.Lock()
	r.onState = fn
	r.mu.Unlock()
}

// LastError is the current save hint, "" when the last write succeeded.
func (r *Reconciler) LastError() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

func (r *Reconciler) bound() (string, PayloadFunc, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.id == "" || r.build == nil {
		return "", nil, &common.PersistenceError{Op: "save", Err: errors.New("no completion bound")}
	}
	return r.id, r.build, nil
}

// Save writes the backup now and schedules the server write.
func (r *Reconciler) Save(ctx context.Context, reason string) error {
	id, build, err := r.bound()
	if err != nil {
		return err
	}
	c, err := build()
	if err != nil {
		return &common.PersistenceError{Op: "build", Err: err}
	}
	if err := r.putBackup(ctx, c, reason); err != nil {
		r.log.Warn("backup write failed", "id", id, "reason", reason, "err", err)
	}
	r.setReason(reason)
	r.emit(SaveState{Status: SaveSaving, Reason: reason})
	r.writer.ScheduleWrite(id, build)
	return nil
}

// Flush writes the backup and the server copy immediately.
func (r *Reconciler) Flush(ctx context.Context, reason string) error {
	id, build, err := r.bound()
	if err != nil {
		return err
	}
	c, err := build()
	if err != nil {
		return &common.PersistenceError{Op: "build", Err: err}
	}
	if err := r.putBackup(ctx, c, reason); err != nil {
		r.log.Warn("backup write failed", "id", id, "reason", reason, "err", err)
	}
	r.setReason(reason)
	if err := r.writer.WriteNow(ctx, id, c); err != nil {
		return &common.PersistenceError{Op: "save", Err: err}
	}
	return nil
}

func (r *Reconciler) setReason(reason string) {
	r.mu.Lock()
	r.reason = reason
	r.mu.Unlock()
}

func (r *Reconciler) putBackup(ctx context.Context, c *Completion, reason string) error {
	err := r.backup.Put(ctx, Snapshot{ID: c.ID, UpdatedAt: c.UpdatedAt, Reason: reason, Payload: c.Encode()})
	metrics.Saves.WithLabelValues("backup", metrics.Outcome(err, false)).Inc()
	return err
}

// written runs after every server write. A success clears the backup
// unless a newer snapshot was taken since c was built.
func (r *Reconciler) written(key string, c *Completion, err error) {
	r.mu.Lock()
	prev := r.lastErr
	reason := r.reason
	if err != nil {
		r.lastErr = err.Error()
	} else {
		r.lastErr = ""
	}
	hint := r.lastErr
	r.mu.Unlock()

	st := SaveState{Status: SaveSaved, Reason: reason, Hint: hint, HintChanged: hint != prev}
	if err != nil {
		st.Status = SaveFailed
		r.log.Warn("completion save failed", "id", key, "reason", reason, "err", err)
		r.emit(st)
		return
	}

	ctx := context.Background()
	if snap, gerr := r.backup.Get(ctx, key); gerr == nil && snap != nil && c != nil && snap.UpdatedAt <= c.UpdatedAt {
		if derr := r.backup.Delete(ctx, key); derr != nil {
			r.log.Warn("backup clear failed", "id", key, "err", derr)
		}
	}
	r.emit(st)
}

func (r *Reconciler) emit(st SaveState) {
	r.mu.Lock()
	fn := r.onState
	r.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

// Load fetches the server record and resolves it against the local
// backup. A backup strictly newer than the server wins; fromBackup tells
// the caller to apply it and flush. Otherwise the backup is discarded.
func (r *Reconciler) Load(ctx context.Context, id string) (c *Completion, fromBackup bool, err error) {
	server, serr := r.remote.Get(ctx, id)
	if errors.Is(serr, ErrNotFound) {
		server, serr = nil, nil
	}
	local, lerr := r.backup.Get(ctx, id)
	if lerr != nil {
		r.log.Warn("backup read failed", "id", id, "err", lerr)
		local = nil
	}

	if local != nil && (server == nil || local.UpdatedAt > server.UpdatedAt) {
		r.log.Info("restoring completion from backup", "id", id, "backup_updated_at", local.UpdatedAt, "reason", local.Reason)
		out := local.Payload.Decode()
		if out.ID == "" {
			out.ID = id
		}
		return &out, true, nil
	}
	if serr != nil {
		return nil, false, &common.PersistenceError{Op: "load", Err: serr}
	}
	if server == nil {
		return nil, false, &common.PersistenceError{Op: "load", Err: ErrNotFound}
	}
	if local != nil {
		if err := r.backup.Delete(ctx, id); err != nil {
			r.log.Warn("backup clear failed", "id", id, "err", err)
		}
	}
	out := server.Decode()
	return &out, false, nil
}

// Close drops pending debounced writes.
func (r *Reconciler) Close() {
	r.writer.Close()
}
