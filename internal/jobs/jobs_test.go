package jobs

import (
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"gbmm/internal/storage"
)

func newTestManager(t *testing.T) (*Manager, *storage.Store) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := storage.Open(log, filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewManager(log, s), s
}

// gateJob performs one step per token received on gate. Receiving before the
// yield check gives tests a deterministic pause point.
type gateJob struct {
	total   int64
	stepped atomic.Int64
	fail    bool
	gate    chan struct{}
}

func (j *gateJob) Run(ctx *Context) error     { return j.loop(ctx) }
func (j *gateJob) Resume(ctx *Context) error  { return j.loop(ctx) }
func (j *gateJob) Recover(ctx *Context) error { return j.loop(ctx) }

func (j *gateJob) loop(ctx *Context) error {
	for j.stepped.Load() < j.total {
		if j.gate != nil {
			<-j.gate
		}
		if ctx.ShouldYield() {
			return nil
		}
		if j.fail {
			return errors.New("boom")
		}
		n := j.stepped.Add(1)
		ctx.SetProgress(n, j.total)
	}
	return nil
}

func TestJobRunsToCompletion(t *testing.T) {
	m, s := newTestManager(t)
	job := &gateJob{total: 3}
	m.Register("counter", func() Runner { return job })

	j, err := m.Start("counter")
	require.NoError(t, err)
	j.Wait()

	assert.Equal(t, int64(3), job.stepped.Load())

	// Completed jobs leave the live table for the archive.
	_, err = s.GetJobRecord(j.UUID())
	assert.ErrorIs(t, err, storage.ErrNotFound)
	var arch storage.BackgroundJobArchive
	require.NoError(t, s.DB().First(&arch, "uuid = ?", j.UUID()).Error)
	assert.Equal(t, int(Complete), arch.State)
	assert.Equal(t, int64(3), arch.ProgressCurrent)
}

func TestJobFailureArchived(t *testing.T) {
	m, s := newTestManager(t)
	m.Register("failing", func() Runner { return &gateJob{total: 1, fail: true} })

	j, err := m.Start("failing")
	require.NoError(t, err)
	j.Wait()

	var arch storage.BackgroundJobArchive
	require.NoError(t, s.DB().First(&arch, "uuid = ?", j.UUID()).Error)
	assert.Equal(t, int(Failed), arch.State)
}

func TestPauseAndResume(t *testing.T) {
	m, _ := newTestManager(t)
	job := &gateJob{total: 4, gate: make(chan struct{})}
	m.Register("counter", func() Runner { return job })

	j, err := m.Start("counter")
	require.NoError(t, err)

	job.gate <- struct{}{}
	job.gate <- struct{}{}
	require.NoError(t, m.Pause(j.UUID()))
	job.gate <- struct{}{}
	j.Wait()

	assert.Equal(t, Paused, j.State())
	assert.Equal(t, int64(2), job.stepped.Load())

	require.NoError(t, m.Resume(j.UUID()))
	job.gate <- struct{}{}
	job.gate <- struct{}{}
	j.Wait()

	assert.Equal(t, int64(4), job.stepped.Load())
	assert.Eventually(t, func() bool {
		return len(m.Active("counter")) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestStopFromPaused(t *testing.T) {
	m, s := newTestManager(t)
	job := &gateJob{total: 4, gate: make(chan struct{})}
	m.Register("counter", func() Runner { return job })

	j, err := m.Start("counter")
	require.NoError(t, err)
	job.gate <- struct{}{}
	require.NoError(t, m.Pause(j.UUID()))
	job.gate <- struct{}{}
	j.Wait()
	require.Equal(t, Paused, j.State())

	require.NoError(t, m.Stop(j.UUID()))
	var arch storage.BackgroundJobArchive
	require.NoError(t, s.DB().First(&arch, "uuid = ?", j.UUID()).Error)
	assert.Equal(t, int(Stopped), arch.State)
	assert.Empty(t, m.Active("counter"))
}

func TestLifecycleErrors(t *testing.T) {
	m, _ := newTestManager(t)

	// Implements Runner only, so pausing it is a lifecycle error.
	m.Register("plain", func() Runner {
		return runnerFunc(func(ctx *Context) error {
			for !ctx.ShouldYield() {
				time.Sleep(5 * time.Millisecond)
			}
			return nil
		})
	})
	j, err := m.Start("plain")
	require.NoError(t, err)
	assert.ErrorIs(t, m.Pause(j.UUID()), ErrLifecycle)
	require.NoError(t, m.Stop(j.UUID()))
	j.Wait()

	assert.ErrorIs(t, m.Pause("no-such-uuid"), ErrJobNotFound)

	_, err = m.Start("unregistered")
	assert.Error(t, err)
}

func TestRepeatedControlRequestsRejected(t *testing.T) {
	m, _ := newTestManager(t)
	job := &gateJob{total: 4, gate: make(chan struct{})}
	m.Register("counter", func() Runner { return job })

	j, err := m.Start("counter")
	require.NoError(t, err)

	require.NoError(t, m.Pause(j.UUID()))
	assert.ErrorIs(t, m.Pause(j.UUID()), ErrLifecycle)

	// A stop supersedes the pending pause; a second stop does not.
	require.NoError(t, m.Stop(j.UUID()))
	assert.ErrorIs(t, m.Stop(j.UUID()), ErrLifecycle)

	job.gate <- struct{}{}
	j.Wait()
	assert.Equal(t, int64(0), job.stepped.Load())
}

func TestTerminalStateNeverPersistedLive(t *testing.T) {
	m, s := newTestManager(t)

	// Watch every write to the live job table; terminal states must only
	// ever reach the database through the archive transaction.
	var terminalWrites atomic.Int64
	watch := func(db *gorm.DB) {
		if rec, ok := db.Statement.Dest.(*storage.BackgroundJobRecord); ok && State(rec.State).Terminal() {
			terminalWrites.Add(1)
		}
	}
	require.NoError(t, s.DB().Callback().Create().After("gorm:create").Register("watch_live_create", watch))
	require.NoError(t, s.DB().Callback().Update().After("gorm:update").Register("watch_live_update", watch))

	m.Register("counter", func() Runner { return &gateJob{total: 2} })
	j, err := m.Start("counter")
	require.NoError(t, err)
	j.Wait()

	assert.Equal(t, int64(0), terminalWrites.Load())
	var arch storage.BackgroundJobArchive
	require.NoError(t, s.DB().First(&arch, "uuid = ?", j.UUID()).Error)
	assert.Equal(t, int(Complete), arch.State)
}

type runnerFunc func(*Context) error

func (f runnerFunc) Run(ctx *Context) error { return f(ctx) }

func TestStartupRecovery(t *testing.T) {
	m, s := newTestManager(t)

	// A recoverable row left running by a dead process.
	require.NoError(t, s.SaveJobRecord(&storage.BackgroundJobRecord{
		UUID: "rec-1", Name: "counter", Recoverable: true, State: int(Running),
	}))
	// An unrecoverable row in the same situation.
	require.NoError(t, s.SaveJobRecord(&storage.BackgroundJobRecord{
		UUID: "rec-2", Name: "oneshot", State: int(Running),
	}))

	recovered := &gateJob{total: 2}
	m.Register("counter", func() Runner { return recovered })

	require.NoError(t, m.Startup())

	assert.Eventually(t, func() bool {
		return recovered.stepped.Load() == 2
	}, time.Second, 10*time.Millisecond)

	var arch storage.BackgroundJobArchive
	require.NoError(t, s.DB().First(&arch, "uuid = ?", "rec-2").Error)
	assert.Equal(t, int(Failed), arch.State)
}
