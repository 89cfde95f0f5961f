package jobs

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"gbmm/internal/storage"
)

// State is the persisted lifecycle state of a background job.
type State int

const (
	NotStarted State = 0
	Running    State = 1
	Paused     State = 2
	Stopped    State = 3
	Complete   State = 4
	Failed     State = 5
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Stopped:
		return "stopped"
	case Complete:
		return "complete"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether the state ends a job's life.
func (s State) Terminal() bool {
	return s == Stopped || s == Complete || s == Failed
}

// States maps state names to persisted values, as exposed by the
// definitions API.
func States() map[string]int {
	return map[string]int{
		"NOT_STARTED": int(NotStarted),
		"RUNNING":     int(Running),
		"PAUSED":      int(Paused),
		"STOPPED":     int(Stopped),
		"COMPLETE":    int(Complete),
		"FAILED":      int(Failed),
	}
}

// ErrLifecycle is returned for control requests that do not apply to the
// job's current state or capabilities.
var ErrLifecycle = errors.New("invalid job lifecycle request")

// ErrJobNotFound is returned when no live job matches the given uuid.
var ErrJobNotFound = errors.New("job not found")

// Runner is the work a background job performs. Run executes until the work
// is complete or the context reports a pause or stop request; it must poll
// ctx.ShouldYield at its work-unit boundaries.
type Runner interface {
	Run(ctx *Context) error
}

// Resumer marks a job pauseable. Resume continues from the checkpoint in
// ctx.Data.
type Resumer interface {
	Runner
	Resume(ctx *Context) error
}

// Recoverer marks a job recoverable after an unclean shutdown. Recover is
// invoked at startup for rows left in a live state.
type Recoverer interface {
	Runner
	Recover(ctx *Context) error
}

// Factory builds a fresh runner for one job execution.
type Factory func() Runner

// Context is the handle a runner uses to report progress, checkpoint state
// and observe control requests.
type Context struct {
	job *Job
	Log *slog.Logger
}

// ShouldYield reports whether a pause or stop has been requested. Runners
// return from Run promptly after observing it.
func (c *Context) ShouldYield() bool {
	c.job.mu.Lock()
	defer c.job.mu.Unlock()
	return c.job.pauseRequested || c.job.stopRequested
}

// SetProgress updates the job's persisted progress counters.
func (c *Context) SetProgress(current, denominator int64) {
	c.job.mu.Lock()
	c.job.record.ProgressCurrent = current
	c.job.record.ProgressDenominator = denominator
	c.job.mu.Unlock()
	c.job.persist()
}

// Data returns the job's checkpoint payload.
func (c *Context) Data() string {
	c.job.mu.Lock()
	defer c.job.mu.Unlock()
	return c.job.record.Data
}

// SetData persists a new checkpoint payload.
func (c *Context) SetData(data string) {
	c.job.mu.Lock()
	c.job.record.Data = data
	c.job.mu.Unlock()
	c.job.persist()
}

// Job is the runtime handle of one background job execution.
type Job struct {
	manager *Manager
	runner  Runner

	mu             sync.Mutex
	record         *storage.BackgroundJobRecord
	pauseRequested bool
	stopRequested  bool
	done           chan struct{}
}

// UUID returns the job's identifier.
func (j *Job) UUID() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.record.UUID
}

// Name returns the registered job name.
func (j *Job) Name() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.record.Name
}

// State returns the current lifecycle state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return State(j.record.State)
}

// Snapshot returns a copy of the persisted record.
func (j *Job) Snapshot() storage.BackgroundJobRecord {
	j.mu.Lock()
	defer j.mu.Unlock()
	return *j.record
}

// Wait blocks until the current execution leg finishes (terminal state or
// pause).
func (j *Job) Wait() {
	j.mu.Lock()
	done := j.done
	j.mu.Unlock()
	<-done
}

func (j *Job) persist() {
	j.mu.Lock()
	rec := *j.record
	j.mu.Unlock()
	if err := j.manager.store.SaveJobRecord(&rec); err != nil {
		j.manager.log.Error("persist job record failed", "uuid", rec.UUID, "error", err)
	}
}

func (j *Job) setState(s State) {
	j.mu.Lock()
	j.record.State = int(s)
	j.mu.Unlock()
	j.persist()
}

// run executes one leg of the job: an initial Run, a Resume, or a Recover.
func (j *Job) run(leg func(*Context) error) {
	defer close(j.done)

	ctx := &Context{job: j, Log: j.manager.log.With("job", j.Name(), "uuid", j.UUID())}
	j.setState(Running)

	err := leg(ctx)

	j.mu.Lock()
	paused := j.pauseRequested
	stopped := j.stopRequested
	j.mu.Unlock()

	switch {
	case err != nil:
		ctx.Log.Error("job failed", "error", err)
		j.finish(Failed)
	case stopped:
		ctx.Log.Info("job stopped")
		j.finish(Stopped)
	case paused:
		ctx.Log.Info("job paused")
		j.setState(Paused)
	default:
		ctx.Log.Info("job complete")
		j.finish(Complete)
	}
}

func (j *Job) finish(s State) {
	// The terminal state reaches the database only through the archive
	// transaction; the live table never holds a terminal row.
	j.mu.Lock()
	j.record.State = int(s)
	rec := *j.record
	j.mu.Unlock()
	if err := j.manager.store.ArchiveJobRecord(&rec); err != nil {
		j.manager.log.Error("archive job record failed", "uuid", rec.UUID, "error", err)
	}
	j.manager.remove(rec.UUID)
}

// Manager owns the registry of job factories and all live jobs.
type Manager struct {
	log   *slog.Logger
	store *storage.Store

	mu        sync.Mutex
	factories map[string]Factory
	live      map[string]*Job
}

func NewManager(log *slog.Logger, store *storage.Store) *Manager {
	return &Manager{
		log:       log.With("component", "jobs"),
		store:     store,
		factories: make(map[string]Factory),
		live:      make(map[string]*Job),
	}
}

// Register binds a job name to its factory.
func (m *Manager) Register(name string, factory Factory) {
	m.mu.Lock()
	m.factories[name] = factory
	m.mu.Unlock()
}

func (m *Manager) remove(uuid string) {
	m.mu.Lock()
	delete(m.live, uuid)
	m.mu.Unlock()
}

// Get returns a live job by uuid.
func (m *Manager) Get(uuid string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.live[uuid]
	if !ok {
		return nil, ErrJobNotFound
	}
	return j, nil
}

// Active returns the live jobs with the given name, all live jobs when the
// name is empty.
func (m *Manager) Active(name string) []*Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Job
	for _, j := range m.live {
		if name == "" || j.Name() == name {
			out = append(out, j)
		}
	}
	return out
}

func (m *Manager) build(name string) (Runner, error) {
	m.mu.Lock()
	factory, ok := m.factories[name]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown job name %q", name)
	}
	return factory(), nil
}

func (m *Manager) track(runner Runner, rec *storage.BackgroundJobRecord) *Job {
	j := &Job{
		manager: m,
		runner:  runner,
		record:  rec,
		done:    make(chan struct{}),
	}
	m.mu.Lock()
	m.live[rec.UUID] = j
	m.mu.Unlock()
	return j
}

// Start launches a new job by registered name and returns its handle.
func (m *Manager) Start(name string) (*Job, error) {
	runner, err := m.build(name)
	if err != nil {
		return nil, err
	}
	_, pauseable := runner.(Resumer)
	_, recoverable := runner.(Recoverer)
	rec := &storage.BackgroundJobRecord{
		UUID:        uuid.NewString(),
		Name:        name,
		Pauseable:   pauseable,
		Recoverable: recoverable,
		State:       int(NotStarted),
	}
	if err := m.store.SaveJobRecord(rec); err != nil {
		return nil, err
	}
	j := m.track(runner, rec)
	go j.run(runner.Run)
	m.log.Info("job started", "job", name, "uuid", rec.UUID)
	return j, nil
}

// Pause requests a cooperative pause. Only pauseable running jobs accept it.
func (m *Manager) Pause(uuid string) error {
	j, err := m.Get(uuid)
	if err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.record.Pauseable {
		return fmt.Errorf("%w: job %s is not pauseable", ErrLifecycle, j.record.Name)
	}
	if State(j.record.State) != Running {
		return fmt.Errorf("%w: job is %s", ErrLifecycle, State(j.record.State))
	}
	if j.pauseRequested || j.stopRequested {
		return fmt.Errorf("%w: a control request is already pending", ErrLifecycle)
	}
	j.pauseRequested = true
	return nil
}

// Resume continues a paused job from its checkpoint.
func (m *Manager) Resume(uuid string) error {
	j, err := m.Get(uuid)
	if err != nil {
		return err
	}
	j.mu.Lock()
	if State(j.record.State) != Paused {
		state := State(j.record.State)
		j.mu.Unlock()
		return fmt.Errorf("%w: job is %s", ErrLifecycle, state)
	}
	resumer, ok := j.runner.(Resumer)
	if !ok {
		j.mu.Unlock()
		return fmt.Errorf("%w: job %s is not pauseable", ErrLifecycle, j.record.Name)
	}
	j.pauseRequested = false
	j.done = make(chan struct{})
	j.mu.Unlock()
	go j.run(resumer.Resume)
	return nil
}

// Stop requests a cooperative stop. Running and paused jobs accept it;
// paused jobs transition immediately.
func (m *Manager) Stop(uuid string) error {
	j, err := m.Get(uuid)
	if err != nil {
		return err
	}
	j.mu.Lock()
	state := State(j.record.State)
	switch state {
	case Running:
		// A stop supersedes a pending pause, but not another stop.
		if j.stopRequested {
			j.mu.Unlock()
			return fmt.Errorf("%w: stop already requested", ErrLifecycle)
		}
		j.stopRequested = true
		j.mu.Unlock()
		return nil
	case Paused:
		j.stopRequested = true
		j.mu.Unlock()
		j.finish(Stopped)
		return nil
	default:
		j.mu.Unlock()
		return fmt.Errorf("%w: job is %s", ErrLifecycle, state)
	}
}

// Startup reconciles job rows left behind by the previous process.
// Recoverable jobs in a live state are relaunched through Recover;
// everything else is marked failed and archived.
func (m *Manager) Startup() error {
	rows, err := m.store.JobRecords("")
	if err != nil {
		return err
	}
	for i := range rows {
		rec := rows[i]
		if State(rec.State).Terminal() {
			if err := m.store.ArchiveJobRecord(&rec); err != nil {
				return err
			}
			continue
		}
		if !rec.Recoverable {
			m.log.Warn("abandoning unrecoverable job", "job", rec.Name, "uuid", rec.UUID)
			rec.State = int(Failed)
			if err := m.store.ArchiveJobRecord(&rec); err != nil {
				return err
			}
			continue
		}
		runner, err := m.build(rec.Name)
		if err != nil {
			m.log.Warn("recovery skipped", "job", rec.Name, "uuid", rec.UUID, "error", err)
			rec.State = int(Failed)
			if err := m.store.ArchiveJobRecord(&rec); err != nil {
				return err
			}
			continue
		}
		recoverer, ok := runner.(Recoverer)
		if !ok {
			rec.State = int(Failed)
			if err := m.store.ArchiveJobRecord(&rec); err != nil {
				return err
			}
			continue
		}
		m.log.Info("recovering job", "job", rec.Name, "uuid", rec.UUID)
		j := m.track(runner, &rec)
		go j.run(recoverer.Recover)
	}
	return nil
}
