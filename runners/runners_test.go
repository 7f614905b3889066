package runners

import (
	"database/sql"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stevecastle/wiggle/jobqueue"
	"github.com/stevecastle/wiggle/tasks"
	_ "modernc.org/sqlite"
)

func setupTestQueue(t *testing.T) *jobqueue.Queue {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return jobqueue.NewQueueWithDB(db)
}

// fakeTasks resolves commands from a map instead of the registry.
func fakeTasks(m map[string]tasks.TaskFn) func(string) (tasks.TaskFn, bool) {
	return func(command string) (tasks.TaskFn, bool) {
		fn, ok := m[command]
		return fn, ok
	}
}

// waitForState polls until the job reaches want.
func waitForState(t *testing.T, q *jobqueue.Queue, id string, want jobqueue.JobState) *jobqueue.Job {
	t.Helper()
	timeout := time.After(5 * time.Second)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-timeout:
			job := q.GetJob(id)
			t.Fatalf("job %s state = %v; want %v", id, job.State, want)
		case <-ticker.C:
			if job := q.GetJob(id); job.State == want {
				return job
			}
		}
	}
}

// TestNewRunners verifies runner creation
func TestNewRunners(t *testing.T) {
	q := setupTestQueue(t)

	r := New(q)
	if r == nil {
		t.Fatal("New() returned nil")
	}
	if r.queue != q || r.ctx == nil || r.cancel == nil || r.lookup == nil {
		t.Error("Runners not initialized")
	}
	r.Shutdown()
}

// TestRunnersDoubleShutdown ensures shutdown can be called multiple times safely
func TestRunnersDoubleShutdown(t *testing.T) {
	r := New(setupTestQueue(t))
	r.Shutdown()

	defer func() {
		if recover() != nil {
			t.Error("Double shutdown caused panic")
		}
	}()
	r.Shutdown()
}

// TestRunnersCompleteJob verifies a nil task result completes the job
func TestRunnersCompleteJob(t *testing.T) {
	q := setupTestQueue(t)
	r := NewWithLookup(q, fakeTasks(map[string]tasks.TaskFn{
		"export-gif": func(j *jobqueue.Job, q *jobqueue.Queue) error {
			q.PushJobStdout(j.ID, "frame 1/1")
			return nil
		},
	}))
	defer r.Shutdown()

	id, _ := q.AddJob("export-gif", nil, "s", nil)
	job := waitForState(t, q, id, jobqueue.StateCompleted)
	if len(job.Stdout) != 1 {
		t.Errorf("stdout = %v", job.Stdout)
	}
}

// TestRunnersErrorJob verifies a task error is recorded
func TestRunnersErrorJob(t *testing.T) {
	q := setupTestQueue(t)
	r := NewWithLookup(q, fakeTasks(map[string]tasks.TaskFn{
		"export-video": func(j *jobqueue.Job, q *jobqueue.Queue) error {
			return errors.New("encoding unsupported: ffmpeg not available")
		},
	}))
	defer r.Shutdown()

	id, _ := q.AddJob("export-video", nil, "s", nil)
	job := waitForState(t, q, id, jobqueue.StateError)
	if job.Error != "encoding unsupported: ffmpeg not available" {
		t.Errorf("job.Error = %q", job.Error)
	}
}

// TestRunnersPanicReleasesLane verifies a panicking task does not wedge its lane
func TestRunnersPanicReleasesLane(t *testing.T) {
	q := setupTestQueue(t)
	r := NewWithLookup(q, fakeTasks(map[string]tasks.TaskFn{
		"export-video": func(j *jobqueue.Job, q *jobqueue.Queue) error {
			if j.Input == "boom" {
				panic("nil frame")
			}
			return nil
		},
	}))
	defer r.Shutdown()

	first, _ := q.AddJob("export-video", nil, "boom", nil)
	second, _ := q.AddJob("export-video", nil, "ok", nil)

	waitForState(t, q, first, jobqueue.StateError)
	waitForState(t, q, second, jobqueue.StateCompleted)
}

// TestRunnersUnknownTask tests handling of unknown task commands
func TestRunnersUnknownTask(t *testing.T) {
	q := setupTestQueue(t)
	r := NewWithLookup(q, fakeTasks(nil))
	defer r.Shutdown()

	id, _ := q.AddJob("this-task-does-not-exist", nil, "", nil)
	job := waitForState(t, q, id, jobqueue.StateError)

	found := false
	for _, line := range job.Stdout {
		if line == "Task not found: this-task-does-not-exist" {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected 'Task not found' message in stdout; got %v", job.Stdout)
	}
}

// TestRunnersCancel verifies a cancelled job ends Cancelled, not Error
func TestRunnersCancel(t *testing.T) {
	q := setupTestQueue(t)
	started := make(chan string, 1)
	r := NewWithLookup(q, fakeTasks(map[string]tasks.TaskFn{
		"export-gif": func(j *jobqueue.Job, q *jobqueue.Queue) error {
			started <- j.ID
			<-j.Ctx.Done()
			return j.Ctx.Err()
		},
	}))
	defer r.Shutdown()

	id, _ := q.AddJob("export-gif", nil, "s", nil)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("task did not start")
	}
	if err := q.CancelJob(id); err != nil {
		t.Fatal(err)
	}
	waitForState(t, q, id, jobqueue.StateCancelled)
}

// TestRunnersLaneConcurrency verifies lanes bound parallelism
func TestRunnersLaneConcurrency(t *testing.T) {
	q := setupTestQueue(t)
	var active, peak atomic.Int32
	release := make(chan struct{})
	fn := func(j *jobqueue.Job, q *jobqueue.Queue) error {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		active.Add(-1)
		return nil
	}
	r := NewWithLookup(q, fakeTasks(map[string]tasks.TaskFn{"export-gif": fn}))
	defer r.Shutdown()

	var ids []string
	for i := 0; i < 4; i++ {
		id, _ := q.AddJob("export-gif", nil, "s", nil)
		ids = append(ids, id)
	}

	// Image lane allows two at once.
	deadline := time.Now().Add(5 * time.Second)
	for active.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if got := active.Load(); got != 2 {
		t.Errorf("active jobs = %d; want 2", got)
	}

	close(release)
	for _, id := range ids {
		waitForState(t, q, id, jobqueue.StateCompleted)
	}
	if peak.Load() != 2 {
		t.Errorf("peak concurrency = %d; want 2", peak.Load())
	}
}

// TestRunnersWithDependencies tests that a child waits for its parent
func TestRunnersWithDependencies(t *testing.T) {
	q := setupTestQueue(t)
	var order []string
	done := make(chan struct{}, 2)
	r := NewWithLookup(q, fakeTasks(map[string]tasks.TaskFn{
		"fetch-depth": func(j *jobqueue.Job, q *jobqueue.Queue) error {
			order = append(order, "fetch-depth")
			done <- struct{}{}
			return nil
		},
		"export-gif": func(j *jobqueue.Job, q *jobqueue.Queue) error {
			order = append(order, "export-gif")
			done <- struct{}{}
			return nil
		},
	}))
	defer r.Shutdown()

	rootID, err := q.AddWorkflow(jobqueue.Workflow{
		Command:  "export-gif",
		Input:    "s",
		Children: []jobqueue.Workflow{{Command: "fetch-depth", Input: "s"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	waitForState(t, q, rootID, jobqueue.StateCompleted)
	<-done
	<-done
	if len(order) != 2 || order[0] != "fetch-depth" {
		t.Errorf("order = %v", order)
	}
}
