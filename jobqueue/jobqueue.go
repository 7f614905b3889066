package jobqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stevecastle/wiggle/stream"
)

// JobState represents the current state of a job in the queue.
type JobState int

const (
	StatePending JobState = iota
	StateInProgress
	StateCompleted
	StateCancelled
	StateError
)

// Lanes group commands that share a concurrency limit.
const (
	LaneVideo   = "video"
	LaneImage   = "image"
	LaneNetwork = "network"
	LaneLocal   = "localhost"
)

var ErrJobNotFound = errors.New("job not found")

func (s JobState) String() string {
	switch s {
	case StatePending:
		return "Pending"
	case StateInProgress:
		return "InProgress"
	case StateCompleted:
		return "Completed"
	case StateCancelled:
		return "Cancelled"
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

// MarshalJSON serializes JobState as a lowercase string for JSON.
func (s JobState) MarshalJSON() ([]byte, error) {
	var str string
	switch s {
	case StatePending:
		str = "pending"
	case StateInProgress:
		str = "in_progress"
	case StateCompleted:
		str = "completed"
	case StateCancelled:
		str = "cancelled"
	case StateError:
		str = "error"
	default:
		str = "unknown"
	}
	return json.Marshal(str)
}

// UnmarshalJSON deserializes JobState from a string.
func (s *JobState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}

	switch str {
	case "pending":
		*s = StatePending
	case "in_progress":
		*s = StateInProgress
	case "completed":
		*s = StateCompleted
	case "cancelled":
		*s = StateCancelled
	case "error":
		*s = StateError
	default:
		*s = StatePending
	}
	return nil
}

// Job represents an individual task in the queue. Input is the session the
// job works on; Arguments carry the task's options.
type Job struct {
	ID           string             `json:"id"`
	Command      string             `json:"command"`
	Arguments    []string           `json:"arguments"`
	Input        string             `json:"input"`
	Lane         string             `json:"lane"`
	Stdout       []string           `json:"-"`
	Dependencies []string           `json:"dependencies"` // IDs of jobs that must complete before this one
	State        JobState           `json:"state"`
	Error        string             `json:"error,omitempty"`
	Result       json.RawMessage    `json:"result,omitempty"`
	Ctx          context.Context    `json:"-"`
	Cancel       context.CancelFunc `json:"-"`

	// Timestamps for various states
	CreatedAt   time.Time `json:"created_at"`
	ClaimedAt   time.Time `json:"claimed_at"`
	CompletedAt time.Time `json:"completed_at"`
	ErroredAt   time.Time `json:"errored_at"`
}

type Workflow struct {
	Command   string     `json:"command"`
	Arguments []string   `json:"arguments"`
	Input     string     `json:"input"`
	Children  []Workflow `json:"children"`
}

// Queue is a thread-safe structure that manages Jobs with dependencies.
type Queue struct {
	mu            sync.Mutex
	Jobs          map[string]*Job
	JobOrder      []string // Keep track of the order in which jobs are added
	Signal        chan string
	Db            *sql.DB // Database connection for persistence
	LaneLimits    map[string]int
	RunningCounts map[string]int
}

// DefaultLaneLimits bounds concurrent jobs per lane. Video encodes spawn a
// multi-threaded ffmpeg, so one at a time.
func DefaultLaneLimits() map[string]int {
	return map[string]int{
		LaneVideo:   1,
		LaneImage:   2,
		LaneNetwork: 2,
		LaneLocal:   1,
	}
}

// NewQueue initializes and returns a new Queue.
func NewQueue() *Queue {
	return &Queue{
		Jobs:          make(map[string]*Job),
		Signal:        make(chan string, 100),
		LaneLimits:    DefaultLaneLimits(),
		RunningCounts: make(map[string]int),
	}
}

// NewQueueWithDB initializes and returns a new Queue with database support.
func NewQueueWithDB(db *sql.DB) *Queue {
	q := NewQueue()
	q.Db = db

	if err := q.createJobsTable(); err != nil {
		log.Printf("Failed to create jobs table: %v", err)
	}

	if err := q.loadJobsFromDB(); err != nil {
		log.Printf("Failed to load jobs from database: %v", err)
	}

	return q
}

// createJobsTable creates the jobs table if it doesn't exist
func (q *Queue) createJobsTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		command TEXT NOT NULL,
		arguments TEXT, -- JSON array
		input TEXT,
		lane TEXT,
		stdout TEXT, -- JSON array
		dependencies TEXT, -- JSON array
		state INTEGER NOT NULL,
		error TEXT,
		result TEXT, -- JSON object
		created_at DATETIME NOT NULL,
		claimed_at DATETIME,
		completed_at DATETIME,
		errored_at DATETIME,
		job_order_position INTEGER
	)`

	_, err := q.Db.Exec(query)
	return err
}

// saveJobToDB saves a single job to the database
func (q *Queue) saveJobToDB(job *Job) error {
	if q.Db == nil {
		return nil
	}

	argumentsJSON, _ := json.Marshal(job.Arguments)
	stdoutJSON, _ := json.Marshal(job.Stdout)
	dependenciesJSON, _ := json.Marshal(job.Dependencies)

	position := -1
	for i, id := range q.JobOrder {
		if id == job.ID {
			position = i
			break
		}
	}

	query := `
	INSERT OR REPLACE INTO jobs (
		id, command, arguments, input, lane, stdout, dependencies, state, error, result,
		created_at, claimed_at, completed_at, errored_at, job_order_position
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := q.Db.Exec(query,
		job.ID,
		job.Command,
		string(argumentsJSON),
		job.Input,
		job.Lane,
		string(stdoutJSON),
		string(dependenciesJSON),
		int(job.State),
		job.Error,
		string(job.Result),
		job.CreatedAt,
		job.ClaimedAt,
		job.CompletedAt,
		job.ErroredAt,
		position,
	)

	return err
}

// loadJobsFromDB loads all jobs from the database. Jobs that were running
// when the process stopped are marked cancelled: their sessions lived only
// in memory, so they cannot be resumed.
func (q *Queue) loadJobsFromDB() error {
	if q.Db == nil {
		return nil
	}

	query := `
	SELECT id, command, arguments, input, COALESCE(lane, ''), stdout, dependencies, state,
		   COALESCE(error, ''), COALESCE(result, ''),
		   created_at, claimed_at, completed_at, errored_at, job_order_position
	FROM jobs
	ORDER BY job_order_position`

	rows, err := q.Db.Query(query)
	if err != nil {
		return err
	}
	defer rows.Close()

	var interrupted []string

	for rows.Next() {
		var job Job
		var argumentsJSON, stdoutJSON, dependenciesJSON, result string
		var state int
		var position int

		err := rows.Scan(
			&job.ID,
			&job.Command,
			&argumentsJSON,
			&job.Input,
			&job.Lane,
			&stdoutJSON,
			&dependenciesJSON,
			&state,
			&job.Error,
			&result,
			&job.CreatedAt,
			&job.ClaimedAt,
			&job.CompletedAt,
			&job.ErroredAt,
			&position,
		)
		if err != nil {
			log.Printf("Error scanning job row: %v", err)
			continue
		}

		if err := json.Unmarshal([]byte(argumentsJSON), &job.Arguments); err != nil {
			job.Arguments = []string{}
		}
		if err := json.Unmarshal([]byte(stdoutJSON), &job.Stdout); err != nil {
			job.Stdout = []string{}
		}
		if err := json.Unmarshal([]byte(dependenciesJSON), &job.Dependencies); err != nil {
			job.Dependencies = []string{}
		}
		if result != "" {
			job.Result = json.RawMessage(result)
		}

		job.State = JobState(state)
		if job.Lane == "" {
			job.Lane = LaneFor(job.Command)
		}

		if job.State == StateInProgress || job.State == StatePending {
			job.State = StateCancelled
			job.Error = "interrupted by restart"
			interrupted = append(interrupted, job.ID)
		}

		ctx, cancel := context.WithCancel(context.Background())
		job.Ctx = ctx
		job.Cancel = cancel

		q.Jobs[job.ID] = &job
		q.JobOrder = append(q.JobOrder, job.ID)
	}

	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	if len(interrupted) > 0 {
		log.Printf("Marked %d interrupted jobs as cancelled: %v", len(interrupted), interrupted)
		for _, id := range interrupted {
			if err := q.saveJobToDB(q.Jobs[id]); err != nil {
				log.Printf("Failed to save job %s: %v", id, err)
			}
		}
	}
	return nil
}

// removeJobFromDB removes a job from the database
func (q *Queue) removeJobFromDB(jobID string) error {
	if q.Db == nil {
		return nil
	}

	_, err := q.Db.Exec("DELETE FROM jobs WHERE id = ?", jobID)
	return err
}

// SaveAllJobsToDB saves all current jobs to the database
func (q *Queue) SaveAllJobsToDB() error {
	if q.Db == nil {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for _, job := range q.Jobs {
		if err := q.saveJobToDB(job); err != nil {
			log.Printf("Failed to save job %s to database: %v", job.ID, err)
		}
	}

	return nil
}

// AddJob adds a new job to the queue with the given dependencies.
// It generates a UUID for the job and returns it.
func (q *Queue) AddJob(command string, arguments []string, input string, dependencies []string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.addJobLocked(command, arguments, input, dependencies)
}

func (q *Queue) addJobLocked(command string, arguments []string, input string, dependencies []string) (string, error) {
	id := uuid.NewString()
	if _, exists := q.Jobs[id]; exists {
		return "", errors.New("job with given ID already exists")
	}

	ctx, cancel := context.WithCancel(context.Background())
	job := &Job{
		ID:           id,
		Input:        input,
		Command:      command,
		Arguments:    arguments,
		Dependencies: dependencies,
		State:        StatePending,
		Ctx:          ctx,
		Cancel:       cancel,
		CreatedAt:    time.Now(),
		Lane:         LaneFor(command),
	}
	q.Jobs[id] = job
	q.JobOrder = append(q.JobOrder, id)

	if err := q.saveJobToDB(job); err != nil {
		log.Printf("Failed to save job to database: %v", err)
	}

	q.signalLocked()
	if err := serializeListUpdate("create", job); err != nil {
		return "", err
	}

	return id, nil
}

// AddWorkflow adds each job from the bottom up, making every parent depend
// on its children. It returns the root job's ID.
func (q *Queue) AddWorkflow(w Workflow) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.addWorkflowLocked(w)
}

func (q *Queue) addWorkflowLocked(w Workflow) (string, error) {
	dependencies := []string{}
	for _, child := range w.Children {
		id, err := q.addWorkflowLocked(child)
		if err != nil {
			return "", err
		}
		dependencies = append(dependencies, id)
	}
	return q.addJobLocked(w.Command, w.Arguments, w.Input, dependencies)
}

// CopyJob re-queues a job with the same command and arguments.
func (q *Queue) CopyJob(id string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, exists := q.Jobs[id]
	if !exists {
		return "", ErrJobNotFound
	}
	return q.addJobLocked(job.Command, append([]string(nil), job.Arguments...), job.Input, nil)
}

// ClaimJob tries to find a pending job whose dependencies are all completed,
// in FIFO order. If successful, it returns the job and marks it as InProgress.
// Jobs whose dependency failed are cancelled on the way.
func (q *Queue) ClaimJob() (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, jobID := range q.JobOrder {
		job := q.Jobs[jobID]
		if job.State != StatePending {
			continue
		}
		ok, dead := q.canClaim(job)
		if dead {
			job.Cancel()
			job.State = StateCancelled
			job.Error = "dependency did not complete"
			if err := q.saveJobToDB(job); err != nil {
				log.Printf("Failed to save job state to database: %v", err)
			}
			_ = serializeListUpdate("update", job)
			continue
		}
		if !ok {
			continue
		}
		if q.RunningCounts[job.Lane] >= q.laneLimitLocked(job.Lane) {
			continue
		}

		job.State = StateInProgress
		job.ClaimedAt = time.Now()
		q.RunningCounts[job.Lane]++

		if err := q.saveJobToDB(job); err != nil {
			log.Printf("Failed to save job state to database: %v", err)
		}

		if err := serializeListUpdate("update", job); err != nil {
			return nil, err
		}
		return job, nil
	}

	return nil, nil
}

// canClaim reports whether every dependency completed, and whether one has
// ended in a way that means it never will.
func (q *Queue) canClaim(job *Job) (ok bool, dead bool) {
	for _, dep := range job.Dependencies {
		depJob, exists := q.Jobs[dep]
		if !exists {
			return false, true
		}
		switch depJob.State {
		case StateCompleted:
		case StateError, StateCancelled:
			return false, true
		default:
			return false, false
		}
	}
	return true, false
}

// ErrorJob moves an in-progress job to the error state, keeping cause's
// message for clients.
func (q *Queue) ErrorJob(id string, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, exists := q.Jobs[id]
	if !exists {
		return ErrJobNotFound
	}

	if job.State != StateInProgress {
		return errors.New("job is not in progress, cannot set error")
	}

	job.State = StateError
	job.ErroredAt = time.Now()
	if cause != nil {
		job.Error = cause.Error()
	}
	q.RunningCounts[job.Lane]--

	if err := q.saveJobToDB(job); err != nil {
		log.Printf("Failed to save job error state to database: %v", err)
	}

	_ = serializeListUpdate("update", job)
	q.signalLocked()
	return nil
}

// CancelJob cancels a pending or in-progress job. The job's context is
// cancelled so a running task releases its resources.
func (q *Queue) CancelJob(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, exists := q.Jobs[id]
	if !exists {
		return ErrJobNotFound
	}

	if job.State != StatePending && job.State != StateInProgress {
		return errors.New("job is not pending or in progress, cannot cancel")
	}
	job.Cancel()

	if job.State == StateInProgress {
		q.RunningCounts[job.Lane]--
	}

	job.State = StateCancelled

	if err := q.saveJobToDB(job); err != nil {
		log.Printf("Failed to save job cancellation to database: %v", err)
	}

	if err := serializeListUpdate("update", job); err != nil {
		return err
	}
	q.signalLocked()
	return nil
}

// PushJobStdout appends a line to the job's output and streams it.
func (q *Queue) PushJobStdout(id string, stdout string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, exists := q.Jobs[id]
	if !exists {
		return ErrJobNotFound
	}

	job.Stdout = append(job.Stdout, stdout)

	if err := q.saveJobToDB(job); err != nil {
		log.Printf("Failed to save job stdout to database: %v", err)
	}

	_ = serializeStdout(stdout, id)
	return nil
}

// SetResult stores v as the job's JSON result.
func (q *Queue) SetResult(id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	job, exists := q.Jobs[id]
	if !exists {
		return ErrJobNotFound
	}
	job.Result = data
	if err := q.saveJobToDB(job); err != nil {
		log.Printf("Failed to save job result to database: %v", err)
	}
	return nil
}

// CompleteJob marks the specified job as completed if it is currently InProgress.
// Returns an error if the job does not exist, or if it's not in a valid state to be completed.
func (q *Queue) CompleteJob(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, exists := q.Jobs[id]
	if !exists {
		return ErrJobNotFound
	}

	if job.State != StateInProgress {
		return errors.New("job is not in progress, cannot complete")
	}

	job.State = StateCompleted
	job.CompletedAt = time.Now()
	q.RunningCounts[job.Lane]--

	if err := q.saveJobToDB(job); err != nil {
		log.Printf("Failed to save job completion to database: %v", err)
	}

	_ = serializeListUpdate("update", job)
	q.signalLocked()
	return nil
}

// signalLocked wakes the runners after a slot frees up or a dependency
// resolves. It never blocks.
func (q *Queue) signalLocked() {
	select {
	case q.Signal <- "":
	default:
	}
}

// GetJobs returns a slice of all jobs in the queue, newest first.
func (q *Queue) GetJobs() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	length := len(q.JobOrder)
	jobs := make([]Job, 0, length)
	for i := length - 1; i >= 0; i-- {
		jobs = append(jobs, *q.Jobs[q.JobOrder[i]])
	}
	return jobs
}

// GetJob returns a copy of the job, or nil.
func (q *Queue) GetJob(id string) *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, exists := q.Jobs[id]
	if !exists {
		return nil
	}
	cp := *job
	cp.Stdout = append([]string(nil), job.Stdout...)
	return &cp
}

// RemoveJob deletes a job, cancelling it first if it is still running.
func (q *Queue) RemoveJob(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, exists := q.Jobs[id]
	if !exists {
		return ErrJobNotFound
	}

	if job.State == StateInProgress {
		job.Cancel()
		q.RunningCounts[job.Lane]--
	}

	delete(q.Jobs, id)
	for i, jobID := range q.JobOrder {
		if jobID == id {
			q.JobOrder = append(q.JobOrder[:i], q.JobOrder[i+1:]...)
			break
		}
	}

	if err := q.removeJobFromDB(id); err != nil {
		log.Printf("Failed to remove job from database: %v", err)
	}

	if err := serializeListUpdate("delete", &Job{ID: id}); err != nil {
		return err
	}
	q.signalLocked()
	return nil
}

// ClearNonRunningJobs removes all jobs that are not currently running (StateInProgress).
// This includes jobs in states: Pending, Completed, Cancelled, and Error.
// Returns the number of jobs cleared and any error that occurred.
func (q *Queue) ClearNonRunningJobs() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var clearedCount int
	var kept []string

	for _, jobID := range q.JobOrder {
		job := q.Jobs[jobID]
		if job.State == StateInProgress {
			kept = append(kept, jobID)
			continue
		}
		job.Cancel()
		delete(q.Jobs, jobID)

		if err := q.removeJobFromDB(jobID); err != nil {
			log.Printf("Failed to remove job %s from database: %v", jobID, err)
		}

		_ = serializeListUpdate("delete", &Job{ID: jobID})
		clearedCount++
	}
	q.JobOrder = kept

	return clearedCount, nil
}

type SerializedJob struct {
	UpdateType string `json:"updateType"`
	Job        Job    `json:"job"`
}

type SerializedStdout struct {
	UpdateType string `json:"updateType"`
	Line       string `json:"line"`
}

// serializeListUpdate broadcasts the job with the specified update type.
func serializeListUpdate(updateType string, job *Job) error {
	j, err := json.Marshal(SerializedJob{UpdateType: updateType, Job: *job})
	if err != nil {
		return fmt.Errorf("error marshalling event: %w", err)
	}

	stream.Broadcast(stream.Message{Type: updateType, Msg: string(j)})
	return nil
}

func serializeStdout(line string, id string) error {
	j, err := json.Marshal(SerializedStdout{UpdateType: "stdout", Line: line})
	if err != nil {
		return fmt.Errorf("error marshalling event: %w", err)
	}
	// Type is stdout-<job-id>
	stream.Broadcast(stream.Message{Type: "stdout-" + id, Msg: string(j)})
	return nil
}

// LaneFor maps a command to its concurrency lane.
func LaneFor(command string) string {
	switch command {
	case "export-video":
		return LaneVideo
	case "export-gif", "export-webp":
		return LaneImage
	case "fetch-depth", "download-ffmpeg", "share":
		return LaneNetwork
	}
	return LaneLocal
}

func (q *Queue) laneLimitLocked(lane string) int {
	if limit, ok := q.LaneLimits[lane]; ok && limit > 0 {
		return limit
	}
	return 1
}

// SetLaneLimit changes how many jobs of a lane may run at once.
func (q *Queue) SetLaneLimit(lane string, limit int) {
	q.mu.Lock()
	q.LaneLimits[lane] = limit
	q.signalLocked()
	q.mu.Unlock()
}
