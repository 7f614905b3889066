package tasks

import (
	"sort"

	"github.com/stevecastle/wiggle/jobqueue"
)

// TaskFn runs one claimed job. A nil return completes the job; an error
// fails it, or cancels it when the job's context was cancelled.
type TaskFn func(j *jobqueue.Job, q *jobqueue.Queue) error

// Task represents a runnable unit bound to the jobqueue.
type Task struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Fn   TaskFn `json:"-"`
}

type TaskMap map[string]Task

var tasks = make(TaskMap)

func init() {
	RegisterTask("export-gif", "Export GIF", exportTask)
	RegisterTask("export-webp", "Export WebP", exportTask)
	RegisterTask("export-video", "Export Video", exportTask)
	RegisterTask("fetch-depth", "Fetch Depth Map", fetchDepthTask)
	RegisterTask("download-ffmpeg", "Download FFmpeg", downloadFFmpegTask)
	RegisterTask("share", "Share Export", shareTask)
}

func RegisterTask(id, name string, fn TaskFn) {
	tasks[id] = Task{
		ID:   id,
		Name: name,
		Fn:   fn,
	}
}

func GetTasks() TaskMap {
	return tasks
}

// List returns the registered tasks ordered by ID.
func List() []Task {
	out := make([]Task, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
