package tasks

import (
	"testing"

	"github.com/stevecastle/wiggle/jobqueue"
)

// TestGetTasks verifies that built-in tasks are registered
func TestGetTasks(t *testing.T) {
	taskMap := GetTasks()

	expectedTasks := []struct {
		id   string
		name string
	}{
		{"export-gif", "Export GIF"},
		{"export-webp", "Export WebP"},
		{"export-video", "Export Video"},
		{"fetch-depth", "Fetch Depth Map"},
		{"download-ffmpeg", "Download FFmpeg"},
		{"share", "Share Export"},
	}

	for _, expected := range expectedTasks {
		task, exists := taskMap[expected.id]
		if !exists {
			t.Errorf("Task %q not registered", expected.id)
			continue
		}
		if task.ID != expected.id {
			t.Errorf("Task %q has ID %q; want %q", expected.id, task.ID, expected.id)
		}
		if task.Name != expected.name {
			t.Errorf("Task %q has Name %q; want %q", expected.id, task.Name, expected.name)
		}
		if task.Fn == nil {
			t.Errorf("Task %q has nil Fn", expected.id)
		}
	}
}

// TestRegisteredTasksHaveLanes verifies every task maps to a bounded lane
func TestRegisteredTasksHaveLanes(t *testing.T) {
	limits := jobqueue.DefaultLaneLimits()
	for id := range GetTasks() {
		lane := jobqueue.LaneFor(id)
		if lane == jobqueue.LaneLocal {
			t.Errorf("task %q falls into the catch-all lane", id)
		}
		if limits[lane] <= 0 {
			t.Errorf("task %q lane %q has no limit", id, lane)
		}
	}
}

// TestRegisterTask tests registering and overwriting a task
func TestRegisterTask(t *testing.T) {
	originalTasks := make(TaskMap)
	for k, v := range tasks {
		originalTasks[k] = v
	}
	defer func() {
		tasks = originalTasks
	}()

	noop := func(j *jobqueue.Job, q *jobqueue.Queue) error { return nil }
	RegisterTask("custom-task", "First Version", noop)
	RegisterTask("custom-task", "Second Version", noop)

	task, exists := GetTasks()["custom-task"]
	if !exists {
		t.Fatal("Custom task was not registered")
	}
	if task.Name != "Second Version" {
		t.Errorf("Task should be overwritten; got Name = %q", task.Name)
	}
}

// TestList verifies ordering
func TestList(t *testing.T) {
	list := List()
	if len(list) != len(GetTasks()) {
		t.Fatalf("List() has %d tasks; want %d", len(list), len(GetTasks()))
	}
	for i := 1; i < len(list); i++ {
		if list[i-1].ID > list[i].ID {
			t.Errorf("List() not sorted at %d: %q > %q", i, list[i-1].ID, list[i].ID)
		}
	}
}
