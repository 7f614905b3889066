package tasks

import (
	"fmt"

	"github.com/stevecastle/wiggle/capability"
	"github.com/stevecastle/wiggle/deps"
	"github.com/stevecastle/wiggle/jobqueue"
)

// downloadFFmpegTask installs ffmpeg into the cache dir and re-detects the
// encoding runtime so later exports can use it.
func downloadFFmpegTask(j *jobqueue.Job, q *jobqueue.Queue) error {
	dep, ok := deps.Get("ffmpeg")
	if !ok {
		return fmt.Errorf("unknown dependency: ffmpeg")
	}

	q.PushJobStdout(j.ID, fmt.Sprintf("Dependency: %s (%s)", dep.Name, dep.Description))
	if err := dep.Install(j.Ctx, func(line string) { q.PushJobStdout(j.ID, line) }); err != nil {
		q.PushJobStdout(j.ID, fmt.Sprintf("Download failed: %v", err))
		return err
	}

	exists, version, err := dep.Check(j.Ctx)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%s installed but not found on the resolve path", dep.Name)
	}
	q.PushJobStdout(j.ID, fmt.Sprintf("Successfully installed %s %s", dep.Name, version))

	desc, err := capability.Detect(j.Ctx)
	if err != nil {
		return fmt.Errorf("detect ffmpeg: %w", err)
	}
	desc.Share = Capability().Share
	SetCapability(desc)
	return q.SetResult(j.ID, desc.Summary())
}
