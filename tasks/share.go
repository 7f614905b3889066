package tasks

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stevecastle/wiggle/appconfig"
	"github.com/stevecastle/wiggle/export"
	"github.com/stevecastle/wiggle/jobqueue"
	"github.com/stevecastle/wiggle/share"
)

// shareTask hands a finished export to the share target, falling back to a
// copy in the output directory. Its input is the export job's ID; with no
// input it shares its single dependency.
func shareTask(j *jobqueue.Job, q *jobqueue.Queue) error {
	exportID := j.Input
	if exportID == "" && len(j.Dependencies) == 1 {
		exportID = j.Dependencies[0]
	}
	src := q.GetJob(exportID)
	if src == nil {
		return fmt.Errorf("%w: %q", jobqueue.ErrJobNotFound, exportID)
	}
	art, err := ArtifactOf(src)
	if err != nil {
		return err
	}

	res, err := share.Deliver(j.Ctx, art, currentEnv().Sharer, appconfig.Get().OutputDir)
	if err != nil {
		return err
	}
	switch res.Method {
	case share.MethodShare:
		q.PushJobStdout(j.ID, "Shared "+art.Name)
	case share.MethodCancelled:
		q.PushJobStdout(j.ID, "Share cancelled")
	case share.MethodDownload:
		q.PushJobStdout(j.ID, "Saved to "+res.Path)
	}
	return q.SetResult(j.ID, res)
}

// ArtifactOf decodes a completed export job's result.
func ArtifactOf(j *jobqueue.Job) (*export.Artifact, error) {
	if j.State != jobqueue.StateCompleted || len(j.Result) == 0 {
		return nil, errors.New("export has not finished")
	}
	var art export.Artifact
	if err := json.Unmarshal(j.Result, &art); err != nil {
		return nil, fmt.Errorf("decode artifact: %w", err)
	}
	if art.Path == "" {
		return nil, errors.New("job has no artifact")
	}
	return &art, nil
}
