package tasks

import (
	"errors"
	"fmt"

	"github.com/stevecastle/wiggle/jobqueue"
	"github.com/stevecastle/wiggle/session"
)

// ErrNoDepthService means no depth service key is configured.
var ErrNoDepthService = errors.New("depth service is not configured; set depthService.apiKey")

// fetchDepthTask sends the session's staged upload to the depth service and
// loads the result. The service is asked once; a failure returns the session
// to Empty with the service's message.
func fetchDepthTask(j *jobqueue.Job, q *jobqueue.Queue) error {
	e := currentEnv()
	if e.Sessions == nil {
		return errors.New("no session manager configured")
	}
	s, err := e.Sessions.Get(j.Input)
	if err != nil {
		return err
	}
	if e.Depth == nil {
		s.AbandonStaged(ErrNoDepthService)
		return ErrNoDepthService
	}

	q.PushJobStdout(j.ID, "Requesting depth map")
	if err := s.FetchStaged(j.Ctx, e.Depth); err != nil {
		if errors.Is(err, session.ErrFetchCancelled) {
			q.PushJobStdout(j.ID, "Session was reset; depth map discarded")
		} else {
			q.PushJobStdout(j.ID, "Depth fetch failed: "+err.Error())
		}
		return err
	}

	info := s.Info()
	q.PushJobStdout(j.ID, fmt.Sprintf("Depth map ready (%dx%d)", info.Width, info.Height))
	return q.SetResult(j.ID, info)
}
