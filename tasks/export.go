package tasks

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/stevecastle/wiggle/appconfig"
	"github.com/stevecastle/wiggle/deps"
	"github.com/stevecastle/wiggle/export"
	"github.com/stevecastle/wiggle/jobqueue"
)

// exportArgs are the options an export job accepts as --flag value pairs.
type exportArgs struct {
	seconds   float64
	fps       int
	palette   string
	container string
}

func parseExportArgs(args []string) (exportArgs, error) {
	var out exportArgs
	for i := 0; i < len(args); i++ {
		arg := strings.TrimSpace(args[i])
		if i+1 >= len(args) {
			return out, fmt.Errorf("missing value for %s", arg)
		}
		val := strings.TrimSpace(args[i+1])
		i++
		switch arg {
		case "--seconds":
			f, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return out, fmt.Errorf("bad --seconds %q: %w", val, err)
			}
			out.seconds = f
		case "--fps":
			n, err := strconv.Atoi(val)
			if err != nil {
				return out, fmt.Errorf("bad --fps %q: %w", val, err)
			}
			out.fps = n
		case "--palette":
			out.palette = val
		case "--container":
			out.container = strings.ToLower(val)
		default:
			return out, fmt.Errorf("unknown export option %s", arg)
		}
	}
	return out, nil
}

// ExportArgs formats export options for a job's Arguments. Zero values are
// left out so the configured defaults apply.
func ExportArgs(seconds float64, fps int, palette, container string) []string {
	var args []string
	if seconds > 0 {
		args = append(args, "--seconds", strconv.FormatFloat(seconds, 'f', -1, 64))
	}
	if fps > 0 {
		args = append(args, "--fps", strconv.Itoa(fps))
	}
	if palette != "" {
		args = append(args, "--palette", palette)
	}
	if container != "" {
		args = append(args, "--container", container)
	}
	return args
}

// exportTask renders the session named by the job's input into an artifact.
// The format comes from the command: export-gif, export-webp or
// export-video.
func exportTask(j *jobqueue.Job, q *jobqueue.Queue) error {
	e := currentEnv()
	if e.Sessions == nil {
		return errors.New("no session manager configured")
	}
	format := strings.TrimPrefix(j.Command, "export-")

	s, err := e.Sessions.Get(j.Input)
	if err != nil {
		return err
	}
	src, err := s.Source()
	if err != nil {
		return err
	}
	opts, err := parseExportArgs(j.Arguments)
	if err != nil {
		return err
	}
	if format == "video" && opts.container != "" {
		format = opts.container
	}

	cfg := appconfig.Get()
	plan := cfg.Plan(export.PlanKind(format))
	if opts.seconds > 0 {
		plan.Seconds = opts.seconds
	}
	if opts.fps > 0 {
		plan.FPS = opts.fps
	}
	if err := plan.Validate(); err != nil {
		return err
	}

	encOpts, err := cfg.EncoderOptions(e.Capability)
	if err != nil {
		return err
	}
	if opts.palette != "" {
		if encOpts.Palette, err = export.ParsePaletteMode(opts.palette); err != nil {
			return err
		}
	}
	encOpts.Starter = e.Starter
	enc, err := export.NewEncoder(format, encOpts)
	if err != nil {
		q.PushJobStdout(j.ID, "Encoding unsupported: "+err.Error())
		return err
	}

	timeout := plan.Timeout(cfg.Export.TimeoutFactor)
	ctx, cancel := context.WithTimeout(j.Ctx, timeout)
	defer cancel()

	dest := filepath.Join(cfg.OutputDir, "exports", j.ID+"."+enc.Extension())
	q.PushJobStdout(j.ID, fmt.Sprintf("Exporting %d frames (%gs at %d fps) with %s",
		plan.Frames(), plan.Seconds, plan.FPS, enc.Name()))

	art, err := export.Export(ctx, src, plan, enc, dest, export.Options{
		Progress: progressLines(q, j.ID),
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && j.Ctx.Err() == nil {
			err = fmt.Errorf("export timed out after %v: %w", timeout, err)
		}
		q.PushJobStdout(j.ID, "Export failed: "+err.Error())
		return err
	}

	q.PushJobStdout(j.ID, fmt.Sprintf("Wrote %s (%s)", art.Name, deps.FormatBytes(art.Bytes)))
	return q.SetResult(j.ID, art)
}

// progressLines reports every tenth of the frames and the last one.
func progressLines(q *jobqueue.Queue, id string) func(done, total int) {
	last := -1
	return func(done, total int) {
		pct := done * 100 / total
		if pct/10 == last/10 && done != total {
			return
		}
		last = pct
		q.PushJobStdout(id, fmt.Sprintf("frame %d/%d (%d%%)", done, total, pct))
	}
}
