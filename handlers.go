package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/stevecastle/wiggle/appconfig"
	"github.com/stevecastle/wiggle/auth"
	depspkg "github.com/stevecastle/wiggle/deps"
	"github.com/stevecastle/wiggle/depthsource"
	"github.com/stevecastle/wiggle/export"
	"github.com/stevecastle/wiggle/jobqueue"
	"github.com/stevecastle/wiggle/parallax"
	"github.com/stevecastle/wiggle/preview"
	"github.com/stevecastle/wiggle/raster"
	"github.com/stevecastle/wiggle/session"
	"github.com/stevecastle/wiggle/share"
	"github.com/stevecastle/wiggle/stream"
	"github.com/stevecastle/wiggle/tasks"
)

// maxUpload bounds a color plus depth upload.
const maxUpload = 64 << 20

// Dependencies holds what the handlers share.
type Dependencies struct {
	Queue    *jobqueue.Queue
	DB       *sql.DB
	Sessions *session.Manager
	Auth     *auth.AuthService
	Hub      *stream.Hub
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

func readJSONBody(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v)
}

func getSession(deps *Dependencies, w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	s, err := deps.Sessions.Get(r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), preview.Status(err))
		return nil, false
	}
	return s, true
}

// readUpload returns the bytes of a multipart file field, or nil when the
// field is absent.
func readUpload(r *http.Request, field string) ([]byte, *multipart.FileHeader, error) {
	f, hdr, err := r.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	return data, hdr, err
}

// createSessionHandler accepts a color image and an optional depth map. With
// a depth map the session is ready at once; without one a fetch-depth job is
// queued and the session turns ready when it finishes.
func createSessionHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Use POST", http.StatusMethodNotAllowed)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxUpload)
		if err := r.ParseMultipartForm(maxUpload); err != nil {
			http.Error(w, "bad multipart form: "+err.Error(), http.StatusBadRequest)
			return
		}

		colorData, colorHdr, err := readUpload(r, "color")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if colorData == nil {
			http.Error(w, "color image is required", http.StatusBadRequest)
			return
		}
		colorImg, err := raster.DecodeBytes(colorData)
		if err != nil {
			http.Error(w, "color: "+err.Error(), http.StatusBadRequest)
			return
		}
		depthData, _, err := readUpload(r, "depth")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		s := deps.Sessions.Create()
		if depthData != nil {
			depthImg, err := raster.DecodeBytes(depthData)
			if err == nil {
				err = s.Load(colorImg, depthImg)
			}
			if err != nil {
				deps.Sessions.Delete(s.ID)
				http.Error(w, "depth: "+err.Error(), http.StatusBadRequest)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{"session": s.Info()})
			return
		}

		s.Stage(colorImg, depthsource.Image{
			Name:        colorHdr.Filename,
			ContentType: colorHdr.Header.Get("Content-Type"),
			Data:        colorData,
		})
		jobID, err := deps.Queue.AddJob("fetch-depth", nil, s.ID, nil)
		if err != nil {
			deps.Sessions.Delete(s.ID)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"session": s.Info(), "job": jobID})
	}
}

func listSessionsHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Sessions.List())
	}
}

func sessionHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			s, ok := getSession(deps, w, r)
			if !ok {
				return
			}
			writeJSON(w, http.StatusOK, s.Info())
		case http.MethodDelete:
			if err := deps.Sessions.Delete(r.PathValue("id")); err != nil {
				http.Error(w, err.Error(), preview.Status(err))
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			http.Error(w, "Use GET or DELETE", http.StatusMethodNotAllowed)
		}
	}
}

func resetSessionHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Use POST", http.StatusMethodNotAllowed)
			return
		}
		s, ok := getSession(deps, w, r)
		if !ok {
			return
		}
		s.Reset()
		writeJSON(w, http.StatusOK, s.Info())
	}
}

type sessionConfigRequest struct {
	Speed       *int     `json:"speed"`
	Strength    *float64 `json:"strength"`
	Perspective *float64 `json:"perspective"`
}

// sessionConfigHandler changes speed and strength. The orbit phase is kept.
func sessionConfigHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Use POST", http.StatusMethodNotAllowed)
			return
		}
		s, ok := getSession(deps, w, r)
		if !ok {
			return
		}
		var req sessionConfigRequest
		if err := readJSONBody(r, &req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		cfg := s.Config()
		if req.Speed != nil {
			if *req.Speed < parallax.MinSpeed || *req.Speed > parallax.MaxSpeed {
				http.Error(w, fmt.Sprintf("speed must be %d..%d", parallax.MinSpeed, parallax.MaxSpeed), http.StatusBadRequest)
				return
			}
			cfg.SpeedMultiplier = parallax.SpeedMultiplier(*req.Speed)
		}
		if req.Strength != nil {
			cfg.Strength = *req.Strength
		}
		if req.Perspective != nil {
			cfg.Perspective = *req.Perspective
		}
		if err := s.SetConfig(cfg); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, s.Info())
	}
}

type exportRequest struct {
	Format  string  `json:"format"`
	Seconds float64 `json:"seconds"`
	FPS     int     `json:"fps"`
	Palette string  `json:"palette"`
	Share   bool    `json:"share"`
}

// exportCommand maps a requested format to its task and container.
func exportCommand(format string) (command, container string, err error) {
	switch format {
	case "", "gif":
		return "export-gif", "", nil
	case "webp":
		return "export-webp", "", nil
	case "video":
		return "export-video", "", nil
	case "mp4", "webm":
		return "export-video", format, nil
	}
	return "", "", fmt.Errorf("unknown format %q (want one of %s)", format, strings.Join(export.Formats, ", "))
}

// exportHandler queues an export of a ready session. Unsupported formats are
// refused before anything is queued.
func exportHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Use POST", http.StatusMethodNotAllowed)
			return
		}
		s, ok := getSession(deps, w, r)
		if !ok {
			return
		}
		var req exportRequest
		if r.ContentLength != 0 {
			if err := readJSONBody(r, &req); err != nil {
				http.Error(w, "bad json", http.StatusBadRequest)
				return
			}
		}
		if _, err := s.Source(); err != nil {
			http.Error(w, err.Error(), preview.Status(err))
			return
		}
		command, container, err := exportCommand(req.Format)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		cfg := appconfig.Get()
		plan := cfg.Plan(export.PlanKind(req.Format))
		if req.Seconds != 0 {
			plan.Seconds = req.Seconds
		}
		if req.FPS != 0 {
			plan.FPS = req.FPS
		}
		if err := plan.Validate(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Palette != "" {
			if _, err := export.ParsePaletteMode(req.Palette); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}
		encOpts, err := cfg.EncoderOptions(tasks.Capability())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		format := req.Format
		if format == "" {
			format = "gif"
		}
		if _, err := export.NewEncoder(format, encOpts); err != nil {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}

		args := tasks.ExportArgs(plan.Seconds, plan.FPS, req.Palette, container)
		exportJob := jobqueue.Workflow{Command: command, Arguments: args, Input: s.ID}
		if !req.Share {
			id, err := deps.Queue.AddWorkflow(exportJob)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "frames": plan.Frames()})
			return
		}

		// share waits on the export it hands off
		shareID, err := deps.Queue.AddWorkflow(jobqueue.Workflow{
			Command:  "share",
			Children: []jobqueue.Workflow{exportJob},
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		resp := map[string]any{"id": "", "shareId": shareID, "frames": plan.Frames()}
		if job := deps.Queue.GetJob(shareID); job != nil && len(job.Dependencies) == 1 {
			resp["id"] = job.Dependencies[0]
		}
		writeJSON(w, http.StatusAccepted, resp)
	}
}

func jobsHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Queue.GetJobs())
	}
}

// jobDetail adds the captured output to a job.
type jobDetail struct {
	jobqueue.Job
	Stdout []string `json:"stdout"`
}

func jobHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job := deps.Queue.GetJob(r.PathValue("id"))
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, jobDetail{Job: *job, Stdout: job.Stdout})
	}
}

func jobStatus(err error) int {
	if errors.Is(err, jobqueue.ErrJobNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func cancelHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Use POST", http.StatusMethodNotAllowed)
			return
		}
		if err := deps.Queue.CancelJob(r.PathValue("id")); err != nil {
			http.Error(w, err.Error(), jobStatus(err))
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("Job cancelled successfully"))
	}
}

func copyHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Use POST", http.StatusMethodNotAllowed)
			return
		}
		newID, err := deps.Queue.CopyJob(r.PathValue("id"))
		if err != nil {
			http.Error(w, err.Error(), jobStatus(err))
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"id": newID, "message": "Job copied successfully"})
	}
}

func removeHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Use POST", http.StatusMethodNotAllowed)
			return
		}
		if err := deps.Queue.RemoveJob(r.PathValue("id")); err != nil {
			http.Error(w, err.Error(), jobStatus(err))
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("Job removed successfully"))
	}
}

func clearNonRunningJobsHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Use POST", http.StatusMethodNotAllowed)
			return
		}
		clearedCount, err := deps.Queue.ClearNonRunningJobs()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"cleared_count": clearedCount,
			"message":       fmt.Sprintf("Cleared %d non-running jobs", clearedCount),
		})
	}
}

// artifactHandler serves the file a finished export job produced.
func artifactHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job := deps.Queue.GetJob(r.PathValue("id"))
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		art, err := tasks.ArtifactOf(job)
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		f, err := os.Open(art.Path)
		if err != nil {
			http.Error(w, "artifact is gone: "+filepath.Base(art.Path), http.StatusGone)
			return
		}
		defer f.Close()
		st, err := f.Stat()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if art.MIME != "" {
			w.Header().Set("Content-Type", art.MIME)
		}
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", share.DownloadName(art)))
		http.ServeContent(w, r, art.Name, st.ModTime(), f)
	}
}

type TaskInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Lane string `json:"lane"`
}

func tasksHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var out []TaskInfo
		for _, t := range tasks.List() {
			out = append(out, TaskInfo{ID: t.ID, Name: t.Name, Lane: jobqueue.LaneFor(t.ID)})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// downloadDependencyHandler queues the install job for a dependency.
func downloadDependencyHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Use POST", http.StatusMethodNotAllowed)
			return
		}
		if r.PathValue("id") != "ffmpeg" {
			http.Error(w, "unknown dependency", http.StatusNotFound)
			return
		}
		id, err := deps.Queue.AddJob("download-ffmpeg", nil, "ffmpeg", nil)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
	}
}

// configHandler returns the running configuration without its secrets.
func configHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg := appconfig.Get()
		cfg.JWTSecret = ""
		if cfg.DepthService.APIKey != "" {
			cfg.DepthService.APIKey = "set"
		}
		cfg.Share.SecretAccessKey = ""
		writeJSON(w, http.StatusOK, cfg)
	}
}

// healthHandler reports job counts, stream stats and what the encoding
// runtime supports.
func healthHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Use GET", http.StatusMethodNotAllowed)
			return
		}

		jobStats := map[string]int{"total": 0}
		for _, job := range deps.Queue.GetJobs() {
			jobStats["total"]++
			jobStats[job.State.String()]++
		}

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		writeJSON(w, http.StatusOK, map[string]any{
			"status":       "healthy",
			"timestamp":    time.Now().Unix(),
			"stream":       deps.Hub.Stats(),
			"jobs":         jobStats,
			"sessions":     len(deps.Sessions.List()),
			"capability":   tasks.Capability().Summary(),
			"dependencies": depspkg.Inspect(ctx),
		})
	}
}
