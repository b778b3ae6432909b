package endpoints

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tanoshi/narration/internal/api"
	"github.com/tanoshi/narration/internal/blob"
	"github.com/tanoshi/narration/internal/events"
	"github.com/tanoshi/narration/internal/session"
	"github.com/tanoshi/narration/internal/svcctx"
)

// SnapshotEndpoint handles GET /jobs/{job_id}/snapshot.
type SnapshotEndpoint struct{}

var _ api.Endpoint = (*SnapshotEndpoint)(nil)

func (e *SnapshotEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/jobs/{job_id}/snapshot", e.handler
}

func (e *SnapshotEndpoint) Aliases() []string {
	return []string{"/v1/narration/jobs/{job_id}/snapshot"}
}
func (e *SnapshotEndpoint) RequiresInit() bool { return true }
func (e *SnapshotEndpoint) Group() string      { return "jobs" }

// handler godoc
//
//	@Summary		Job snapshot
//	@Description	Current state of every page; unknown and evicted jobs are not found
//	@Tags			jobs
//	@Produce		json
//	@Param			job_id	path		string	true	"Job ID"
//	@Success		200		{object}	events.Snapshot
//	@Failure		404		{object}	ErrorResponse
//	@Router			/jobs/{job_id}/snapshot [get]
func (e *SnapshotEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	sessions := svcctx.SessionsFrom(r.Context())
	if sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "sessions not initialized")
		return
	}
	jobID := r.PathValue("job_id")

	snap, err := sessions.Snapshot(r.Context(), jobID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (e *SnapshotEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot <job-id>",
		Short: "Get the current state of every page of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var snap events.Snapshot
			if err := client.Get(cmd.Context(), "/jobs/"+args[0]+"/snapshot", &snap); err != nil {
				return err
			}
			return api.Output(snap)
		},
	}
}

// RetryPageEndpoint handles POST /jobs/{job_id}/pages/{index}/retry.
type RetryPageEndpoint struct{}

var _ api.Endpoint = (*RetryPageEndpoint)(nil)

func (e *RetryPageEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/jobs/{job_id}/pages/{index}/retry", e.handler
}

func (e *RetryPageEndpoint) Aliases() []string {
	return []string{"/v1/narration/jobs/{job_id}/pages/{index}/retry"}
}
func (e *RetryPageEndpoint) RequiresInit() bool { return true }
func (e *RetryPageEndpoint) Group() string      { return "jobs" }

// handler godoc
//
//	@Summary		Retry a failed page
//	@Tags			jobs
//	@Produce		json
//	@Param			job_id	path		string	true	"Job ID"
//	@Param			index	path		int		true	"Page index"
//	@Success		202		{object}	events.PageStatus
//	@Failure		404		{object}	ErrorResponse
//	@Failure		409		{object}	ErrorResponse
//	@Router			/jobs/{job_id}/pages/{index}/retry [post]
func (e *RetryPageEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	sessions := svcctx.SessionsFrom(r.Context())
	if sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "sessions not initialized")
		return
	}
	index, err := pageIndex(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	page, err := sessions.Retry(r.Context(), r.PathValue("job_id"), index)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, events.StatusOf(*page))
}

func (e *RetryPageEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id> <index>",
		Short: "Requeue a page that ended in error",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var status events.PageStatus
			path := fmt.Sprintf("/jobs/%s/pages/%s/retry", args[0], args[1])
			if err := client.Post(cmd.Context(), path, nil, &status); err != nil {
				return err
			}
			return api.Output(status)
		},
	}
}

// ViewingRequest moves the reader's position.
type ViewingRequest struct {
	Index int `json:"index"`
}

// ViewingEndpoint handles POST /jobs/{job_id}/viewing.
type ViewingEndpoint struct{}

var _ api.Endpoint = (*ViewingEndpoint)(nil)

func (e *ViewingEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/jobs/{job_id}/viewing", e.handler
}

func (e *ViewingEndpoint) Aliases() []string {
	return []string{"/v1/narration/jobs/{job_id}/viewing"}
}
func (e *ViewingEndpoint) RequiresInit() bool { return true }
func (e *ViewingEndpoint) Group() string      { return "jobs" }

// handler godoc
//
//	@Summary		Set the page the reader is on
//	@Description	Synthesis favours pages closest to the viewing index
//	@Tags			jobs
//	@Accept			json
//	@Param			job_id	path	string			true	"Job ID"
//	@Param			request	body	ViewingRequest	true	"Viewing index"
//	@Success		204
//	@Failure		400	{object}	ErrorResponse
//	@Failure		404	{object}	ErrorResponse
//	@Router			/jobs/{job_id}/viewing [post]
func (e *ViewingEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	sessions := svcctx.SessionsFrom(r.Context())
	if sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "sessions not initialized")
		return
	}
	var req ViewingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	if err := sessions.SetViewingIndex(r.Context(), r.PathValue("job_id"), req.Index); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (e *ViewingEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "viewing <job-id> <index>",
		Short: "Tell the server which page the reader is on",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid index %q: %w", args[1], err)
			}
			client := api.NewClient(getServerURL())
			return client.Post(cmd.Context(), "/jobs/"+args[0]+"/viewing", ViewingRequest{Index: index}, nil)
		},
	}
}

// UploadPageEndpoint handles PUT /jobs/{job_id}/pages/{index}/asset.
// The URL is handed out presigned in the session plan.
type UploadPageEndpoint struct{}

var _ api.Endpoint = (*UploadPageEndpoint)(nil)

func (e *UploadPageEndpoint) Route() (string, string, http.HandlerFunc) {
	return "PUT", "/jobs/{job_id}/pages/{index}/asset", e.handler
}

func (e *UploadPageEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Upload a page image
//	@Tags			jobs
//	@Accept			png
//	@Param			job_id	path	string	true	"Job ID"
//	@Param			index	path	int		true	"Page index"
//	@Param			exp		query	int		true	"Signature expiry (unix seconds)"
//	@Param			sig		query	string	true	"Signature"
//	@Success		204
//	@Failure		403	{object}	ErrorResponse
//	@Failure		413	{object}	ErrorResponse
//	@Router			/jobs/{job_id}/pages/{index}/asset [put]
func (e *UploadPageEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	sessions := svcctx.SessionsFrom(r.Context())
	if sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "sessions not initialized")
		return
	}
	index, err := pageIndex(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if r.ContentLength > sessions.MaxUploadBytes() {
		writeErr(w, r, fmt.Errorf("%w: page is %d bytes, limit %d", session.ErrTooLarge, r.ContentLength, sessions.MaxUploadBytes()))
		return
	}

	// One byte over the limit so the session manager sees the overflow.
	data, err := io.ReadAll(io.LimitReader(r.Body, sessions.MaxUploadBytes()+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body: "+err.Error())
		return
	}

	q := r.URL.Query()
	err = sessions.Upload(r.Context(), session.UploadRequest{
		JobID:  r.PathValue("job_id"),
		Index:  index,
		Expiry: q.Get("exp"),
		Sig:    q.Get("sig"),
		Data:   data,
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (e *UploadPageEndpoint) Command(_ func() string) *cobra.Command {
	return nil // uploads go to presigned URLs, see `narration upload`
}

// AudioEndpoint handles GET /audio/{job_id}/{file}, where file is
// page-{index}.wav.
type AudioEndpoint struct{}

var _ api.Endpoint = (*AudioEndpoint)(nil)

func (e *AudioEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/audio/{job_id}/{file}", e.handler
}

func (e *AudioEndpoint) RequiresInit() bool { return true }
func (e *AudioEndpoint) Group() string      { return "jobs" }

// handler godoc
//
//	@Summary		Page audio
//	@Tags			jobs
//	@Produce		audio/wav
//	@Param			job_id	path	string	true	"Job ID"
//	@Param			file	path	string	true	"page-{index}.wav"
//	@Success		200
//	@Failure		404	{object}	ErrorResponse
//	@Router			/audio/{job_id}/{file} [get]
func (e *AudioEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	blobs := svcctx.BlobsFrom(r.Context())
	if blobs == nil {
		writeError(w, http.StatusServiceUnavailable, "storage not initialized")
		return
	}
	index, ok := audioIndex(r.PathValue("file"))
	if !ok {
		writeError(w, http.StatusNotFound, "no such audio file")
		return
	}
	data, err := blobs.Get(r.Context(), blob.AudioKey(r.PathValue("job_id"), index))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	http.ServeContent(w, r, r.PathValue("file"), time.Time{}, bytes.NewReader(data))
}

func audioIndex(file string) (int, bool) {
	name, ok := strings.CutPrefix(file, "page-")
	if !ok {
		return 0, false
	}
	name, ok = strings.CutSuffix(name, ".wav")
	if !ok {
		return 0, false
	}
	index, err := strconv.Atoi(name)
	if err != nil || index < 0 {
		return 0, false
	}
	return index, true
}

func (e *AudioEndpoint) Command(getServerURL func() string) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "audio <job-id> <index>",
		Short: "Download the audio of a page",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			data, err := client.Download(cmd.Context(), fmt.Sprintf("/audio/%s/page-%s.wav", args[0], args[1]))
			if err != nil {
				return err
			}
			if output == "" {
				output = fmt.Sprintf("page-%s.wav", args[1])
			}
			if err := os.WriteFile(output, data, 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s (%d bytes)\n", output, len(data))
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default page-<index>.wav)")
	return cmd
}
