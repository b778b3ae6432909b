package endpoints

import (
	"context"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/tanoshi/narration/internal/api"
	"github.com/tanoshi/narration/internal/session"
	"github.com/tanoshi/narration/internal/svcctx"
	"github.com/tanoshi/narration/internal/types"
)

// StartSessionEndpoint handles POST /session/start.
type StartSessionEndpoint struct{}

var _ api.Endpoint = (*StartSessionEndpoint)(nil)

func (e *StartSessionEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/session/start", e.handler
}

func (e *StartSessionEndpoint) Aliases() []string { return []string{"/v1/narration/session/start"} }
func (e *StartSessionEndpoint) RequiresInit() bool { return true }
func (e *StartSessionEndpoint) Group() string      { return "session" }

// handler godoc
//
//	@Summary		Open the first window of a chapter
//	@Description	Creates a job (or returns the existing one for an identical request) and the upload plan for its pages
//	@Tags			session
//	@Accept			json
//	@Produce		json
//	@Param			request	body		session.Request	true	"Window to narrate"
//	@Success		200		{object}	session.Plan
//	@Failure		400		{object}	ErrorResponse
//	@Failure		429		{object}	ErrorResponse
//	@Router			/session/start [post]
func (e *StartSessionEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	handleSession(w, r, (*session.Manager).Start)
}

func (e *StartSessionEndpoint) Command(getServerURL func() string) *cobra.Command {
	return sessionCommand("start", "Open the first window of a chapter", "/session/start", getServerURL)
}

// NextSessionEndpoint handles POST /session/next.
type NextSessionEndpoint struct{}

var _ api.Endpoint = (*NextSessionEndpoint)(nil)

func (e *NextSessionEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/session/next", e.handler
}

func (e *NextSessionEndpoint) Aliases() []string { return []string{"/v1/narration/session/next"} }
func (e *NextSessionEndpoint) RequiresInit() bool { return true }
func (e *NextSessionEndpoint) Group() string      { return "session" }

// handler godoc
//
//	@Summary		Open a following window of a chapter
//	@Tags			session
//	@Accept			json
//	@Produce		json
//	@Param			request	body		session.Request	true	"Window to narrate"
//	@Success		200		{object}	session.Plan
//	@Failure		400		{object}	ErrorResponse
//	@Failure		429		{object}	ErrorResponse
//	@Router			/session/next [post]
func (e *NextSessionEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	handleSession(w, r, (*session.Manager).Next)
}

func (e *NextSessionEndpoint) Command(getServerURL func() string) *cobra.Command {
	return sessionCommand("next", "Open a following window of a chapter", "/session/next", getServerURL)
}

type openFunc func(*session.Manager, context.Context, session.Request) (*session.Plan, error)

func handleSession(w http.ResponseWriter, r *http.Request, open openFunc) {
	sessions := svcctx.SessionsFrom(r.Context())
	if sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "sessions not initialized")
		return
	}

	var req session.Request
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	req.Identity = clientIdentity(r)

	plan, err := open(sessions, r.Context(), req)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func sessionCommand(use, short, path string, getServerURL func() string) *cobra.Command {
	var (
		start, size, viewing int
		voice                map[string]string
	)
	cmd := &cobra.Command{
		Use:   use + " <chapter-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := session.Request{
				ChapterID:    args[0],
				VoicePack:    types.VoicePack(voice),
				Window:       types.Window{StartIndex: start, Size: size},
				ViewingIndex: viewing,
				Client:       session.ClientInfo{Device: "cli"},
			}
			client := api.NewClient(getServerURL())
			var plan session.Plan
			if err := client.Post(cmd.Context(), path, req, &plan); err != nil {
				return err
			}
			return api.Output(plan)
		},
	}
	cmd.Flags().IntVar(&start, "start", 0, "First page index of the window")
	cmd.Flags().IntVar(&size, "size", session.DefaultWindowSize, "Pages in the window")
	cmd.Flags().IntVar(&viewing, "viewing", 0, "Page the reader is on")
	cmd.Flags().StringToStringVar(&voice, "voice", nil, "Voice pack entries, e.g. --voice narrator=sovits:kana")
	return cmd
}
