package endpoints

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tanoshi/narration/internal/api"
	"github.com/tanoshi/narration/internal/svcctx"
	"github.com/tanoshi/narration/internal/types"
	"github.com/tanoshi/narration/internal/voices"
)

// MaxVoiceAssetBytes bounds one reference clip or transcript upload.
const MaxVoiceAssetBytes = 50 << 20

// ListVoicesResponse contains the list of voices.
type ListVoicesResponse struct {
	Voices []*types.VoiceProfile `json:"voices"`
}

// ListVoicesEndpoint handles GET /voices.
type ListVoicesEndpoint struct{}

var _ api.Endpoint = (*ListVoicesEndpoint)(nil)

func (e *ListVoicesEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/voices", e.handler
}

func (e *ListVoicesEndpoint) Aliases() []string { return []string{"/v1/voices"} }
func (e *ListVoicesEndpoint) RequiresInit() bool { return true }
func (e *ListVoicesEndpoint) Group() string      { return "voices" }

// handler godoc
//
//	@Summary		List voices
//	@Tags			voices
//	@Produce		json
//	@Success		200	{object}	ListVoicesResponse
//	@Router			/voices [get]
func (e *ListVoicesEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	registry := svcctx.VoicesFrom(r.Context())
	if registry == nil {
		writeError(w, http.StatusServiceUnavailable, "voices not initialized")
		return
	}
	list, err := registry.List(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ListVoicesResponse{Voices: list})
}

func (e *ListVoicesEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered voices",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp ListVoicesResponse
			if err := client.Get(cmd.Context(), "/voices", &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// GetVoiceEndpoint handles GET /voices/{voice_id}.
type GetVoiceEndpoint struct{}

var _ api.Endpoint = (*GetVoiceEndpoint)(nil)

func (e *GetVoiceEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/voices/{voice_id}", e.handler
}

func (e *GetVoiceEndpoint) Aliases() []string { return []string{"/v1/voices/{voice_id}"} }
func (e *GetVoiceEndpoint) RequiresInit() bool { return true }
func (e *GetVoiceEndpoint) Group() string      { return "voices" }

// handler godoc
//
//	@Summary		Get a voice
//	@Description	Few-shot voices report training until their training delay has passed
//	@Tags			voices
//	@Produce		json
//	@Param			voice_id	path		string	true	"Voice ID, e.g. sovits:kana"
//	@Success		200			{object}	types.VoiceProfile
//	@Failure		404			{object}	ErrorResponse
//	@Router			/voices/{voice_id} [get]
func (e *GetVoiceEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	registry := svcctx.VoicesFrom(r.Context())
	if registry == nil {
		writeError(w, http.StatusServiceUnavailable, "voices not initialized")
		return
	}
	v, err := registry.Get(r.Context(), r.PathValue("voice_id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (e *GetVoiceEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "get <voice-id>",
		Short: "Get a voice",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var v types.VoiceProfile
			if err := client.Get(cmd.Context(), "/voices/"+args[0], &v); err != nil {
				return err
			}
			return api.Output(v)
		},
	}
}

// RegisterVoiceEndpoint handles POST /voices/register.
type RegisterVoiceEndpoint struct{}

var _ api.Endpoint = (*RegisterVoiceEndpoint)(nil)

func (e *RegisterVoiceEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/voices/register", e.handler
}

func (e *RegisterVoiceEndpoint) Aliases() []string { return []string{"/v1/voices/register"} }
func (e *RegisterVoiceEndpoint) RequiresInit() bool { return true }
func (e *RegisterVoiceEndpoint) Group() string      { return "voices" }

// handler godoc
//
//	@Summary		Register a voice
//	@Description	Returns presigned upload targets for the reference material
//	@Tags			voices
//	@Accept			json
//	@Produce		json
//	@Param			request	body		voices.RegisterRequest	true	"Voice to register"
//	@Success		200		{object}	voices.Registration
//	@Failure		400		{object}	ErrorResponse
//	@Failure		409		{object}	ErrorResponse
//	@Router			/voices/register [post]
func (e *RegisterVoiceEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	registry := svcctx.VoicesFrom(r.Context())
	if registry == nil {
		writeError(w, http.StatusServiceUnavailable, "voices not initialized")
		return
	}
	var req voices.RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	reg, err := registry.Register(r.Context(), req)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reg)
}

func (e *RegisterVoiceEndpoint) Command(getServerURL func() string) *cobra.Command {
	var (
		mode, lang, ref string
	)
	cmd := &cobra.Command{
		Use:   "register <name>",
		Short: "Register a voice and optionally upload its reference clip",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			req := voices.RegisterRequest{
				Name:     args[0],
				Engine:   voices.Engine,
				Mode:     types.VoiceMode(mode),
				LangHint: lang,
			}
			var reg voices.Registration
			if err := client.Post(cmd.Context(), "/voices/register", req, &reg); err != nil {
				return err
			}
			if ref != "" && len(reg.Upload.Refs) > 0 {
				data, err := os.ReadFile(ref)
				if err != nil {
					return fmt.Errorf("failed to read %s: %w", ref, err)
				}
				if err := client.PutBytes(cmd.Context(), reg.Upload.Refs[0].PutURL, "audio/wav", data); err != nil {
					return fmt.Errorf("failed to upload reference clip: %w", err)
				}
			}
			return api.Output(reg)
		},
	}
	cmd.Flags().StringVar(&mode, "mode", string(types.ModeZeroShot), "zero_shot or few_shot")
	cmd.Flags().StringVar(&lang, "lang", "", "Language hint (default ja)")
	cmd.Flags().StringVar(&ref, "ref", "", "Reference WAV to upload for a zero-shot voice")
	return cmd
}

// SignAssetRequest names a dataset file of a few-shot voice.
type SignAssetRequest struct {
	Name string `json:"name"`
}

// SignAssetResponse is a presigned upload target.
type SignAssetResponse struct {
	PutURL string `json:"put_url"`
}

// SignVoiceAssetEndpoint handles POST /voices/{voice_id}/assets/sign. Few-shot
// clients call it for every clip under the dataset prefix.
type SignVoiceAssetEndpoint struct{}

var _ api.Endpoint = (*SignVoiceAssetEndpoint)(nil)

func (e *SignVoiceAssetEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/voices/{voice_id}/assets/sign", e.handler
}

func (e *SignVoiceAssetEndpoint) Aliases() []string {
	return []string{"/v1/voices/{voice_id}/assets/sign"}
}
func (e *SignVoiceAssetEndpoint) RequiresInit() bool { return true }
func (e *SignVoiceAssetEndpoint) Group() string      { return "voices" }

// handler godoc
//
//	@Summary		Sign a voice asset upload
//	@Tags			voices
//	@Accept			json
//	@Produce		json
//	@Param			voice_id	path		string				true	"Voice ID"
//	@Param			request		body		SignAssetRequest	true	"Asset name, e.g. clips/001.wav"
//	@Success		200			{object}	SignAssetResponse
//	@Failure		400			{object}	ErrorResponse
//	@Failure		404			{object}	ErrorResponse
//	@Router			/voices/{voice_id}/assets/sign [post]
func (e *SignVoiceAssetEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	registry := svcctx.VoicesFrom(r.Context())
	if registry == nil {
		writeError(w, http.StatusServiceUnavailable, "voices not initialized")
		return
	}
	var req SignAssetRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	voiceID := r.PathValue("voice_id")
	if _, err := registry.Get(r.Context(), voiceID); err != nil {
		writeErr(w, r, err)
		return
	}
	url, err := registry.SignAssetURL(voiceID, req.Name)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SignAssetResponse{PutURL: url})
}

func (e *SignVoiceAssetEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "upload <voice-id> <file>...",
		Short: "Upload dataset clips (and transcripts.jsonl) for a few-shot voice",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			for _, path := range args[1:] {
				name := filepath.Base(path)
				contentType := "application/x-ndjson"
				if name != voices.AssetTranscripts {
					name = "clips/" + name
					contentType = "audio/wav"
				}
				var signed SignAssetResponse
				if err := client.Post(cmd.Context(), "/voices/"+args[0]+"/assets/sign", SignAssetRequest{Name: name}, &signed); err != nil {
					return err
				}
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				if err := client.PutBytes(cmd.Context(), signed.PutURL, contentType, data); err != nil {
					return fmt.Errorf("failed to upload %s: %w", path, err)
				}
				fmt.Printf("Uploaded %s\n", name)
			}
			return nil
		},
	}
}

// PutVoiceAssetEndpoint handles PUT /voices/{voice_id}/assets/{name...}.
type PutVoiceAssetEndpoint struct{}

var _ api.Endpoint = (*PutVoiceAssetEndpoint)(nil)

func (e *PutVoiceAssetEndpoint) Route() (string, string, http.HandlerFunc) {
	return "PUT", "/voices/{voice_id}/assets/{name...}", e.handler
}

func (e *PutVoiceAssetEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Upload a voice asset
//	@Tags			voices
//	@Param			voice_id	path	string	true	"Voice ID"
//	@Param			name		path	string	true	"ref.wav, transcripts.jsonl or clips/{file}.wav"
//	@Param			exp			query	int		true	"Signature expiry (unix seconds)"
//	@Param			sig			query	string	true	"Signature"
//	@Success		204
//	@Failure		400	{object}	ErrorResponse
//	@Failure		403	{object}	ErrorResponse
//	@Failure		413	{object}	ErrorResponse
//	@Router			/voices/{voice_id}/assets/{name} [put]
func (e *PutVoiceAssetEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	registry := svcctx.VoicesFrom(r.Context())
	signer := svcctx.SignerFrom(r.Context())
	if registry == nil || signer == nil {
		writeError(w, http.StatusServiceUnavailable, "voices not initialized")
		return
	}
	voiceID, name := r.PathValue("voice_id"), r.PathValue("name")

	q := r.URL.Query()
	if err := signer.Verify(http.MethodPut, voices.AssetPath(voiceID, name), q.Get("exp"), q.Get("sig")); err != nil {
		writeErr(w, r, err)
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxVoiceAssetBytes))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if err := registry.PutAsset(r.Context(), voiceID, name, data); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (e *PutVoiceAssetEndpoint) Command(_ func() string) *cobra.Command {
	return nil // see `narration api voices upload`
}
