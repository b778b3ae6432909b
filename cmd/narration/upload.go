package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/spf13/cobra"

	"github.com/tanoshi/narration/internal/api"
	"github.com/tanoshi/narration/internal/events"
	"github.com/tanoshi/narration/internal/session"
	"github.com/tanoshi/narration/internal/types"
)

// uploadResult is the outcome of one page upload.
type uploadResult struct {
	Index int    `json:"index" yaml:"index"`
	File  string `json:"file" yaml:"file"`
	Bytes int    `json:"bytes,omitempty" yaml:"bytes,omitempty"`
	Error string `json:"error,omitempty" yaml:"error,omitempty"`
}

// uploadPages puts files[i] to the upload URL of page i with at most
// concurrency uploads in flight. A failed page does not stop the others.
func uploadPages(ctx context.Context, client *api.Client, pages []session.UploadPage, files []string, concurrency int) []uploadResult {
	if concurrency < 1 {
		concurrency = 1
	}
	results := make([]uploadResult, len(pages))
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for i, p := range pages {
		results[i] = uploadResult{Index: p.Index}
		if i >= len(files) {
			results[i].Error = "no file for page"
			continue
		}
		results[i].File = files[i]

		wg.Add(1)
		go func(res *uploadResult, p session.UploadPage) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				res.Error = ctx.Err().Error()
				return
			}
			defer func() { <-sem }()

			data, err := os.ReadFile(res.File)
			if err != nil {
				res.Error = err.Error()
				return
			}
			err = retry.Do(
				func() error {
					return client.PutBytes(ctx, p.PutURL, p.ContentType, data)
				},
				retry.Context(ctx),
				retry.Attempts(3),
				retry.Delay(500*time.Millisecond),
				retry.LastErrorOnly(true),
				// Client errors (bad signature, too large) will not change on retry.
				retry.RetryIf(func(err error) bool {
					code := api.StatusCode(err)
					return code == 0 || code >= http.StatusInternalServerError || code == http.StatusTooManyRequests
				}),
			)
			if err != nil {
				res.Error = err.Error()
				return
			}
			res.Bytes = len(data)
		}(&results[i], p)
	}

	wg.Wait()
	return results
}

var (
	uploadStart       int
	uploadVoices      map[string]string
	uploadConcurrency int
	uploadFollow      bool
	uploadOutDir      string
)

var uploadCmd = &cobra.Command{
	Use:   "upload <chapter-id> <page.png>...",
	Short: "Narrate a window of page images",
	Long: `Open a session for a window of a chapter, upload one image per page and
optionally follow the job until every page is done.

The window size is the number of files. Pages are uploaded in parallel;
a failed upload is reported per page and does not stop the others.

Examples:
  narration upload ch-12 pages/*.png
  narration upload ch-12 p10.png p11.png --start 10 --follow --out audio/`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		client := api.NewClient(getServerURL())
		files := args[1:]

		req := session.Request{
			ChapterID: args[0],
			VoicePack: types.VoicePack(uploadVoices),
			Window:    types.Window{StartIndex: uploadStart, Size: len(files)},
		}
		var plan session.Plan
		if err := client.Post(ctx, "/session/start", req, &plan); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "job %s: uploading %d pages\n", plan.JobID, len(plan.Upload.Pages))

		results := uploadPages(ctx, client, plan.Upload.Pages, files, uploadConcurrency)
		failed := 0
		for _, r := range results {
			if r.Error != "" {
				failed++
			}
		}
		if err := api.Output(map[string]any{"job_id": plan.JobID, "uploads": results}); err != nil {
			return err
		}

		if uploadFollow {
			if err := followJob(ctx, client, plan.JobID, uploadOutDir); err != nil {
				return err
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d uploads failed", failed, len(results))
		}
		return nil
	},
}

// followJob prints page events until job_done and downloads finished pages
// into outDir when it is set.
func followJob(ctx context.Context, client *api.Client, jobID, outDir string) error {
	if outDir != "" {
		if err := os.MkdirAll(outDir, 0o755); err != nil {
			return err
		}
	}
	return client.Stream(ctx, "/jobs/"+jobID+"/events", "", func(ev api.StreamEvent) error {
		switch events.Type(ev.Event) {
		case events.TypePageReady:
			var pr events.PageReady
			if err := json.Unmarshal(ev.Data, &pr); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "page %d ready (%.1fs)\n", pr.Index, pr.Duration)
			if outDir == "" {
				return nil
			}
			name := fmt.Sprintf("page-%d.wav", pr.Index)
			data, err := client.Download(ctx, "/audio/"+jobID+"/"+name)
			if err != nil {
				return err
			}
			return os.WriteFile(filepath.Join(outDir, name), data, 0o644)
		case events.TypePageStatus:
			var ps events.PageStatus
			if err := json.Unmarshal(ev.Data, &ps); err != nil {
				return err
			}
			if ps.State == types.PageError {
				fmt.Fprintf(os.Stderr, "page %d failed: %s\n", ps.Index, ps.Reason)
			}
		case events.TypeJobDone:
			fmt.Fprintf(os.Stderr, "job %s done: %s\n", jobID, ev.Data)
		}
		return nil
	})
}

func init() {
	uploadCmd.Flags().IntVar(&uploadStart, "start", 0, "Chapter page index of the first file")
	uploadCmd.Flags().StringToStringVar(&uploadVoices, "voice", nil, "Voice pack entries, e.g. --voice narrator=sovits:narrator")
	uploadCmd.Flags().IntVar(&uploadConcurrency, "concurrency", 4, "Parallel uploads")
	uploadCmd.Flags().BoolVar(&uploadFollow, "follow", false, "Stream progress until the job is done")
	uploadCmd.Flags().StringVar(&uploadOutDir, "out", "", "Download finished page audio into this directory (with --follow)")

	rootCmd.AddCommand(uploadCmd)
}
