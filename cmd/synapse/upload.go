package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/synapse-lab/backend/internal/client"
	"github.com/synapse-lab/backend/internal/filetype"
	"github.com/synapse-lab/backend/internal/models"
	"github.com/synapse-lab/backend/internal/upload"
)

var uploadCmd = &cobra.Command{
	Use:   "upload FILE...",
	Short: "Upload instrument files into a bucket",
	Long: `Upload transfers local files to the API in chunks, retrying transient
failures. Progress is printed per file; Ctrl-C cancels every transfer that is
still running.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runUpload,
}

func init() {
	uploadCmd.Flags().String("bucket", "data-files", "target bucket")
	uploadCmd.Flags().Int("chunk-kb", 1024, "chunk size in KiB")
	uploadCmd.Flags().Int("parallel", 3, "files transferred at once")
	uploadCmd.Flags().Int("retries", 4, "retries per chunk on transient failure")
	uploadCmd.Flags().String("accept", "", "only upload these extensions (data, cv, eis or a list like .csv,.mpt)")

	rootCmd.AddCommand(uploadCmd)
}

func acceptList(flag string) []string {
	switch flag {
	case "":
		return nil
	case "data":
		return filetype.DataFiles
	case "cv":
		return filetype.CVFiles
	case "eis":
		return filetype.EISFiles
	}
	return filetype.ParseList(flag)
}

func runUpload(cmd *cobra.Command, args []string) error {
	c, err := requireToken()
	if err != nil {
		return err
	}
	bucket, _ := cmd.Flags().GetString("bucket")
	chunkKB, _ := cmd.Flags().GetInt("chunk-kb")
	parallel, _ := cmd.Flags().GetInt("parallel")
	retries, _ := cmd.Flags().GetInt("retries")
	accept, _ := cmd.Flags().GetString("accept")
	allowed := acceptList(accept)

	sources := make([]upload.Source, 0, len(args))
	for _, path := range args {
		src, err := upload.FileSource(path)
		if err != nil {
			return err
		}
		if !filetype.Accepts(allowed, src.Name) {
			fmt.Fprintf(os.Stderr, "skipping %s: type not accepted\n", src.Name)
			continue
		}
		sources = append(sources, src)
	}

	tracker := upload.NewTracker(client.NewHTTPDestination(c), upload.Options{
		ChunkSize:      chunkKB * 1024,
		MaxConcurrent:  parallel,
		MaxRetries:     retries,
		RetryBaseDelay: 500 * time.Millisecond,
	}, zap.NewNop())

	events, unsubscribe := tracker.Subscribe()
	defer unsubscribe()

	done := make(chan upload.Batch, 1)
	batch, err := tracker.Submit(cmd.Context(), "", bucket, sources, func(b upload.Batch) { done <- b })
	if err != nil {
		return err
	}
	for _, cand := range batch.Candidates {
		fmt.Fprintf(os.Stderr, "%-32s %-22s %d bytes\n", cand.Name, cand.Type, cand.Size)
	}

	progress := newProgressPrinter(os.Stderr)
	for {
		select {
		case ev := <-events:
			progress.print(ev.Candidate)
		case final := <-done:
			return summarize(final)
		}
	}
}

// progressPrinter reports every 25% step of a running upload and its
// terminal state once.
type progressPrinter struct {
	w    io.Writer
	last map[string]int
	done map[string]bool
}

func newProgressPrinter(w io.Writer) *progressPrinter {
	return &progressPrinter{w: w, last: map[string]int{}, done: map[string]bool{}}
}

func (p *progressPrinter) print(c models.UploadCandidate) {
	switch {
	case c.Status == models.UploadStatusUploading:
		step := int(c.Progress) / 25 * 25
		if prev, ok := p.last[c.ID]; ok && step <= prev {
			return
		}
		p.last[c.ID] = step
		fmt.Fprintf(p.w, "  %s %3d%%\n", c.Name, step)
	case c.Status.Terminal() && !p.done[c.ID]:
		p.done[c.ID] = true
		if c.Status == models.UploadStatusSuccess {
			fmt.Fprintf(p.w, "  %s done\n", c.Name)
		} else {
			fmt.Fprintf(p.w, "  %s failed: %s\n", c.Name, c.Error)
		}
	}
}

func summarize(b upload.Batch) error {
	failed := 0
	for _, c := range b.Candidates {
		switch c.Status {
		case models.UploadStatusSuccess:
			fmt.Printf("ok     %s -> %s/%s\n", c.Name, c.File.Bucket, c.File.ID)
		default:
			failed++
			fmt.Printf("failed %s: %s\n", c.Name, c.Error)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d uploads failed", failed, len(b.Candidates))
	}
	return nil
}
