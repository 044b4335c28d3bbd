package main

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/WessleyAI/docrag/engine/ingest"
)

func newIngestCmd(c *cli) *cobra.Command {
	var skipOCR, async bool
	cmd := &cobra.Command{
		Use:   "ingest <file|dir>...",
		Short: "Ingest PDF files",
		Long: `Ingest PDF files or every PDF under the given directories.
With --async the files are queued for a worker over NATS instead.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := collectPDFs(args)
			if err != nil {
				return err
			}
			if len(files) == 0 {
				return fmt.Errorf("no PDF files found")
			}
			svc, err := c.services(cmd)
			if err != nil {
				return err
			}
			skip := skipOCR || svc.SkipOCR
			if async {
				return submitJobs(cmd, svc, files, skip)
			}
			return ingestFiles(cmd, svc, files, skip)
		},
	}
	cmd.Flags().BoolVar(&skipOCR, "skip-ocr", false, "Use native PDF text only")
	cmd.Flags().BoolVar(&async, "async", false, "Queue jobs on NATS for a worker")
	return cmd
}

func ingestFiles(cmd *cobra.Command, svc *services, files []string, skipOCR bool) error {
	failed := 0
	for _, f := range files {
		res, err := svc.Ingest.IngestFile(cmd.Context(), f, ingest.Options{SkipOCR: skipOCR})
		if err != nil {
			failed++
			cmd.PrintErrf("FAIL  %s: %v\n", f, err)
			continue
		}
		cmd.Printf("OK    %s -> document %d, %d chunks (%.1fs)\n",
			f, res.DocumentID, res.TotalChunks, res.ProcessingTime.Seconds())
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, len(files))
	}
	return nil
}

func submitJobs(cmd *cobra.Command, svc *services, files []string, skipOCR bool) error {
	if svc.NATS == nil {
		return errNoNATS
	}
	for _, f := range files {
		abs, err := filepath.Abs(f)
		if err != nil {
			return err
		}
		if err := ingest.SubmitJob(cmd.Context(), svc.NATS, ingest.Job{Path: abs, SkipOCR: skipOCR}); err != nil {
			return err
		}
		cmd.Printf("QUEUED %s\n", abs)
	}
	return svc.NATS.Flush()
}

// collectPDFs expands directories into the PDF files beneath them. Files
// named explicitly are taken as given.
func collectPDFs(args []string) ([]string, error) {
	var out []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			out = append(out, arg)
			continue
		}
		err = filepath.WalkDir(arg, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && strings.EqualFold(filepath.Ext(path), ".pdf") {
				out = append(out, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}
