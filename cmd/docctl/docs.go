package main

import (
	"fmt"
	"sort"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newDocsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "docs",
		Short: "Manage stored documents",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List documents, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := c.services(cmd)
			if err != nil {
				return err
			}
			docs, err := svc.Docs.ListDocuments(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("failed to list documents: %w", err)
			}
			if len(docs) == 0 {
				cmd.Println("No documents.")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tFILENAME\tSIZE\tCHUNKS\tUPLOADED")
			for _, d := range docs {
				fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%s\n",
					d.ID, d.Filename, d.FileSize, d.TotalChunks, d.UploadedAt.Format("2006-01-02 15:04:05"))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			cmd.Printf("\nTotal: %d documents\n", len(docs))
			return nil
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 100, "Maximum documents to list")

	var showText bool
	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			svc, err := c.services(cmd)
			if err != nil {
				return err
			}
			d, err := svc.Docs.GetDocument(cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("failed to get document: %w", err)
			}
			cmd.Printf("Document: %d\n\n", d.ID)
			cmd.Printf("  Filename: %s\n", d.Filename)
			cmd.Printf("  Path:     %s\n", d.Location)
			cmd.Printf("  Size:     %d bytes\n", d.FileSize)
			cmd.Printf("  Chunks:   %d\n", d.TotalChunks)
			cmd.Printf("  Uploaded: %s\n", d.UploadedAt.Format("2006-01-02 15:04:05"))
			if len(d.Metadata) > 0 {
				keys := make([]string, 0, len(d.Metadata))
				for k := range d.Metadata {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				cmd.Println("\n  Metadata:")
				for _, k := range keys {
					cmd.Printf("    %s: %v\n", k, d.Metadata[k])
				}
			}
			if showText {
				cmd.Printf("\n%s\n", d.FullText)
			}
			return nil
		},
	}
	get.Flags().BoolVar(&showText, "text", false, "Print the extracted full text")

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a document, its chunks and its stored file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			svc, err := c.services(cmd)
			if err != nil {
				return err
			}
			if err := svc.Ingest.Delete(cmd.Context(), id); err != nil {
				return fmt.Errorf("failed to delete document: %w", err)
			}
			cmd.Printf("Document %d deleted\n", id)
			return nil
		},
	}

	cmd.AddCommand(list, get, del)
	return cmd
}

func newStatsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show store totals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := c.services(cmd)
			if err != nil {
				return err
			}
			st, err := svc.Docs.GetStats(cmd.Context())
			if err != nil {
				return err
			}
			cmd.Printf("Documents: %d\n", st.TotalDocuments)
			cmd.Printf("Chunks:    %d\n", st.TotalChunks)
			cmd.Printf("Size:      %.2f MB\n", float64(st.TotalSizeBytes)/(1024*1024))
			return nil
		},
	}
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid document id %q", s)
	}
	return id, nil
}
