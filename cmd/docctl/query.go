package main

import (
	"bufio"
	"encoding/json"
	"strings"

	"github.com/spf13/cobra"

	"github.com/WessleyAI/docrag/engine/domain"
	"github.com/WessleyAI/docrag/engine/rag"
)

func newQueryCmd(c *cli) *cobra.Command {
	var (
		topK      int
		document  int64
		minSim    float64
		noSources bool
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "query <question>",
		Short: "Ask a question against the ingested documents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := c.services(cmd)
			if err != nil {
				return err
			}
			req := rag.QueryRequest{
				Question:       strings.Join(args, " "),
				TopK:           topK,
				IncludeSources: !noSources,
			}
			if cmd.Flags().Changed("document") {
				req.DocumentID = &document
			}
			if cmd.Flags().Changed("min-similarity") {
				req.MinSimilarity = &minSim
			}
			resp, err := svc.RAG.Query(cmd.Context(), req)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(resp)
			}
			printResponse(cmd, resp)
			return nil
		},
	}
	cmd.Flags().IntVarP(&topK, "top-k", "k", 0, "Chunks to retrieve (default from config)")
	cmd.Flags().Int64VarP(&document, "document", "d", 0, "Restrict retrieval to one document id")
	cmd.Flags().Float64Var(&minSim, "min-similarity", 0, "Drop chunks below this similarity")
	cmd.Flags().BoolVar(&noSources, "no-sources", false, "Do not print sources")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw JSON response")
	return cmd
}

func printResponse(cmd *cobra.Command, resp *rag.Response) {
	cmd.Println(resp.Answer)
	if resp.Status != rag.StatusOK {
		cmd.PrintErrf("\n[%s] %s\n", resp.Status, resp.Error)
	}
	if len(resp.Sources) == 0 {
		return
	}
	cmd.Println("\nSources:")
	for i, s := range resp.Sources {
		cmd.Printf("  [%d] %s #%d (similarity %.2f)\n", i+1, s.Filename, s.ChunkIndex, s.Similarity)
	}
}

func newChatCmd(c *cli) *cobra.Command {
	var (
		topK     int
		document int64
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive multi-turn session",
		Long:  `Reads one question per line. The conversation so far is sent with every question. Type "exit" to leave.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := c.services(cmd)
			if err != nil {
				return err
			}
			var docID *int64
			if cmd.Flags().Changed("document") {
				docID = &document
			}

			var history []domain.Turn
			in := bufio.NewScanner(cmd.InOrStdin())
			for {
				cmd.Print("you> ")
				if !in.Scan() {
					cmd.Println()
					return in.Err()
				}
				line := strings.TrimSpace(in.Text())
				switch line {
				case "":
					continue
				case "exit", "quit":
					return nil
				}

				msgs := append(history, domain.Turn{Role: domain.RoleUser, Content: line})
				resp, err := svc.RAG.Chat(cmd.Context(), rag.ChatRequest{Messages: msgs, TopK: topK, DocumentID: docID})
				if err != nil {
					cmd.PrintErrf("error: %v\n", err)
					continue
				}
				cmd.Printf("assistant> %s\n", resp.Answer)
				if resp.Status == rag.StatusOK {
					history = append(msgs, domain.Turn{Role: domain.RoleAssistant, Content: resp.Answer})
				}
			}
		},
	}
	cmd.Flags().IntVarP(&topK, "top-k", "k", 0, "Chunks to retrieve per question")
	cmd.Flags().Int64VarP(&document, "document", "d", 0, "Restrict retrieval to one document id")
	return cmd
}
