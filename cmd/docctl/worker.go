package main

import (
	"github.com/spf13/cobra"

	"github.com/WessleyAI/docrag/engine/ingest"
)

func newWorkerCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume ingestion jobs from NATS until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := c.services(cmd)
			if err != nil {
				return err
			}
			if svc.NATS == nil {
				return errNoNATS
			}
			sub, err := ingest.StartConsumer(svc.NATS, svc.Ingest, svc.Logger)
			if err != nil {
				return err
			}
			defer sub.Unsubscribe()

			cmd.Printf("worker listening on %s (dlq %s)\n", ingest.JobSubject, ingest.DLQSubject)
			<-cmd.Context().Done()
			cmd.Println("worker stopping")
			return nil
		},
	}
}
