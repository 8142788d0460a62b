package main

import (
	"context"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/aosanya/workflowcore/internal/agentclient"
	"github.com/aosanya/workflowcore/internal/app"
	"github.com/aosanya/workflowcore/internal/config"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the execution engine until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			// No external AI service is wired for this deployment mode;
			// a real Client implementation plugs in here.
			client := &agentclient.StubClient{Responses: []agentclient.StubResult{{Output: "{}"}}}

			a, err := app.New(cfg, client)
			if err != nil {
				return err
			}

			log.WithField("worker_pool_size", cfg.Engine.WorkerPoolSize).Info("starting workflowengine")
			return a.Run(context.Background())
		},
	}
}
