package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/aosanya/workflowcore/internal/agentclient"
	"github.com/aosanya/workflowcore/internal/app"
	"github.com/aosanya/workflowcore/internal/config"
	"github.com/aosanya/workflowcore/internal/engine"
	"github.com/aosanya/workflowcore/internal/workflow"
)

const demoTemplateBaseID = "demo-pipeline"

func newDemoCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Register a sample START->PROCESSOR(AGENT)->END template and run it once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			client := &agentclient.StubClient{Responses: []agentclient.StubResult{
				{Output: `{"processed": true}`},
			}}

			a, err := app.New(cfg, client)
			if err != nil {
				return err
			}
			defer a.Stop()

			if err := seedDemoTemplate(a); err != nil {
				return fmt.Errorf("seed demo template: %w", err)
			}

			if err := a.Start(); err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			res, err := a.Engine.ExecuteWorkflow(ctx, engine.ExecuteRequest{
				TemplateBaseID: demoTemplateBaseID,
				ExecutorID:     "cli-demo",
				Name:           "ad-hoc demo run",
				Input:          map[string]interface{}{"source": "cli"},
			})
			if err != nil {
				return fmt.Errorf("execute workflow: %w", err)
			}

			log.WithField("instance_id", res.InstanceID).Info("demo instance started")

			view, err := waitForTerminal(ctx, a.Engine, res.InstanceID)
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(view.Instance, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func seedDemoTemplate(a *app.App) error {
	now := time.Now()
	wf := &workflow.Workflow{
		ID:      demoTemplateBaseID + ":1",
		BaseID:  demoTemplateBaseID,
		Version: 1,
		Name:    "Demo Pipeline",
		Status:  workflow.StatusActive,
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.NodeTypeStart, Name: "Start"},
			{
				ID:   "process",
				Type: workflow.NodeTypeProcessor,
				Name: "Process Data",
				Processors: []workflow.Processor{
					{ID: "process-agent", Type: workflow.ProcessorAgent, AgentID: "demo-agent"},
				},
			},
			{ID: "end", Type: workflow.NodeTypeEnd, Name: "End"},
		},
		Edges: []workflow.Edge{
			{Source: "start", Target: "process"},
			{Source: "process", Target: "end"},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	return a.Templates().Create(context.Background(), wf)
}

func waitForTerminal(ctx context.Context, eng *engine.Engine, instanceID string) (*engine.StatusView, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		view, err := eng.GetStatus(ctx, instanceID)
		if err != nil {
			return nil, err
		}
		if view.Instance.Status.IsTerminal() {
			return view, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
