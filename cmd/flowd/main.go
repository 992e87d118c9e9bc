// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command flowd is the workflow orchestration daemon. It loads a workflow
// definition, opens the state database, and serves the run API.
//
// Configuration is via environment variables:
//
//	FLOW_PORT          - HTTP port (default 12310)
//	FLOW_DATA_DIR      - BadgerDB directory (default ~/.aleutian/flow)
//	FLOW_WORKFLOW      - Path to the workflow YAML (required)
//	FLOW_LOG_LEVEL     - debug, info, warn, error (default info)
//	FLOW_LOG_DIR       - Optional directory for JSON log files
//	OPENAI_API_KEY     - Enables the reference copywriter agent
//	OPENAI_MODEL_NAME  - Model for the copywriter (default gpt-4o-mini)
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianFlow/pkg/logging"
	"github.com/AleutianAI/AleutianFlow/services/flow/agent"
	"github.com/AleutianAI/AleutianFlow/services/flow/api"
	"github.com/AleutianAI/AleutianFlow/services/flow/decision"
	"github.com/AleutianAI/AleutianFlow/services/flow/events"
	"github.com/AleutianAI/AleutianFlow/services/flow/executor"
	"github.com/AleutianAI/AleutianFlow/services/flow/lease"
	"github.com/AleutianAI/AleutianFlow/services/flow/scheduler"
	"github.com/AleutianAI/AleutianFlow/services/flow/state"
	flowbadger "github.com/AleutianAI/AleutianFlow/services/flow/storage/badger"
	"github.com/AleutianAI/AleutianFlow/services/flow/telemetry"
	"github.com/AleutianAI/AleutianFlow/services/flow/workflow"
)

func main() {
	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(getEnvOr("FLOW_LOG_LEVEL", "info")),
		JSON:    true,
		LogDir:  os.Getenv("FLOW_LOG_DIR"),
		Service: "flowd",
	})
	defer logger.Close()
	slog.SetDefault(logger.Logger)

	shutdown, err := telemetry.Init(context.Background(), telemetry.DefaultConfig())
	if err != nil {
		log.Fatalf("failed to init telemetry: %v", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			slog.Error("telemetry shutdown failed", "error", err)
		}
	}()

	workflowPath := os.Getenv("FLOW_WORKFLOW")
	if workflowPath == "" {
		log.Fatal("FLOW_WORKFLOW must point to a workflow YAML file")
	}
	graph, err := workflow.LoadFile(workflowPath)
	if err != nil {
		log.Fatalf("failed to load workflow %s: %v", workflowPath, err)
	}
	slog.Info("workflow loaded",
		"name", graph.Name,
		"version", graph.Version,
		"nodes", graph.NodeCount(),
	)

	dataDir := getEnvOr("FLOW_DATA_DIR", expandHome("~/.aleutian/flow"))
	dbCfg := flowbadger.DefaultConfig()
	dbCfg.Path = dataDir
	dbCfg.Logger = logger.Logger
	db, err := flowbadger.Open(dbCfg)
	if err != nil {
		log.Fatalf("failed to open state database at %s: %v", dataDir, err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.Error("database close failed", "error", err)
		}
	}()

	states, err := state.NewStore(db)
	if err != nil {
		log.Fatalf("failed to create state store: %v", err)
	}
	decisions, err := decision.NewStore(db)
	if err != nil {
		log.Fatalf("failed to create decision store: %v", err)
	}
	audit, err := events.NewAuditLog(db, logger.Logger)
	if err != nil {
		log.Fatalf("failed to create audit log: %v", err)
	}

	emitter := events.NewEmitter()
	emitter.Subscribe(audit.Handler())
	emitter.Subscribe(events.LogHandler(logger.Logger))

	registry := buildRegistry(graph, logger.Logger)

	exec, err := executor.New(executor.Config{
		Registry:  registry,
		Decisions: decisions,
		Checkers: map[string]agent.Checker{
			executor.CheckQuality: agent.NewHeuristicChecker(executor.CheckQuality),
			executor.CheckReview:  agent.NewHeuristicChecker(executor.CheckReview),
		},
		Emitter: emitter,
		Logger:  logger.Logger,
	})
	if err != nil {
		log.Fatalf("failed to create executor: %v", err)
	}

	sched, err := scheduler.New(scheduler.Config{
		Graph:     graph,
		States:    states,
		Decisions: decisions,
		Executor:  exec,
		Emitter:   emitter,
		Leases:    lease.NewManager(0),
		Logger:    logger.Logger,
	})
	if err != nil {
		log.Fatalf("failed to create scheduler: %v", err)
	}

	router := gin.Default()
	router.Use(otelgin.Middleware("flowd"))
	api.SetupRoutes(router, sched, audit)

	port := getEnvOr("FLOW_PORT", "12310")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("starting flowd", "port", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown failed", "error", err)
	}
}

// buildRegistry registers the built-in agents and warns about workflow
// nodes whose agents must be supplied by an embedding program.
func buildRegistry(graph *workflow.Graph, logger *slog.Logger) *agent.Registry {
	registry := agent.NewRegistry()

	if key := openAIKey(); key != "" {
		model := getEnvOr("OPENAI_MODEL_NAME", openai.GPT4oMini)
		cw, err := agent.NewCopywriter("copywriter", openai.NewClient(key), model, logger)
		if err != nil {
			logger.Warn("copywriter agent unavailable", "error", err)
		} else {
			_ = registry.Register(cw)
			logger.Info("registered copywriter agent", "model", model)
		}
	} else {
		logger.Info("OPENAI_API_KEY not set; copywriter agent disabled")
	}

	for _, node := range graph.Nodes {
		if _, err := registry.Get(node.AgentID); err != nil {
			logger.Warn("workflow references unregistered agent; runs will fail at this node",
				"node_id", node.ID,
				"agent_id", node.AgentID,
			)
		}
	}
	return registry
}

// openAIKey reads the API key from the environment, falling back to the
// conventional container secret path.
func openAIKey() string {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		return strings.TrimSpace(key)
	}
	if data, err := os.ReadFile("/run/secrets/openai_api_key"); err == nil {
		return strings.TrimSpace(string(data))
	}
	return ""
}

func getEnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return home + path[1:]
}
