// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	serverURL   string
	payloadJSON string
	payloadFile string

	rootCmd = &cobra.Command{
		Use:   "flow",
		Short: "A CLI to drive workflow runs on a flowd daemon",
	}

	startCmd = &cobra.Command{
		Use:   "start [project-id]",
		Short: "Start or resume a workflow run for a project",
		Long: `Starts a new run, or resumes one that is still in flight. A run
that already finished is discarded and replaced by a fresh run.`,
		Args: cobra.ExactArgs(1),
		RunE: runStartCommand,
	}

	statusCmd = &cobra.Command{
		Use:   "status [project-id]",
		Short: "Show the current run state for a project",
		Args:  cobra.ExactArgs(1),
		RunE:  runStatusCommand,
	}

	decisionsCmd = &cobra.Command{
		Use:   "decisions [project-id]",
		Short: "List the decisions blocking a paused run",
		Args:  cobra.ExactArgs(1),
		RunE:  runDecisionsCommand,
	}

	approveCmd = &cobra.Command{
		Use:   "approve [project-id] [decision-id] [option-id]",
		Short: "Approve a pending decision and resume the run",
		Args:  cobra.ExactArgs(3),
		RunE:  runApproveCommand,
	}

	stopCmd = &cobra.Command{
		Use:   "stop [project-id]",
		Short: "Force-fail an active run",
		Args:  cobra.ExactArgs(1),
		RunE:  runStopCommand,
	}

	eventsCmd = &cobra.Command{
		Use:   "events [project-id]",
		Short: "Show the audit trail of a run",
		Args:  cobra.ExactArgs(1),
		RunE:  runEventsCommand,
	}
)

func init() {
	defaultServer := os.Getenv("FLOW_SERVER_URL")
	if defaultServer == "" {
		defaultServer = "http://localhost:12310"
	}
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", defaultServer,
		"Base URL of the flowd daemon")

	startCmd.Flags().StringVar(&payloadJSON, "payload", "",
		"Run input payload as inline JSON")
	startCmd.Flags().StringVar(&payloadFile, "payload-file", "",
		"Path to a JSON file with the run input payload")

	rootCmd.AddCommand(startCmd, statusCmd, decisionsCmd, approveCmd, stopCmd, eventsCmd)
}

func runStartCommand(cmd *cobra.Command, args []string) error {
	payload, err := loadPayload()
	if err != nil {
		return err
	}
	client := newClient(serverURL)
	snap, err := client.StartRun(cmd.Context(), args[0], payload)
	if err != nil {
		return err
	}
	return printJSON(snap)
}

func runStatusCommand(cmd *cobra.Command, args []string) error {
	client := newClient(serverURL)
	snap, err := client.GetRun(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printJSON(snap)
}

func runDecisionsCommand(cmd *cobra.Command, args []string) error {
	client := newClient(serverURL)
	recs, err := client.ListDecisions(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Println("No pending decisions.")
		return nil
	}
	return printJSON(recs)
}

func runApproveCommand(cmd *cobra.Command, args []string) error {
	client := newClient(serverURL)
	snap, err := client.ApproveDecision(cmd.Context(), args[0], args[1], args[2])
	if err != nil {
		return err
	}
	return printJSON(snap)
}

func runStopCommand(cmd *cobra.Command, args []string) error {
	client := newClient(serverURL)
	snap, err := client.StopRun(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printJSON(snap)
}

func runEventsCommand(cmd *cobra.Command, args []string) error {
	client := newClient(serverURL)
	evs, err := client.ListEvents(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if len(evs) == 0 {
		fmt.Println("No events recorded.")
		return nil
	}
	return printJSON(evs)
}

// loadPayload resolves the --payload / --payload-file flags.
func loadPayload() (map[string]any, error) {
	raw := []byte(payloadJSON)
	if payloadFile != "" {
		if payloadJSON != "" {
			return nil, fmt.Errorf("--payload and --payload-file are mutually exclusive")
		}
		data, err := os.ReadFile(payloadFile)
		if err != nil {
			return nil, fmt.Errorf("reading payload file: %w", err)
		}
		raw = data
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("payload is not valid JSON: %w", err)
	}
	return payload, nil
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
