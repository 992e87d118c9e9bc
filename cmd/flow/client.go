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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianFlow/services/flow/decision"
	"github.com/AleutianAI/AleutianFlow/services/flow/events"
	"github.com/AleutianAI/AleutianFlow/services/flow/scheduler"
)

// apiClient talks to a flowd daemon.
type apiClient struct {
	base string
	http *http.Client
}

func newClient(base string) *apiClient {
	return &apiClient{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 5 * time.Minute},
	}
}

// StartRun begins or resumes a run. The timeout is generous because the
// daemon drives the run synchronously until it pauses or finishes.
func (c *apiClient) StartRun(ctx context.Context, projectID string, payload map[string]any) (*scheduler.Snapshot, error) {
	body := map[string]any{}
	if payload != nil {
		body["payload"] = payload
	}
	var snap scheduler.Snapshot
	err := c.do(ctx, http.MethodPost, "/v1/runs/"+url.PathEscape(projectID)+"/start", body, &snap)
	return &snap, err
}

func (c *apiClient) GetRun(ctx context.Context, projectID string) (*scheduler.Snapshot, error) {
	var snap scheduler.Snapshot
	err := c.do(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(projectID), nil, &snap)
	return &snap, err
}

func (c *apiClient) StopRun(ctx context.Context, projectID string) (*scheduler.Snapshot, error) {
	var snap scheduler.Snapshot
	err := c.do(ctx, http.MethodPost, "/v1/runs/"+url.PathEscape(projectID)+"/stop", nil, &snap)
	return &snap, err
}

func (c *apiClient) ListDecisions(ctx context.Context, projectID string) ([]*decision.Record, error) {
	var out struct {
		Decisions []*decision.Record `json:"decisions"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(projectID)+"/decisions", nil, &out)
	return out.Decisions, err
}

func (c *apiClient) ApproveDecision(ctx context.Context, projectID, decisionID, optionID string) (*scheduler.Snapshot, error) {
	var snap scheduler.Snapshot
	path := "/v1/runs/" + url.PathEscape(projectID) + "/decisions/" + url.PathEscape(decisionID) + "/approve"
	err := c.do(ctx, http.MethodPost, path, map[string]string{"option_id": optionID}, &snap)
	return &snap, err
}

func (c *apiClient) ListEvents(ctx context.Context, projectID string) ([]*events.Event, error) {
	var out struct {
		Events []*events.Event `json:"events"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(projectID)+"/events", nil, &out)
	return out.Events, err
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", c.base, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
		}
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(data)))
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}
