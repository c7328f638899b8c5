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
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/skyimager/pkg/ux"
	"github.com/AleutianAI/skyimager/services/imager/api"
	"github.com/AleutianAI/skyimager/services/imager/runstore"
)

var (
	submitCmd = &cobra.Command{
		Use:   "submit",
		Short: "Submit a run to a skyimager server",
		Args:  cobra.NoArgs,
		RunE:  runSubmitCommand,
	}
	watchCmd = &cobra.Command{
		Use:   "watch <run-id>",
		Short: "Follow a run on a skyimager server until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE:  runWatchCommand,
	}
	runsCmd = &cobra.Command{
		Use:   "runs",
		Short: "List recent runs on a skyimager server",
		Args:  cobra.NoArgs,
		RunE:  runRunsCommand,
	}

	serverURL string
	apiToken  string
	runsLimit int

	submitFlags struct {
		nmajor   int
		strategy string
		selfcal  bool
		seed     int64
		watch    bool
	}
)

func init() {
	for _, c := range []*cobra.Command{submitCmd, watchCmd, runsCmd} {
		c.Flags().StringVar(&serverURL, "server", "http://localhost:8088", "skyimager server URL")
		c.Flags().StringVar(&apiToken, "token", "", "API bearer token (default $"+tokenEnv+")")
	}
	f := submitCmd.Flags()
	f.IntVar(&submitFlags.nmajor, "nmajor", 0, "Override pipeline.nmajor")
	f.StringVar(&submitFlags.strategy, "strategy", "", "Override imaging.strategy")
	f.BoolVar(&submitFlags.selfcal, "selfcal", false, "Enable self-calibration")
	f.Int64Var(&submitFlags.seed, "seed", 0, "Override simulation.seed")
	f.BoolVarP(&submitFlags.watch, "watch", "w", false, "Follow the run after submitting")
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "Maximum runs to list")

	rootCmd.AddCommand(submitCmd, watchCmd, runsCmd)
}

// tokenEnv holds the API bearer token when --token is not given.
const tokenEnv = "SKYIMAGER_API_TOKEN"

func resolveToken() string {
	if apiToken != "" {
		return apiToken
	}
	return os.Getenv(tokenEnv)
}

func newClient() (*api.Client, error) {
	var opts []api.ClientOption
	if token := resolveToken(); token != "" {
		opts = append(opts, api.WithToken(token))
	}
	return api.NewClient(serverURL, opts...)
}

// submitRequest builds the override request from the flags that were set.
func submitRequest(cmd *cobra.Command) api.RunRequest {
	var req api.RunRequest
	f := cmd.Flags()
	if f.Changed("nmajor") {
		req.NMajor = &submitFlags.nmajor
	}
	if f.Changed("strategy") {
		req.Strategy = &submitFlags.strategy
	}
	if f.Changed("selfcal") {
		req.SelfCal = &submitFlags.selfcal
	}
	if f.Changed("seed") {
		req.Seed = &submitFlags.seed
	}
	return req
}

func runSubmitCommand(cmd *cobra.Command, _ []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	resp, err := client.Submit(cmd.Context(), submitRequest(cmd))
	if err != nil {
		return err
	}
	p := printer(cmd)
	p.Success("submitted " + resp.ID)
	if !submitFlags.watch {
		return nil
	}
	return watch(cmd, client, resp.ID)
}

func runWatchCommand(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	return watch(cmd, client, args[0])
}

// watch follows a run. Terminals get the live view; anything else gets
// one line per event.
func watch(cmd *cobra.Command, client *api.Client, id string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	events, err := client.Events(ctx, id)
	if err != nil {
		return err
	}

	p := printer(cmd)
	var done *api.Event
	if p.Level() == ux.LevelFull {
		final, err := tea.NewProgram(newWatchModel(id, events), tea.WithContext(ctx), tea.WithOutput(cmd.OutOrStdout())).Run()
		if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
			return err
		}
		if m, ok := final.(watchModel); ok {
			done = m.done
		}
	} else {
		for ev := range events {
			switch ev.Type {
			case "cycle":
				p.Field(fmt.Sprintf("cycle %d", ev.Cycle.Cycle), cycleLine(*ev.Cycle))
			case "done":
				done = &ev
			}
		}
	}

	switch {
	case done == nil:
		return nil
	case done.Status == runstore.StatusFailed:
		return fmt.Errorf("run %s failed: %s", id, done.Error)
	case p.Level() != ux.LevelFull:
		p.Success(fmt.Sprintf("run %s %s", id, done.Status))
	}
	return nil
}

func runRunsCommand(cmd *cobra.Command, _ []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	runs, err := client.List(cmd.Context(), runsLimit)
	if err != nil {
		return err
	}
	rows := make([][]string, len(runs))
	for i, r := range runs {
		rows[i] = []string{
			r.ID,
			string(r.Status),
			r.Strategy,
			fmt.Sprint(r.Cycles),
			fmt.Sprintf("%.4g", r.ResidualPeak),
			r.StartedAt.Format("2006-01-02 15:04:05"),
		}
	}
	printer(cmd).Table([]string{"id", "status", "strategy", "cycles", "peak", "started"}, rows)
	return nil
}
