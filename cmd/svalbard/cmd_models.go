// Copyright (C) 2026 Svalbard AI (mhalvorsen@svalbard.ai)
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
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"text/tabwriter"

	"github.com/SvalbardAI/SvalbardDocs/pkg/ux"
	"github.com/SvalbardAI/SvalbardDocs/services/modelgateway/datatypes"
	"github.com/spf13/cobra"
)

func newClient() *GatewayClient {
	return NewGatewayClient(resolveGatewayURL())
}

func runListModels(cmd *cobra.Command, args []string) {
	client := newClient()

	var resp datatypes.ModelsResponse
	err := ux.WithSpinner("Fetching model catalog...", func() error {
		var err error
		resp, err = client.ListModels(cmd.Context())
		return err
	})
	if err != nil {
		fail("Could not list models", err)
	}

	if jsonOutput {
		printJSON(resp)
		return
	}

	if resp.Count == 0 {
		ux.Info("No models known to the gateway.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tKIND\tPROVIDER\tSIZE\tSTATE\tMODIFIED")
	for _, m := range resp.Models {
		state := "available"
		if m.Installed {
			state = "installed"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			m.ID, m.Kind, m.Provider, formatBytes(m.SizeBytes), state, formatAge(m.ModifiedAt))
	}
	w.Flush()
}

func runPullModel(cmd *cobra.Command, args []string) {
	model := args[0]
	client := newClient()

	// Ctrl+C in plain mode tears down the stream; the gateway treats
	// the disconnect as a cancellation request. The live view handles
	// the key itself and asks for a graceful cancel first.
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	var err error
	if pullPlain || !ux.ShouldShowProgress() {
		err = runPlainPull(ctx, client, model)
	} else {
		err = runPullView(ctx, client, model)
	}

	if err != nil {
		var ge *GatewayError
		if errors.As(err, &ge) && ge.IsCancelled() {
			ux.Warning(fmt.Sprintf("Pull of %s cancelled", model))
			os.Exit(CLIExitError)
		}
		fail("Pull failed", err)
	}
	ux.Success(fmt.Sprintf("Pulled %s", model))
}

// runPlainPull prints one line per progress change, for logs and
// terminals without a live display.
func runPlainPull(ctx context.Context, client *GatewayClient, model string) error {
	lastPhase := ""
	lastPercent := -1
	return client.Pull(ctx, model, func(e datatypes.PullEvent) {
		if e.Done {
			return
		}
		if e.Phase == lastPhase && e.Percent == lastPercent {
			return
		}
		lastPhase, lastPercent = e.Phase, e.Percent

		label := e.Phase
		if e.Attempt > 1 {
			label = fmt.Sprintf("%s (attempt %d)", e.Phase, e.Attempt)
		}
		if e.Total > 0 {
			fmt.Printf("%s: %d%% (%s / %s)\n",
				label, e.Percent, formatBytes(int64(e.Completed)), formatBytes(int64(e.Total)))
		} else {
			fmt.Printf("%s\n", label)
		}
	})
}

func runCancelPull(cmd *cobra.Command, args []string) {
	model := args[0]
	client := newClient()

	resp, err := client.CancelPull(cmd.Context(), model)
	if err != nil {
		fail("Could not cancel", err)
	}
	ux.Success(fmt.Sprintf("Cancellation requested for %s", resp.Model))
}

func runRemoveModel(cmd *cobra.Command, args []string) {
	model := args[0]

	if !removeForce {
		if !ux.IsInteractive() {
			fail("Refusing to delete without confirmation",
				errors.New("non-interactive session; pass --force to delete"))
		}

		confirmed, err := ux.Confirm(
			fmt.Sprintf("Delete %s?", model),
			"The model files are removed from the provider's store.",
			"Delete", "Keep",
		)
		if err != nil {
			fail("Confirmation failed", err)
		}
		if !confirmed {
			ux.Info("Keeping " + model)
			return
		}
	}

	client := newClient()
	resp, err := client.Remove(cmd.Context(), model)
	if err != nil {
		fail("Could not delete model", err)
	}
	ux.Success(fmt.Sprintf("Deleted %s", resp.Model))
}

func runActivateModel(cmd *cobra.Command, args []string) {
	model := args[0]
	client := newClient()

	var resp datatypes.ActiveResponse
	err := ux.WithSpinner(fmt.Sprintf("Activating %s (engine reload can take a minute)...", model), func() error {
		var err error
		resp, err = client.Activate(cmd.Context(), model)
		return err
	})
	if err != nil {
		fail("Activation failed", err)
	}
	ux.Success(fmt.Sprintf("Active model: %s", resp.Model))
}

func runTransfers(cmd *cobra.Command, args []string) {
	client := newClient()

	resp, err := client.Transfers(cmd.Context())
	if err != nil {
		fail("Could not list transfers", err)
	}

	if jsonOutput {
		printJSON(resp)
		return
	}

	if resp.Count == 0 {
		ux.Info("No transfers in flight.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "MODEL\tPROVIDER\tPHASE\tATTEMPT\tPROGRESS")
	for _, t := range resp.Transfers {
		progress := fmt.Sprintf("%d%%", t.Percent)
		if t.Total > 0 {
			progress = fmt.Sprintf("%d%% (%s / %s)",
				t.Percent, formatBytes(int64(t.Completed)), formatBytes(int64(t.Total)))
		}
		phase := string(t.Phase)
		if t.CancelRequested {
			phase += " (cancelling)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			t.ModelID, t.Provider, phase, t.Attempt, progress)
	}
	w.Flush()
}

func runModelHistory(cmd *cobra.Command, args []string) {
	client := newClient()

	resp, err := client.History(cmd.Context(), historyLimit)
	if err != nil {
		fail("Could not read history", err)
	}

	if jsonOutput {
		printJSON(resp)
		return
	}

	if resp.Count == 0 {
		ux.Info("The journal is empty.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tMODEL\tACTION\tOUTCOME\tATTEMPTS\tWHEN")
	for _, r := range resp.Records {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\n",
			r.Seq, r.ModelID, r.Action, r.Outcome, r.Attempts, formatAge(r.StartedAt))
	}
	w.Flush()
}

func runModelStatus(cmd *cobra.Command, args []string) {
	client := newClient()

	st, err := client.Status(cmd.Context())
	if err != nil {
		fail("Could not fetch status", err)
	}

	if jsonOutput {
		printJSON(st)
		return
	}

	ux.Title("Model Gateway")

	for _, p := range st.Providers {
		if p.Healthy {
			ux.ItemStatus(p.Name, ux.IconSuccess, "")
		} else {
			ux.ItemStatus(p.Name, ux.IconError, p.Error)
		}
	}

	if st.EngineLoaded {
		ux.Info(fmt.Sprintf("Active model: %s", st.ActiveModel))
	} else {
		ux.Muted("No active model")
	}

	if n := len(st.Transfers); n > 0 {
		ux.Info(fmt.Sprintf("%d transfer(s) in flight", n))
	}

	if st.Journal.Degraded {
		ux.Warning("Journal is degraded: lifecycle history is not being persisted")
	} else {
		ux.Muted(fmt.Sprintf("Journal: %d records appended, last seq %d",
			st.Journal.Appends, st.Journal.LastSeq))
	}
}
