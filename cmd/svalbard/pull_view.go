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
	"fmt"
	"os"
	"strings"

	"github.com/SvalbardAI/SvalbardDocs/pkg/ux"
	"github.com/SvalbardAI/SvalbardDocs/services/modelgateway/datatypes"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
)

// maxBarWidth keeps the progress bar readable on very wide terminals.
const maxBarWidth = 60

// =============================================================================
// Messages
// =============================================================================

// pullEventMsg carries one progress event from the gateway stream.
type pullEventMsg datatypes.PullEvent

// pullResultMsg carries the final outcome once the stream has ended.
type pullResultMsg struct {
	err error
}

// =============================================================================
// Model
// =============================================================================

// pullView is the bubbletea model for the live pull display.
//
// Events arrive over a channel fed by the gateway client's callback;
// the view re-arms a read command after every event, so the stream
// drives the UI and the UI never polls.
type pullView struct {
	model  string
	bar    progress.Model
	events <-chan datatypes.PullEvent
	result <-chan error

	// requestCancel asks the gateway to stop the transfer. Runs in a
	// command goroutine so the HTTP call never blocks the UI loop.
	requestCancel func()

	phase      string
	attempt    int
	completed  uint64
	total      uint64
	percent    int
	width      int
	cancelling bool
	done       bool
	err        error
}

func newPullView(model string, events <-chan datatypes.PullEvent, result <-chan error, requestCancel func()) pullView {
	bar := progress.New(progress.WithGradient(
		string(ux.ColorTealOcean), string(ux.ColorTealBright)))
	bar.Width = maxBarWidth

	return pullView{
		model:         model,
		bar:           bar,
		events:        events,
		result:        result,
		requestCancel: requestCancel,
	}
}

// waitForPull reads the next event; when the event channel closes, the
// stream is over and the pull's final error is ready.
func (v pullView) waitForPull() tea.Cmd {
	return func() tea.Msg {
		e, ok := <-v.events
		if !ok {
			return pullResultMsg{err: <-v.result}
		}
		return pullEventMsg(e)
	}
}

// Init starts the event pump.
func (v pullView) Init() tea.Cmd {
	return v.waitForPull()
}

// =============================================================================
// Update
// =============================================================================

func (v pullView) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		v.width = msg.Width
		if w := msg.Width - 8; w < maxBarWidth {
			v.bar.Width = w
		} else {
			v.bar.Width = maxBarWidth
		}
		return v, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			if v.cancelling {
				// Second press: stop waiting for the graceful cancel.
				return v, tea.Quit
			}
			v.cancelling = true
			return v, func() tea.Msg {
				v.requestCancel()
				return nil
			}
		}
		return v, nil

	case pullEventMsg:
		e := datatypes.PullEvent(msg)
		if e.Phase != "" {
			v.phase = e.Phase
		}
		if e.Attempt > 0 {
			v.attempt = e.Attempt
		}
		v.completed = e.Completed
		v.total = e.Total
		v.percent = e.Percent
		return v, v.waitForPull()

	case pullResultMsg:
		v.done = true
		v.err = msg.err
		return v, tea.Quit
	}

	return v, nil
}

// =============================================================================
// View
// =============================================================================

func (v pullView) View() string {
	var b strings.Builder

	title := ux.Styles.Title.Render("Pulling " + v.model)
	if v.cancelling {
		title += ux.Styles.Warning.Render("  cancelling...")
	}
	b.WriteString(title + "\n\n")

	b.WriteString("  " + v.bar.ViewAs(float64(v.percent)/100) + "\n\n")

	stats := v.phase
	if stats == "" {
		stats = "connecting"
	}
	if v.total > 0 {
		stats += fmt.Sprintf("  %s / %s", formatBytes(int64(v.completed)), formatBytes(int64(v.total)))
	}
	if v.attempt > 1 {
		stats += fmt.Sprintf("  attempt %d", v.attempt)
	}
	b.WriteString("  " + ux.Styles.Muted.Render(stats) + "\n")
	b.WriteString("  " + ux.Styles.Muted.Render("ctrl+c to cancel") + "\n")

	return b.String()
}

// =============================================================================
// Runner
// =============================================================================

// runPullView drives a pull behind the live display and returns the
// pull's outcome.
func runPullView(ctx context.Context, client *GatewayClient, model string) error {
	events := make(chan datatypes.PullEvent, 32)
	result := make(chan error, 1)

	pullCtx, cancelPull := context.WithCancel(ctx)
	defer cancelPull()

	go func() {
		result <- client.Pull(pullCtx, model, func(e datatypes.PullEvent) {
			events <- e
		})
		close(events)
	}()

	view := newPullView(model, events, result, func() {
		// Background context: the graceful cancel must go through even
		// while the pull context is being torn down.
		_, _ = client.CancelPull(context.Background(), model)
	})

	p := tea.NewProgram(view, tea.WithOutput(os.Stderr), tea.WithContext(ctx))
	finalModel, err := p.Run()
	if err != nil {
		cancelPull()
		drainPull(events)
		return <-result
	}

	final, ok := finalModel.(pullView)
	if !ok {
		return fmt.Errorf("unexpected model type from bubbletea: %T", finalModel)
	}

	if !final.done {
		// Force quit before the terminal event: abort the stream and
		// collect the pull's outcome.
		cancelPull()
		drainPull(events)
		return <-result
	}
	return final.err
}

// drainPull unblocks the pull callback after a hard quit.
func drainPull(events <-chan datatypes.PullEvent) {
	for range events {
	}
}
