// Copyright (C) 2026 Svalbard AI (mhalvorsen@svalbard.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/SvalbardAI/SvalbardDocs/services/modelgateway/datatypes"
	"github.com/SvalbardAI/SvalbardDocs/services/modelgateway/observability"
	"github.com/SvalbardAI/SvalbardDocs/services/modelmanager"
)

// wsCloseGrace bounds how long the final close handshake may take.
const wsCloseGrace = 2 * time.Second

// wsPullRequest is the single inbound frame shape clients may send while
// a pull is streaming.
type wsPullRequest struct {
	Action string `json:"action"` // "cancel" aborts the transfer
}

// pullUpgrader accepts any origin: the gateway serves localhost UIs and
// does not use origin checks for auth.
var pullUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// sendPullEvent writes one event frame, logging failures at Warn.
func sendPullEvent(ws *websocket.Conn, event datatypes.PullEvent) error {
	err := ws.WriteJSON(event)
	if err != nil {
		slog.Warn("failed to write pull websocket frame", "error", err)
	}
	return err
}

// HandlePullWebSocket acquires a model while streaming progress frames
// over a websocket.
//
// # Description
//
// GET /v1/models/pull/ws?model=llama3:8b
//
// Frames carry the same PullEvent shape as the NDJSON transport, ending
// with a "done" or "error" frame followed by a normal close. The client
// may send {"action":"cancel"} at any point to abort the transfer; any
// other inbound traffic is ignored. Dropping the connection cancels the
// pull the same way a cancel frame does.
//
// Unlike the NDJSON route, validation failures after the upgrade cannot
// carry an HTTP status, so the model reference is checked before
// upgrading.
func HandlePullWebSocket(m modelmanager.Manager, metrics *observability.ModelMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		model := c.Query("model")
		if err := datatypes.ValidateRef(model); err != nil {
			c.JSON(http.StatusBadRequest, datatypes.NewErrorResponse(err))
			return
		}

		ws, err := pullUpgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("failed to upgrade pull websocket", "error", err)
			return
		}
		defer ws.Close()
		slog.Info("pull websocket client connected", "model", model)

		ctx, cancel := context.WithCancel(c.Request.Context())
		defer cancel()

		if metrics != nil {
			metrics.StreamAttached(observability.TransportWebsocket)
			defer metrics.StreamDetached(observability.TransportWebsocket)
		}

		// pullDone lets the reader distinguish a client that hung up
		// mid-transfer from one tearing down after the final frame.
		pullDone := make(chan struct{})

		go func() {
			for {
				var req wsPullRequest
				if err := ws.ReadJSON(&req); err != nil {
					select {
					case <-pullDone:
						// Normal teardown.
					default:
						if metrics != nil {
							metrics.RecordClientDisconnect(observability.TransportWebsocket)
						}
						slog.Info("pull websocket client went away", "model", model)
					}
					cancel()
					return
				}
				if req.Action == "cancel" {
					slog.Info("pull cancel requested over websocket", "model", model)
					m.CancelPull(model)
				}
			}
		}()

		acct := newPullAccounting(metrics)
		start := time.Now()

		pullErr := m.Pull(ctx, model, func(u modelmanager.ProgressUpdate) {
			acct.observe(m, model, u)

			if err := sendPullEvent(ws, datatypes.ProgressEvent(u)); err != nil {
				// The reader notices the dead peer and does the
				// disconnect accounting; we just stop the transfer.
				cancel()
			}
		})
		close(pullDone)

		outcome := acct.finish(pullErr, start)

		if pullErr != nil {
			slog.Warn("model pull failed",
				"model", model,
				"outcome", string(outcome),
				"error", pullErr,
			)
			_ = sendPullEvent(ws, datatypes.ErrorEvent(pullErr))
		} else {
			slog.Info("model pull complete",
				"model", model,
				"provider", acct.providerLabel(),
				"duration", time.Since(start),
			)
			_ = sendPullEvent(ws, datatypes.DoneEvent())
		}

		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = ws.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(wsCloseGrace))
	}
}
