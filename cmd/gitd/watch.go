// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/gitd/internal/taskmodel"
)

var watchUpgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// newWatchHandler streams task status updates over a WebSocket
// connection until the task reaches a terminal state or the client
// disconnects. It polls the store on an interval rather than pushing
// from the worker loop directly, keeping the worker pool free of any
// knowledge of HTTP transport concerns. Grounded on
// services/orchestrator/handlers/websocket.go's upgrade-then-loop shape.
func newWatchHandler(statusFn func(taskID string) (*taskmodel.Task, error), logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		taskID := c.Param("id")

		conn, err := watchUpgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("watch: websocket upgrade failed", "task_id", taskID, "error", err)
			return
		}
		defer conn.Close()

		ticker := time.NewTicker(250 * time.Millisecond)
		defer ticker.Stop()

		for {
			task, err := statusFn(taskID)
			if err != nil {
				var tmErr *taskmodel.Error
				if errors.As(err, &tmErr) {
					_ = conn.WriteJSON(map[string]any{"error": tmErr.Message, "kind": tmErr.Kind})
				} else {
					_ = conn.WriteJSON(map[string]any{"error": err.Error()})
				}
				return
			}
			if err := conn.WriteJSON(task); err != nil {
				return
			}
			if task.Status.Terminal() {
				return
			}

			select {
			case <-ticker.C:
				continue
			case <-c.Request.Context().Done():
				return
			}
		}
	}
}
