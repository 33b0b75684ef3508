// Copyright (C) 2025 The Verina Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/YangLi-leo/Verina/pkg/stream"
	"github.com/YangLi-leo/Verina/pkg/ux"
)

// runChat streams one turn when a message argument is given, otherwise
// drops into an interactive loop. Turns are single-flight: starting a new
// one cancels whatever turn is still streaming.
func runChat(cmd *cobra.Command, args []string) error {
	ctrl := newControllerForChat()
	defer ctrl.CancelAll()

	if len(args) > 0 {
		return chatTurn(cmd.Context(), ctrl, strings.Join(args, " "))
	}
	return chatLoop(cmd.Context(), ctrl)
}

// activeRenderer receives the research stage ticks of the turn currently on
// screen. Exactly one turn renders at a time in the CLI; the tick goroutine
// reads it concurrently, hence the atomic.
var activeRenderer atomic.Pointer[ux.TerminalRenderer]

func newControllerForChat() *stream.Controller {
	return stream.NewController(stream.Config{
		BaseURL:     config.Backend.URL,
		IdleTimeout: time.Duration(config.Stream.IdleTimeoutSeconds) * time.Second,
		OnStageTick: func(elapsed int) {
			if r := activeRenderer.Load(); r != nil {
				r.StageTick(elapsed)
			}
		},
	})
}

func chatMode() string {
	if agentMode {
		return "agent"
	}
	return "chat"
}

// chatTurn runs a single turn and waits for it to settle. Ctrl+C cancels
// the turn instead of killing the process mid-stream.
func chatTurn(ctx context.Context, ctrl *stream.Controller, message string) error {
	renderer := ux.NewTerminalRenderer(os.Stdout)
	renderer.ShowThinking = showThinking
	defer renderer.Finalize()
	activeRenderer.Store(renderer)
	defer activeRenderer.Store(nil)

	if agentMode {
		renderer.StartSpinner("Planning...")
	} else {
		renderer.StartSpinner("Thinking...")
	}

	op := ctrl.StartChat(ctx, "", stream.ChatRequest{
		Message:   message,
		SessionID: sessionID,
		Mode:      chatMode(),
	}, renderer.ChatCallbacks())

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	defer signal.Stop(interrupt)

	select {
	case <-op.Done():
	case <-interrupt:
		ctrl.Cancel(op.Key())
		<-op.Done()
	}

	// Carry the server-assigned session into the next turn.
	if id := renderer.Result().SessionID; id != "" {
		sessionID = id
	}
	return settle(op)
}

// chatLoop reads messages from stdin until /exit or EOF.
func chatLoop(ctx context.Context, ctrl *stream.Controller) error {
	ux.Title("Verina chat")
	ux.Muted("Type a message, /new for a fresh session, /exit to quit.")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/exit" || line == "/quit":
			return nil
		case line == "/new":
			sessionID = ""
			ux.Muted("Started a new session.")
			continue
		case strings.HasPrefix(line, "/switch "):
			sessionID = strings.TrimSpace(strings.TrimPrefix(line, "/switch "))
			ux.Muted("Switched to session " + sessionID + ".")
			continue
		}

		if err := chatTurn(ctx, ctrl, line); err != nil {
			// Already rendered; keep the loop alive for the next message.
			continue
		}
	}
}
