// Copyright (C) 2025 The Verina Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/YangLi-leo/Verina/pkg/stream"
	"github.com/YangLi-leo/Verina/pkg/ux"
)

// errStreamFailed signals a failure the renderer already displayed.
var errStreamFailed = errors.New("stream failed")

func newController() *stream.Controller {
	return stream.NewController(stream.Config{
		BaseURL:     config.Backend.URL,
		IdleTimeout: time.Duration(config.Stream.IdleTimeoutSeconds) * time.Second,
	})
}

// runSearch streams answers for the given queries. A single query streams
// live to the terminal; multiple queries run concurrently on independent
// correlation keys and print in argument order once all are settled.
func runSearch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	ctrl := newController()
	defer ctrl.CancelAll()

	if len(args) == 1 {
		return searchLive(ctx, ctrl, args[0])
	}
	return searchBatch(ctx, ctrl, args)
}

func searchLive(ctx context.Context, ctrl *stream.Controller, query string) error {
	renderer := ux.NewTerminalRenderer(os.Stdout)
	defer renderer.Finalize()
	renderer.StartSpinner("Searching...")

	op := ctrl.StartSearch(ctx, "", stream.SearchRequest{
		Query:        query,
		DeepThinking: deepThinking,
	}, renderer.SearchCallbacks())

	<-op.Done()
	return settle(op)
}

func searchBatch(ctx context.Context, ctrl *stream.Controller, queries []string) error {
	buffers := make([]bytes.Buffer, len(queries))
	g, gctx := errgroup.WithContext(ctx)

	for i, query := range queries {
		renderer := ux.NewTerminalRenderer(&buffers[i])
		op := ctrl.StartSearch(gctx, "", stream.SearchRequest{
			Query:        query,
			DeepThinking: deepThinking,
		}, renderer.SearchCallbacks())

		g.Go(func() error {
			<-op.Done()
			renderer.Finalize()
			return settle(op)
		})
	}

	err := g.Wait()
	for i, query := range queries {
		ux.Title(query)
		fmt.Print(buffers[i].String())
		fmt.Println()
	}
	return err
}

// settle maps an operation's outcome to a command result. Cancellation is
// the user's own Ctrl+C and exits cleanly; real failures were already
// rendered, so only a terse marker is returned.
func settle(op *stream.Operation) error {
	err := op.Err()
	if err == nil || errors.Is(err, stream.ErrCancelled) {
		return nil
	}
	return errStreamFailed
}
