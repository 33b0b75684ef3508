// Copyright (C) 2025 The Verina Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/YangLi-leo/Verina/pkg/stream"
	"github.com/YangLi-leo/Verina/pkg/ux"
)

func newHistoryClient() *stream.HistoryClient {
	return stream.NewHistoryClient(config.Backend.URL, nil)
}

func runHistorySearches(cmd *cobra.Command, args []string) error {
	entries, err := newHistoryClient().SearchHistory(cmd.Context())
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		ux.Muted("No stored searches.")
		return nil
	}

	for _, e := range entries {
		name := e.DisplayName
		if name == "" {
			name = e.Query
		}
		fmt.Printf("%s  %s\n", ux.Styles.Bold.Render(e.SearchID), name)
		if e.Timestamp != "" {
			ux.Muted("    " + e.Timestamp)
		}
	}
	return nil
}

func runHistoryShow(cmd *cobra.Command, args []string) error {
	record, err := newHistoryClient().SearchRecord(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	ux.Title(record.OriginalQuery)
	if record.Answer != "" {
		fmt.Println(record.Answer)
	}
	return nil
}

func runListSessions(cmd *cobra.Command, args []string) error {
	sessions, err := newHistoryClient().ChatSessions(cmd.Context())
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		ux.Muted("No conversation sessions.")
		return nil
	}

	for _, s := range sessions {
		name := s.DisplayName
		if name == "" {
			name = s.FirstMessage
		}
		fmt.Printf("%s  %s\n", ux.Styles.Bold.Render(s.SessionID), name)
		ux.Muted(fmt.Sprintf("    %d messages, updated %s", s.MessageCount, s.UpdatedAt))
	}
	return nil
}

func runShowSession(cmd *cobra.Command, args []string) error {
	conv, err := newHistoryClient().ChatSession(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	for _, ex := range conv.Responses {
		fmt.Printf("%s %s\n", ux.Styles.Subtitle.Render("you:"), ex.UserMessage)
		fmt.Printf("%s\n\n", ex.AssistantMessage)
	}
	ux.Muted(fmt.Sprintf("%d messages in session %s", conv.TotalMessages, conv.SessionID))
	return nil
}

func runDeleteSession(cmd *cobra.Command, args []string) error {
	if err := newHistoryClient().DeleteSession(cmd.Context(), args[0]); err != nil {
		return err
	}
	ux.Success("Session deleted.")
	return nil
}

func runClearSession(cmd *cobra.Command, args []string) error {
	if err := newHistoryClient().ClearSession(cmd.Context(), args[0]); err != nil {
		return err
	}
	ux.Success("Session cleared.")
	return nil
}
