// Copyright (C) 2025 The Verina Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"github.com/spf13/cobra"

	"github.com/YangLi-leo/Verina/pkg/logging"
	"github.com/YangLi-leo/Verina/pkg/ux"
)

// --- Global Command Variables ---
var (
	configPath   string
	backendURL   string // CLI override for backend.url
	logLevel     string // CLI override for logging.level
	plainOutput  bool
	traceEnabled bool
	deepThinking bool
	agentMode    bool
	sessionID    string
	showThinking bool

	config Config
	logger *logging.Logger

	rootCmd = &cobra.Command{
		Use:   "verina",
		Short: "A cli for the Verina AI search and research assistant",
		Long: `Verina streams AI-generated search answers and research
conversations from a Verina backend to your terminal.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			config, err = loadConfig(configPath)
			if err != nil {
				return err
			}
			if backendURL != "" {
				config.Backend.URL = backendURL
			}
			if logLevel != "" {
				config.Logging.Level = logLevel
			}

			logger = logging.New(logging.Config{
				Level:   logging.ParseLevel(config.Logging.Level),
				LogDir:  config.Logging.Dir,
				Service: "cli",
				JSON:    config.Logging.JSON,
			})
			logger.Install()

			if plainOutput {
				ux.SetPlain(true)
			}
			if traceEnabled {
				return setupTracing()
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			shutdownTracing()
			if logger != nil {
				_ = logger.Close()
			}
		},
	}

	// --- Search ---
	searchCmd = &cobra.Command{
		Use:   "search [query...]",
		Short: "Stream an AI-generated answer for one or more search queries",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runSearch, // Defined in cmd_search.go
	}

	// --- Chat ---
	chatCmd = &cobra.Command{
		Use:   "chat [message]",
		Short: "Chat with the assistant, streaming one turn or an interactive session",
		RunE:  runChat, // Defined in cmd_chat.go
	}

	// --- History ---
	historyCmd = &cobra.Command{
		Use:   "history",
		Short: "Browse stored searches and conversations",
	}
	historySearchesCmd = &cobra.Command{
		Use:   "searches",
		Short: "List stored searches",
		RunE:  runHistorySearches, // Defined in cmd_history.go
	}
	historyShowCmd = &cobra.Command{
		Use:   "show [search_id]",
		Short: "Show a stored search record",
		Args:  cobra.ExactArgs(1),
		RunE:  runHistoryShow, // Defined in cmd_history.go
	}

	// --- Sessions ---
	sessionCmd = &cobra.Command{
		Use:   "session",
		Short: "Manage conversation sessions",
	}
	listSessionsCmd = &cobra.Command{
		Use:   "list",
		Short: "List all conversation sessions",
		RunE:  runListSessions, // Defined in cmd_history.go
	}
	showSessionCmd = &cobra.Command{
		Use:   "show [session_id]",
		Short: "Show the full conversation of a session",
		Args:  cobra.ExactArgs(1),
		RunE:  runShowSession, // Defined in cmd_history.go
	}
	deleteSessionCmd = &cobra.Command{
		Use:   "delete [session_id]",
		Short: "Delete a conversation session",
		Args:  cobra.ExactArgs(1),
		RunE:  runDeleteSession, // Defined in cmd_history.go
	}
	clearSessionCmd = &cobra.Command{
		Use:   "clear [session_id]",
		Short: "Clear a session's conversation but keep the session",
		Args:  cobra.ExactArgs(1),
		RunE:  runClearSession, // Defined in cmd_history.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Path to config file (default ~/.verina/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&backendURL, "backend", "",
		"Backend URL, overriding the config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&plainOutput, "plain", false,
		"Plain machine-friendly output, no colors or spinners")
	rootCmd.PersistentFlags().BoolVar(&traceEnabled, "trace", false,
		"Emit OpenTelemetry spans to stdout for debugging")

	searchCmd.Flags().BoolVar(&deepThinking, "deep", false,
		"Enable deep thinking mode for more thorough answers")

	chatCmd.Flags().BoolVar(&agentMode, "agent", false,
		"Agent mode: autonomous multi-step research with live stages")
	chatCmd.Flags().StringVar(&sessionID, "session", "",
		"Continue an existing session instead of starting a new one")
	chatCmd.Flags().BoolVar(&showThinking, "show-thinking", false,
		"Print agent thinking steps as they arrive")

	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(chatCmd)

	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historySearchesCmd)
	historyCmd.AddCommand(historyShowCmd)

	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(listSessionsCmd)
	sessionCmd.AddCommand(showSessionCmd)
	sessionCmd.AddCommand(deleteSessionCmd)
	sessionCmd.AddCommand(clearSessionCmd)
}
