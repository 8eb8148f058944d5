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
	"github.com/spf13/cobra"

	"github.com/AleutianAI/finychat/cmd/finychat/config"
)

// --- Global Command Variables ---
var (
	configPath   string
	baseURLFlag  string
	logLevelFlag string
	plainOutput  bool
	assumeYes    bool
	conversation string
	mockAddr     string
	mockToken    string
	mockDelay    string

	// cfg is populated by PersistentPreRunE.
	cfg config.FinychatConfig

	rootCmd = &cobra.Command{
		Use:   "finychat",
		Short: "Chat with your finances from the terminal",
		Long: `finychat talks to a finychat backend: it streams assistant replies,
shows the tools the assistant runs and keeps your conversation list.`,
		SilenceUsage:      true,
		PersistentPreRunE: loadConfig,
	}

	chatCmd = &cobra.Command{
		Use:   "chat [message]",
		Short: "Start an interactive chat, or send one message and exit",
		Long: `Without arguments, opens an interactive session. Commands inside the session:
  /new            start a new conversation
  /list           list conversations
  /open <id>      continue a stored conversation
  /delete <id>    delete a conversation
  /quit           leave
Ctrl+C while a reply is streaming stops the reply.`,
		RunE: runChatCommand, // Defined in cmd_chat.go
	}

	conversationsCmd = &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv"},
		Short:   "Manage stored conversations",
	}
	conversationsListCmd = &cobra.Command{
		Use:   "list",
		Short: "List conversations, most recently updated first",
		Args:  cobra.NoArgs,
		RunE:  runConversationsList, // Defined in cmd_conversations.go
	}
	conversationsDeleteCmd = &cobra.Command{
		Use:   "delete [id]",
		Short: "Delete a conversation and its messages",
		Args:  cobra.ExactArgs(1),
		RunE:  runConversationsDelete,
	}

	historyCmd = &cobra.Command{
		Use:   "history [id]",
		Short: "Print a stored conversation",
		Args:  cobra.ExactArgs(1),
		RunE:  runHistory, // Defined in cmd_conversations.go
	}

	mockServerCmd = &cobra.Command{
		Use:   "mock-server",
		Short: "Run an in-memory backend that streams scripted replies",
		Args:  cobra.NoArgs,
		RunE:  runMockServer, // Defined in cmd_mockserver.go
		// The mock server needs no client config.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.finychat/finychat.yaml)")
	rootCmd.PersistentFlags().StringVar(&baseURLFlag, "base-url", "", "backend URL, overrides the config file")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "debug, info, warn or error")
	rootCmd.PersistentFlags().BoolVar(&plainOutput, "plain", false, "disable colors and boxes")

	chatCmd.Flags().StringVarP(&conversation, "conversation", "c", "", "continue the conversation with this id")
	conversationsDeleteCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "do not ask for confirmation")

	mockServerCmd.Flags().StringVar(&mockAddr, "addr", "127.0.0.1:8000", "listen address")
	mockServerCmd.Flags().StringVar(&mockToken, "token", "", "require this bearer token")
	mockServerCmd.Flags().StringVar(&mockDelay, "event-delay", "300ms", "pause between streamed events")

	conversationsCmd.AddCommand(conversationsListCmd, conversationsDeleteCmd)
	rootCmd.AddCommand(chatCmd, conversationsCmd, historyCmd, mockServerCmd)
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	path := configPath
	if path == "" {
		var err error
		if path, err = config.DefaultPath(); err != nil {
			return err
		}
	}
	loaded, err := config.Load(path)
	if err != nil {
		return err
	}
	if baseURLFlag != "" {
		loaded.BaseURL = baseURLFlag
	}
	if logLevelFlag != "" {
		loaded.Log.Level = logLevelFlag
	}
	if err := loaded.Validate(); err != nil {
		return err
	}
	cfg = loaded
	return nil
}
