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

	"github.com/charmbracelet/huh"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/finychat/pkg/conversations"
)

func runConversationsList(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cfg, cmd.OutOrStdout(), "")
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.index.Refresh(cmd.Context()); err != nil {
		return fmt.Errorf("list conversations: %w", err)
	}
	chats := a.index.List()
	if len(chats) == 0 {
		a.printer.Info("No conversations yet.")
		return nil
	}
	a.printer.Chats(chats)
	return nil
}

func runConversationsDelete(cmd *cobra.Command, args []string) error {
	chatID := args[0]
	a, err := newApp(cfg, cmd.OutOrStdout(), "")
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	title := chatID
	if err := a.index.Refresh(ctx); err == nil {
		chat, err := a.index.Get(chatID)
		if errors.Is(err, conversations.ErrNotFound) {
			return fmt.Errorf("conversation %q not found", chatID)
		}
		if chat.Title != "" {
			title = chat.Title
		}
	}

	if !assumeYes && isatty.IsTerminal(os.Stdin.Fd()) {
		confirmed, err := confirm(fmt.Sprintf("Delete %q and all its messages?", title))
		if err != nil {
			return err
		}
		if !confirmed {
			a.printer.Info("Nothing deleted.")
			return nil
		}
	}

	if err := a.session.DeleteConversation(ctx, chatID); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	a.printer.Success("Deleted " + title + ".")
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	a, err := newApp(cfg, cmd.OutOrStdout(), "")
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.session.SelectConversation(cmd.Context(), args[0]); err != nil {
		return err
	}
	state := a.session.Snapshot().State
	if state.Transcript.Len() == 0 {
		a.printer.Info("This conversation has no messages.")
		return nil
	}
	a.printer.Transcript(state)
	return nil
}

// confirm asks a yes/no question. Aborting the form counts as no.
func confirm(question string) (bool, error) {
	var ok bool
	err := huh.NewConfirm().
		Title(question).
		Affirmative("Delete").
		Negative("Cancel").
		Value(&ok).
		Run()
	if errors.Is(err, huh.ErrUserAborted) {
		return false, nil
	}
	return ok, err
}
