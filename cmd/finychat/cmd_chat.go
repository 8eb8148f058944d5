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
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/finychat/pkg/api"
	"github.com/AleutianAI/finychat/pkg/chat"
	"github.com/AleutianAI/finychat/pkg/logging"
	"github.com/AleutianAI/finychat/pkg/session"
	"github.com/AleutianAI/finychat/pkg/ux"
)

const chatHelp = `/new          start a new conversation
/list         list conversations
/open <id>    continue a stored conversation
/delete <id>  delete a conversation
/quit         leave`

func runChatCommand(cmd *cobra.Command, args []string) error {
	a, err := newApp(cfg, cmd.OutOrStdout(), conversation)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// First Ctrl+C stops a streaming reply; otherwise it ends the session.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for {
			select {
			case sig := <-sigCh:
				if sig == os.Interrupt && a.session.Stop() {
					continue
				}
				cancel()
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	runner := &chatRunner{
		session: a.session,
		index:   a.index,
		printer: a.printer,
		logger:  a.logger,
	}

	if len(args) > 0 {
		return runner.send(ctx, strings.Join(args, " "))
	}

	runner.input = newLineReader(os.Stdin, cmd.ErrOrStderr())
	if conversation != "" {
		if err := runner.open(ctx, conversation); err != nil {
			return err
		}
	}
	return runner.Run(ctx)
}

// chatRunner drives the interactive loop over a session.
type chatRunner struct {
	session conversationSession
	index   chatLister
	printer *ux.Printer
	input   lineReader
	logger  *logging.Logger
}

// conversationSession is the part of session.Controller the runner uses.
type conversationSession interface {
	Send(ctx context.Context, text string) error
	Snapshot() session.View
	Subscribe() (<-chan chat.Snapshot, func())
	StartNewConversation() error
	SelectConversation(ctx context.Context, chatID string) error
	DeleteConversation(ctx context.Context, chatID string) error
}

// chatLister is the part of conversations.Index the runner uses.
type chatLister interface {
	Refresh(ctx context.Context) error
	List() []api.Chat
}

// Run reads lines until /quit, EOF or ctx cancellation.
func (r *chatRunner) Run(ctx context.Context) error {
	r.printer.Title("finychat")
	r.printer.Muted("Type a question, or /help for commands. Ctrl+C stops a reply.")

	for {
		line, err := readLine(ctx, r.input)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if line == "" {
			continue
		}

		if name, arg, ok := parseCommand(line); ok {
			quit, err := r.command(ctx, name, arg)
			if err != nil {
				r.printer.Error(err.Error())
			}
			if quit {
				return nil
			}
			continue
		}

		// Failures are already in the transcript's error slot.
		if err := r.send(ctx, line); err != nil {
			r.logger.Debug("send ended with error", "error", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// send runs one turn and prints its progress as events arrive.
func (r *chatRunner) send(ctx context.Context, text string) error {
	follower := ux.NewFollower(r.printer, r.session.Snapshot().State.Transcript.Len())

	updates, unsubscribe := r.session.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for snap := range updates {
			follower.Observe(snap.State)
		}
	}()

	err := r.session.Send(ctx, text)
	unsubscribe()
	<-done
	view := r.session.Snapshot()
	follower.Observe(view.State)
	if view.Status == session.StatusCancelled {
		r.printer.Warning("Reply stopped.")
	}
	return err
}

func (r *chatRunner) command(ctx context.Context, name, arg string) (quit bool, err error) {
	switch name {
	case "quit", "exit":
		return true, nil
	case "help":
		r.printer.Info(chatHelp)
	case "new":
		if err := r.session.StartNewConversation(); err != nil {
			return false, err
		}
		r.printer.Success("Started a new conversation.")
	case "list":
		if err := r.index.Refresh(ctx); err != nil {
			return false, fmt.Errorf("could not load conversations: %w", err)
		}
		chats := r.index.List()
		if len(chats) == 0 {
			r.printer.Info("No conversations yet.")
			return false, nil
		}
		r.printer.Chats(chats)
	case "open":
		if arg == "" {
			return false, errors.New("usage: /open <id>")
		}
		return false, r.open(ctx, arg)
	case "delete":
		if arg == "" {
			return false, errors.New("usage: /delete <id>")
		}
		if err := r.session.DeleteConversation(ctx, arg); err != nil {
			return false, err
		}
		r.printer.Success("Deleted " + arg + ".")
	default:
		r.printer.Warning("Unknown command /" + name + ". Try /help.")
	}
	return false, nil
}

func (r *chatRunner) open(ctx context.Context, chatID string) error {
	if err := r.session.SelectConversation(ctx, chatID); err != nil {
		return err
	}
	r.printer.Transcript(r.session.Snapshot().State)
	return nil
}

// parseCommand splits "/name arg" lines. Plain text is not a command.
func parseCommand(line string) (name, arg string, ok bool) {
	if !strings.HasPrefix(line, "/") {
		return "", "", false
	}
	name, arg, _ = strings.Cut(strings.TrimPrefix(line, "/"), " ")
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return "", "", false
	}
	return name, strings.TrimSpace(arg), true
}

// readLine lets ctx cancellation interrupt a blocked read. The abandoned
// read finishes in the background when input arrives or the process exits.
func readLine(ctx context.Context, in lineReader) (string, error) {
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := in.ReadLine()
		ch <- result{line, err}
	}()
	select {
	case res := <-ch:
		return res.line, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
