// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/AleutianAI/finychat/pkg/chat"
)

const maxToolTextRunes = 80

// Message prints one transcript entry in full.
func (p *Printer) Message(m chat.Message) {
	switch m.Role {
	case chat.RoleUser:
		if p.styled() {
			p.line("%s %s", Styles.User.Render("you:"), m.Text())
		} else {
			p.line("user: %s", m.Text())
		}
	case chat.RoleAssistant:
		for _, tc := range m.ToolCalls {
			p.toolCall(tc)
			if !tc.Pending() {
				p.toolResult(tc)
			}
		}
		if m.Text() != "" {
			p.answer(m.Text())
		}
	}
}

// Transcript prints every message of s.
func (p *Printer) Transcript(s chat.State) {
	for _, m := range s.Messages() {
		p.Message(m)
	}
	if s.Err != "" {
		p.Error(s.Err)
	}
}

func (p *Printer) toolCall(tc chat.ToolCall) {
	args := formatArgs(tc.Arguments)
	if !p.styled() {
		p.line("tool: %s(%s)", tc.Name, args)
		return
	}
	p.line("  %s %s", Styles.Tool.Render(string(IconArrow)), Styles.Tool.Render(fmt.Sprintf("%s(%s)", tc.Name, args)))
}

func (p *Printer) toolResult(tc chat.ToolCall) {
	result := truncate(*tc.Result, maxToolTextRunes)
	if !p.styled() {
		p.line("result: %s: %s", tc.Name, result)
		return
	}
	p.line("  %s %s", Styles.Success.Render(string(IconSuccess)), Styles.Muted.Render(tc.Name+": "+result))
}

func (p *Printer) answer(text string) {
	if !p.styled() {
		p.line("assistant: %s", text)
		return
	}
	p.line("%s", Styles.AnswerBox.Render(Styles.Assistant.Render("finychat")+"\n"+text))
}

func formatArgs(args map[string]any) string {
	if len(args) == 0 {
		return ""
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "…"
	}
	return truncate(string(data), maxToolTextRunes)
}

// =============================================================================
// Follower
// =============================================================================

// Follower prints what changed between successive states of a streaming
// turn: new tool calls, tool results, the final answer and errors. User
// messages are not echoed.
//
// Not safe for concurrent use; feed it from one goroutine.
type Follower struct {
	p    *Printer
	from int

	calls   map[int]int
	results map[int][]bool
	content map[int]bool
	lastErr string
}

// NewFollower follows messages at index from and later. Earlier messages
// are treated as already printed.
func NewFollower(p *Printer, from int) *Follower {
	return &Follower{
		p:       p,
		from:    from,
		calls:   make(map[int]int),
		results: make(map[int][]bool),
		content: make(map[int]bool),
	}
}

// Observe prints the difference between the last observed state and s.
func (f *Follower) Observe(s chat.State) {
	msgs := s.Messages()
	for i := f.from; i < len(msgs); i++ {
		m := msgs[i]
		if m.Role != chat.RoleAssistant {
			continue
		}

		done := f.results[i]
		for j, tc := range m.ToolCalls {
			if j >= f.calls[i] {
				f.p.toolCall(tc)
				f.calls[i] = j + 1
			}
			if j >= len(done) {
				done = append(done, false)
			}
			if !tc.Pending() && !done[j] {
				f.p.toolResult(tc)
				done[j] = true
			}
		}
		f.results[i] = slices.Clip(done)

		if !f.content[i] && m.Text() != "" {
			f.p.answer(m.Text())
			f.content[i] = true
		}
	}

	if s.Err != "" && s.Err != f.lastErr {
		f.p.Error(s.Err)
	}
	f.lastErr = s.Err
}
