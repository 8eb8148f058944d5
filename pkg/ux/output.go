// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ux renders finychat output for a terminal or a pipe.
package ux

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/AleutianAI/finychat/pkg/api"
)

// finychat palette
var (
	ColorAccent  = lipgloss.Color("#3DDC97") // green - assistant, success
	ColorPrimary = lipgloss.Color("#2FA37A") // titles
	ColorTool    = lipgloss.Color("#5FA8D3") // tool calls
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
	ColorMuted   = lipgloss.Color("#6C7A89")
)

// Styles provides pre-configured lipgloss styles
var Styles = struct {
	Title     lipgloss.Style
	Muted     lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Tool      lipgloss.Style
	Assistant lipgloss.Style
	User      lipgloss.Style

	AnswerBox lipgloss.Style
}{
	Title:     lipgloss.NewStyle().Bold(true).Foreground(ColorPrimary),
	Muted:     lipgloss.NewStyle().Foreground(ColorMuted),
	Success:   lipgloss.NewStyle().Foreground(ColorAccent),
	Warning:   lipgloss.NewStyle().Foreground(ColorWarning),
	Error:     lipgloss.NewStyle().Foreground(ColorError),
	Tool:      lipgloss.NewStyle().Foreground(ColorTool),
	Assistant: lipgloss.NewStyle().Bold(true).Foreground(ColorAccent),
	User:      lipgloss.NewStyle().Bold(true),

	AnswerBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorPrimary).
		Padding(0, 1),
}

// Icon provides status icons
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
	IconArrow   Icon = "→"
)

// Mode selects styled or plain output.
type Mode int

const (
	// ModeStyled uses colors, icons and boxes.
	ModeStyled Mode = iota

	// ModePlain writes unstyled, line-oriented text for pipes and scripts.
	ModePlain
)

// DetectMode returns ModeStyled when f is a terminal.
func DetectMode(f *os.File) Mode {
	if isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()) {
		return ModeStyled
	}
	return ModePlain
}

// DetectModeFor is DetectMode for any writer. Writers that are not files
// and forcePlain both give ModePlain.
func DetectModeFor(w io.Writer, forcePlain bool) Mode {
	f, ok := w.(*os.File)
	if forcePlain || !ok {
		return ModePlain
	}
	return DetectMode(f)
}

// Printer writes user-facing output.
type Printer struct {
	w    io.Writer
	mode Mode
}

// NewPrinter writes to w in mode.
func NewPrinter(w io.Writer, mode Mode) *Printer {
	return &Printer{w: w, mode: mode}
}

// Stdout is a Printer for os.Stdout with a detected mode.
func Stdout() *Printer {
	return NewPrinter(os.Stdout, DetectMode(os.Stdout))
}

// Mode returns the printer's mode.
func (p *Printer) Mode() Mode { return p.mode }

func (p *Printer) styled() bool { return p.mode == ModeStyled }

func (p *Printer) line(format string, args ...any) {
	fmt.Fprintf(p.w, format+"\n", args...)
}

// Title prints a styled title. Plain mode prints nothing.
func (p *Printer) Title(text string) {
	if !p.styled() {
		return
	}
	p.line("%s", Styles.Title.Render(text))
}

// Success prints a success message with a checkmark.
func (p *Printer) Success(text string) {
	if !p.styled() {
		p.line("OK: %s", text)
		return
	}
	p.line("%s %s", Styles.Success.Render(string(IconSuccess)), Styles.Success.Render(text))
}

// Warning prints a warning message.
func (p *Printer) Warning(text string) {
	if !p.styled() {
		p.line("WARN: %s", text)
		return
	}
	p.line("%s %s", Styles.Warning.Render(string(IconWarning)), Styles.Warning.Render(text))
}

// Error prints an error message.
func (p *Printer) Error(text string) {
	if !p.styled() {
		p.line("ERROR: %s", text)
		return
	}
	p.line("%s %s", Styles.Error.Render(string(IconError)), Styles.Error.Render(text))
}

// Info prints an informational line.
func (p *Printer) Info(text string) {
	if !p.styled() {
		p.line("%s", text)
		return
	}
	p.line("%s %s", Styles.Muted.Render("│"), text)
}

// Muted prints secondary text. Plain mode prints nothing.
func (p *Printer) Muted(text string) {
	if !p.styled() {
		return
	}
	p.line("%s", Styles.Muted.Render(text))
}

// Chats prints the conversation list, one per line.
func (p *Printer) Chats(chats []api.Chat) {
	if len(chats) == 0 {
		p.Muted("No conversations yet.")
		return
	}
	for _, c := range chats {
		updated := "-"
		if !c.UpdatedAt.IsZero() {
			updated = c.UpdatedAt.Local().Format("2006-01-02 15:04")
		}
		if !p.styled() {
			p.line("%s\t%s\t%s", c.ID, updated, c.Title)
			continue
		}
		p.line("%s  %s  %s", Styles.Muted.Render(c.ID), Styles.Muted.Render(updated), Styles.User.Render(c.Title))
	}
}

// truncate shortens s to n runes with an ellipsis.
func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
