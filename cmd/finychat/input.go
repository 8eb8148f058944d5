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
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
)

const (
	promptText      = "you> "
	inputCharLimit  = 8192
	inputHistoryCap = 100
)

// lineReader reads one line of user input per call. io.EOF ends the
// session.
type lineReader interface {
	ReadLine() (string, error)
}

// newLineReader returns an editing reader with history on a terminal and
// a plain line reader otherwise (pipes, CI).
func newLineReader(in *os.File, out io.Writer) lineReader {
	if !isatty.IsTerminal(in.Fd()) && !isatty.IsCygwinTerminal(in.Fd()) {
		return &plainReader{r: bufio.NewReader(in)}
	}
	return &terminalReader{in: in, out: out, maxHistory: inputHistoryCap}
}

// plainReader reads newline-terminated lines.
type plainReader struct {
	r *bufio.Reader
}

func (p *plainReader) ReadLine() (string, error) {
	line, err := p.r.ReadString('\n')
	if err != nil {
		// Deliver a final unterminated line before EOF.
		if err == io.EOF && strings.TrimSpace(line) != "" {
			return strings.TrimSpace(line), nil
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// terminalReader runs a one-line bubbletea program per ReadLine.
//
// Keys: Enter submits, Up/Down walk history, Ctrl+C clears the line and
// Ctrl+D on an empty line returns io.EOF.
type terminalReader struct {
	in         *os.File
	out        io.Writer
	history    []string
	maxHistory int
}

func (r *terminalReader) ReadLine() (string, error) {
	ti := textinput.New()
	ti.Prompt = promptText
	ti.CharLimit = inputCharLimit
	ti.Width = 80
	ti.Focus()

	final, err := tea.NewProgram(
		promptModel{input: ti, history: r.history, cursor: -1},
		tea.WithInput(r.in),
		tea.WithOutput(r.out),
	).Run()
	if err != nil {
		return "", fmt.Errorf("read input: %w", err)
	}
	m, ok := final.(promptModel)
	if !ok {
		return "", fmt.Errorf("read input: unexpected model %T", final)
	}
	if m.eof {
		return "", io.EOF
	}

	line := strings.TrimSpace(m.input.Value())
	if line != "" {
		r.remember(line)
	}
	return line, nil
}

func (r *terminalReader) remember(line string) {
	if n := len(r.history); n > 0 && r.history[n-1] == line {
		return
	}
	r.history = append(r.history, line)
	if len(r.history) > r.maxHistory {
		r.history = r.history[1:]
	}
}

// promptModel is the bubbletea model behind terminalReader.
type promptModel struct {
	input   textinput.Model
	history []string
	cursor  int    // -1 when editing a fresh line
	draft   string // the fresh line while browsing history
	done    bool
	eof     bool
}

func (m promptModel) Init() tea.Cmd { return textinput.Blink }

func (m promptModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	key, ok := msg.(tea.KeyMsg)
	if !ok {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}

	switch key.Type {
	case tea.KeyEnter:
		m.done = true
		return m, tea.Quit
	case tea.KeyCtrlC:
		m.input.SetValue("")
		m.done = true
		return m, tea.Quit
	case tea.KeyCtrlD:
		if m.input.Value() == "" {
			m.eof = true
			m.done = true
			return m, tea.Quit
		}
		return m, nil
	case tea.KeyUp:
		if len(m.history) == 0 {
			return m, nil
		}
		switch {
		case m.cursor == -1:
			m.draft = m.input.Value()
			m.cursor = len(m.history) - 1
		case m.cursor > 0:
			m.cursor--
		}
		m.input.SetValue(m.history[m.cursor])
		m.input.CursorEnd()
		return m, nil
	case tea.KeyDown:
		if m.cursor == -1 {
			return m, nil
		}
		if m.cursor < len(m.history)-1 {
			m.cursor++
			m.input.SetValue(m.history[m.cursor])
		} else {
			m.cursor = -1
			m.input.SetValue(m.draft)
		}
		m.input.CursorEnd()
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m promptModel) View() string {
	if m.done {
		return ""
	}
	return m.input.View()
}
