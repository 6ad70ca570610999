// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package prompt

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	questionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	detailStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	keyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	answerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46"))
)

// Terminal asks questions on a terminal through a bubbletea program. In and
// Out default to stdin and stderr.
type Terminal struct {
	In  io.Reader
	Out io.Writer
}

// Prompt runs the confirm dialog until the operator answers or ctx ends.
func (t *Terminal) Prompt(ctx context.Context, req Request) (Response, error) {
	in, out := t.In, t.Out
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stderr
	}

	p := tea.NewProgram(newConfirmModel(req),
		tea.WithContext(ctx),
		tea.WithInput(in),
		tea.WithOutput(out),
	)
	final, err := p.Run()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Response{}, ctxErr
		}
		return Response{}, fmt.Errorf("running prompt: %w", err)
	}

	m := final.(confirmModel)
	if !m.decided {
		return Response{Answer: req.Default, Defaulted: true}, nil
	}
	return Response{Answer: m.answer}, nil
}

// confirmModel is a single yes/no question. y and n answer, enter takes the
// default, esc and ctrl+c leave without an answer.
type confirmModel struct {
	req     Request
	answer  bool
	decided bool
	done    bool
}

func newConfirmModel(req Request) confirmModel {
	return confirmModel{req: req}
}

func (m confirmModel) Init() tea.Cmd { return nil }

func (m confirmModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	key, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}
	switch key.String() {
	case "y", "Y":
		m.answer, m.decided = true, true
	case "n", "N":
		m.answer, m.decided = false, true
	case "enter":
		m.answer, m.decided = m.req.Default, true
	case "esc", "ctrl+c", "q":
	default:
		return m, nil
	}
	m.done = true
	return m, tea.Quit
}

func (m confirmModel) View() string {
	var b strings.Builder
	b.WriteString(questionStyle.Render(m.req.Question))
	b.WriteString(" ")
	if m.req.Default {
		b.WriteString(keyStyle.Render("[Y/n]"))
	} else {
		b.WriteString(keyStyle.Render("[y/N]"))
	}
	b.WriteString("\n")
	if m.req.Detail != "" {
		b.WriteString(detailStyle.Render(m.req.Detail))
		b.WriteString("\n")
	}
	if m.done {
		switch {
		case !m.decided:
			b.WriteString(detailStyle.Render("skipped, using default"))
		case m.answer:
			b.WriteString(answerStyle.Render("yes"))
		default:
			b.WriteString(answerStyle.Render("no"))
		}
		b.WriteString("\n")
	}
	return b.String()
}
