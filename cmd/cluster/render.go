package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/benaskins/cluster/internal/supervisor"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	failStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// renderer prints reports as aligned text, coloured when writing to a
// terminal, or as JSON.
type renderer struct {
	w     io.Writer
	json  bool
	color bool
}

func newRenderer(w io.Writer, asJSON bool) *renderer {
	return &renderer{w: w, json: asJSON, color: isTerminal(w)}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func (r *renderer) Report(rep supervisor.Report) error {
	if r.json {
		enc := json.NewEncoder(r.w)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}

	for _, res := range rep.Results {
		if _, err := fmt.Fprintf(r.w, "%-5s %s: %s\n", res.Action, res.Service, r.outcome(res.Outcome)); err != nil {
			return err
		}
	}
	if len(rep.Statuses) > 0 {
		return r.statuses(rep.Statuses)
	}
	return nil
}

func (r *renderer) outcome(o supervisor.Outcome) string {
	switch o.Kind {
	case supervisor.Succeeded:
		return r.style(okStyle, "ok")
	case supervisor.AlreadySatisfied:
		return r.style(mutedStyle, "nothing to do")
	case supervisor.Skipped:
		return r.style(mutedStyle, "skipped")
	default:
		return r.style(failStyle, o.String())
	}
}

func (r *renderer) statuses(statuses []supervisor.Status) error {
	width := len("SERVICE")
	for _, st := range statuses {
		width = max(width, len(st.Name))
	}

	if _, err := fmt.Fprintf(r.w, "%-*s  %-7s  %-7s  %s\n", width, "SERVICE", "STATE", "PID", "PIDFILE"); err != nil {
		return err
	}
	for _, st := range statuses {
		state := r.style(failStyle, fmt.Sprintf("%-7s", "stopped"))
		if st.Alive {
			state = r.style(okStyle, fmt.Sprintf("%-7s", "running"))
		}
		pid := "-"
		if st.PID > 0 {
			pid = strconv.Itoa(st.PID)
			if !st.Alive {
				pid += "?"
			}
		}
		if _, err := fmt.Fprintf(r.w, "%-*s  %s  %-7s  %s\n", width, st.Name, state, pid, st.Pidfile); err != nil {
			return err
		}
	}
	return nil
}

func (r *renderer) style(s lipgloss.Style, text string) string {
	if !r.color {
		return text
	}
	return s.Render(text)
}
