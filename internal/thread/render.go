// Package thread renders phase-tagged job status and keeps it in a single
// comment on a review thread.
package thread

import (
	"fmt"
	"strings"
	"time"
)

// Phase is a named point in a job's externally visible lifecycle.
type Phase int

const (
	PhasePending Phase = iota
	PhaseReceived
	PhaseStarted
	PhaseSuccess
	PhaseFailure

	phaseCount
)

type phaseStyle struct {
	name   string
	glyph  string
	status string
	final  bool
}

var phaseStyles = [...]phaseStyle{
	PhasePending:  {name: "pending", glyph: "⏳", status: "Waiting for task assignment"},
	PhaseReceived: {name: "received", glyph: "📥", status: "Task received"},
	PhaseStarted:  {name: "started", glyph: "⚡", status: "In progress"},
	PhaseSuccess:  {name: "success", glyph: "✅", status: "Success", final: true},
	PhaseFailure:  {name: "failure", glyph: "❌", status: "Failed", final: true},
}

// Fails to compile when a phase is added without a style.
var _ = [1]struct{}{}[len(phaseStyles)-int(phaseCount)]

func (p Phase) String() string {
	if p < 0 || p >= phaseCount {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return phaseStyles[p].name
}

func (p Phase) style() phaseStyle {
	if p < 0 || p >= phaseCount {
		return phaseStyle{name: p.String(), glyph: "❔", status: "Unknown status"}
	}
	return phaseStyles[p]
}

// Final reports whether the phase ends the comment's lifecycle.
func (p Phase) Final() bool {
	return p >= 0 && p < phaseCount && phaseStyles[p].final
}

// Message is the caller-supplied content of one phase update.
type Message struct {
	Text string
	// Inline shows Text without a collapsible block.
	Inline        bool
	AttachmentURL string
}

// View is everything the renderer needs for one body.
type View struct {
	Phase      Phase
	TaskName   string
	TaskID     string
	Message    Message
	RefreshURL string
}

// Renderer maps a View to a comment body. It makes no external calls.
type Renderer struct {
	Location *time.Location
	Now      func() time.Time
}

// NewRenderer builds a renderer stamping times in the named timezone.
func NewRenderer(timezone string) (Renderer, error) {
	loc := time.UTC
	if timezone != "" {
		l, err := time.LoadLocation(timezone)
		if err != nil {
			return Renderer{}, fmt.Errorf("load timezone %q: %w", timezone, err)
		}
		loc = l
	}
	return Renderer{Location: loc, Now: time.Now}, nil
}

// Render produces the comment body for v.
func (r Renderer) Render(v View) string {
	style := v.Phase.style()
	var b strings.Builder

	title := v.TaskName
	if title == "" {
		title = "Screening task"
	}
	fmt.Fprintf(&b, "### %s\n\n", title)
	b.WriteString("| Status | Task ID | Last updated |\n|---|---|---|\n")
	taskID := v.TaskID
	if taskID == "" {
		taskID = "unassigned"
	}
	fmt.Fprintf(&b, "| %s %s | `%s` | %s |\n\n", style.glyph, style.status, taskID, r.timestamp())
	b.WriteString(trail(v.Phase))
	b.WriteString("\n\n")

	if text := strings.TrimSpace(v.Message.Text); text != "" {
		if v.Message.Inline {
			b.WriteString(text)
			b.WriteString("\n\n")
		} else {
			fmt.Fprintf(&b, "<details><summary>Details</summary>\n\n%s\n\n</details>\n\n", text)
		}
	}
	if v.Message.AttachmentURL != "" {
		fmt.Fprintf(&b, "📄 [Full log](%s)\n\n", v.Message.AttachmentURL)
	}
	if !style.final && v.RefreshURL != "" {
		fmt.Fprintf(&b, "🔄 [Refresh](%s) to see the latest status.\n", v.RefreshURL)
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}

func (r Renderer) timestamp() string {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	loc := r.Location
	if loc == nil {
		loc = time.UTC
	}
	return now().In(loc).Format("2006-01-02 15:04:05 MST")
}

// trail lists the phases reached so far, ending at p.
func trail(p Phase) string {
	steps := []Phase{PhasePending, PhaseReceived, PhaseStarted}
	parts := make([]string, 0, len(steps)+1)
	for _, s := range steps {
		if s > p {
			break
		}
		parts = append(parts, phaseStyles[s].glyph)
	}
	if p.Final() {
		parts = append(parts, phaseStyles[p].glyph)
	}
	return strings.Join(parts, " → ")
}
