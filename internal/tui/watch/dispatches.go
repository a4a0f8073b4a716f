package watch

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/dmarsh/gaffer/internal/events"
)

// DispatchState tracks a single dispatch observed on the event stream.
type DispatchState struct {
	ID        string
	Worker    string
	Status    string
	Reason    string
	Items     int
	Records   int
	StartTime time.Time
	EndTime   time.Time
}

// maxTrackedDispatches bounds how many terminated dispatches we keep around.
const maxTrackedDispatches = 100

// updateDispatchState processes one event and updates dispatch tracking.
func updateDispatchState(dispatches map[string]*DispatchState, e events.Event) {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	dispatchID, _ := data["dispatch_id"].(string)
	if dispatchID == "" {
		return
	}

	switch e.Type {
	case events.TypeDispatchLaunched:
		d, ok := dispatches[dispatchID]
		if !ok {
			d = &DispatchState{ID: dispatchID, StartTime: time.Now()}
			dispatches[dispatchID] = d
		}
		if worker, ok := data["worker"].(string); ok {
			d.Worker = worker
		}
		if items, ok := data["items"].(float64); ok {
			d.Items = int(items)
		}
		d.Status = "running"

	case events.TypeDispatchCompleted:
		d, ok := dispatches[dispatchID]
		if !ok {
			return
		}
		d.Status = "completed"
		if records, ok := data["records"].(float64); ok {
			d.Records = int(records)
		}
		d.EndTime = time.Now()

	case events.TypeDispatchFailed:
		d, ok := dispatches[dispatchID]
		if !ok {
			return
		}
		if reason, ok := data["reason"].(string); ok {
			d.Reason = reason
		}
		switch d.Reason {
		case "timeout":
			d.Status = "timed_out"
		case "cancelled":
			d.Status = "cancelled"
		default:
			d.Status = "failed"
		}
		d.EndTime = time.Now()
	}

	pruneDispatches(dispatches)
}

// pruneDispatches drops the oldest terminated dispatches once the map
// grows past the tracking bound. Running dispatches are never dropped.
func pruneDispatches(dispatches map[string]*DispatchState) {
	if len(dispatches) <= maxTrackedDispatches {
		return
	}
	terminated := make([]*DispatchState, 0, len(dispatches))
	for _, d := range dispatches {
		if d.Status != "running" {
			terminated = append(terminated, d)
		}
	}
	sort.Slice(terminated, func(i, j int) bool { return terminated[i].EndTime.Before(terminated[j].EndTime) })
	for _, d := range terminated {
		if len(dispatches) <= maxTrackedDispatches {
			break
		}
		delete(dispatches, d.ID)
	}
}

// sortedDispatches returns dispatches newest first.
func sortedDispatches(dispatches map[string]*DispatchState) []*DispatchState {
	out := make([]*DispatchState, 0, len(dispatches))
	for _, d := range dispatches {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	return out
}

func newDispatchTable() table.Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Worker", Width: 20},
			{Title: "ID", Width: 10},
			{Title: "Items", Width: 5},
			{Title: "Status", Width: 10},
			{Title: "Duration", Width: 10},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	return t
}

func dispatchRows(dispatches map[string]*DispatchState) []table.Row {
	sorted := sortedDispatches(dispatches)

	rows := make([]table.Row, 0, len(sorted))
	for _, d := range sorted {
		id := d.ID
		if len(id) > 8 {
			id = id[:8]
		}

		var icon string
		switch d.Status {
		case "running":
			icon = "▶"
		case "completed":
			icon = "✓"
		default:
			icon = "✗"
		}

		status := d.Status
		if d.Reason != "" && d.Status == "failed" {
			status = fmt.Sprintf("%s/%s", d.Status, d.Reason)
		}

		var duration string
		switch {
		case d.StartTime.IsZero():
			duration = "-"
		case d.EndTime.IsZero():
			duration = time.Since(d.StartTime).Round(time.Second).String()
		default:
			duration = d.EndTime.Sub(d.StartTime).Round(time.Millisecond).String()
		}

		rows = append(rows, table.Row{
			icon,
			d.Worker,
			id,
			fmt.Sprintf("%d", d.Items),
			status,
			duration,
		})
	}
	return rows
}

func renderDispatches(t table.Model, dispatches map[string]*DispatchState, theme Theme, width int) string {
	innerWidth := width - 4

	if len(dispatches) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("DISPATCHES"),
			theme.Dim.Render("  No dispatch activity yet..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("DISPATCHES"),
		t.View(),
	)
	return theme.Border.Width(innerWidth).Render(content)
}
