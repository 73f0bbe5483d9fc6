package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"sigs.k8s.io/yaml"

	"github.com/timberline-dev/timberline/internal/lanes"
	"github.com/timberline-dev/timberline/internal/types"
	"github.com/timberline-dev/timberline/internal/view"
)

// EventsResult is the result of an events command.
type EventsResult struct {
	Namespace string      `json:"namespace,omitempty"`
	Total     int         `json:"total"`
	Events    []EventInfo `json:"events"`
}

// EventInfo is one event in command output.
type EventInfo struct {
	ID        string    `json:"id"`
	Time      time.Time `json:"time"`
	Source    string    `json:"source"`
	Lane      string    `json:"lane"`
	Operation string    `json:"operation,omitempty"`
	Type      string    `json:"type,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Health    string    `json:"health,omitempty"`
	Summary   string    `json:"summary,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// LanesResult is the result of the lanes and watch commands.
type LanesResult struct {
	Namespace string      `json:"namespace,omitempty"`
	Events    int         `json:"events"`
	Hidden    int         `json:"hidden"`
	FeedState string      `json:"feedState,omitempty"`
	Lanes     []LaneInfo  `json:"lanes"`
	Groups    []GroupInfo `json:"groups,omitempty"`
}

// LaneInfo is one lane and its nested lanes.
type LaneInfo struct {
	ID           string     `json:"id"`
	Kind         string     `json:"kind"`
	Namespace    string     `json:"namespace,omitempty"`
	Name         string     `json:"name"`
	Events       int        `json:"events"`
	Warnings     int        `json:"warnings,omitempty"`
	Health       string     `json:"health,omitempty"`
	LastActivity *time.Time `json:"lastActivity,omitempty"`
	LastReason   string     `json:"lastReason,omitempty"`
	Children     []LaneInfo `json:"children,omitempty"`
}

// GroupInfo summarizes one live feed group.
type GroupInfo struct {
	ID     string `json:"id"`
	Health string `json:"health"`
	Events int    `json:"events"`
	Lanes  int    `json:"lanes"`
}

func buildEventInfo(e types.Event) EventInfo {
	info := EventInfo{
		ID:      e.ID,
		Time:    e.Timestamp,
		Source:  string(e.Source),
		Lane:    e.AttachedLaneID().String(),
		Reason:  e.Reason,
		Message: e.Message,
	}
	if e.Change != nil {
		info.Operation = string(e.Change.Operation)
		info.Health = string(e.Change.Health)
		if e.Change.Diff != nil {
			info.Summary = e.Change.Diff.Summary
		}
	}
	if e.Native != nil {
		info.Type = string(e.Native.EventType)
	}
	return info
}

func buildEventsResult(namespace string, events []types.Event) EventsResult {
	r := EventsResult{Namespace: namespace, Total: len(events), Events: make([]EventInfo, 0, len(events))}
	for _, e := range events {
		r.Events = append(r.Events, buildEventInfo(e))
	}
	return r
}

func buildLaneInfo(l *lanes.Lane) LaneInfo {
	info := LaneInfo{
		ID:        l.ID.String(),
		Kind:      l.Resource.Kind,
		Namespace: l.Resource.Namespace,
		Name:      l.Resource.Name,
		Events:    len(l.Events),
		Health:    string(l.Health()),
	}
	for _, e := range l.Events {
		if e.IsWarning() {
			info.Warnings++
		}
	}
	if display := lanes.DisplayEvents(l); len(display) > 0 {
		last := display[0]
		ts := last.Timestamp
		info.LastActivity = &ts
		info.LastReason = last.Reason
		if info.LastReason == "" && last.Change != nil {
			info.LastReason = string(last.Change.Operation)
		}
	}
	for _, child := range l.Children {
		info.Children = append(info.Children, buildLaneInfo(child))
	}
	return info
}

func buildLanesResult(namespace string, snap *view.Snapshot) LanesResult {
	r := LanesResult{
		Namespace: namespace,
		Events:    snap.Events,
		Hidden:    snap.Hidden,
		FeedState: string(snap.FeedState),
		Lanes:     make([]LaneInfo, 0, len(snap.Roots)),
	}
	for _, root := range snap.Roots {
		r.Lanes = append(r.Lanes, buildLaneInfo(root))
	}
	for _, g := range snap.Groups {
		r.Groups = append(r.Groups, GroupInfo{
			ID:     g.ID,
			Health: string(g.Health),
			Events: g.EventCount,
			Lanes:  len(g.LaneIDs),
		})
	}
	return r
}

// outputResult writes the result in the specified format.
func outputResult(out io.Writer, result interface{}, format string) error {
	switch format {
	case "json":
		return outputJSON(out, result)
	case "yaml":
		return outputYAML(out, result)
	case "table", "":
		return outputTable(out, result)
	default:
		return fmt.Errorf("unknown output format %q: must be table, json or yaml", format)
	}
}

func outputJSON(out io.Writer, result interface{}) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

func outputYAML(out io.Writer, result interface{}) error {
	data, err := yaml.Marshal(result)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}

func outputTable(out io.Writer, result interface{}) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer w.Flush()

	switch r := result.(type) {
	case EventsResult:
		outputEventsTable(w, r)
	case LanesResult:
		outputLanesTable(w, r)
	default:
		// Fall back to JSON for unknown types
		return outputJSON(out, result)
	}
	return nil
}

func outputEventsTable(w *tabwriter.Writer, r EventsResult) {
	fmt.Fprintln(w, "TIME\tLANE\tSOURCE\tCHANGE\tHEALTH\tDETAIL")
	for _, e := range r.Events {
		change := e.Operation
		if change == "" {
			change = e.Type
		}
		detail := e.Summary
		if detail == "" {
			detail = strings.TrimSpace(e.Reason + " " + e.Message)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Time.Local().Format(time.DateTime), e.Lane, e.Source, change, dash(e.Health), truncate(detail, 80))
	}
	fmt.Fprintf(w, "\nTOTAL\t%d\n", r.Total)
}

func outputLanesTable(w *tabwriter.Writer, r LanesResult) {
	if len(r.Groups) > 0 {
		fmt.Fprintln(w, "GROUP\tHEALTH\tEVENTS\tLANES")
		for _, g := range r.Groups {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", g.ID, g.Health, g.Events, g.Lanes)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, "LANE\tEVENTS\tWARNINGS\tHEALTH\tLAST")
	for _, l := range r.Lanes {
		writeLaneRow(w, l, 0)
	}
	fmt.Fprintf(w, "\nEVENTS\t%d\n", r.Events)
	if r.Hidden > 0 {
		fmt.Fprintf(w, "HIDDEN\t%d\n", r.Hidden)
	}
}

func writeLaneRow(w *tabwriter.Writer, l LaneInfo, depth int) {
	name := l.Kind + "/" + l.Name
	if depth == 0 && l.Namespace != "" {
		name = l.Namespace + "/" + name
	}
	last := "-"
	if l.LastActivity != nil {
		last = l.LastActivity.Local().Format(time.TimeOnly)
		if l.LastReason != "" {
			last += " " + l.LastReason
		}
	}
	fmt.Fprintf(w, "%s%s\t%d\t%d\t%s\t%s\n",
		strings.Repeat("  ", depth), name, l.Events, l.Warnings, dash(l.Health), last)
	for _, child := range l.Children {
		writeLaneRow(w, child, depth+1)
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
