package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"agentlink/internal/agent"
	"agentlink/internal/apiclient"
	"agentlink/internal/domain"
	"agentlink/internal/messaging/endpoint"
	"agentlink/internal/orchestrator"
)

func main() {
	addr := flag.String("addr", "http://127.0.0.1:8787", "orchestrator base URL")
	interval := flag.Duration("interval", 2*time.Second, "refresh interval")
	flag.Parse()

	c := apiclient.New(*addr)
	ctx := context.Background()
	if err := c.WaitHealthy(ctx, 30*time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator health check failed: %v\n", err)
		os.Exit(1)
	}

	app := tview.NewApplication()
	tasksTable := tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false)
	tasksTable.SetTitle("Tasks (Enter inspect, Ctrl+X cancel, F5 refresh, F10 quit)").SetBorder(true)

	detailView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(true)
	detailView.SetTitle("Task").SetBorder(true)

	decisionsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	decisionsView.SetTitle("Decisions").SetBorder(true)

	agentsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	agentsView.SetTitle("Agents").SetBorder(true)

	promptInput := tview.NewInputField().
		SetLabel("Goal -> Coordinator: ")
	promptInput.SetBorder(true).SetTitle("Enter = create, decompose and schedule")

	statusView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	statusView.SetBorder(true).SetTitle("Status")
	statusView.SetText(fmt.Sprintf(
		"Connected to %s | shortcuts: F10 quit, F5 refresh, Ctrl+L focus prompt, Ctrl+T focus tasks",
		c.BaseURL(),
	))

	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(detailView, 0, 3, false).
		AddItem(agentsView, 9, 0, false).
		AddItem(decisionsView, 0, 2, false)

	mainLayout := tview.NewFlex().
		AddItem(tasksTable, 0, 1, false).
		AddItem(right, 0, 2, false)

	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(mainLayout, 0, 12, false).
		AddItem(promptInput, 3, 0, true).
		AddItem(statusView, 3, 0, false)

	var selectedTaskID string
	var lastTasks []orchestrator.TaskView
	var detailsVersion uint64

	setStatusUI := func(msg string) {
		statusView.SetText(msg)
	}
	setStatusAsync := func(msg string) {
		app.QueueUpdateDraw(func() {
			statusView.SetText(msg)
		})
	}

	refreshTasks := func() {
		tasks, err := c.Tasks(ctx, "")
		if err != nil {
			app.QueueUpdateDraw(func() {
				tasksTable.Clear()
				tasksTable.SetCell(0, 0, tview.NewTableCell(fmt.Sprintf("load error: %v", err)).SetTextColor(tview.Styles.ContrastSecondaryTextColor))
			})
			return
		}
		sort.SliceStable(tasks, func(i, j int) bool {
			return tasks[i].UpdatedAt.After(tasks[j].UpdatedAt)
		})
		lastTasks = tasks
		app.QueueUpdateDraw(func() {
			renderTasksTable(tasksTable, tasks, selectedTaskID)
		})
	}

	refreshAgents := func() {
		stats, statsErr := c.Endpoints(ctx)
		workers, workersErr := c.Workers(ctx)
		app.QueueUpdateDraw(func() {
			switch {
			case statsErr != nil:
				agentsView.SetText("error: " + statsErr.Error())
			case workersErr != nil:
				agentsView.SetText("error: " + workersErr.Error())
			default:
				agentsView.SetText(renderAgents(stats, workers))
			}
		})
	}

	refreshDetailsAsync := func(taskID string) {
		if strings.TrimSpace(taskID) == "" {
			return
		}
		version := atomic.AddUint64(&detailsVersion, 1)

		go func(selected string, v uint64) {
			type taskResult struct {
				view orchestrator.TaskView
				err  error
			}
			type decisionResult struct {
				items []domain.DecisionLog
				err   error
			}
			taskCh := make(chan taskResult, 1)
			decisionCh := make(chan decisionResult, 1)

			go func() {
				view, err := c.Task(ctx, selected)
				taskCh <- taskResult{view: view, err: err}
			}()
			go func() {
				items, err := c.Decisions(ctx, selected, 250)
				decisionCh <- decisionResult{items: items, err: err}
			}()

			taskRes := <-taskCh
			decisionRes := <-decisionCh

			if atomic.LoadUint64(&detailsVersion) != v {
				return
			}
			app.QueueUpdateDraw(func() {
				if selected != selectedTaskID {
					return
				}
				if taskRes.err != nil {
					detailView.SetText(fmt.Sprintf("error: %v", taskRes.err))
				} else {
					detailView.SetText(renderTask(taskRes.view, lastTasks))
				}
				if decisionRes.err != nil {
					decisionsView.SetText(fmt.Sprintf("error: %v", decisionRes.err))
				} else {
					decisionsView.SetText(renderDecisions(decisionRes.items))
				}
			})
		}(taskID, version)
	}

	submitPrompt := func(prompt string) {
		prompt = strings.TrimSpace(prompt)
		if prompt == "" {
			return
		}
		setStatusUI("Creating task from goal...")
		promptInput.SetText("")
		go func(input string) {
			view, err := c.CreateTask(ctx, apiclient.CreateTaskRequest{
				Description: input,
				Priority:    string(domain.PriorityHigh),
				Decompose:   true,
			})
			if err != nil {
				setStatusAsync("Failed to create task: " + err.Error())
				return
			}
			selectedTaskID = view.ID
			refreshTasks()
			refreshDetailsAsync(selectedTaskID)
			setStatusAsync(fmt.Sprintf("Task scheduled: %s (%d subtasks)", view.ID, len(view.Subtasks)))
		}(prompt)
	}

	cancelSelected := func() {
		if selectedTaskID == "" {
			setStatusUI("No task selected")
			return
		}
		id := selectedTaskID
		go func() {
			if err := c.Cancel(ctx, id, "cancelled from monitor"); err != nil {
				setStatusAsync("Cancel failed: " + err.Error())
				return
			}
			refreshTasks()
			refreshDetailsAsync(id)
			setStatusAsync("Task cancelled: " + id)
		}()
	}

	promptInput.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		submitPrompt(promptInput.GetText())
	})

	tasksTable.SetSelectedFunc(func(row, _ int) {
		if row <= 0 || row > len(lastTasks) {
			return
		}
		selectedTaskID = lastTasks[row-1].ID
		refreshDetailsAsync(selectedTaskID)
	})

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if app.GetFocus() == promptInput {
			if event.Key() == tcell.KeyEscape || event.Key() == tcell.KeyTAB {
				app.SetFocus(tasksTable)
				setStatusUI("Focus -> tasks")
				return nil
			}
			return event
		}

		switch event.Key() {
		case tcell.KeyEscape, tcell.KeyCtrlT:
			app.SetFocus(tasksTable)
			setStatusUI("Focus -> tasks")
			return nil
		case tcell.KeyF10:
			app.Stop()
			return nil
		case tcell.KeyF5:
			go func() {
				refreshTasks()
				refreshAgents()
				refreshDetailsAsync(selectedTaskID)
				setStatusAsync("Manual refresh complete")
			}()
			return nil
		case tcell.KeyCtrlL, tcell.KeyTAB:
			app.SetFocus(promptInput)
			setStatusUI("Focus -> prompt")
			return nil
		case tcell.KeyCtrlX:
			cancelSelected()
			return nil
		case tcell.KeyRune:
			app.SetFocus(promptInput)
			return event
		}
		return event
	})

	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()

		refreshTasks()
		refreshAgents()
		for _, task := range lastTasks {
			if task.Status == domain.TaskStatusRunning {
				selectedTaskID = task.ID
				break
			}
		}
		if selectedTaskID != "" {
			refreshDetailsAsync(selectedTaskID)
		}

		for range ticker.C {
			refreshTasks()
			refreshAgents()
			if selectedTaskID == "" && len(lastTasks) > 0 {
				selectedTaskID = lastTasks[0].ID
			}
			refreshDetailsAsync(selectedTaskID)
		}
	}()

	if err := app.SetRoot(root, true).EnableMouse(true).SetFocus(promptInput).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "monitor failed: %v\n", err)
		os.Exit(1)
	}
}

func statusColor(s domain.TaskStatus) tcell.Color {
	switch s {
	case domain.TaskStatusCompleted:
		return tcell.ColorGreen
	case domain.TaskStatusFailed:
		return tcell.ColorRed
	case domain.TaskStatusCancelled:
		return tcell.ColorGray
	case domain.TaskStatusRunning, domain.TaskStatusAssigned:
		return tcell.ColorYellow
	default:
		return tcell.ColorWhite
	}
}

func renderTasksTable(table *tview.Table, tasks []orchestrator.TaskView, selectedTaskID string) {
	table.Clear()
	headers := []string{"Task", "Status", "Prio", "Worker", "Try", "Updated", "Description"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	for i, t := range tasks {
		row := i + 1
		status := string(t.Status)
		if t.Retrying {
			status = "retrying"
		}
		desc := t.Description
		if t.ParentID != "" {
			desc = "  " + desc
		}
		table.SetCell(row, 0, tview.NewTableCell(shortID(t.ID)))
		table.SetCell(row, 1, tview.NewTableCell(status).SetTextColor(statusColor(t.Status)))
		table.SetCell(row, 2, tview.NewTableCell(string(t.Priority)))
		table.SetCell(row, 3, tview.NewTableCell(t.AssignedTo))
		table.SetCell(row, 4, tview.NewTableCell(fmt.Sprintf("%d/%d", t.Metadata.RetryCount, t.Metadata.MaxRetries)))
		table.SetCell(row, 5, tview.NewTableCell(t.UpdatedAt.Local().Format("15:04:05")))
		table.SetCell(row, 6, tview.NewTableCell(trimLine(desc, 64)))
		if t.ID == selectedTaskID {
			table.Select(row, 0)
		}
	}
}

func renderTask(v orchestrator.TaskView, all []orchestrator.TaskView) string {
	byID := make(map[string]orchestrator.TaskView, len(all))
	for _, t := range all {
		byID[t.ID] = t
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[::b]%s[::-]  %s\n", v.ID, v.Description)
	fmt.Fprintf(&b, "status=%s priority=%s progress=%.0f%% attempt=%d retries=%d/%d critical=%t\n",
		v.Status, v.Priority, v.Metadata.Progress*100, v.Metadata.Attempt,
		v.Metadata.RetryCount, v.Metadata.MaxRetries, v.Metadata.Critical)
	if v.AssignedTo != "" {
		fmt.Fprintf(&b, "worker=%s\n", v.AssignedTo)
	}
	if v.ParentID != "" {
		fmt.Fprintf(&b, "parent=%s\n", shortID(v.ParentID))
	}
	if v.Deadline != nil {
		fmt.Fprintf(&b, "deadline=%s\n", v.Deadline.Local().Format(time.RFC3339))
	}
	if v.Metadata.LastError != "" {
		fmt.Fprintf(&b, "[red]error:[-] %s\n", trimLine(v.Metadata.LastError, 200))
	}
	if len(v.Subtasks) > 0 {
		b.WriteString("\nSubtasks:\n")
		for _, id := range v.Subtasks {
			sub, ok := byID[id]
			status := v.SubtaskStatus[id]
			if !ok {
				fmt.Fprintf(&b, "  %s %-10s\n", shortID(id), status)
				continue
			}
			fmt.Fprintf(&b, "  %s %-10s %-10s %s\n", shortID(id), status, sub.AssignedTo, trimLine(sub.Description, 60))
		}
	}
	if len(v.Result) > 0 {
		b.WriteString("\nResult:\n")
		b.WriteString(trimLine(resultSummary(v.Result), 2000))
		b.WriteString("\n")
	}
	return b.String()
}

func resultSummary(raw json.RawMessage) string {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return string(raw)
	}
	if out, ok := fields["output"].(string); ok {
		return fmt.Sprintf("[%v] %s", fields["capability"], out)
	}
	pretty, err := json.MarshalIndent(fields, "", "  ")
	if err != nil {
		return string(raw)
	}
	return string(pretty)
}

func renderAgents(stats []endpoint.Stats, workers []agent.WorkerStatus) string {
	byID := make(map[string]agent.WorkerStatus, len(workers))
	for _, w := range workers {
		byID[w.AgentID] = w
	}
	var b strings.Builder
	for _, s := range stats {
		fmt.Fprintf(&b, "%-12s sent=%d recv=%d pending=%d retried=%d failed=%d dup=%d denied=%d",
			s.AgentID, s.Sent, s.Received, s.Pending, s.Retried, s.Failed, s.Duplicates, s.Denied)
		if w, ok := byID[s.AgentID]; ok {
			current := "-"
			if w.Current != "" {
				current = shortID(w.Current)
			}
			fmt.Fprintf(&b, " | queued=%d current=%s done=%d failed=%d", w.Queued, current, w.Completed, w.Failed)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func renderDecisions(items []domain.DecisionLog) string {
	if len(items) == 0 {
		return "No decisions"
	}
	var b strings.Builder
	for _, d := range items {
		fmt.Fprintf(&b, "[%s] %s %s\n  reason: %s\n",
			d.CreatedAt.Local().Format("15:04:05"),
			d.Actor,
			d.Action,
			trimLine(d.Reason, 100),
		)
		if detail := decisionPayloadSummary(d.Payload); detail != "" {
			b.WriteString("  payload: " + trimLine(detail, 160) + "\n")
		}
	}
	return b.String()
}

func decisionPayloadSummary(payload []byte) string {
	if len(payload) == 0 {
		return ""
	}
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" || trimmed == "{}" || trimmed == "null" {
		return ""
	}

	var kv map[string]any
	if err := json.Unmarshal(payload, &kv); err == nil {
		keys := make([]string, 0, len(kv))
		for k := range kv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, kv[k]))
		}
		return strings.Join(parts, ", ")
	}
	return trimmed
}

func trimLine(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

func shortID(v string) string {
	if len(v) <= 8 {
		return v
	}
	return v[:8]
}
