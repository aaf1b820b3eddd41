// Package tui is a read-only viewer over the run/step/story state a setfarm
// deployment accumulates: no run-killing, no session-resuming (there are no
// subprocess sessions here), just polling the store and rendering it.
package tui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/fieldnotes-dev/setfarm/internal/models"
	"github.com/fieldnotes-dev/setfarm/internal/store"
)

type View int

const (
	ViewRunList View = iota
	ViewRunDetail
	ViewMedic
)

type App struct {
	store *store.Store

	view        View
	runs        []*models.Run
	selectedIdx int

	selectedRun     *models.Run
	steps           []*models.Step
	stories         map[string][]*models.Story // keyed by step ID
	selectedStepIdx int

	medicChecks []*models.MedicCheck

	spin    spinner.Model
	loading bool

	width  int
	height int
	err    error
}

func NewApp(st *store.Store) *App {
	spin := spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(dimStyle))
	return &App{
		store:   st,
		view:    ViewRunList,
		spin:    spin,
		loading: true,
	}
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(a.loadRuns, a.spin.Tick, a.tickCmd())
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (a *App) hasRunningRuns() bool {
	for _, run := range a.runs {
		if run.Status == models.RunStatusRunning {
			return true
		}
	}
	return false
}

type tickMsg time.Time

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		return a, nil

	case runsLoadedMsg:
		a.runs = msg.runs
		a.err = msg.err
		a.loading = false
		if a.selectedIdx >= len(a.runs) && a.selectedIdx > 0 {
			a.selectedIdx = len(a.runs) - 1
		}
		if a.hasRunningRuns() {
			return a, a.tickCmd()
		}
		return a, nil

	case spinner.TickMsg:
		if !a.loading {
			return a, nil
		}
		var cmd tea.Cmd
		a.spin, cmd = a.spin.Update(msg)
		return a, cmd

	case tickMsg:
		if a.view == ViewRunList && a.hasRunningRuns() {
			return a, tea.Batch(a.loadRuns, a.tickCmd())
		}
		if a.view == ViewRunDetail && a.selectedRun != nil && a.selectedRun.Status == models.RunStatusRunning {
			return a, tea.Batch(a.loadRunDetail(a.selectedRun.ID), a.tickCmd())
		}
		return a, a.tickCmd()

	case runDetailMsg:
		a.err = msg.err
		if msg.err == nil {
			a.selectedRun = msg.run
			a.steps = msg.steps
			a.stories = msg.stories
			a.view = ViewRunDetail
		}
		return a, nil

	case medicLoadedMsg:
		a.medicChecks = msg.checks
		a.err = msg.err
		a.view = ViewMedic
		return a, nil
	}

	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch a.view {
	case ViewRunList:
		return a.handleRunListKey(msg)
	case ViewRunDetail:
		return a.handleRunDetailKey(msg)
	case ViewMedic:
		return a.handleMedicKey(msg)
	}
	return a, nil
}

func (a *App) handleRunListKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return a, tea.Quit

	case "up", "k":
		if a.selectedIdx > 0 {
			a.selectedIdx--
		}

	case "down", "j":
		if a.selectedIdx < len(a.runs)-1 {
			a.selectedIdx++
		}

	case "enter":
		if len(a.runs) > 0 && a.selectedIdx < len(a.runs) {
			a.selectedStepIdx = 0
			return a, a.loadRunDetail(a.runs[a.selectedIdx].ID)
		}

	case "m":
		return a, a.loadMedicChecks

	case "r":
		return a, a.loadRuns
	}

	return a, nil
}

func (a *App) handleRunDetailKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewRunList
		a.selectedRun = nil
		a.steps = nil
		a.stories = nil

	case "ctrl+c":
		return a, tea.Quit

	case "up", "k":
		if a.selectedStepIdx > 0 {
			a.selectedStepIdx--
		}

	case "down", "j":
		if a.selectedStepIdx < len(a.steps)-1 {
			a.selectedStepIdx++
		}

	case "r":
		if a.selectedRun != nil {
			return a, a.loadRunDetail(a.selectedRun.ID)
		}
	}

	return a, nil
}

func (a *App) handleMedicKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewRunList

	case "ctrl+c":
		return a, tea.Quit

	case "r":
		return a, a.loadMedicChecks
	}

	return a, nil
}

func (a *App) View() string {
	switch a.view {
	case ViewRunList:
		return a.viewRunList()
	case ViewRunDetail:
		return a.viewRunDetail()
	case ViewMedic:
		return a.viewMedic()
	}
	return ""
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	statusRunning  = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	statusComplete = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusFailed   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusWaiting  = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	statusWarning  = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))
)

func (a *App) viewRunList() string {
	s := titleStyle.Render("setfarm") + "\n\n"

	if a.err != nil {
		s += fmt.Sprintf("Error: %v\n", a.err)
	}

	switch {
	case a.loading:
		s += a.spin.View() + " loading runs...\n"
	case len(a.runs) == 0:
		s += "No runs yet.\n"
	default:
		s += "Recent Runs\n"
		s += "───────────\n"

		for i, run := range a.runs {
			line := a.formatRunLine(run)
			isSelected := i == a.selectedIdx

			switch {
			case isSelected:
				line = selectedStyle.Render("▶ " + line)
			case run.Status != models.RunStatusRunning:
				line = "  " + dimStyle.Render(line)
			default:
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	s += "\n" + helpStyle.Render("[enter] view  [m] medic log  [r] refresh  [q] quit")

	return s
}

func (a *App) formatRunLine(run *models.Run) string {
	status := a.formatRunStatus(run.Status)
	age := humanize.Time(run.CreatedAt)
	task := truncate(run.Task, 40)
	return fmt.Sprintf("%-8s %-16s %s  %-12s  %s", shortID(run.ID), run.WorkflowID, status, age, task)
}

func (a *App) formatRunStatus(status models.RunStatus) string {
	switch status {
	case models.RunStatusRunning:
		return statusRunning.Render("● running")
	case models.RunStatusDone:
		return statusComplete.Render("✓ done")
	case models.RunStatusFailed:
		return statusFailed.Render("✗ failed")
	default:
		return string(status)
	}
}

func (a *App) formatStepStatus(status models.StepStatus) string {
	switch status {
	case models.StepStatusDone:
		return statusComplete.Render("✓ done")
	case models.StepStatusRunning:
		return statusRunning.Render("● running")
	case models.StepStatusPending:
		return statusWaiting.Render("○ pending")
	case models.StepStatusFailed:
		return statusFailed.Render("✗ failed")
	case models.StepStatusWaiting:
		return statusWaiting.Render("· waiting")
	default:
		return string(status)
	}
}

func (a *App) formatStoryStatus(status models.StoryStatus) string {
	switch status {
	case models.StoryStatusVerified:
		return statusComplete.Render("✓ verified")
	case models.StoryStatusRunning:
		return statusRunning.Render("● running")
	case models.StoryStatusPending:
		return statusWaiting.Render("○ pending")
	case models.StoryStatusFailed:
		return statusFailed.Render("✗ failed")
	case models.StoryStatusSkipped:
		return statusWarning.Render("⤼ skipped")
	default:
		return string(status)
	}
}

func (a *App) viewRunDetail() string {
	if a.selectedRun == nil {
		return "No run selected"
	}
	run := a.selectedRun

	header := fmt.Sprintf("Run %s: %s", shortID(run.ID), run.WorkflowID)
	s := titleStyle.Render(header) + "  " + a.formatRunStatus(run.Status) + "\n\n"
	s += run.Task + "\n\n"

	s += "Steps\n"
	s += "─────\n"

	if len(a.steps) == 0 {
		s += "(no steps)\n"
	} else {
		for i, step := range a.steps {
			line := fmt.Sprintf("%d. %-20s %-10s %s", step.StepIndex+1, step.StepID, string(step.Type), a.formatStepStatus(step.Status))
			if step.RetryCount > 0 {
				line += dimStyle.Render(fmt.Sprintf("  retries:%d", step.RetryCount))
			}
			if i == a.selectedStepIdx {
				line = selectedStyle.Render("▶ " + line)
			} else {
				line = "  " + line
			}
			s += line + "\n"

			if i != a.selectedStepIdx || step.Type != models.StepTypeLoop {
				continue
			}
			stories := a.stories[step.ID]
			if len(stories) == 0 {
				s += "      " + dimStyle.Render("(no stories materialized)") + "\n"
				continue
			}
			for _, story := range stories {
				sline := fmt.Sprintf("%-24s %s", truncate(story.Title, 24), a.formatStoryStatus(story.Status))
				if story.PendingVerify {
					sline += dimStyle.Render("  awaiting verify")
				}
				s += "      " + sline + "\n"
			}
		}
	}

	s += "\n" + helpStyle.Render("[↑/↓] select step  [r] refresh  [esc] back  [q] quit")

	return s
}

func (a *App) viewMedic() string {
	s := titleStyle.Render("Medic Log") + "\n\n"

	if len(a.medicChecks) == 0 {
		s += "(no checks recorded yet)\n"
	}

	for _, check := range a.medicChecks {
		line := fmt.Sprintf("%s  %-24s issues:%d actions:%d", check.CheckedAt.Format("15:04:05"), check.Summary, check.IssuesFound, check.ActionsTaken)
		if check.IssuesFound > 0 {
			line = statusWarning.Render(line)
		} else {
			line = dimStyle.Render(line)
		}
		s += line + "\n"
		for _, f := range check.Findings {
			fline := fmt.Sprintf("    %-24s %-20s %s", f.Check, f.Action, f.Detail)
			if !f.Remediated {
				fline = statusFailed.Render(fline)
			}
			s += fline + "\n"
		}
	}

	s += "\n" + helpStyle.Render("[r] refresh  [esc] back  [q] quit")

	return s
}

// Messages

type runsLoadedMsg struct {
	runs []*models.Run
	err  error
}

type runDetailMsg struct {
	run     *models.Run
	steps   []*models.Step
	stories map[string][]*models.Story
	err     error
}

type medicLoadedMsg struct {
	checks []*models.MedicCheck
	err    error
}

// Commands

func (a *App) loadRuns() tea.Msg {
	ctx := newCmdContext()
	runningRuns, err := a.store.ListRuns(ctx, models.RunStatusRunning)
	if err != nil {
		return runsLoadedMsg{err: err}
	}
	doneRuns, err := a.store.ListRuns(ctx, models.RunStatusDone)
	if err != nil {
		return runsLoadedMsg{err: err}
	}
	failedRuns, err := a.store.ListRuns(ctx, models.RunStatusFailed)
	if err != nil {
		return runsLoadedMsg{err: err}
	}
	runs := append(append(runningRuns, doneRuns...), failedRuns...)
	return runsLoadedMsg{runs: runs}
}

func (a *App) loadRunDetail(runID string) tea.Cmd {
	return func() tea.Msg {
		ctx := newCmdContext()
		run, err := a.store.GetRun(ctx, runID)
		if err != nil {
			return runDetailMsg{err: err}
		}
		steps, err := a.store.ListSteps(ctx, runID)
		if err != nil {
			return runDetailMsg{err: err}
		}
		stories := map[string][]*models.Story{}
		for _, step := range steps {
			if step.Type != models.StepTypeLoop {
				continue
			}
			ss, err := a.store.ListStories(ctx, step.ID)
			if err != nil {
				return runDetailMsg{err: err}
			}
			stories[step.ID] = ss
		}
		return runDetailMsg{run: run, steps: steps, stories: stories}
	}
}

func (a *App) loadMedicChecks() tea.Msg {
	checks, err := a.store.ListMedicChecks(newCmdContext(), 20)
	return medicLoadedMsg{checks: checks, err: err}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
