// Package dispatch runs subordinate agents as child processes, one AGENT card
// per dispatch. It parses the child's stream-of-records stdout, applies
// debounced card updates, enforces the concurrency cap, sandboxes working
// directories, and reconciles cards stranded by a server restart.
package dispatch

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/ehrlich-b/vitrine/card"
	"github.com/ehrlich-b/vitrine/internal/config"
	"github.com/ehrlich-b/vitrine/internal/discovery"
	"github.com/ehrlich-b/vitrine/internal/logger"
	"github.com/ehrlich-b/vitrine/internal/study"
)

// Dispatch lifecycle states.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

var (
	ErrNotFound      = errors.New("dispatch not found")
	ErrUnknownTask   = errors.New("unknown task")
	ErrNotPending    = errors.New("dispatch is not pending")
	ErrTooManyAgents = errors.New("agent concurrency limit reached")
	ErrCLIMissing    = errors.New("agent CLI not found on PATH")
)

const (
	// MaxConcurrent caps simultaneously running dispatches.
	MaxConcurrent = 5

	updateDebounce   = 500 * time.Millisecond
	lineTimeout      = 1800 * time.Second
	watchdogInterval = 30 * time.Second
	promptPreviewLen = 200
)

// contextWindows maps a model choice to its context size for the card form.
var contextWindows = map[string]int{
	"sonnet": 200000,
	"opus":   200000,
	"haiku":  200000,
}

// Notifier is how the dispatcher reports card changes back to the display
// layer without importing it.
type Notifier interface {
	CardAdded(c *card.Card)
	CardUpdated(c *card.Card)
	AgentEvent(eventType, cardID, errText string)
}

// Info is the in-memory record for one dispatch.
type Info struct {
	Task             string
	Study            string
	CardID           string
	Model            string
	Budget           int
	AdditionalPrompt string
	Status           string
	Error            string
	StartedAt        string
	EndedAt          string
	LastActivity     string
	PID              int
	Extras           map[string]string

	cmd         *exec.Cmd
	output      strings.Builder
	usage       Usage
	result      string
	copiedPaper []string
	monitorDone chan struct{}
	updates     *debouncer
}

// Snapshot returns the JSON-safe status view served by GET /api/agents/{id}.
func (in *Info) snapshotLocked() map[string]any {
	m := map[string]any{
		"task":    in.Task,
		"study":   in.Study,
		"card_id": in.CardID,
		"model":   in.Model,
		"status":  in.Status,
	}
	if in.Budget > 0 {
		m["budget"] = in.Budget
	}
	if in.Error != "" {
		m["error"] = in.Error
	}
	if in.StartedAt != "" {
		m["started_at"] = in.StartedAt
	}
	if in.EndedAt != "" {
		m["ended_at"] = in.EndedAt
	}
	if in.LastActivity != "" {
		m["last_activity"] = in.LastActivity
	}
	if in.PID != 0 {
		m["pid"] = in.PID
	}
	return m
}

// Dispatcher owns every dispatch in the process.
type Dispatcher struct {
	mu         sync.Mutex
	cfg        *config.Config
	manager    *study.Manager
	notify     Notifier
	dispatches map[string]*Info // card id → info
	watchdog   chan struct{}
}

func New(cfg *config.Config, manager *study.Manager, notify Notifier) *Dispatcher {
	return &Dispatcher{
		cfg:        cfg,
		manager:    manager,
		notify:     notify,
		dispatches: make(map[string]*Info),
	}
}

// Create builds a pending AGENT card for a task and persists it.
func (d *Dispatcher) Create(studyLabel, taskName string) (*card.Card, error) {
	task, ok := LookupTask(taskName)
	if !ok {
		return nil, fmt.Errorf("task %q: %w", taskName, ErrUnknownTask)
	}
	sk, err := LoadSkill(d.cfg.DataDir, task)
	if err != nil {
		return nil, err
	}
	s, ok := d.manager.GetStudy(studyLabel)
	if !ok {
		return nil, fmt.Errorf("study %q: %w", studyLabel, ErrNotFound)
	}

	model := d.cfg.Agent.Model
	preview := map[string]any{
		"task":           task.Name,
		"title":          task.Title,
		"status":         StatusPending,
		"model":          model,
		"tools":          sk.Tools(),
		"prompt_preview": truncate(sk.Body, promptPreviewLen),
		"prompt":         sk.Body,
		"budget":         nil,
		"usage":          (&Usage{}).Map(),
		"context_window": contextWindows[model],
	}

	c := card.New(card.TypeAgent)
	c.Title = task.Title
	c.Study = studyLabel
	c.Preview = preview
	if err := s.AppendCard(c); err != nil {
		return nil, err
	}
	d.manager.RegisterCard(c.ID, studyLabel)

	d.mu.Lock()
	d.dispatches[c.ID] = &Info{
		Task:   task.Name,
		Study:  studyLabel,
		CardID: c.ID,
		Model:  model,
		Status: StatusPending,
		Extras: make(map[string]string),
	}
	d.mu.Unlock()

	d.notify.CardAdded(c)
	return c, nil
}

// Get returns a dispatch's status view.
func (d *Dispatcher) Get(cardID string) (map[string]any, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	in, ok := d.dispatches[cardID]
	if !ok {
		return nil, false
	}
	return in.snapshotLocked(), true
}

// RunOptions tune a dispatch before launch.
type RunOptions struct {
	Model            string `json:"model,omitempty"`
	Budget           int    `json:"budget,omitempty"`
	AdditionalPrompt string `json:"additional_prompt,omitempty"`
}

// Run launches a pending dispatch's child process and starts its monitor.
func (d *Dispatcher) Run(cardID string, opts RunOptions) error {
	cli := d.cfg.Agent.CLI
	if _, err := exec.LookPath(cli); err != nil {
		return fmt.Errorf("%s: %w", cli, ErrCLIMissing)
	}

	d.mu.Lock()
	in, ok := d.dispatches[cardID]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("dispatch %s: %w", cardID, ErrNotFound)
	}
	if in.Status != StatusPending {
		d.mu.Unlock()
		return fmt.Errorf("dispatch %s is %s: %w", cardID, in.Status, ErrNotPending)
	}
	if d.runningCountLocked() >= MaxConcurrent {
		d.mu.Unlock()
		return ErrTooManyAgents
	}
	if opts.Model != "" {
		in.Model = opts.Model
	}
	in.Budget = opts.Budget
	in.AdditionalPrompt = opts.AdditionalPrompt
	task := in.Task
	studyLabel := in.Study
	d.mu.Unlock()

	sk, err := LoadSkill(d.cfg.DataDir, mustTask(task))
	if err != nil {
		return err
	}

	workDir, extras, copied, err := d.prepareWorkDir(task, studyLabel)
	if err != nil {
		return err
	}

	prompt := d.buildPrompt(sk, in, workDir, extras["sandbox"])

	args := []string{
		"-p", "-",
		"--output-format", "stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
	}
	if tools := sk.Tools(); len(tools) > 0 {
		args = append(args, "--allowedTools", strings.Join(tools, ","))
	}
	if in.Model != d.cfg.Agent.Model {
		args = append(args, "--model", in.Model)
	}
	if in.Budget > 0 {
		args = append(args, "--max-turns", fmt.Sprintf("%d", in.Budget))
	}

	cmd := exec.Command(cli, args...)
	cmd.Dir = workDir
	cmd.Env = cleanEnv()
	newProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	// stdout and stderr merge into one pipe so diagnostics interleave with
	// the record stream the way the browser expects.
	pr, pw, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("output pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return fmt.Errorf("start %s: %w", cli, err)
	}
	pw.Close()

	go func() {
		io.WriteString(stdin, prompt)
		stdin.Close()
	}()

	now := card.NowISO()
	d.mu.Lock()
	in.cmd = cmd
	in.PID = cmd.Process.Pid
	in.Status = StatusRunning
	in.StartedAt = now
	in.LastActivity = now
	in.copiedPaper = copied
	for k, v := range extras {
		in.Extras[k] = v
	}
	in.monitorDone = make(chan struct{})
	in.updates = newDebouncer(updateDebounce, func() { d.persistProgress(cardID) })
	model := in.Model
	d.mu.Unlock()

	d.applyCardChanges(cardID, map[string]any{"status": StatusRunning, "started_at": now, "model": model})
	d.notify.AgentEvent("agent.started", cardID, "")
	logger.Info("dispatch started", "card", cardID, "task", task, "pid", cmd.Process.Pid)

	go d.monitor(in, pr)
	return nil
}

func mustTask(name string) Task {
	t, _ := LookupTask(name)
	return t
}

func (d *Dispatcher) runningCountLocked() int {
	n := 0
	for _, in := range d.dispatches {
		if in.Status == StatusRunning {
			n++
		}
	}
	return n
}

// RunningCount reports currently running dispatches.
func (d *Dispatcher) RunningCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.runningCountLocked()
}

// prepareWorkDir resolves the child's working directory, creating sandboxes
// or paper workspaces for the tasks that need them.
func (d *Dispatcher) prepareWorkDir(task, studyLabel string) (workDir string, extras map[string]string, copied []string, err error) {
	extras = make(map[string]string)
	outputDir, hasOutput := d.manager.OutputDir(studyLabel)
	if !hasOutput {
		s, ok := d.manager.GetStudy(studyLabel)
		if !ok {
			return "", nil, nil, fmt.Errorf("study %q: %w", studyLabel, ErrNotFound)
		}
		workDir = s.Dir()
	} else {
		workDir = outputDir
	}

	switch task {
	case "reproduce":
		if hasOutput {
			sandbox, err := makeSandbox(outputDir)
			if err != nil {
				return "", nil, nil, err
			}
			extras["sandbox"] = sandbox
			workDir = sandbox
		}
	case "paper":
		if hasOutput {
			workspace, items, err := makePaperWorkspace(outputDir)
			if err != nil {
				return "", nil, nil, err
			}
			extras["paper_workspace"] = workspace
			copied = items
			workDir = workspace
		}
	}
	return workDir, extras, copied, nil
}

// buildPrompt assembles the child's stdin: skill template, study framing,
// optional sandbox note and extra instructions, then the study context JSON.
func (d *Dispatcher) buildPrompt(sk *Skill, in *Info, workDir, sandbox string) string {
	var b strings.Builder
	b.WriteString(sk.Body)
	fmt.Fprintf(&b, "\n\n## Study\n\n%s\n", in.Study)
	fmt.Fprintf(&b, "\n## Working directory\n\n%s\n", workDir)
	if sandbox != "" {
		b.WriteString("\nYou are working in a disposable sandbox copy of the study output directory. Modify anything you need; the original is untouched.\n")
	}
	if in.AdditionalPrompt != "" {
		fmt.Fprintf(&b, "\n## Additional instructions\n\n%s\n", in.AdditionalPrompt)
	}
	if ctx, err := d.manager.BuildContext(in.Study); err == nil {
		if data, err := json.MarshalIndent(ctx, "", "  "); err == nil {
			fmt.Fprintf(&b, "\n## Study context\n\n```json\n%s\n```\n", data)
		}
	}
	return b.String()
}

// cleanEnv passes the parent environment through minus CLAUDECODE, which
// would make the child believe it is nested inside another agent session.
func cleanEnv() []string {
	env := os.Environ()
	out := env[:0]
	for _, kv := range env {
		if strings.HasPrefix(kv, "CLAUDECODE=") {
			continue
		}
		out = append(out, kv)
	}
	return out
}

// monitor reads the child's merged output line-by-line until EOF, feeding
// debounced card updates, then settles the dispatch from the exit status.
func (d *Dispatcher) monitor(in *Info, r io.ReadCloser) {
	defer close(in.monitorDone)
	defer r.Close()

	lines := make(chan string)
	scanDone := make(chan struct{})
	stopRead := make(chan struct{})
	defer close(stopRead)
	go func() {
		defer close(scanDone)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-stopRead:
				return
			}
		}
	}()

	timer := time.NewTimer(lineTimeout)
	defer timer.Stop()
loop:
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(lineTimeout)
			d.handleLine(in, line)
		case <-scanDone:
			break loop
		case <-timer.C:
			logger.Warn("dispatch stream stalled, terminating", "card", in.CardID)
			terminateGroup(in.PID)
			break loop
		}
	}

	err := in.cmd.Wait()
	d.settle(in, err)
}

// handleLine applies one parsed stream event to the dispatch state.
func (d *Dispatcher) handleLine(in *Info, line string) {
	ev, ok := ParseStreamLine(line)
	if !ok {
		return
	}
	d.mu.Lock()
	in.LastActivity = card.NowISO()
	in.usage.Merge(ev.Usage)
	if ev.IsResult {
		in.result = ev.Text
	} else if ev.Text != "" {
		if in.output.Len() > 0 {
			in.output.WriteString("\n\n")
		}
		in.output.WriteString(ev.Text)
	}
	updates := in.updates
	d.mu.Unlock()
	if !ev.IsResult {
		updates.Trigger()
	}
}

// persistProgress is the debounced mid-run card write.
func (d *Dispatcher) persistProgress(cardID string) {
	d.mu.Lock()
	in, ok := d.dispatches[cardID]
	if !ok || in.Status != StatusRunning {
		d.mu.Unlock()
		return
	}
	changes := map[string]any{
		"output": in.output.String(),
		"usage":  in.usage.Map(),
	}
	d.mu.Unlock()
	d.applyCardChanges(cardID, changes)
}

// settle moves a finished dispatch to its terminal state.
func (d *Dispatcher) settle(in *Info, waitErr error) {
	d.mu.Lock()
	if in.Status != StatusRunning {
		// Cancelled (or force-failed) while we were waiting; its terminal
		// update already happened.
		d.mu.Unlock()
		return
	}
	in.updates.Stop()
	in.EndedAt = card.NowISO()

	exitCode := 0
	if waitErr != nil {
		exitCode = -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
	}

	display := in.result
	if display == "" {
		display = in.output.String()
	}
	changes := map[string]any{
		"output":       display,
		"completed_at": in.EndedAt,
		"usage":        in.usage.Map(),
	}
	if started := card.ParseISO(in.StartedAt); !started.IsZero() {
		changes["duration"] = time.Since(started).Round(time.Second).Seconds()
	}

	event := "agent.completed"
	var errText string
	if exitCode == 0 {
		in.Status = StatusCompleted
		changes["status"] = StatusCompleted
	} else {
		in.Status = StatusFailed
		in.Error = fmt.Sprintf("Process exited with code %d", exitCode)
		errText = in.Error
		changes["status"] = StatusFailed
		changes["error"] = in.Error
		if out := in.output.String(); out != "" {
			changes["output"] = out + "\n\n" + in.Error
		} else {
			changes["output"] = in.Error
		}
		event = "agent.failed"
	}
	cardID := in.CardID
	d.cleanupLocked(in)
	d.mu.Unlock()

	d.applyCardChanges(cardID, changes)
	d.notify.AgentEvent(event, cardID, errText)
	logger.Info("dispatch finished", "card", cardID, "status", changes["status"], "exit", exitCode)
}

// Cancel terminates a running dispatch at the researcher's request.
func (d *Dispatcher) Cancel(cardID string) error {
	d.mu.Lock()
	in, ok := d.dispatches[cardID]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("dispatch %s: %w", cardID, ErrNotFound)
	}
	if in.Status != StatusRunning {
		d.mu.Unlock()
		return fmt.Errorf("dispatch %s is %s: %w", cardID, in.Status, ErrNotPending)
	}
	in.updates.Stop()
	in.Status = StatusCancelled
	in.Error = "Cancelled by user"
	in.EndedAt = card.NowISO()
	if in.output.Len() > 0 {
		in.output.WriteString("\n\n")
	}
	in.output.WriteString("*Cancelled by user.*")
	output := in.output.String()
	pid := in.PID
	d.cleanupLocked(in)
	d.mu.Unlock()

	if err := terminateGroup(pid); err != nil {
		logger.Warn("terminate dispatch child failed", "pid", pid, "error", err)
	}
	d.applyCardChanges(cardID, map[string]any{
		"status": StatusCancelled,
		"output": output,
		"error":  "Cancelled by user",
	})
	d.notify.AgentEvent("agent.failed", cardID, "Cancelled by user")
	logger.Info("dispatch cancelled", "card", cardID)
	return nil
}

// cleanupLocked removes per-dispatch scratch space. Sandboxes go entirely;
// paper workspaces lose only the items originally copied in, so agent output
// like paper.md survives.
func (d *Dispatcher) cleanupLocked(in *Info) {
	if sandbox := in.Extras["sandbox"]; sandbox != "" {
		if err := os.RemoveAll(sandbox); err != nil {
			logger.Warn("remove sandbox failed", "path", sandbox, "error", err)
		}
		delete(in.Extras, "sandbox")
	}
	if workspace := in.Extras["paper_workspace"]; workspace != "" {
		cleanupPaperWorkspace(workspace, in.copiedPaper)
		in.copiedPaper = nil
	}
}

// applyCardChanges merges changes into the card's preview, persists, and
// broadcasts the updated card.
func (d *Dispatcher) applyCardChanges(cardID string, changes map[string]any) {
	s, ok := d.manager.StoreForCard(cardID)
	if !ok {
		return
	}
	c, err := s.GetCard(cardID)
	if err != nil {
		return
	}
	preview := make(map[string]any, len(c.Preview)+len(changes))
	for k, v := range c.Preview {
		preview[k] = v
	}
	for k, v := range changes {
		preview[k] = v
	}
	updated, err := s.UpdateCard(c.ID, map[string]any{"preview": preview})
	if err != nil {
		logger.Warn("persist agent card failed", "card", cardID, "error", err)
		return
	}
	d.notify.CardUpdated(updated)
}

// StartWatchdog begins the periodic scan for dispatches whose child died
// without a clean EOF.
func (d *Dispatcher) StartWatchdog() {
	d.mu.Lock()
	if d.watchdog != nil {
		d.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	d.watchdog = stop
	d.mu.Unlock()

	go func() {
		ticker := time.NewTicker(watchdogInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				d.sweep()
			}
		}
	}()
}

// sweep force-fails running dispatches whose process and monitor disagree
// about liveness.
func (d *Dispatcher) sweep() {
	d.mu.Lock()
	var stranded []*Info
	for _, in := range d.dispatches {
		if in.Status != StatusRunning {
			continue
		}
		pidDead := !discovery.PIDAlive(in.PID)
		monitorDead := false
		select {
		case <-in.monitorDone:
			monitorDead = true
		default:
		}
		// A running dispatch whose child died, or whose monitor finished
		// without settling it, was abandoned by an unclean EOF.
		if pidDead || monitorDead {
			stranded = append(stranded, in)
		}
	}
	for _, in := range stranded {
		in.updates.Stop()
		in.Status = StatusFailed
		in.Error = "Process exited unexpectedly"
		in.EndedAt = card.NowISO()
		d.cleanupLocked(in)
	}
	d.mu.Unlock()

	for _, in := range stranded {
		logger.Warn("watchdog failed dispatch", "card", in.CardID)
		d.applyCardChanges(in.CardID, map[string]any{
			"status": StatusFailed,
			"error":  "Process exited unexpectedly",
		})
		d.notify.AgentEvent("agent.failed", in.CardID, "Process exited unexpectedly")
	}
}

// ForceFail marks an orphaned agent card failed when no in-memory dispatch
// exists for it (the DELETE-an-orphan path).
func (d *Dispatcher) ForceFail(cardID, reason string) {
	d.applyCardChanges(cardID, map[string]any{
		"status": StatusFailed,
		"error":  reason,
	})
	d.notify.AgentEvent("agent.failed", cardID, reason)
}

// Has reports whether a dispatch exists in memory for the card.
func (d *Dispatcher) Has(cardID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.dispatches[cardID]
	return ok
}

// Reconcile force-fails AGENT cards persisted as running or pending with no
// live dispatch behind them, which happens when the server restarts under
// them. Returns the number repaired.
func (d *Dispatcher) Reconcile() int {
	cards, err := d.manager.ListAllCards("")
	if err != nil {
		return 0
	}
	repaired := 0
	for _, c := range cards {
		if c.Type != card.TypeAgent || c.Deleted {
			continue
		}
		status, _ := c.Preview["status"].(string)
		if status != StatusRunning && status != StatusPending {
			continue
		}
		if d.Has(c.ID) {
			continue
		}
		s, ok := d.manager.StoreForCard(c.ID)
		if !ok {
			continue
		}
		preview := make(map[string]any, len(c.Preview)+2)
		for k, v := range c.Preview {
			preview[k] = v
		}
		preview["status"] = StatusFailed
		preview["error"] = "Server restarted while agent was running"
		if _, err := s.UpdateCard(c.ID, map[string]any{"preview": preview}); err != nil {
			logger.Warn("reconcile agent card failed", "card", c.ID, "error", err)
			continue
		}
		repaired++
	}
	if repaired > 0 {
		logger.Info("reconciled stranded agent cards", "count", repaired)
	}
	return repaired
}

// Stop cancels the watchdog and terminates every running dispatch. Called
// during server shutdown.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.watchdog != nil {
		close(d.watchdog)
		d.watchdog = nil
	}
	var running []*Info
	for _, in := range d.dispatches {
		if in.Status == StatusRunning {
			running = append(running, in)
		}
	}
	d.mu.Unlock()

	for _, in := range running {
		if err := d.Cancel(in.CardID); err != nil {
			logger.Warn("cancel dispatch at shutdown failed", "card", in.CardID, "error", err)
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
