// Package engine implements the Scheduler/ExecutionEngine (spec §4.4): the
// top-level orchestrator that starts instances, maintains a work queue,
// drives node state transitions, and finalizes instances. Grounded on the
// teacher's orchestration.Engine lifecycle (Start/Stop, executeWorkflowAsync,
// worker pool) generalized from its single dependency-graph executor to the
// START/PROCESSOR/END lazy task-materialization model and the HUMAN/AGENT/
// MIXED processor split.
package engine

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/aosanya/workflowcore/internal/agentclient"
	"github.com/aosanya/workflowcore/internal/cleanup"
	"github.com/aosanya/workflowcore/internal/dag"
	"github.com/aosanya/workflowcore/internal/dispatcher"
	"github.com/aosanya/workflowcore/internal/events"
	"github.com/aosanya/workflowcore/internal/instance"
	"github.com/aosanya/workflowcore/internal/instman"
	"github.com/aosanya/workflowcore/internal/metrics"
	"github.com/aosanya/workflowcore/internal/repository"
	"github.com/aosanya/workflowcore/internal/runstate"
	"github.com/aosanya/workflowcore/internal/summary"
	"github.com/aosanya/workflowcore/internal/wferrors"
	"github.com/aosanya/workflowcore/internal/workflow"
)

// Config configures the engine, mirroring spec §6's recognized options.
type Config struct {
	WorkerCount              int
	QueuePopTimeout          time.Duration
	MonitorInterval          time.Duration
	ContextCleanupTTL        time.Duration
	InstanceCapacity         int
	TaskRetryLimit           int           // default per-node override when Node.RetryLimit is zero
	AdvisoryInstanceDeadline time.Duration // 0 = unset, advisory-only per spec §9
	OrphanScanLimit          int
}

// DefaultConfig returns the spec §6 defaults.
func DefaultConfig() Config {
	return Config{
		WorkerCount:              5,
		QueuePopTimeout:          500 * time.Millisecond,
		MonitorInterval:          15 * time.Second,
		ContextCleanupTTL:        300 * time.Second,
		InstanceCapacity:         0,
		TaskRetryLimit:           0,
		AdvisoryInstanceDeadline: 0,
		OrphanScanLimit:          100,
	}
}

// workItem is one unit of queued work: a set of node_ids of instanceID that
// are ready (or need re-evaluation) for transition processing.
type workItem struct {
	instanceID string
	nodeIDs    []string
}

// Engine is the Scheduler/ExecutionEngine.
type Engine struct {
	cfg Config

	templates  workflow.Repository
	repo       repository.Repository
	tracker    *dag.Tracker
	instances  *instman.Manager
	cleanupMgr *cleanup.Manager
	dispatch   *dispatcher.Dispatcher
	orphans    *dispatcher.OrphanMonitor
	eventBus   *events.Processor
	metrics    *metrics.Exporter

	mu     sync.Mutex
	states map[string]*instanceState  // instanceID -> per-instance bookkeeping
	tasks  map[string]taskRef         // task_id (or "id:advisory") -> owning instance/node

	lastCleanupStats cleanup.Stats

	queue  *list.List
	notify chan struct{}
	qmu    sync.Mutex

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

// New constructs an engine against its collaborators. templates resolves
// workflow versions; repo persists instance/node/task rows; tracker caches
// dependency graphs; dispatch is the AgentTaskDispatcher the engine
// subscribes to and starts/stops with itself; eventBus and metricsExp may
// be nil.
func New(cfg Config, templates workflow.Repository, repo repository.Repository, tracker *dag.Tracker, dispatch *dispatcher.Dispatcher, eventBus *events.Processor, metricsExp *metrics.Exporter) *Engine {
	e := &Engine{
		cfg:       cfg,
		templates: templates,
		repo:      repo,
		tracker:   tracker,
		dispatch:  dispatch,
		eventBus:  eventBus,
		metrics:   metricsExp,
		states:    make(map[string]*instanceState),
		tasks:     make(map[string]taskRef),
		queue:     list.New(),
		notify:    make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}

	e.instances = instman.New(cfg.InstanceCapacity, e.dropState)
	e.cleanupMgr = cleanup.New(cfg.MonitorInterval, cfg.ContextCleanupTTL, e.sweepInstances)

	orphanSource := &repository.OrphanAdapter{
		Repo:     repo,
		Build:    e.buildOrphanSubmission,
		IsActive: e.isInstanceActive,
	}
	e.orphans = dispatcher.NewOrphanMonitor(dispatch, orphanSource, time.Second, 30*time.Second, cfg.OrphanScanLimit)

	dispatch.RegisterSubscriber(e)
	return e
}

// Start spawns the worker pool, the monitor loop, and every collaborator
// with its own background loop (cleanup sweep, dispatcher, orphan scan).
func (e *Engine) Start() {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.mu.Unlock()

	e.cleanupMgr.Start()
	e.dispatch.Start()
	e.orphans.Start(context.Background())

	for i := 0; i < e.cfg.WorkerCount; i++ {
		e.wg.Add(1)
		go e.worker(i)
	}
	e.wg.Add(1)
	go e.monitorLoop()

	log.WithField("workers", e.cfg.WorkerCount).Info("execution engine started")
}

// Stop drains the worker pool and every collaborator, bounded by ctx.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = false
	e.mu.Unlock()

	close(e.stopCh)
	e.wg.Wait()

	e.orphans.Stop()
	if err := e.dispatch.StopContext(ctx); err != nil {
		return err
	}
	return e.cleanupMgr.Stop(ctx)
}

// ExecuteRequest is the input to ExecuteWorkflow (spec §6 execute_workflow).
type ExecuteRequest struct {
	TemplateBaseID string
	ExecutorID     string
	Name           string
	Input          map[string]interface{}
}

// ExecuteResult is returned by ExecuteWorkflow.
type ExecuteResult struct {
	InstanceID string
	Status     instance.WorkflowStatus
	Reused     bool // an existing active instance was returned instead of starting a new one
}

// ExecuteWorkflow starts a new instance of the latest version of
// req.TemplateBaseID, or returns an already-active instance for the same
// (template, executor) pair (spec §4.4 item 1).
func (e *Engine) ExecuteWorkflow(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	wf, err := e.templates.GetByBaseID(ctx, req.TemplateBaseID)
	if err != nil {
		return nil, err
	}
	if wf == nil {
		return nil, wferrors.New(wferrors.NotFound, "template not found: "+req.TemplateBaseID)
	}

	existing, err := e.repo.ListActiveFor(ctx, wf.ID, req.ExecutorID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return &ExecuteResult{InstanceID: existing[0].InstanceID, Status: existing[0].Status, Reused: true}, nil
	}

	if res := workflow.Validate(wf); !res.Valid {
		return nil, wferrors.New(wferrors.IllegalState, fmt.Sprintf("template %s failed validation: %d error(s)", wf.ID, len(res.Errors)))
	}

	// BuildGraph (invoked by every tracker call below) surfaces
	// CycleDetected here, before any instance row exists.
	downstream, err := e.tracker.DownstreamMap(wf.ID, wf)
	if err != nil {
		return nil, err
	}
	upstream, err := e.tracker.UpstreamMap(wf.ID, wf)
	if err != nil {
		return nil, err
	}
	startNodes, err := e.tracker.StartNodes(wf.ID, wf)
	if err != nil {
		return nil, err
	}

	instanceID := uuid.NewString()
	now := time.Now()
	wi := &instance.WorkflowInstance{
		InstanceID: instanceID,
		TemplateID: wf.ID,
		ExecutorID: req.ExecutorID,
		Name:       req.Name,
		Status:     instance.WorkflowRunning,
		Input:      req.Input,
		CreatedAt:  now,
		StartedAt:  &now,
	}
	if err := e.repo.CreateInstance(ctx, wi); err != nil {
		return nil, err
	}

	st := newInstanceState(wf)
	rsCtx := runstate.New(instanceID, wf.ID, downstream, req.Input, e.onNodesReady)

	for _, n := range wf.Nodes {
		nodeInstanceID := uuid.NewString()
		st.nodeInstanceID[n.ID] = nodeInstanceID
		st.nodeIDByInstanceID[nodeInstanceID] = n.ID

		ni := &instance.NodeInstance{
			NodeInstanceID: nodeInstanceID,
			InstanceID:     instanceID,
			NodeID:         n.ID,
			Status:         instance.NodePending,
		}
		if err := e.repo.CreateNode(ctx, ni); err != nil {
			return nil, err
		}
		if err := rsCtx.RegisterNode(nodeInstanceID, n.ID, upstream[n.ID]); err != nil {
			return nil, err
		}
	}

	e.mu.Lock()
	e.states[instanceID] = st
	e.mu.Unlock()

	if _, err := e.instances.Create(instanceID, wf.ID, req.ExecutorID, req.Name, rsCtx); err != nil {
		return nil, err
	}

	e.emit(ctx, events.EventTypeWorkflowStarted, instanceID, "", "", nil)
	e.enqueue(instanceID, startNodes)

	return &ExecuteResult{InstanceID: instanceID, Status: instance.WorkflowRunning}, nil
}

// onNodesReady is the runstate.CompletionCallback: it only enqueues, never
// blocks, so MarkNodeCompleted's caller is never held up by I/O.
func (e *Engine) onNodesReady(instanceID string, newlyReady []string) {
	e.enqueue(instanceID, newlyReady)
}

func (e *Engine) enqueue(instanceID string, nodeIDs []string) {
	if len(nodeIDs) == 0 {
		return
	}
	e.qmu.Lock()
	e.queue.PushBack(workItem{instanceID: instanceID, nodeIDs: nodeIDs})
	e.qmu.Unlock()

	select {
	case e.notify <- struct{}{}:
	default:
	}
}

func (e *Engine) popWork() (workItem, bool) {
	e.qmu.Lock()
	defer e.qmu.Unlock()
	front := e.queue.Front()
	if front == nil {
		return workItem{}, false
	}
	return e.queue.Remove(front).(workItem), true
}

func (e *Engine) worker(id int) {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopCh:
			return
		default:
		}

		item, ok := e.popWork()
		if !ok {
			select {
			case <-e.stopCh:
				return
			case <-e.notify:
			case <-time.After(e.cfg.QueuePopTimeout):
			}
			continue
		}

		for _, nodeID := range item.nodeIDs {
			e.processNode(context.Background(), item.instanceID, nodeID)
		}
	}
}

// processNode transitions one ready node: START/END complete immediately
// (spec §4.4 item 2), PROCESSOR nodes materialize their bound tasks (item
// 3). A paused instance defers processing until Resume.
func (e *Engine) processNode(ctx context.Context, instanceID, nodeID string) {
	entry, ok := e.instances.Get(instanceID)
	if !ok {
		return
	}
	st := e.stateFor(instanceID)
	if st == nil {
		return
	}

	st.mu.Lock()
	paused := st.paused
	node, found := st.wf.NodeByID(nodeID)
	nodeInstanceID := st.nodeInstanceID[nodeID]
	if paused {
		st.pendingNodes = append(st.pendingNodes, nodeID)
	}
	st.mu.Unlock()

	if !found || paused {
		return
	}
	if !entry.Context.MarkNodeExecuting(nodeID) {
		return
	}

	now := time.Now()
	if err := e.repo.UpdateNode(ctx, nodeInstanceID, map[string]interface{}{"status": instance.NodeRunning, "started_at": now}); err != nil {
		log.WithError(err).Warn("failed to mark node running")
	}

	switch node.Type {
	case workflow.NodeTypeStart, workflow.NodeTypeEnd:
		e.fastPathComplete(ctx, entry, node, nodeInstanceID)
	case workflow.NodeTypeProcessor:
		e.materializeProcessorNode(ctx, entry, st, node, nodeInstanceID)
	}
}

// fastPathComplete completes a START node immediately, writing an output
// that carries the node's declared task description to seed downstream
// context (spec §4.4 item 1), and an END node with its immediate
// upstream results passed through as output.
func (e *Engine) fastPathComplete(ctx context.Context, entry *instman.Entry, node workflow.Node, nodeInstanceID string) {
	var output map[string]interface{}
	if node.Type == workflow.NodeTypeEnd {
		if up, err := entry.Context.GetUpstreamContext(node.ID); err == nil {
			output = up.ImmediateUpstreamResults
		}
	} else if node.Type == workflow.NodeTypeStart {
		output = map[string]interface{}{"task_description": node.Description}
	}

	now := time.Now()
	if err := e.repo.UpdateNode(ctx, nodeInstanceID, map[string]interface{}{
		"status": instance.NodeCompleted, "output": output, "completed_at": now,
	}); err != nil {
		log.WithError(err).Warn("failed to complete start/end node")
	}

	entry.Context.MarkNodeCompleted(node.ID, output)
	e.finalizeIfTerminal(entry.InstanceID)
}

// materializeProcessorNode creates one TaskInstance per bound Processor
// (spec §4.4 item 3): HUMAN tasks are assigned and await
// SubmitHumanTaskResult, AGENT tasks are submitted to the dispatcher, and
// MIXED tasks do both — the AGENT call is advisory and never overwrites
// the human-facing task's Output (see DESIGN.md).
func (e *Engine) materializeProcessorNode(ctx context.Context, entry *instman.Entry, st *instanceState, node workflow.Node, nodeInstanceID string) {
	upstream, err := entry.Context.GetUpstreamContext(node.ID)
	if err != nil {
		log.WithError(err).Warn("failed to read upstream context for node materialization")
		return
	}
	envelope := buildEnvelope(node, upstream)

	exec := newNodeExecution(nodeInstanceID)
	st.mu.Lock()
	st.executions[node.ID] = exec
	st.mu.Unlock()

	for _, proc := range node.Processors {
		taskID := uuid.NewString()
		now := time.Now()

		ti := &instance.TaskInstance{
			TaskID:         taskID,
			NodeInstanceID: nodeInstanceID,
			InstanceID:     entry.InstanceID,
			TaskType:       taskTypeFor(proc),
			AssignedUser:   proc.UserID,
			AssignedAgent:  proc.AgentID,
			Status:         taskStatusFor(proc),
			Title:          node.Name,
			Input:          envelope,
			CreatedAt:      now,
		}
		if ti.Status == instance.TaskAssigned {
			ti.StartedAt = &now
		}
		if err := e.repo.CreateTask(ctx, ti); err != nil {
			log.WithError(err).Error("failed to create task instance")
			continue
		}

		st.mu.Lock()
		exec.taskIDs = append(exec.taskIDs, taskID)
		exec.taskTitles[taskID] = ti.Title
		st.taskIDs[taskID] = true
		st.mu.Unlock()

		e.mu.Lock()
		e.tasks[taskID] = taskRef{InstanceID: entry.InstanceID, NodeID: node.ID}
		e.mu.Unlock()

		switch proc.Type {
		case workflow.ProcessorHuman:
			e.emit(ctx, events.EventTypeTaskAssigned, entry.InstanceID, node.ID, taskID, events.TaskAssignedData{UserID: proc.UserID, Title: ti.Title})
		case workflow.ProcessorAgent:
			e.submitAgentTask(taskID, node, proc, ti)
		case workflow.ProcessorMixed:
			if proc.UserID != "" {
				e.emit(ctx, events.EventTypeTaskAssigned, entry.InstanceID, node.ID, taskID, events.TaskAssignedData{UserID: proc.UserID, Title: ti.Title})
			}
			advisoryID := taskID + ":advisory"
			e.mu.Lock()
			e.tasks[advisoryID] = taskRef{InstanceID: entry.InstanceID, NodeID: node.ID, Advisory: true, PrimaryID: taskID}
			e.mu.Unlock()
			e.submitAgentTask(advisoryID, node, proc, ti)
		}
	}
}

func (e *Engine) submitAgentTask(dispatchID string, node workflow.Node, proc workflow.Processor, ti *instance.TaskInstance) {
	req := buildAgentRequest(node, proc, ti)
	req.TaskID = dispatchID
	if e.metrics != nil {
		e.metrics.IncDispatcherSubmitted()
	}
	e.dispatch.Submit(dispatcher.Submission{TaskID: dispatchID, Request: req})
}

// buildEnvelope is the task input/context payload handed to HUMAN and
// AGENT processors alike: the immediate upstream outputs, the workflow's
// global context, and a small node_info block (spec §9).
func buildEnvelope(node workflow.Node, upstream runstate.UpstreamContext) map[string]interface{} {
	return map[string]interface{}{
		"immediate_upstream": upstream.ImmediateUpstreamResults,
		"workflow_global":    upstream.WorkflowGlobal,
		"node_info": map[string]interface{}{
			"node_id":     node.ID,
			"name":        node.Name,
			"description": node.Description,
		},
	}
}

func buildAgentRequest(node workflow.Node, proc workflow.Processor, ti *instance.TaskInstance) agentclient.Request {
	userMessage := ti.Title
	if raw, err := json.Marshal(ti.Input); err == nil {
		userMessage = string(raw)
	}
	return agentclient.Request{
		TaskID:       ti.TaskID,
		SystemPrompt: node.Description,
		UserMessage:  userMessage,
		Tools:        proc.Tools,
		TaskMetadata: agentclient.TaskMetadata{TaskTitle: ti.Title, TaskDescription: node.Description},
	}
}

// truncate returns the first n runes of s, per spec.md:172's
// result_summary = first 500 chars.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// OnTaskCompleted implements dispatcher.Subscriber.
func (e *Engine) OnTaskCompleted(taskID, output string, duration time.Duration) {
	ref, ok := e.lookupTask(taskID)
	if !ok {
		return
	}
	if ref.Advisory {
		if err := e.repo.UpdateTask(context.Background(), ref.PrimaryID, map[string]interface{}{"advisory_output": output}); err != nil {
			log.WithError(err).Warn("failed to record advisory output")
		}
		e.forgetTask(taskID)
		return
	}
	e.completeTask(ref.InstanceID, ref.NodeID, taskID, output, duration, nil)
}

// OnTaskFailed implements dispatcher.Subscriber. An advisory (MIXED)
// failure never touches the primary HUMAN task.
func (e *Engine) OnTaskFailed(taskID string, err error) {
	ref, ok := e.lookupTask(taskID)
	if !ok {
		return
	}
	if e.metrics != nil {
		e.metrics.IncDispatcherFailed()
	}
	if ref.Advisory {
		log.WithFields(log.Fields{"task_id": ref.PrimaryID, "error": err}).Debug("advisory agent call failed; primary task unaffected")
		e.forgetTask(taskID)
		return
	}
	e.completeTask(ref.InstanceID, ref.NodeID, taskID, "", 0, err)
}

// SubmitHumanTaskResult completes a HUMAN (or the human side of a MIXED)
// task (spec §6 submit_human_task_result).
func (e *Engine) SubmitHumanTaskResult(ctx context.Context, taskID, userID, result string) error {
	ti, err := e.repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if ti.Status.IsTerminal() {
		return wferrors.New(wferrors.IllegalState, "task already terminal: "+taskID)
	}
	if ti.AssignedUser != "" && ti.AssignedUser != userID {
		return wferrors.New(wferrors.IllegalState, "task is not assigned to user "+userID)
	}
	if _, ok := e.lookupTask(taskID); !ok {
		return wferrors.New(wferrors.NotFound, "task not tracked by a live instance: "+taskID)
	}
	e.completeTask(ti.InstanceID, e.nodeIDForTask(ti), taskID, result, 0, nil)
	return nil
}

func (e *Engine) nodeIDForTask(ti *instance.TaskInstance) string {
	ref, ok := e.lookupTask(ti.TaskID)
	if !ok {
		return ""
	}
	return ref.NodeID
}

// completeTask records one task's terminal outcome and, once every task
// of its owning node has reported in, finishes the node.
func (e *Engine) completeTask(instanceID, nodeID, taskID, output string, duration time.Duration, taskErr error) {
	ctx := context.Background()
	now := time.Now()

	fields := map[string]interface{}{"completed_at": now, "duration": duration}
	var resultSummary string
	if taskErr != nil {
		fields["status"] = instance.TaskFailed
		fields["error"] = taskErr.Error()
		e.emit(ctx, events.EventTypeTaskFailed, instanceID, nodeID, taskID, events.TaskFailedData{Error: taskErr.Error()})
	} else {
		fields["status"] = instance.TaskCompleted
		fields["output"] = output
		resultSummary = truncate(output, 500)
		fields["result_summary"] = resultSummary
		e.emit(ctx, events.EventTypeTaskCompleted, instanceID, nodeID, taskID, events.TaskCompletedData{Result: output, Duration: duration})
	}
	if err := e.repo.UpdateTask(ctx, taskID, fields); err != nil {
		log.WithError(err).Warn("failed to update task record")
	}

	st := e.stateFor(instanceID)
	if st == nil {
		return
	}
	st.mu.Lock()
	exec := st.executions[nodeID]
	if exec == nil {
		st.mu.Unlock()
		return
	}
	exec.taskResults[taskID] = taskResult{output: output, summary: resultSummary, err: taskErr}
	done := exec.allTerminal()
	st.mu.Unlock()

	if done {
		e.finishNode(instanceID, nodeID, st, exec)
	}
}

// finishNode aggregates a completed PROCESSOR node's task outcomes
// (spec §4.4 item 4). Any task failure triggers a retry up to the node's
// (or the engine default's) retry limit, then sticky failure, cascading
// cancellation to strict descendants.
func (e *Engine) finishNode(instanceID, nodeID string, st *instanceState, exec *nodeExecution) {
	ctx := context.Background()
	entry, ok := e.instances.Get(instanceID)
	if !ok {
		return
	}
	node, ok := st.wf.NodeByID(nodeID)
	if !ok {
		return
	}

	now := time.Now()
	output, failed := aggregateOutput(exec, now)

	if len(failed) > 0 {
		st.mu.Lock()
		st.retryCount[nodeID]++
		attempt := st.retryCount[nodeID]
		st.mu.Unlock()
		limit := e.retryLimitFor(node)

		if attempt <= limit {
			log.WithFields(log.Fields{
				"instance_id": instanceID, "node_id": nodeID, "attempt": attempt, "limit": limit,
			}).Warn("retrying node after task failure")
			if err := e.repo.UpdateNode(ctx, exec.nodeInstanceID, map[string]interface{}{"retry_count": attempt}); err != nil {
				log.WithError(err).Warn("failed to record retry count")
			}
			e.materializeProcessorNode(ctx, entry, st, node, exec.nodeInstanceID)
			return
		}

		errMsg := fmt.Sprintf("%d task(s) failed: %v", len(failed), failed)
		if err := e.repo.UpdateNode(ctx, exec.nodeInstanceID, map[string]interface{}{
			"status": instance.NodeFailed, "error": errMsg, "output": output, "completed_at": now,
		}); err != nil {
			log.WithError(err).Warn("failed to mark node failed")
		}

		cascaded := entry.Context.MarkNodeFailed(nodeID, errMsg)
		for _, cid := range cascaded {
			if niID := st.nodeInstanceIDFor(cid); niID != "" {
				if err := e.repo.UpdateNode(ctx, niID, map[string]interface{}{"status": instance.NodeCancelled, "completed_at": now}); err != nil {
					log.WithError(err).Warn("failed to cancel cascaded node")
				}
			}
		}
		e.finalizeIfTerminal(instanceID)
		return
	}

	if err := e.repo.UpdateNode(ctx, exec.nodeInstanceID, map[string]interface{}{
		"status": instance.NodeCompleted, "output": output, "completed_at": now,
	}); err != nil {
		log.WithError(err).Warn("failed to complete node")
	}
	entry.Context.MarkNodeCompleted(nodeID, output)
	e.finalizeIfTerminal(instanceID)
}

func (e *Engine) retryLimitFor(node workflow.Node) int {
	if node.RetryLimit > 0 {
		return node.RetryLimit
	}
	return e.cfg.TaskRetryLimit
}

// Pause marks an instance paused: in-flight tasks run to completion but
// newly-ready nodes are deferred until Resume.
func (e *Engine) Pause(ctx context.Context, instanceID string) error {
	st := e.stateFor(instanceID)
	if st == nil {
		return wferrors.New(wferrors.NotFound, "instance not found: "+instanceID)
	}
	st.mu.Lock()
	st.paused = true
	st.mu.Unlock()
	return e.repo.UpdateInstance(ctx, instanceID, map[string]interface{}{"status": instance.WorkflowPaused})
}

// Resume clears the pause flag and replays every node deferred while
// paused.
func (e *Engine) Resume(ctx context.Context, instanceID string) error {
	st := e.stateFor(instanceID)
	if st == nil {
		return wferrors.New(wferrors.NotFound, "instance not found: "+instanceID)
	}
	st.mu.Lock()
	st.paused = false
	pending := st.pendingNodes
	st.pendingNodes = nil
	st.mu.Unlock()

	if err := e.repo.UpdateInstance(ctx, instanceID, map[string]interface{}{"status": instance.WorkflowRunning}); err != nil {
		return err
	}
	e.enqueue(instanceID, pending)
	return nil
}

// Cancel stops an instance: every non-terminal task is cancelled, every
// non-terminal node is cancelled, and the instance is finalized as
// CANCELLED. Idempotent against an instance already in a terminal state.
func (e *Engine) Cancel(ctx context.Context, instanceID string) error {
	entry, ok := e.instances.Get(instanceID)
	if !ok {
		wi, err := e.repo.GetInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		if wi.Status.IsTerminal() {
			return nil
		}
		return wferrors.New(wferrors.NotFound, "instance not live: "+instanceID)
	}
	st := e.stateFor(instanceID)
	if st == nil {
		return wferrors.New(wferrors.NotFound, "instance state missing: "+instanceID)
	}

	st.mu.Lock()
	taskIDs := make([]string, 0, len(st.taskIDs))
	for tid := range st.taskIDs {
		taskIDs = append(taskIDs, tid)
	}
	st.mu.Unlock()

	for _, tid := range taskIDs {
		e.dispatch.Cancel(tid)
		ti, err := e.repo.GetTask(ctx, tid)
		if err == nil && !ti.Status.IsTerminal() {
			if err := e.repo.UpdateTask(ctx, tid, map[string]interface{}{"status": instance.TaskCancelled}); err != nil {
				log.WithError(err).Warn("failed to cancel task")
			}
		}
	}

	now := time.Now()
	for _, nid := range entry.Context.CancelRemaining() {
		if niID := st.nodeInstanceIDFor(nid); niID != "" {
			if err := e.repo.UpdateNode(ctx, niID, map[string]interface{}{"status": instance.NodeCancelled, "completed_at": now}); err != nil {
				log.WithError(err).Warn("failed to cancel node")
			}
		}
	}

	e.finalize(instanceID, instance.WorkflowCancelled)
	return nil
}

// StatusView is the result of GetStatus: the persisted instance row plus
// the live InstanceContext's in-memory counters, if the instance is
// still running.
type StatusView struct {
	Instance *instance.WorkflowInstance
	Running  runstate.Status
	Live     bool
}

// GetStatus reports an instance's current status (spec §6 get_status).
func (e *Engine) GetStatus(ctx context.Context, instanceID string) (*StatusView, error) {
	wi, err := e.repo.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	view := &StatusView{Instance: wi}
	if entry, ok := e.instances.Get(instanceID); ok {
		view.Running = entry.Context.Status()
		view.Live = true
	}
	return view, nil
}

// finalizeIfTerminal finalizes instanceID as COMPLETED or FAILED once its
// context reports every node terminal; a no-op otherwise.
func (e *Engine) finalizeIfTerminal(instanceID string) {
	entry, ok := e.instances.Get(instanceID)
	if !ok {
		return
	}
	if !entry.Context.IsTerminal() {
		return
	}
	status := instance.WorkflowCompleted
	if entry.Context.HasFailure() {
		status = instance.WorkflowFailed
	}
	e.finalize(instanceID, status)
}

// finalize persists the terminal status, builds and persists the
// OutputSummarizer report, emits the terminal lifecycle event, and
// releases the instance's live context (spec §4.4 item 5, §4.7).
func (e *Engine) finalize(instanceID string, status instance.WorkflowStatus) {
	ctx := context.Background()
	now := time.Now()

	if err := e.repo.UpdateInstance(ctx, instanceID, map[string]interface{}{"status": status, "completed_at": now}); err != nil {
		log.WithError(err).Warn("failed to finalize instance status")
	}

	wi, err := e.repo.GetInstance(ctx, instanceID)
	if err != nil {
		log.WithError(err).Warn("failed to reload instance for summary")
		_ = e.instances.Remove(instanceID, true)
		return
	}
	nodes, _ := e.repo.ListNodesByInstance(ctx, instanceID)
	tasks, _ := e.repo.ListTasksByInstance(ctx, instanceID)

	nodeNames := map[string]string{}
	if st := e.stateFor(instanceID); st != nil {
		st.mu.Lock()
		for _, n := range st.wf.Nodes {
			nodeNames[n.ID] = n.Name
		}
		st.mu.Unlock()
	}

	sum := summary.Build(wi, nodes, tasks, nodeNames)
	if err := e.repo.UpdateInstance(ctx, instanceID, map[string]interface{}{"summary": sum}); err != nil {
		log.WithError(err).Warn("failed to persist execution summary")
	}

	eventType := events.EventTypeWorkflowCompleted
	var payload interface{} = events.WorkflowCompletedData{Summary: sum}
	switch status {
	case instance.WorkflowFailed:
		eventType = events.EventTypeWorkflowFailed
		payload = events.WorkflowFailedData{Error: strings.Join(sum.Issues, "; ")}
	case instance.WorkflowCancelled:
		eventType = events.EventTypeWorkflowCancelled
		payload = nil
	}
	e.emit(ctx, eventType, instanceID, "", "", payload)

	if err := e.instances.Remove(instanceID, true); err != nil {
		log.WithError(err).Warn("failed to remove instance from manager")
	}
}

func (e *Engine) stateFor(instanceID string) *instanceState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.states[instanceID]
}

// dropState is the instman.Manager removal hook: it drops the instance's
// bookkeeping and every task index entry it owns.
func (e *Engine) dropState(instanceID string) {
	e.mu.Lock()
	delete(e.states, instanceID)
	for tid, ref := range e.tasks {
		if ref.InstanceID == instanceID {
			delete(e.tasks, tid)
		}
	}
	e.mu.Unlock()
}

func (e *Engine) lookupTask(taskID string) (taskRef, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ref, ok := e.tasks[taskID]
	return ref, ok
}

func (e *Engine) forgetTask(taskID string) {
	e.mu.Lock()
	delete(e.tasks, taskID)
	e.mu.Unlock()
}

func (e *Engine) emit(ctx context.Context, t events.EventType, instanceID, nodeID, taskID string, data interface{}) {
	if e.eventBus == nil {
		return
	}
	ev := &events.Event{
		Type:       t,
		Priority:   eventPriority(t),
		InstanceID: instanceID,
		NodeID:     nodeID,
		TaskID:     taskID,
		Data:       data,
		Context:    ctx,
	}
	if err := e.eventBus.PublishEvent(ev); err != nil {
		log.WithError(err).Debug("event publish dropped")
	}
}

// eventPriority classifies an outbound event for the processor's retry
// policy: workflow/task failures get the full retry budget, terminal
// successes get most of it, and merely-informational events
// (workflow_started, task_assigned) are best-effort only.
func eventPriority(t events.EventType) events.EventPriority {
	switch t {
	case events.EventTypeWorkflowFailed, events.EventTypeTaskFailed:
		return events.PriorityCritical
	case events.EventTypeWorkflowCompleted, events.EventTypeWorkflowCancelled, events.EventTypeTaskCompleted:
		return events.PriorityHigh
	case events.EventTypeTaskAssigned:
		return events.PriorityLow
	default:
		return events.PriorityLow
	}
}

// sweepInstances is the cleanup.Manager's sweepInstances hook: any
// context still registered but reporting terminal is an orphan of a race
// between finalize and a concurrent sweep, and is force-removed.
func (e *Engine) sweepInstances() int {
	swept := 0
	for _, entry := range e.instances.List() {
		if entry.Context.IsTerminal() {
			if err := e.instances.Remove(entry.InstanceID, true); err == nil {
				swept++
			}
		}
	}
	return swept
}

// refreshMetrics mirrors the engine's live counters onto the Prometheus
// exporter; called from the monitor loop.
func (e *Engine) refreshMetrics() {
	if e.metrics == nil {
		return
	}
	hits, misses := e.tracker.CacheStats()
	e.metrics.SetDAGCacheStats(hits, misses)
	e.metrics.SetDispatcherInFlight(e.dispatch.InProgressCount())
	e.metrics.SetLiveInstances(e.instances.Count())

	cur := e.cleanupMgr.GetStats()
	if cur.SweepsRun > e.lastCleanupStats.SweepsRun {
		e.metrics.ObserveCleanupSweep(
			cur.ContextsSwept-e.lastCleanupStats.ContextsSwept,
			cur.TempFilesSwept-e.lastCleanupStats.TempFilesSwept,
			cur.CleanerErrors-e.lastCleanupStats.CleanerErrors,
		)
	}
	e.lastCleanupStats = cur
}

func (e *Engine) monitorLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.refreshMetrics()
			e.checkAdvisoryDeadlines()
		}
	}
}

// checkAdvisoryDeadlines logs (never cancels) instances that have run
// longer than the configured advisory deadline (spec §9: advisory-only).
func (e *Engine) checkAdvisoryDeadlines() {
	if e.cfg.AdvisoryInstanceDeadline <= 0 {
		return
	}
	ctx := context.Background()
	now := time.Now()
	for _, entry := range e.instances.List() {
		wi, err := e.repo.GetInstance(ctx, entry.InstanceID)
		if err != nil || wi.StartedAt == nil {
			continue
		}
		if running := now.Sub(*wi.StartedAt); running > e.cfg.AdvisoryInstanceDeadline {
			log.WithFields(log.Fields{
				"instance_id": entry.InstanceID, "running_for": running,
			}).Warn("instance exceeded advisory deadline")
		}
	}
}

// buildOrphanSubmission rebuilds a dispatcher.Submission for a PENDING
// agent task discovered by the orphan monitor (e.g. after a restart).
func (e *Engine) buildOrphanSubmission(ti *instance.TaskInstance) (dispatcher.Submission, error) {
	if ti.TaskType == instance.TaskMixed {
		return dispatcher.Submission{}, wferrors.New(wferrors.IllegalState, "MIXED task's agent call is advisory only: "+ti.TaskID)
	}
	st := e.stateFor(ti.InstanceID)
	if st == nil {
		return dispatcher.Submission{}, wferrors.New(wferrors.NotFound, "instance state missing: "+ti.InstanceID)
	}
	st.mu.Lock()
	nodeID := st.nodeIDByInstanceID[ti.NodeInstanceID]
	node, ok := st.wf.NodeByID(nodeID)
	st.mu.Unlock()
	if !ok {
		return dispatcher.Submission{}, wferrors.New(wferrors.NotFound, "node not found for task: "+ti.TaskID)
	}

	req := buildAgentRequest(node, processorFor(node, ti), ti)
	req.TaskID = ti.TaskID
	return dispatcher.Submission{TaskID: ti.TaskID, Request: req}, nil
}

func (e *Engine) isInstanceActive(instanceID string) bool {
	_, ok := e.instances.Get(instanceID)
	return ok
}

// processorFor finds the Processor binding that produced ti, preferring
// an exact agent_id match.
func processorFor(node workflow.Node, ti *instance.TaskInstance) workflow.Processor {
	for _, p := range node.Processors {
		if p.Type == workflow.ProcessorAgent && p.AgentID == ti.AssignedAgent {
			return p
		}
	}
	for _, p := range node.Processors {
		if p.Type == workflow.ProcessorAgent {
			return p
		}
	}
	return workflow.Processor{}
}
