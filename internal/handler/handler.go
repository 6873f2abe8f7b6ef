// Package handler implements the protocol surface transports call into:
// message submission, streaming, task queries, cancellation and push
// config management. Transports stay thin; everything stateful happens
// here and below.
package handler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaymesh/relay/internal/a2a"
	"github.com/relaymesh/relay/internal/common/logger"
	"github.com/relaymesh/relay/internal/eventqueue"
	"github.com/relaymesh/relay/internal/executor"
	"github.com/relaymesh/relay/internal/push"
	"github.com/relaymesh/relay/internal/taskstate"
	"github.com/relaymesh/relay/internal/taskstore"
)

// Config tunes request handling behavior.
type Config struct {
	// BlockingTimeout caps how long a blocking send waits for the agent
	// before the task is failed.
	BlockingTimeout time.Duration
	// CancelTimeout caps how long a cancel call waits for the executor to
	// emit the canceled status.
	CancelTimeout time.Duration
	// EventConsumptionTimeout caps how long a stream consumer waits
	// between events; a producer that stalls past it terminates the
	// stream with an error.
	EventConsumptionTimeout time.Duration
	// ReplayFromStore makes subscribing to a finalized task replay the
	// persisted snapshot instead of returning TaskNotFound.
	ReplayFromStore bool
}

// StreamItem is one element of a streaming response: an event or a
// terminal error, never both.
type StreamItem struct {
	Event a2a.Event
	Err   error
}

// RequestHandler is the protocol entry point shared by all transports.
type RequestHandler struct {
	exec      executor.AgentExecutor
	processor *taskstate.Processor
	store     taskstore.Store
	queues    *eventqueue.Manager
	pushStore *push.ConfigStore
	card      a2a.AgentCard
	cfg       Config
	logger    *logger.Logger
}

// NewRequestHandler wires the handler over the shared core components.
func NewRequestHandler(exec executor.AgentExecutor, processor *taskstate.Processor, store taskstore.Store, queues *eventqueue.Manager, pushStore *push.ConfigStore, card a2a.AgentCard, cfg Config, log *logger.Logger) *RequestHandler {
	if cfg.BlockingTimeout <= 0 {
		cfg.BlockingTimeout = time.Minute
	}
	if cfg.CancelTimeout <= 0 {
		cfg.CancelTimeout = 5 * time.Second
	}
	if cfg.EventConsumptionTimeout <= 0 {
		cfg.EventConsumptionTimeout = 30 * time.Second
	}
	return &RequestHandler{
		exec:      exec,
		processor: processor,
		store:     store,
		queues:    queues,
		pushStore: pushStore,
		card:      card,
		cfg:       cfg,
		logger:    log.WithFields(zap.String("component", "request_handler")),
	}
}

// AgentCard returns the card served at the well-known endpoint.
func (h *RequestHandler) AgentCard() a2a.AgentCard { return h.card }

// submission holds the pieces of one message submission shared by the
// blocking and streaming paths.
type submission struct {
	taskID    string
	contextID string
	task      *a2a.Task
	main      *eventqueue.MainQueue
	tap       *eventqueue.ChildQueue
	// execErr receives a protocol error raised by the executor; it
	// terminates the submitting request only.
	execErr chan error
}

// submit validates the params, binds or creates the task, taps its main
// queue and launches the executor.
func (h *RequestHandler) submit(ctx context.Context, callCtx *ServerCallContext, params *a2a.MessageSendParams) (*submission, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	msg := params.Message.Clone()
	if msg.MessageID == "" {
		msg.MessageID = uuid.New().String()
	}

	taskID := msg.TaskID
	var existing *a2a.Task
	if taskID != "" {
		existing = h.snapshot(ctx, taskID)
		if existing != nil && existing.Status.State.IsFinal() {
			return nil, a2a.ErrInvalidParams("task %s is already in final state %s", taskID, existing.Status.State)
		}
	}
	if taskID == "" {
		taskID = uuid.New().String()
	}

	contextID := msg.ContextID
	if existing != nil {
		contextID = existing.ContextID
	}
	if contextID == "" {
		contextID = uuid.New().String()
	}
	msg.TaskID = taskID
	msg.ContextID = contextID

	sub := &submission{
		taskID:    taskID,
		contextID: contextID,
		execErr:   make(chan error, 1),
	}

	tm := NewTaskManager(taskID, contextID, msg, h.processor, h.store)
	if existing != nil {
		if _, err := tm.ProcessEvent(existing); err != nil {
			return nil, err
		}
		sub.task = tm.UpdateWithMessage(*msg)
	} else {
		task, err := a2a.NewTask(taskID, contextID, *msg)
		if err != nil {
			return nil, a2a.ErrInvalidParams("%s", err.Error())
		}
		if sub.task, err = tm.ProcessEvent(task); err != nil {
			return nil, err
		}
	}

	sub.main = h.queues.GetOrCreate(taskID)
	sub.tap = sub.main.Tap()
	if sub.tap == nil {
		return nil, a2a.ErrTaskNotFound(taskID)
	}

	if existing == nil {
		// The submitted snapshot is the first event on the queue, so
		// subscribers and the persistence pipeline see task creation.
		if err := sub.main.Enqueue(ctx, sub.task.Clone()); err != nil {
			sub.tap.Close()
			return nil, a2a.ErrInternal(err)
		}
	}

	reqCtx := &executor.RequestContext{
		TaskID:        taskID,
		ContextID:     contextID,
		Message:       msg,
		Task:          sub.task.Clone(),
		Configuration: params.Configuration,
		Extensions:    callCtx.Extensions,
		Metadata:      params.Metadata,
	}

	// The executor outlives the request: AUTH_REQUIRED returns and
	// non-blocking sends leave it running. A panic must not take the
	// server down with it; it fails the task like a returned error.
	execCtx := context.WithoutCancel(ctx)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				h.logger.Error("Agent executor panicked",
					zap.String("task_id", sub.taskID),
					zap.Any("panic", r))
				h.handleExecutorError(execCtx, sub, fmt.Errorf("executor panic: %v", r))
			}
		}()
		if err := h.exec.Execute(execCtx, reqCtx, sub.main); err != nil {
			h.handleExecutorError(execCtx, sub, err)
		}
	}()

	return sub, nil
}

// handleExecutorError propagates protocol errors to the submitting
// request and converts anything else into a FAILED status on the queue.
func (h *RequestHandler) handleExecutorError(ctx context.Context, sub *submission, err error) {
	var protocolErr *a2a.Error
	if errors.As(err, &protocolErr) {
		select {
		case sub.execErr <- protocolErr:
		default:
		}
		return
	}

	h.logger.Error("Agent executor failed",
		zap.String("task_id", sub.taskID),
		zap.Error(err))
	failed := a2a.NewStatusUpdate(sub.taskID, sub.contextID, a2a.TaskStateFailed,
		a2a.AgentMessage("agent execution failed"))
	if enqErr := sub.main.Enqueue(ctx, failed); enqErr != nil && !errors.Is(enqErr, eventqueue.ErrQueueClosed) {
		h.logger.Error("Failed to enqueue failure status",
			zap.String("task_id", sub.taskID),
			zap.Error(enqErr))
	}
}

// OnMessageSend handles message/send. It returns either the task
// snapshot at the first terminal condition (final, AUTH_REQUIRED,
// INPUT_REQUIRED) or a bare agent message when the agent replies without
// materializing a task.
func (h *RequestHandler) OnMessageSend(ctx context.Context, callCtx *ServerCallContext, params a2a.MessageSendParams) (a2a.Event, error) {
	sub, err := h.submit(ctx, callCtx, &params)
	if err != nil {
		return nil, err
	}
	defer sub.tap.Close()

	if params.Configuration != nil && !params.Configuration.Blocking {
		return h.result(sub, nil, params.Configuration), nil
	}

	timer := time.NewTimer(h.cfg.BlockingTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case err := <-sub.execErr:
			return nil, err
		case <-timer.C:
			return h.failOnTimeout(sub), nil
		case ev, ok := <-sub.tap.Events():
			if !ok {
				return h.result(sub, nil, params.Configuration), nil
			}
			switch e := ev.(type) {
			case *a2a.Message:
				return e, nil
			case *a2a.QueueClosedEvent:
				return h.result(sub, nil, params.Configuration), nil
			case *a2a.TaskStatusUpdateEvent:
				state := e.Status.State
				if state.IsFinal() || state.IsInterrupted() {
					// AUTH_REQUIRED and INPUT_REQUIRED return the
					// snapshot but leave the queue open and the
					// executor running.
					return h.result(sub, e, params.Configuration), nil
				}
			}
		}
	}
}

// failOnTimeout enqueues a synthetic FAILED status and returns the
// failed snapshot. The event still travels the queue so subscribers and
// the store observe the same terminal state.
func (h *RequestHandler) failOnTimeout(sub *submission) *a2a.Task {
	h.logger.Warn("Blocking send timed out", zap.String("task_id", sub.taskID))
	failed := a2a.NewStatusUpdate(sub.taskID, sub.contextID, a2a.TaskStateFailed,
		a2a.AgentMessage("agent did not complete in time"))
	if err := sub.main.Enqueue(context.Background(), failed); err != nil && !errors.Is(err, eventqueue.ErrQueueClosed) {
		h.logger.Error("Failed to enqueue timeout status",
			zap.String("task_id", sub.taskID),
			zap.Error(err))
	}
	return h.result(sub, failed, nil)
}

// result builds the task snapshot returned to the caller. The snapshot
// comes from the state processor; when the terminal event has not been
// reduced yet its status is overlaid so the response is consistent with
// what the caller just observed.
func (h *RequestHandler) result(sub *submission, terminal *a2a.TaskStatusUpdateEvent, cfg *a2a.MessageSendConfiguration) *a2a.Task {
	task := h.processor.GetTask(sub.taskID)
	if task == nil {
		task = sub.task.Clone()
	}
	if terminal != nil && task.Status.State != terminal.Status.State {
		task.Status = terminal.Status
	}
	var historyLength *int
	if cfg != nil {
		historyLength = cfg.HistoryLength
	}
	return taskstore.ProjectTask(task, historyLength, true)
}

// OnMessageSendStream handles message/stream: the same submission as
// OnMessageSend, returning the task's event stream instead of a single
// result. The channel closes when the task's queue closes or the caller
// cancels.
func (h *RequestHandler) OnMessageSendStream(ctx context.Context, callCtx *ServerCallContext, params a2a.MessageSendParams) (<-chan StreamItem, error) {
	sub, err := h.submit(ctx, callCtx, &params)
	if err != nil {
		return nil, err
	}
	callCtx.OnCancel(sub.tap.Close)

	out := make(chan StreamItem)
	go h.forward(ctx, sub.tap, sub.execErr, out)
	return out, nil
}

// OnSubscribeToTask opens a stream over an existing task's queue.
func (h *RequestHandler) OnSubscribeToTask(ctx context.Context, callCtx *ServerCallContext, params a2a.TaskIDParams) (<-chan StreamItem, error) {
	if params.ID == "" {
		return nil, a2a.ErrInvalidParams("task id is required")
	}
	task := h.snapshot(ctx, params.ID)
	if task == nil {
		return nil, a2a.ErrTaskNotFound(params.ID)
	}

	tap := h.queues.Tap(params.ID)
	if tap == nil {
		if task.Status.State.IsFinal() && h.cfg.ReplayFromStore {
			out := make(chan StreamItem, 1)
			out <- StreamItem{Event: task}
			close(out)
			return out, nil
		}
		return nil, a2a.ErrTaskNotFound(params.ID)
	}
	callCtx.OnCancel(tap.Close)

	out := make(chan StreamItem)
	go h.forward(ctx, tap, nil, out)
	return out, nil
}

// forward pumps tap events into the response stream until the queue
// closes, the executor raises, the producer stalls past the consumption
// timeout, or the caller goes away.
func (h *RequestHandler) forward(ctx context.Context, tap *eventqueue.ChildQueue, execErr <-chan error, out chan<- StreamItem) {
	defer close(out)
	defer tap.Close()
	idle := time.NewTimer(h.cfg.EventConsumptionTimeout)
	defer idle.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-idle.C:
			select {
			case out <- StreamItem{Err: a2a.ErrInternal(errors.New("timed out waiting for task events"))}:
			case <-ctx.Done():
			}
			return
		case err := <-execErr:
			select {
			case out <- StreamItem{Err: err}:
			case <-ctx.Done():
			}
			return
		case ev, ok := <-tap.Events():
			if !ok {
				return
			}
			if _, closed := ev.(*a2a.QueueClosedEvent); closed {
				// Internal control event; clients just see end-of-stream.
				return
			}
			select {
			case out <- StreamItem{Event: ev}:
			case <-ctx.Done():
				return
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(h.cfg.EventConsumptionTimeout)
		}
	}
}

// OnCancelTask asks the executor to cancel and waits for the canceled
// status to come back through the queue.
func (h *RequestHandler) OnCancelTask(ctx context.Context, callCtx *ServerCallContext, params a2a.TaskIDParams) (*a2a.Task, error) {
	if params.ID == "" {
		return nil, a2a.ErrInvalidParams("task id is required")
	}
	tm := NewTaskManager(params.ID, "", nil, h.processor, h.store)
	task, err := tm.GetTask(ctx)
	if err != nil {
		return nil, a2a.AsError(err)
	}
	if task.Status.State.IsFinal() {
		return nil, a2a.ErrTaskNotCancelable(params.ID, task.Status.State)
	}

	main := h.queues.Get(params.ID)
	if main == nil {
		// No producer is running here; nothing can emit CANCELED.
		return nil, a2a.ErrTaskNotCancelable(params.ID, task.Status.State)
	}
	tap := main.Tap()
	if tap == nil {
		return nil, a2a.ErrTaskNotCancelable(params.ID, task.Status.State)
	}
	defer tap.Close()

	reqCtx := &executor.RequestContext{
		TaskID:     params.ID,
		ContextID:  task.ContextID,
		Task:       task,
		Extensions: callCtx.Extensions,
	}
	cancelErr := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				h.logger.Error("Agent cancel panicked",
					zap.String("task_id", params.ID),
					zap.Any("panic", r))
				cancelErr <- fmt.Errorf("executor panic: %v", r)
			}
		}()
		if err := h.exec.Cancel(context.WithoutCancel(ctx), reqCtx, main); err != nil {
			cancelErr <- err
		}
	}()

	timer := time.NewTimer(h.cfg.CancelTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case err := <-cancelErr:
			return nil, a2a.AsError(err)
		case <-timer.C:
			return nil, a2a.ErrInternal(errors.New("timed out waiting for task cancellation"))
		case ev, ok := <-tap.Events():
			if !ok {
				return h.requireSnapshot(ctx, params.ID)
			}
			if su, isStatus := ev.(*a2a.TaskStatusUpdateEvent); isStatus && su.Status.State.IsFinal() {
				result := h.snapshot(ctx, params.ID)
				if result == nil {
					result = task
				}
				if result.Status.State != su.Status.State {
					result.Status = su.Status
				}
				return result, nil
			}
		}
	}
}

// OnGetTask returns the task snapshot with an optional history window.
func (h *RequestHandler) OnGetTask(ctx context.Context, callCtx *ServerCallContext, params a2a.TaskQueryParams) (*a2a.Task, error) {
	if params.ID == "" {
		return nil, a2a.ErrInvalidParams("task id is required")
	}
	task := h.snapshot(ctx, params.ID)
	if task == nil {
		return nil, a2a.ErrTaskNotFound(params.ID)
	}
	return taskstore.ProjectTask(task, params.HistoryLength, true), nil
}

// OnListTasks pages through persisted tasks.
func (h *RequestHandler) OnListTasks(ctx context.Context, callCtx *ServerCallContext, params a2a.ListTasksParams) (*a2a.ListTasksResult, error) {
	result, err := h.store.List(ctx, params)
	if err != nil {
		return nil, a2a.AsError(err)
	}
	return result, nil
}

// OnSetPushConfig registers a push notification config for the task.
func (h *RequestHandler) OnSetPushConfig(ctx context.Context, callCtx *ServerCallContext, params a2a.TaskPushConfig) (*a2a.TaskPushConfig, error) {
	if err := h.requirePushSupport(); err != nil {
		return nil, err
	}
	if params.TaskID == "" {
		return nil, a2a.ErrInvalidParams("task id is required")
	}
	if params.Config.URL == "" {
		return nil, a2a.ErrInvalidParams("push notification url is required")
	}
	if h.snapshot(ctx, params.TaskID) == nil {
		return nil, a2a.ErrTaskNotFound(params.TaskID)
	}
	stored := h.pushStore.Set(params.TaskID, params.Config)
	return &a2a.TaskPushConfig{TaskID: params.TaskID, Config: stored}, nil
}

// OnGetPushConfig returns one registered config.
func (h *RequestHandler) OnGetPushConfig(ctx context.Context, callCtx *ServerCallContext, taskID, configID string) (*a2a.TaskPushConfig, error) {
	if err := h.requirePushSupport(); err != nil {
		return nil, err
	}
	config, ok := h.pushStore.Get(taskID, configID)
	if !ok {
		return nil, a2a.ErrTaskNotFound(taskID)
	}
	return &a2a.TaskPushConfig{TaskID: taskID, Config: config}, nil
}

// OnListPushConfigs returns every config registered for the task.
func (h *RequestHandler) OnListPushConfigs(ctx context.Context, callCtx *ServerCallContext, taskID string) ([]a2a.TaskPushConfig, error) {
	if err := h.requirePushSupport(); err != nil {
		return nil, err
	}
	configs := h.pushStore.List(taskID)
	result := make([]a2a.TaskPushConfig, 0, len(configs))
	for _, config := range configs {
		result = append(result, a2a.TaskPushConfig{TaskID: taskID, Config: config})
	}
	return result, nil
}

// OnDeletePushConfig removes one registered config.
func (h *RequestHandler) OnDeletePushConfig(ctx context.Context, callCtx *ServerCallContext, taskID, configID string) error {
	if err := h.requirePushSupport(); err != nil {
		return err
	}
	if !h.pushStore.Delete(taskID, configID) {
		return a2a.ErrTaskNotFound(taskID)
	}
	return nil
}

func (h *RequestHandler) requirePushSupport() error {
	if !h.card.Capabilities.PushNotifications {
		return a2a.ErrPushNotificationsUnsupported()
	}
	return nil
}

// snapshot returns the freshest task copy available, or nil.
func (h *RequestHandler) snapshot(ctx context.Context, taskID string) *a2a.Task {
	if task := h.processor.GetTask(taskID); task != nil {
		return task
	}
	task, err := h.store.Get(ctx, taskID)
	if err != nil {
		if !errors.Is(err, taskstore.ErrNotFound) {
			h.logger.Warn("Task store lookup failed",
				zap.String("task_id", taskID),
				zap.Error(err))
		}
		return nil
	}
	return task
}

func (h *RequestHandler) requireSnapshot(ctx context.Context, taskID string) (*a2a.Task, error) {
	task := h.snapshot(ctx, taskID)
	if task == nil {
		return nil, a2a.ErrTaskNotFound(taskID)
	}
	return task, nil
}
