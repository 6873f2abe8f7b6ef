package handler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/relay/internal/a2a"
	"github.com/relaymesh/relay/internal/common/logger"
	"github.com/relaymesh/relay/internal/eventqueue"
	"github.com/relaymesh/relay/internal/executor"
	"github.com/relaymesh/relay/internal/push"
	"github.com/relaymesh/relay/internal/taskstate"
	"github.com/relaymesh/relay/internal/taskstore"
)

// scriptedExecutor runs caller-supplied Execute and Cancel functions.
type scriptedExecutor struct {
	execute func(ctx context.Context, reqCtx *executor.RequestContext, queue executor.Queue) error
	cancel  func(ctx context.Context, reqCtx *executor.RequestContext, queue executor.Queue) error
}

func (e *scriptedExecutor) Execute(ctx context.Context, reqCtx *executor.RequestContext, queue executor.Queue) error {
	if e.execute == nil {
		return nil
	}
	return e.execute(ctx, reqCtx, queue)
}

func (e *scriptedExecutor) Cancel(ctx context.Context, reqCtx *executor.RequestContext, queue executor.Queue) error {
	if e.cancel == nil {
		return nil
	}
	return e.cancel(ctx, reqCtx, queue)
}

type harness struct {
	handler   *RequestHandler
	store     taskstore.Store
	processor *taskstate.Processor
	queues    *eventqueue.Manager
	pushStore *push.ConfigStore
}

func newHarness(t *testing.T, exec executor.AgentExecutor, cfg Config) *harness {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	processor := taskstate.NewProcessor(log)
	store := taskstore.NewMemoryStore(log)
	sink := NewStateSink(processor, store, log)
	provider := NewStateProvider(processor, store)

	var mgr *eventqueue.Manager
	bus := eventqueue.NewBus(sink, nil, nil, func(taskID string) {
		if mgr != nil {
			mgr.NotifyFinalized(taskID)
		}
	}, log)
	mgr = eventqueue.NewManager(bus, provider, eventqueue.ManagerConfig{}, log)
	mgr.Start()
	t.Cleanup(mgr.Stop)

	pushStore := push.NewConfigStore()
	card := a2a.AgentCard{
		Name:            "test-agent",
		URL:             "http://localhost:8080",
		Version:         "0.0.1",
		ProtocolVersion: a2a.ProtocolVersion,
		Capabilities:    a2a.AgentCapabilities{Streaming: true, PushNotifications: true},
	}

	return &harness{
		handler:   NewRequestHandler(exec, processor, store, mgr, pushStore, card, cfg, log),
		store:     store,
		processor: processor,
		queues:    mgr,
		pushStore: pushStore,
	}
}

func userParams(text string) a2a.MessageSendParams {
	return a2a.MessageSendParams{
		Message: a2a.Message{
			Role:  a2a.RoleUser,
			Parts: []a2a.Part{a2a.TextPart(text)},
		},
	}
}

// completingExecutor drives a task to completion with one artifact.
func completingExecutor() *scriptedExecutor {
	return &scriptedExecutor{
		execute: func(ctx context.Context, reqCtx *executor.RequestContext, queue executor.Queue) error {
			if err := queue.Enqueue(ctx, a2a.NewStatusUpdate(reqCtx.TaskID, reqCtx.ContextID, a2a.TaskStateWorking, nil)); err != nil {
				return err
			}
			artifact, err := a2a.NewArtifact("result", []a2a.Part{a2a.TextPart("output")})
			if err != nil {
				return err
			}
			if err := queue.Enqueue(ctx, &a2a.TaskArtifactUpdateEvent{
				TaskID: reqCtx.TaskID, ContextID: reqCtx.ContextID, Artifact: *artifact, LastChunk: true,
			}); err != nil {
				return err
			}
			return queue.Enqueue(ctx, a2a.NewStatusUpdate(reqCtx.TaskID, reqCtx.ContextID, a2a.TaskStateCompleted, a2a.AgentMessage("done")))
		},
	}
}

func TestOnMessageSend_BlockingCompletes(t *testing.T) {
	h := newHarness(t, completingExecutor(), Config{})

	result, err := h.handler.OnMessageSend(context.Background(), &ServerCallContext{}, userParams("do work"))
	require.NoError(t, err)

	task, ok := result.(*a2a.Task)
	require.True(t, ok, "blocking send should return a task snapshot")
	assert.Equal(t, a2a.TaskStateCompleted, task.Status.State)
	assert.NotEmpty(t, task.ID)
	assert.NotEmpty(t, task.ContextID)
	require.NotEmpty(t, task.Artifacts)
	assert.Equal(t, "output", task.Artifacts[0].Parts[0].Text)

	// The snapshot is persisted with the same final state.
	require.Eventually(t, func() bool {
		stored, err := h.store.Get(context.Background(), task.ID)
		return err == nil && stored.Status.State == a2a.TaskStateCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOnMessageSend_BareMessageReply(t *testing.T) {
	exec := &scriptedExecutor{
		execute: func(ctx context.Context, reqCtx *executor.RequestContext, queue executor.Queue) error {
			return queue.Enqueue(ctx, a2a.AgentMessage("quick answer").WithTaskRef(reqCtx.TaskID, reqCtx.ContextID))
		},
	}
	h := newHarness(t, exec, Config{})

	result, err := h.handler.OnMessageSend(context.Background(), &ServerCallContext{}, userParams("quick question"))
	require.NoError(t, err)

	msg, ok := result.(*a2a.Message)
	require.True(t, ok, "a message reply should be returned as-is")
	assert.Equal(t, a2a.RoleAgent, msg.Role)
	assert.Equal(t, "quick answer", msg.Parts[0].Text)
}

func TestOnMessageSend_NonBlockingReturnsImmediately(t *testing.T) {
	release := make(chan struct{})
	exec := &scriptedExecutor{
		execute: func(ctx context.Context, reqCtx *executor.RequestContext, queue executor.Queue) error {
			<-release
			return queue.Enqueue(ctx, a2a.NewStatusUpdate(reqCtx.TaskID, reqCtx.ContextID, a2a.TaskStateCompleted, nil))
		},
	}
	t.Cleanup(func() { close(release) })
	h := newHarness(t, exec, Config{})

	params := userParams("fire and forget")
	params.Configuration = &a2a.MessageSendConfiguration{Blocking: false}

	result, err := h.handler.OnMessageSend(context.Background(), &ServerCallContext{}, params)
	require.NoError(t, err)

	task, ok := result.(*a2a.Task)
	require.True(t, ok)
	assert.Equal(t, a2a.TaskStateSubmitted, task.Status.State)
}

func TestOnMessageSend_AuthRequiredLeavesQueueOpen(t *testing.T) {
	release := make(chan struct{})
	exec := &scriptedExecutor{
		execute: func(ctx context.Context, reqCtx *executor.RequestContext, queue executor.Queue) error {
			if err := queue.Enqueue(ctx, a2a.NewStatusUpdate(reqCtx.TaskID, reqCtx.ContextID, a2a.TaskStateAuthRequired, a2a.AgentMessage("need credentials"))); err != nil {
				return err
			}
			<-release
			return queue.Enqueue(ctx, a2a.NewStatusUpdate(reqCtx.TaskID, reqCtx.ContextID, a2a.TaskStateCompleted, nil))
		},
	}
	h := newHarness(t, exec, Config{})

	result, err := h.handler.OnMessageSend(context.Background(), &ServerCallContext{}, userParams("start"))
	require.NoError(t, err)

	task, ok := result.(*a2a.Task)
	require.True(t, ok)
	assert.Equal(t, a2a.TaskStateAuthRequired, task.Status.State)

	// The queue is still open: the executor keeps running and can finish
	// after the caller sorts out authentication.
	require.NotNil(t, h.queues.Tap(task.ID), "queue must stay open through AUTH_REQUIRED")

	close(release)
	require.Eventually(t, func() bool {
		stored, err := h.store.Get(context.Background(), task.ID)
		return err == nil && stored.Status.State == a2a.TaskStateCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOnMessageSend_ExecutorProtocolError(t *testing.T) {
	exec := &scriptedExecutor{
		execute: func(ctx context.Context, reqCtx *executor.RequestContext, queue executor.Queue) error {
			return a2a.ErrContentTypeNotSupported("video/x-raw")
		},
	}
	h := newHarness(t, exec, Config{})

	_, err := h.handler.OnMessageSend(context.Background(), &ServerCallContext{}, userParams("unsupported"))
	require.Error(t, err)
	assert.Equal(t, a2a.CodeContentTypeNotSupported, a2a.CodeOf(err))
}

func TestOnMessageSend_ExecutorCrashFailsTask(t *testing.T) {
	exec := &scriptedExecutor{
		execute: func(ctx context.Context, reqCtx *executor.RequestContext, queue executor.Queue) error {
			return errors.New("agent panicked")
		},
	}
	h := newHarness(t, exec, Config{})

	result, err := h.handler.OnMessageSend(context.Background(), &ServerCallContext{}, userParams("doomed"))
	require.NoError(t, err)

	task, ok := result.(*a2a.Task)
	require.True(t, ok)
	assert.Equal(t, a2a.TaskStateFailed, task.Status.State)
}

func TestOnMessageSend_PanickingExecutorFailsTask(t *testing.T) {
	exec := &scriptedExecutor{
		execute: func(ctx context.Context, reqCtx *executor.RequestContext, queue executor.Queue) error {
			panic("agent blew up")
		},
	}
	h := newHarness(t, exec, Config{})

	result, err := h.handler.OnMessageSend(context.Background(), &ServerCallContext{}, userParams("boom"))
	require.NoError(t, err)

	task, ok := result.(*a2a.Task)
	require.True(t, ok, "a panic should surface as a failed task, not an error")
	assert.Equal(t, a2a.TaskStateFailed, task.Status.State)

	require.Eventually(t, func() bool {
		stored, err := h.store.Get(context.Background(), task.ID)
		return err == nil && stored.Status.State == a2a.TaskStateFailed
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOnMessageSend_ContinuesExistingTask(t *testing.T) {
	var turns atomic.Int32
	exec := &scriptedExecutor{
		execute: func(ctx context.Context, reqCtx *executor.RequestContext, queue executor.Queue) error {
			if turns.Add(1) == 1 {
				return queue.Enqueue(ctx, a2a.NewStatusUpdate(reqCtx.TaskID, reqCtx.ContextID, a2a.TaskStateInputRequired, a2a.AgentMessage("which file?")))
			}
			return queue.Enqueue(ctx, a2a.NewStatusUpdate(reqCtx.TaskID, reqCtx.ContextID, a2a.TaskStateCompleted, nil))
		},
	}
	h := newHarness(t, exec, Config{})

	result, err := h.handler.OnMessageSend(context.Background(), &ServerCallContext{}, userParams("turn one"))
	require.NoError(t, err)
	task := result.(*a2a.Task)
	require.Equal(t, a2a.TaskStateInputRequired, task.Status.State)

	require.Eventually(t, func() bool {
		stored, err := h.store.Get(context.Background(), task.ID)
		return err == nil && stored.Status.State == a2a.TaskStateInputRequired
	}, 2*time.Second, 10*time.Millisecond)

	params := userParams("turn two")
	params.Message.TaskID = task.ID
	result, err = h.handler.OnMessageSend(context.Background(), &ServerCallContext{}, params)
	require.NoError(t, err)

	final, ok := result.(*a2a.Task)
	require.True(t, ok)
	assert.Equal(t, task.ID, final.ID)
	assert.Equal(t, a2a.TaskStateCompleted, final.Status.State)

	// Both user turns and the agent's interim question end up in history,
	// in order.
	texts := make([]string, 0, len(final.History))
	for _, msg := range final.History {
		if len(msg.Parts) > 0 {
			texts = append(texts, msg.Parts[0].Text)
		}
	}
	assert.Equal(t, []string{"turn one", "which file?", "turn two"}, texts)
}

func TestOnMessageSend_TimeoutFailsTask(t *testing.T) {
	release := make(chan struct{})
	exec := &scriptedExecutor{
		execute: func(ctx context.Context, reqCtx *executor.RequestContext, queue executor.Queue) error {
			<-release
			return nil
		},
	}
	t.Cleanup(func() { close(release) })
	h := newHarness(t, exec, Config{BlockingTimeout: 50 * time.Millisecond})

	result, err := h.handler.OnMessageSend(context.Background(), &ServerCallContext{}, userParams("slow"))
	require.NoError(t, err)

	task, ok := result.(*a2a.Task)
	require.True(t, ok)
	assert.Equal(t, a2a.TaskStateFailed, task.Status.State)
}

func TestOnMessageSend_RejectsFinalizedTask(t *testing.T) {
	h := newHarness(t, completingExecutor(), Config{})

	result, err := h.handler.OnMessageSend(context.Background(), &ServerCallContext{}, userParams("first"))
	require.NoError(t, err)
	task := result.(*a2a.Task)

	// The sink persists after subscribers are notified; wait for the final
	// state to land before resubmitting.
	require.Eventually(t, func() bool {
		stored, err := h.store.Get(context.Background(), task.ID)
		return err == nil && stored.Status.State.IsFinal()
	}, 2*time.Second, 10*time.Millisecond)

	params := userParams("second")
	params.Message.TaskID = task.ID
	_, err = h.handler.OnMessageSend(context.Background(), &ServerCallContext{}, params)
	require.Error(t, err)
	assert.Equal(t, a2a.CodeInvalidParams, a2a.CodeOf(err))
}

func TestOnMessageSend_InvalidParams(t *testing.T) {
	h := newHarness(t, completingExecutor(), Config{})

	_, err := h.handler.OnMessageSend(context.Background(), &ServerCallContext{}, a2a.MessageSendParams{
		Message: a2a.Message{Role: a2a.RoleUser},
	})
	require.Error(t, err)
	assert.Equal(t, a2a.CodeInvalidParams, a2a.CodeOf(err))
}

func TestOnMessageSendStream_DeliversEventsAndCloses(t *testing.T) {
	h := newHarness(t, completingExecutor(), Config{})

	stream, err := h.handler.OnMessageSendStream(context.Background(), &ServerCallContext{}, userParams("stream it"))
	require.NoError(t, err)

	var kinds []a2a.EventKind
	deadline := time.After(2 * time.Second)
	for {
		select {
		case item, ok := <-stream:
			if !ok {
				// End of stream: the task snapshot came first, then the
				// agent's updates, and the close signal stayed internal.
				require.NotEmpty(t, kinds)
				assert.Equal(t, a2a.KindTask, kinds[0])
				assert.Contains(t, kinds, a2a.KindStatusUpdate)
				assert.Contains(t, kinds, a2a.KindArtifactUpdate)
				assert.NotContains(t, kinds, a2a.KindQueueClosed)
				return
			}
			require.NoError(t, item.Err)
			kinds = append(kinds, item.Event.EventKind())
		case <-deadline:
			t.Fatal("stream never completed")
		}
	}
}

func TestOnMessageSendStream_StalledProducerTimesOut(t *testing.T) {
	release := make(chan struct{})
	exec := &scriptedExecutor{
		execute: func(ctx context.Context, reqCtx *executor.RequestContext, queue executor.Queue) error {
			if err := queue.Enqueue(ctx, a2a.NewStatusUpdate(reqCtx.TaskID, reqCtx.ContextID, a2a.TaskStateWorking, nil)); err != nil {
				return err
			}
			<-release
			return nil
		},
	}
	t.Cleanup(func() { close(release) })
	h := newHarness(t, exec, Config{EventConsumptionTimeout: 50 * time.Millisecond})

	stream, err := h.handler.OnMessageSendStream(context.Background(), &ServerCallContext{}, userParams("stall"))
	require.NoError(t, err)

	sawTimeout := false
	deadline := time.After(2 * time.Second)
	for {
		select {
		case item, ok := <-stream:
			if !ok {
				assert.True(t, sawTimeout, "stream should end with a timeout error")
				return
			}
			if item.Err != nil {
				assert.Equal(t, a2a.CodeInternalError, a2a.CodeOf(item.Err))
				sawTimeout = true
			}
		case <-deadline:
			t.Fatal("stream never terminated")
		}
	}
}

func TestOnSubscribeToTask_UnknownTask(t *testing.T) {
	h := newHarness(t, completingExecutor(), Config{})

	_, err := h.handler.OnSubscribeToTask(context.Background(), &ServerCallContext{}, a2a.TaskIDParams{ID: "missing"})
	require.Error(t, err)
	assert.Equal(t, a2a.CodeTaskNotFound, a2a.CodeOf(err))
}

func TestOnSubscribeToTask_RunningTask(t *testing.T) {
	release := make(chan struct{})
	started := make(chan string, 1)
	exec := &scriptedExecutor{
		execute: func(ctx context.Context, reqCtx *executor.RequestContext, queue executor.Queue) error {
			if err := queue.Enqueue(ctx, a2a.NewStatusUpdate(reqCtx.TaskID, reqCtx.ContextID, a2a.TaskStateWorking, nil)); err != nil {
				return err
			}
			started <- reqCtx.TaskID
			<-release
			return queue.Enqueue(ctx, a2a.NewStatusUpdate(reqCtx.TaskID, reqCtx.ContextID, a2a.TaskStateCompleted, nil))
		},
	}
	h := newHarness(t, exec, Config{})

	params := userParams("long job")
	params.Configuration = &a2a.MessageSendConfiguration{Blocking: false}
	_, err := h.handler.OnMessageSend(context.Background(), &ServerCallContext{}, params)
	require.NoError(t, err)

	var taskID string
	select {
	case taskID = <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("executor never started")
	}

	stream, err := h.handler.OnSubscribeToTask(context.Background(), &ServerCallContext{}, a2a.TaskIDParams{ID: taskID})
	require.NoError(t, err)

	close(release)

	deadline := time.After(2 * time.Second)
	sawFinal := false
	for {
		select {
		case item, ok := <-stream:
			if !ok {
				assert.True(t, sawFinal, "subscriber should observe the final status")
				return
			}
			require.NoError(t, item.Err)
			if su, isStatus := item.Event.(*a2a.TaskStatusUpdateEvent); isStatus && su.Status.State.IsFinal() {
				sawFinal = true
			}
		case <-deadline:
			t.Fatal("subscription never completed")
		}
	}
}

func TestOnSubscribeToTask_FinalizedReplay(t *testing.T) {
	h := newHarness(t, completingExecutor(), Config{ReplayFromStore: true})

	result, err := h.handler.OnMessageSend(context.Background(), &ServerCallContext{}, userParams("finish"))
	require.NoError(t, err)
	task := result.(*a2a.Task)

	// Wait for the queue to close behind the final event.
	require.Eventually(t, func() bool {
		return h.queues.Tap(task.ID) == nil
	}, 2*time.Second, 10*time.Millisecond)

	stream, err := h.handler.OnSubscribeToTask(context.Background(), &ServerCallContext{}, a2a.TaskIDParams{ID: task.ID})
	require.NoError(t, err)

	item, ok := <-stream
	require.True(t, ok)
	snap, isTask := item.Event.(*a2a.Task)
	require.True(t, isTask)
	assert.Equal(t, a2a.TaskStateCompleted, snap.Status.State)

	_, ok = <-stream
	assert.False(t, ok, "replay stream holds exactly one snapshot")
}

func TestOnSubscribeToTask_FinalizedWithoutReplay(t *testing.T) {
	h := newHarness(t, completingExecutor(), Config{})

	result, err := h.handler.OnMessageSend(context.Background(), &ServerCallContext{}, userParams("finish"))
	require.NoError(t, err)
	task := result.(*a2a.Task)

	require.Eventually(t, func() bool {
		return h.queues.Tap(task.ID) == nil
	}, 2*time.Second, 10*time.Millisecond)

	_, err = h.handler.OnSubscribeToTask(context.Background(), &ServerCallContext{}, a2a.TaskIDParams{ID: task.ID})
	require.Error(t, err)
	assert.Equal(t, a2a.CodeTaskNotFound, a2a.CodeOf(err))
}

func TestOnCancelTask(t *testing.T) {
	release := make(chan struct{})
	started := make(chan string, 1)
	exec := &scriptedExecutor{
		execute: func(ctx context.Context, reqCtx *executor.RequestContext, queue executor.Queue) error {
			if err := queue.Enqueue(ctx, a2a.NewStatusUpdate(reqCtx.TaskID, reqCtx.ContextID, a2a.TaskStateWorking, nil)); err != nil {
				return err
			}
			started <- reqCtx.TaskID
			<-release
			return nil
		},
		cancel: func(ctx context.Context, reqCtx *executor.RequestContext, queue executor.Queue) error {
			defer close(release)
			return queue.Enqueue(ctx, a2a.NewStatusUpdate(reqCtx.TaskID, reqCtx.ContextID, a2a.TaskStateCanceled, nil))
		},
	}
	h := newHarness(t, exec, Config{})

	params := userParams("cancel me")
	params.Configuration = &a2a.MessageSendConfiguration{Blocking: false}
	_, err := h.handler.OnMessageSend(context.Background(), &ServerCallContext{}, params)
	require.NoError(t, err)

	var taskID string
	select {
	case taskID = <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("executor never started")
	}

	task, err := h.handler.OnCancelTask(context.Background(), &ServerCallContext{}, a2a.TaskIDParams{ID: taskID})
	require.NoError(t, err)
	assert.Equal(t, a2a.TaskStateCanceled, task.Status.State)
}

func TestOnCancelTask_UnknownTask(t *testing.T) {
	h := newHarness(t, completingExecutor(), Config{})

	_, err := h.handler.OnCancelTask(context.Background(), &ServerCallContext{}, a2a.TaskIDParams{ID: "missing"})
	require.Error(t, err)
	assert.Equal(t, a2a.CodeTaskNotFound, a2a.CodeOf(err))
}

func TestOnCancelTask_PanickingCancelReturnsError(t *testing.T) {
	release := make(chan struct{})
	started := make(chan string, 1)
	exec := &scriptedExecutor{
		execute: func(ctx context.Context, reqCtx *executor.RequestContext, queue executor.Queue) error {
			if err := queue.Enqueue(ctx, a2a.NewStatusUpdate(reqCtx.TaskID, reqCtx.ContextID, a2a.TaskStateWorking, nil)); err != nil {
				return err
			}
			started <- reqCtx.TaskID
			<-release
			return nil
		},
		cancel: func(ctx context.Context, reqCtx *executor.RequestContext, queue executor.Queue) error {
			panic("cancel blew up")
		},
	}
	t.Cleanup(func() { close(release) })
	h := newHarness(t, exec, Config{})

	params := userParams("cancel me")
	params.Configuration = &a2a.MessageSendConfiguration{Blocking: false}
	_, err := h.handler.OnMessageSend(context.Background(), &ServerCallContext{}, params)
	require.NoError(t, err)

	var taskID string
	select {
	case taskID = <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("executor never started")
	}

	_, err = h.handler.OnCancelTask(context.Background(), &ServerCallContext{}, a2a.TaskIDParams{ID: taskID})
	require.Error(t, err)
	assert.Equal(t, a2a.CodeInternalError, a2a.CodeOf(err))
}

func TestOnCancelTask_FinalizedTask(t *testing.T) {
	h := newHarness(t, completingExecutor(), Config{})

	result, err := h.handler.OnMessageSend(context.Background(), &ServerCallContext{}, userParams("finish first"))
	require.NoError(t, err)
	task := result.(*a2a.Task)

	require.Eventually(t, func() bool {
		stored, err := h.store.Get(context.Background(), task.ID)
		return err == nil && stored.Status.State.IsFinal()
	}, 2*time.Second, 10*time.Millisecond)

	_, err = h.handler.OnCancelTask(context.Background(), &ServerCallContext{}, a2a.TaskIDParams{ID: task.ID})
	require.Error(t, err)
	assert.Equal(t, a2a.CodeTaskNotCancelable, a2a.CodeOf(err))
}

func TestOnGetTask(t *testing.T) {
	h := newHarness(t, completingExecutor(), Config{})

	result, err := h.handler.OnMessageSend(context.Background(), &ServerCallContext{}, userParams("get me later"))
	require.NoError(t, err)
	created := result.(*a2a.Task)

	got, err := h.handler.OnGetTask(context.Background(), &ServerCallContext{}, a2a.TaskQueryParams{ID: created.ID})
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.NotEmpty(t, got.History)

	zero := 0
	got, err = h.handler.OnGetTask(context.Background(), &ServerCallContext{}, a2a.TaskQueryParams{ID: created.ID, HistoryLength: &zero})
	require.NoError(t, err)
	assert.Empty(t, got.History)

	_, err = h.handler.OnGetTask(context.Background(), &ServerCallContext{}, a2a.TaskQueryParams{ID: "missing"})
	require.Error(t, err)
	assert.Equal(t, a2a.CodeTaskNotFound, a2a.CodeOf(err))
}

func TestOnListTasks(t *testing.T) {
	h := newHarness(t, completingExecutor(), Config{})

	result, err := h.handler.OnMessageSend(context.Background(), &ServerCallContext{}, userParams("list me"))
	require.NoError(t, err)
	task := result.(*a2a.Task)

	require.Eventually(t, func() bool {
		_, err := h.store.Get(context.Background(), task.ID)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	page, err := h.handler.OnListTasks(context.Background(), &ServerCallContext{}, a2a.ListTasksParams{})
	require.NoError(t, err)
	require.Len(t, page.Tasks, 1)
	assert.Equal(t, task.ID, page.Tasks[0].ID)
}

func TestPushConfigLifecycle(t *testing.T) {
	h := newHarness(t, completingExecutor(), Config{})

	result, err := h.handler.OnMessageSend(context.Background(), &ServerCallContext{}, userParams("with push"))
	require.NoError(t, err)
	task := result.(*a2a.Task)

	set, err := h.handler.OnSetPushConfig(context.Background(), &ServerCallContext{}, a2a.TaskPushConfig{
		TaskID: task.ID,
		Config: a2a.PushNotificationConfig{URL: "https://example.com/hook"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, set.Config.ID)

	got, err := h.handler.OnGetPushConfig(context.Background(), &ServerCallContext{}, task.ID, set.Config.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/hook", got.Config.URL)

	list, err := h.handler.OnListPushConfigs(context.Background(), &ServerCallContext{}, task.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, h.handler.OnDeletePushConfig(context.Background(), &ServerCallContext{}, task.ID, set.Config.ID))
	err = h.handler.OnDeletePushConfig(context.Background(), &ServerCallContext{}, task.ID, set.Config.ID)
	require.Error(t, err)
	assert.Equal(t, a2a.CodeTaskNotFound, a2a.CodeOf(err))
}

func TestPushConfig_ValidationAndUnknownTask(t *testing.T) {
	h := newHarness(t, completingExecutor(), Config{})

	_, err := h.handler.OnSetPushConfig(context.Background(), &ServerCallContext{}, a2a.TaskPushConfig{
		TaskID: "missing",
		Config: a2a.PushNotificationConfig{URL: "https://example.com/hook"},
	})
	require.Error(t, err)
	assert.Equal(t, a2a.CodeTaskNotFound, a2a.CodeOf(err))

	_, err = h.handler.OnSetPushConfig(context.Background(), &ServerCallContext{}, a2a.TaskPushConfig{
		TaskID: "t1",
	})
	require.Error(t, err)
	assert.Equal(t, a2a.CodeInvalidParams, a2a.CodeOf(err))
}

func TestPushConfig_Unsupported(t *testing.T) {
	h := newHarness(t, completingExecutor(), Config{})
	h.handler.card.Capabilities.PushNotifications = false

	_, err := h.handler.OnSetPushConfig(context.Background(), &ServerCallContext{}, a2a.TaskPushConfig{
		TaskID: "t1",
		Config: a2a.PushNotificationConfig{URL: "https://example.com/hook"},
	})
	require.Error(t, err)
	assert.Equal(t, a2a.CodePushNotificationsUnsupported, a2a.CodeOf(err))
}

func TestServerCallContext_Cancel(t *testing.T) {
	callCtx := &ServerCallContext{}

	ran := 0
	callCtx.OnCancel(func() { ran++ })
	callCtx.Cancel()
	callCtx.Cancel()
	assert.Equal(t, 1, ran)

	// Registration after cancellation runs immediately.
	callCtx.OnCancel(func() { ran++ })
	assert.Equal(t, 2, ran)
}
