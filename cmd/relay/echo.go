package main

import (
	"context"
	"strings"

	"github.com/relaymesh/relay/internal/a2a"
	"github.com/relaymesh/relay/internal/executor"
)

// echoExecutor is the built-in agent used when no real agent is wired in.
// It echoes the user's text back as an artifact and completes. Useful for
// smoke-testing the server surface end to end.
type echoExecutor struct{}

func (echoExecutor) Execute(ctx context.Context, reqCtx *executor.RequestContext, queue executor.Queue) error {
	working := a2a.NewStatusUpdate(reqCtx.TaskID, reqCtx.ContextID, a2a.TaskStateWorking, nil)
	if err := queue.Enqueue(ctx, working); err != nil {
		return err
	}

	artifact, err := a2a.NewArtifact("echo", []a2a.Part{a2a.TextPart(messageText(reqCtx.Message))})
	if err != nil {
		return err
	}
	update := &a2a.TaskArtifactUpdateEvent{
		TaskID:    reqCtx.TaskID,
		ContextID: reqCtx.ContextID,
		Artifact:  *artifact,
		LastChunk: true,
	}
	if err := queue.Enqueue(ctx, update); err != nil {
		return err
	}

	done := a2a.NewStatusUpdate(reqCtx.TaskID, reqCtx.ContextID, a2a.TaskStateCompleted, a2a.AgentMessage("echoed"))
	return queue.Enqueue(ctx, done)
}

func (echoExecutor) Cancel(ctx context.Context, reqCtx *executor.RequestContext, queue executor.Queue) error {
	canceled := a2a.NewStatusUpdate(reqCtx.TaskID, reqCtx.ContextID, a2a.TaskStateCanceled, nil)
	return queue.Enqueue(ctx, canceled)
}

// messageText concatenates the text parts of a message.
func messageText(msg *a2a.Message) string {
	if msg == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range msg.Parts {
		if p.Kind == a2a.PartKindText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}
