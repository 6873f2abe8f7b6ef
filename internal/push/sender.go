package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/relaymesh/relay/internal/a2a"
	"github.com/relaymesh/relay/internal/common/logger"
)

const defaultSendTimeout = 10 * time.Second

// Sender POSTs task snapshots to registered webhooks. Delivery is
// best-effort and parallel per config; failures are logged, never
// propagated.
type Sender struct {
	store   *ConfigStore
	client  *http.Client
	timeout time.Duration
	logger  *logger.Logger
}

// NewSender creates a sender over the config store. A nil client falls
// back to a default with the send timeout applied per request.
func NewSender(store *ConfigStore, client *http.Client, timeout time.Duration, log *logger.Logger) *Sender {
	if client == nil {
		client = &http.Client{}
	}
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	return &Sender{
		store:   store,
		client:  client,
		timeout: timeout,
		logger:  log.WithFields(zap.String("component", "push_sender")),
	}
}

// Notify delivers the task snapshot to every config registered for the
// task whose kind filter matches the event. Returns immediately; the
// HTTP calls run on their own goroutines so the event bus never waits on
// a webhook.
func (s *Sender) Notify(ctx context.Context, task *a2a.Task, event a2a.Event) {
	configs := s.store.List(task.ID)
	if len(configs) == 0 {
		return
	}

	body, err := json.Marshal(task)
	if err != nil {
		s.logger.Error("Failed to encode task for push delivery",
			zap.String("task_id", task.ID), zap.Error(err))
		return
	}

	kind := event.EventKind()
	go func() {
		g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
		for _, config := range configs {
			config := config
			if !wantsKind(config, kind) {
				continue
			}
			g.Go(func() error {
				if err := s.send(gctx, config, body); err != nil {
					s.logger.Warn("Push notification delivery failed",
						zap.String("task_id", task.ID),
						zap.String("config_id", config.ID),
						zap.String("url", config.URL),
						zap.Error(err))
				}
				return nil
			})
		}
		_ = g.Wait()
	}()
}

func (s *Sender) send(ctx context.Context, config a2a.PushNotificationConfig, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, config.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+config.Token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// wantsKind applies the config's event kind filter; an empty filter
// matches everything.
func wantsKind(config a2a.PushNotificationConfig, kind a2a.EventKind) bool {
	if len(config.EventKinds) == 0 {
		return true
	}
	for _, k := range config.EventKinds {
		if k == kind {
			return true
		}
	}
	return false
}
