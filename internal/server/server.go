// Package server exposes the request handler over HTTP: JSON endpoints
// for the unary operations and SSE for the streaming ones.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/relaymesh/relay/internal/a2a"
	"github.com/relaymesh/relay/internal/common/config"
	"github.com/relaymesh/relay/internal/common/httpmw"
	"github.com/relaymesh/relay/internal/common/logger"
	"github.com/relaymesh/relay/internal/handler"
)

// Server is the HTTP transport over the request handler.
type Server struct {
	cfg     config.ServerConfig
	handler *handler.RequestHandler
	logger  *logger.Logger
	router  *gin.Engine
	srv     *http.Server
}

// NewServer builds the router. Call Start to begin serving.
func NewServer(cfg config.ServerConfig, h *handler.RequestHandler, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:     cfg,
		handler: h,
		logger:  log.WithFields(zap.String("component", "http_server")),
		router:  gin.New(),
	}

	s.router.Use(gin.Recovery())
	s.router.Use(httpmw.RequestLogger(s.logger, "relay-api"))
	s.router.Use(httpmw.OtelTracing("relay-api"))

	s.setupRoutes()
	return s
}

// Router returns the HTTP router, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/.well-known/agent-card.json", s.handleAgentCard)

	v1 := s.router.Group("/v1")
	{
		v1.POST("/messages/send", s.handleSendMessage)
		v1.POST("/messages/stream", s.handleStreamMessage)

		v1.GET("/tasks", s.handleListTasks)
		v1.GET("/tasks/:id", s.handleGetTask)
		v1.POST("/tasks/:id/cancel", s.handleCancelTask)
		v1.GET("/tasks/:id/subscribe", s.handleSubscribeTask)

		v1.POST("/tasks/:id/push-configs", s.handleSetPushConfig)
		v1.GET("/tasks/:id/push-configs", s.handleListPushConfigs)
		v1.GET("/tasks/:id/push-configs/:configId", s.handleGetPushConfig)
		v1.DELETE("/tasks/:id/push-configs/:configId", s.handleDeletePushConfig)
	}
}

// Start begins serving and blocks until the listener fails or Shutdown
// runs.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("HTTP server listening", zap.String("addr", addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleAgentCard(c *gin.Context) {
	c.JSON(http.StatusOK, s.handler.AgentCard())
}

func (s *Server) handleSendMessage(c *gin.Context) {
	var params a2a.MessageSendParams
	if err := c.ShouldBindJSON(&params); err != nil {
		s.writeError(c, a2a.ErrInvalidParams("malformed request body: %v", err))
		return
	}
	callCtx := s.callContext(c)

	result, err := s.handler.OnMessageSend(c.Request.Context(), callCtx, params)
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.writeEvent(c, result)
}

func (s *Server) handleStreamMessage(c *gin.Context) {
	var params a2a.MessageSendParams
	if err := c.ShouldBindJSON(&params); err != nil {
		s.writeError(c, a2a.ErrInvalidParams("malformed request body: %v", err))
		return
	}
	callCtx := s.callContext(c)

	stream, err := s.handler.OnMessageSendStream(c.Request.Context(), callCtx, params)
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.serveSSE(c, callCtx, stream)
}

func (s *Server) handleSubscribeTask(c *gin.Context) {
	callCtx := s.callContext(c)
	params := a2a.TaskIDParams{ID: c.Param("id")}

	stream, err := s.handler.OnSubscribeToTask(c.Request.Context(), callCtx, params)
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.serveSSE(c, callCtx, stream)
}

func (s *Server) handleGetTask(c *gin.Context) {
	params := a2a.TaskQueryParams{ID: c.Param("id")}
	if raw := c.Query("historyLength"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(c, a2a.ErrInvalidParams("invalid historyLength: %q", raw))
			return
		}
		params.HistoryLength = &n
	}

	task, err := s.handler.OnGetTask(c.Request.Context(), s.callContext(c), params)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) handleListTasks(c *gin.Context) {
	params := a2a.ListTasksParams{
		ContextID: c.Query("contextId"),
		State:     a2a.TaskState(c.Query("state")),
		PageToken: c.Query("pageToken"),
	}
	if raw := c.Query("pageSize"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(c, a2a.ErrInvalidParams("invalid pageSize: %q", raw))
			return
		}
		params.PageSize = n
	}
	if raw := c.Query("historyLength"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(c, a2a.ErrInvalidParams("invalid historyLength: %q", raw))
			return
		}
		params.HistoryLength = &n
	}
	if raw := c.Query("includeArtifacts"); raw != "" {
		params.IncludeArtifacts = raw == "true" || raw == "1"
	}
	if raw := c.Query("statusTimestampAfter"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(c, a2a.ErrInvalidParams("invalid statusTimestampAfter: %q", raw))
			return
		}
		params.StatusTimestampAfter = &ts
	}

	result, err := s.handler.OnListTasks(c.Request.Context(), s.callContext(c), params)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleCancelTask(c *gin.Context) {
	params := a2a.TaskIDParams{ID: c.Param("id")}
	task, err := s.handler.OnCancelTask(c.Request.Context(), s.callContext(c), params)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) handleSetPushConfig(c *gin.Context) {
	var config a2a.PushNotificationConfig
	if err := c.ShouldBindJSON(&config); err != nil {
		s.writeError(c, a2a.ErrInvalidParams("malformed request body: %v", err))
		return
	}
	params := a2a.TaskPushConfig{TaskID: c.Param("id"), Config: config}

	result, err := s.handler.OnSetPushConfig(c.Request.Context(), s.callContext(c), params)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (s *Server) handleGetPushConfig(c *gin.Context) {
	result, err := s.handler.OnGetPushConfig(c.Request.Context(), s.callContext(c), c.Param("id"), c.Param("configId"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleListPushConfigs(c *gin.Context) {
	result, err := s.handler.OnListPushConfigs(c.Request.Context(), s.callContext(c), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleDeletePushConfig(c *gin.Context) {
	if err := s.handler.OnDeletePushConfig(c.Request.Context(), s.callContext(c), c.Param("id"), c.Param("configId")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// callContext extracts the protocol headers into a ServerCallContext.
func (s *Server) callContext(c *gin.Context) *handler.ServerCallContext {
	callCtx := &handler.ServerCallContext{
		User:            c.GetHeader("Authorization"),
		TenantID:        c.GetHeader("X-Tenant-ID"),
		ProtocolVersion: c.GetHeader(a2a.VersionHeader),
		Headers: map[string]string{
			"User-Agent": c.GetHeader("User-Agent"),
		},
	}
	if raw := c.GetHeader(a2a.ExtensionsHeader); raw != "" {
		for _, uri := range strings.Split(raw, ",") {
			if uri = strings.TrimSpace(uri); uri != "" {
				callCtx.Extensions = append(callCtx.Extensions, uri)
			}
		}
	}
	return callCtx
}

// serveSSE streams events to the client as server-sent events until the
// stream ends or the client disconnects.
func (s *Server) serveSSE(c *gin.Context, callCtx *handler.ServerCallContext, stream <-chan handler.StreamItem) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	clientGone := c.Request.Context().Done()
	for {
		select {
		case <-clientGone:
			callCtx.Cancel()
			return
		case item, ok := <-stream:
			if !ok {
				return
			}
			if item.Err != nil {
				s.writeSSEError(c, item.Err)
				return
			}
			data, err := a2a.MarshalEvent(item.Event)
			if err != nil {
				s.logger.Error("Failed to encode stream event", zap.Error(err))
				continue
			}
			fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", item.Event.EventKind(), data)
			c.Writer.Flush()
		}
	}
}

func (s *Server) writeSSEError(c *gin.Context, err error) {
	pe := a2a.AsError(err)
	data, encodeErr := marshalError(pe)
	if encodeErr != nil {
		return
	}
	fmt.Fprintf(c.Writer, "event: error\ndata: %s\n\n", data)
	c.Writer.Flush()
}

// writeEvent renders a Task-or-Message result with its kind tag so
// clients can discriminate.
func (s *Server) writeEvent(c *gin.Context, ev a2a.Event) {
	data, err := a2a.MarshalEvent(ev)
	if err != nil {
		s.writeError(c, a2a.ErrInternal(err))
		return
	}
	c.Data(http.StatusOK, "application/json", data)
}

func (s *Server) writeError(c *gin.Context, err error) {
	pe := a2a.AsError(err)
	c.JSON(httpStatusFor(pe.Code), gin.H{"error": pe})
}

func marshalError(pe *a2a.Error) ([]byte, error) {
	type wrapper struct {
		Error *a2a.Error `json:"error"`
	}
	return json.Marshal(wrapper{Error: pe})
}

// httpStatusFor maps protocol error codes onto HTTP statuses.
func httpStatusFor(code a2a.ErrorCode) int {
	switch code {
	case a2a.CodeInvalidRequest, a2a.CodeInvalidParams:
		return http.StatusBadRequest
	case a2a.CodeMethodNotFound, a2a.CodeTaskNotFound:
		return http.StatusNotFound
	case a2a.CodeTaskNotCancelable:
		return http.StatusConflict
	case a2a.CodeContentTypeNotSupported:
		return http.StatusUnsupportedMediaType
	case a2a.CodePushNotificationsUnsupported, a2a.CodeUnsupportedOperation:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}
