package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cuemixbridge/internal/mixer"
)

// ============================================================================
// HTTP API
// ============================================================================
// Control-surface endpoints for the browser UI and simple HTTP clients:
//
//   GET   /api/initial-state
//   POST  /api/reconnect                     {connection:{ip,port,sn}}
//   PATCH /api/commands/:category/:operation {delta?, value?, mute?}
//   GET   /set?c=&o=&m=&d=&v=
//   GET   /ws                                UI websocket
//   GET   /metrics
//
// Command endpoints answer in text/plain with the send log line or a short
// status sentence.
// ============================================================================

// linkControl is the part of the device link the API drives.
type linkControl interface {
	Status() string
	Reconnect()
}

type API struct {
	engine   *mixer.Engine
	link     linkControl
	settings *SettingsFile
	ui       *UIServer
	logger   *slog.Logger
}

func NewAPI(engine *mixer.Engine, link linkControl, settings *SettingsFile, ui *UIServer, logger *slog.Logger) *API {
	return &API{
		engine:   engine,
		link:     link,
		settings: settings,
		ui:       ui,
		logger:   logger,
	}
}

// Router builds the gin engine with middleware, API routes and static assets.
func (a *API) Router(httpCfg HTTPConfig, metricsCfg MetricsConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if metricsCfg.Enabled {
		RegisterMetrics()
		r.Use(RequestMetricsMiddleware())
	}
	r.Use(cors.New(corsConfig(httpCfg.CORSOrigins)))

	api := r.Group("/api")
	api.GET("/initial-state", a.handleInitialState)
	api.POST("/reconnect", a.handleReconnect)
	api.PATCH("/commands/:category/:operation", a.handlePatchCommand)

	r.GET("/set", a.handleSet)

	if a.ui != nil {
		r.GET("/ws", a.ui.handleWS)
	}
	if metricsCfg.Enabled {
		r.GET(metricsCfg.Path, gin.WrapH(promhttp.Handler()))
	}

	if dir := httpCfg.PublicDir; dir != "" {
		dir = ExpandPath(dir)
		r.StaticFile("/", filepath.Join(dir, "index.html"))
		r.StaticFile("/favicon.ico", filepath.Join(dir, "favicon.ico"))
		r.Static("/css", filepath.Join(dir, "css"))
		r.Static("/js", filepath.Join(dir, "js"))
	}

	r.NoRoute(func(c *gin.Context) {
		c.String(http.StatusNotFound, "Not Found")
	})
	return r
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods: []string{"GET", "POST", "PATCH"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	for _, o := range origins {
		if o == "*" {
			cfg.AllowAllOrigins = true
			return cfg
		}
	}
	cfg.AllowOrigins = origins
	return cfg
}

// ============================================================================
// Handlers
// ============================================================================

func (a *API) handleInitialState(c *gin.Context) {
	store := a.engine.Store()
	resp := gin.H{
		"commands":           store.Categories(),
		"wsStatus":           a.link.Status(),
		"activeOutputDevice": store.ActiveDevice(),
	}
	if a.settings != nil {
		resp["settings"] = a.settings.Get()
	}
	c.JSON(http.StatusOK, resp)
}

type reconnectRequest struct {
	Connection *ConnectionUpdate `json:"connection"`
}

func (a *API) handleReconnect(c *gin.Context) {
	var req reconnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.String(http.StatusBadRequest, "Bad Request: %s", err.Error())
		return
	}
	if req.Connection == nil {
		c.String(http.StatusBadRequest, "Bad Request: missing connection")
		return
	}

	changed := false
	if a.settings != nil {
		var err error
		changed, err = a.settings.UpdateConnection(*req.Connection)
		if err != nil {
			a.logger.Error("failed to write settings", "error", err)
			c.String(http.StatusInternalServerError, "Failed to save settings.")
			return
		}
	}

	a.link.Reconnect()
	if changed {
		c.String(http.StatusOK, "Settings updated. Reconnecting...")
		return
	}
	c.String(http.StatusOK, "Settings unchanged. Forcing reconnect...")
}

type patchRequest struct {
	Delta *float64 `json:"delta"`
	Value *float64 `json:"value"`
	Mute  bool     `json:"mute"`
}

func (a *API) handlePatchCommand(c *gin.Context) {
	var body patchRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.String(http.StatusBadRequest, "Bad Request: %s", err.Error())
		return
	}

	req := mixer.Request{Delta: body.Delta, Value: body.Value}
	if body.Mute {
		req.Mute = mixer.MuteToggle
	}
	k := mixer.Key{Category: c.Param("category"), Operation: c.Param("operation")}
	a.respond(c, k, func() (mixer.Outcome, error) { return a.engine.Apply(k, req) })
}

// handleSet is the query-string control surface used by hardware controllers
// and stream-deck style clients.
func (a *API) handleSet(c *gin.Context) {
	category, operation := c.Query("c"), c.Query("o")
	if category == "" || operation == "" {
		c.String(http.StatusBadRequest, "Bad Request: Missing c or o parameter.")
		return
	}

	var req mixer.Request
	if m, ok := c.GetQuery("m"); ok {
		action, err := mixer.ParseMuteAction(m)
		if err != nil {
			c.String(http.StatusBadRequest, "Bad Request: %s", err.Error())
			return
		}
		req.Mute = action
	}
	var err error
	if req.Delta, err = queryFloat(c, "d"); err != nil {
		c.String(http.StatusBadRequest, "Bad Request: %s", err.Error())
		return
	}
	if req.Value, err = queryFloat(c, "v"); err != nil {
		c.String(http.StatusBadRequest, "Bad Request: %s", err.Error())
		return
	}

	if operation == "listening" {
		a.handleListening(c, req)
		return
	}

	k := mixer.Key{Category: category, Operation: operation}
	if req.Mute == mixer.MuteNone && req.Delta == nil && req.Value == nil {
		c.String(http.StatusBadRequest, "Request must include 'm', 'v', or 'd'.")
		return
	}
	a.respond(c, k, func() (mixer.Outcome, error) { return a.engine.Apply(k, req) })
}

func (a *API) handleListening(c *gin.Context, req mixer.Request) {
	active := a.engine.Store().ActiveDevice().Key()
	switch {
	case req.Mute == mixer.MuteToggle:
		a.respond(c, active, a.engine.ToggleListening)
	case req.Delta != nil || req.Value != nil:
		a.respond(c, active, func() (mixer.Outcome, error) { return a.engine.AdjustListening(req) })
	default:
		c.String(http.StatusBadRequest, "Listening op requires 'm=t', 'v', or 'd'.")
	}
}

// respond runs op and maps its result onto the text/plain contract.
func (a *API) respond(c *gin.Context, k mixer.Key, op func() (mixer.Outcome, error)) {
	out, err := op()
	switch {
	case err == nil:
		c.String(http.StatusOK, out.Message)
	case errors.Is(err, mixer.ErrUnknownParameter):
		c.String(http.StatusNotFound, "Invalid command: %s", k)
	case errors.Is(err, mixer.ErrInvalidRequest):
		c.String(http.StatusBadRequest, "Bad Request: %s", err.Error())
	case errors.Is(err, mixer.ErrTransmit):
		c.String(http.StatusInternalServerError, "Failed to send command.")
	default:
		a.logger.Error("command failed", "key", k.String(), "error", err)
		c.String(http.StatusInternalServerError, "Internal error.")
	}
}

func queryFloat(c *gin.Context, name string) (*float64, error) {
	s, ok := c.GetQuery(name)
	if !ok || s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("%s must be a number", name)
	}
	return &v, nil
}

// ============================================================================
// Server lifecycle
// ============================================================================

// runHTTPServer serves handler on addr and shuts it down gracefully when ctx
// is canceled.
func runHTTPServer(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on Shutdown.
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
			return
		}
		errCh <- nil
	}()
	logger.Info("http server listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP server shutdown: %w", err)
		}
		<-errCh
		return nil

	case err := <-errCh:
		return err
	}
}
