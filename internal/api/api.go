// Package api is the admin HTTP surface of a running mxflow process.
//
//	GET  /healthz
//	GET  /metrics
//	GET  /api/v1/stats
//	POST /api/v1/mimas/decide
//	POST /api/v1/channels/:channel/messages?delay=2s&recipe=true
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ChuLiYu/mxflow/internal/bus"
	"github.com/ChuLiYu/mxflow/internal/metrics"
	"github.com/ChuLiYu/mxflow/internal/mimas"
	"github.com/ChuLiYu/mxflow/internal/recipe"
)

var log = slog.Default()

const Root = "/api/v1"

// Config names what the API can reach. Nil fields switch their routes
// off.
type Config struct {
	Transport bus.Transport
	Stats     func() bus.Stats
	Engine    *mimas.Engine
	Gatherer  prometheus.Gatherer
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Message string `json:"message"`
}

// New builds the echo server.
func New(cfg Config) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			msg = http.StatusText(code)
			if s, ok := he.Message.(string); ok {
				msg = s
			}
		}
		if code >= http.StatusInternalServerError {
			log.Error("request failed", "method", c.Request().Method, "path", c.Path(), "error", err)
		}
		if c.Response().Committed {
			return
		}
		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(code)
			return
		}
		_ = c.JSON(code, ErrorResponse{Message: msg})
	}

	// latency log
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			begin := time.Now()
			err := next(c)
			log.Debug("http request",
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"status", c.Response().Status,
				"elapsed", time.Since(begin),
				"error", err)
			return err
		}
	})

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if cfg.Gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(metrics.Handler(cfg.Gatherer)))
	}
	if cfg.Stats != nil {
		e.GET(Root+"/stats", StatsHandler(cfg.Stats))
	}
	if cfg.Engine != nil {
		e.POST(Root+"/mimas/decide", DecideHandler(cfg.Engine))
	}
	if cfg.Transport != nil {
		e.POST(Root+"/channels/:channel/messages", SendHandler(cfg.Transport, "channel"))
	}
	return e
}

func StatsHandler(stats func() bus.Stats) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, stats())
	}
}

// Task is one decided task in a decide reply.
type Task struct {
	Kind        string         `json:"kind"`
	CommandLine string         `json:"command_line"`
	Message     map[string]any `json:"message"`
}

// Decision is the reply of the decide route.
type Decision struct {
	DCID  int    `json:"dcid"`
	Tasks []Task `json:"tasks"`
}

// DecideHandler runs the engine on a body holding the same parameters a
// Mimas bus request carries. Nothing is sent anywhere.
func DecideHandler(engine *mimas.Engine) echo.HandlerFunc {
	return func(c echo.Context) error {
		var params map[string]any
		dec := json.NewDecoder(c.Request().Body)
		dec.UseNumber()
		if err := dec.Decode(&params); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "body must be a JSON object").SetInternal(err)
		}
		scenario, err := mimas.ScenarioFromParameters(params)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		if err := mimas.Validate(scenario); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}

		out := Decision{DCID: scenario.DCID, Tasks: []Task{}}
		for _, task := range engine.Decide(scenario) {
			if err := mimas.Validate(task); err != nil {
				return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
			}
			t := Task{CommandLine: mimas.CommandLine(task)}
			switch x := task.(type) {
			case mimas.RecipeInvocation:
				t.Kind = "recipe"
				t.Message = mimas.Message(x)
			case mimas.JobInvocation:
				t.Kind = "job"
				t.Message = mimas.JobCommand(x)
			}
			out.Tasks = append(out.Tasks, t)
		}
		return c.JSON(http.StatusOK, out)
	}
}

// SendHandler publishes the request body on the channel named by the
// path parameter.
func SendHandler(t bus.Transport, paramChannel string) echo.HandlerFunc {
	return func(c echo.Context) error {
		channel := c.Param(paramChannel)
		body, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "unreadable body").SetInternal(err)
		}
		if !json.Valid(body) {
			return echo.NewHTTPError(http.StatusBadRequest, "body must be JSON")
		}

		opts := bus.SendOptions{Header: map[string]string{}}
		if d := c.QueryParam("delay"); d != "" {
			delay, err := time.ParseDuration(d)
			if err != nil || delay < 0 {
				return echo.NewHTTPError(http.StatusBadRequest, `"delay" should be a non-negative Go duration`)
			}
			opts.Delay = delay
		}
		if r := c.QueryParam("recipe"); r != "" {
			isRecipe, err := strconv.ParseBool(r)
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, `"recipe" should be a boolean`)
			}
			if isRecipe {
				opts.Header[recipe.HeaderRecipe] = "true"
			}
		}

		if err := t.Send(c.Request().Context(), channel, json.RawMessage(body), opts); err != nil {
			switch {
			case errors.Is(err, bus.ErrInvalidChannel), errors.Is(err, bus.ErrInvalidBody):
				return echo.NewHTTPError(http.StatusBadRequest, err.Error())
			case errors.Is(err, bus.ErrClosed):
				return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
			}
			return err
		}
		log.Info("message accepted", "channel", channel, "bytes", len(body), "delay", opts.Delay)
		return c.JSON(http.StatusAccepted, map[string]any{"accepted": true, "channel": channel})
	}
}
