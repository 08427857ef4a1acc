package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/rickgao/exchange-feeds/internal/exchange"
	"github.com/rickgao/exchange-feeds/internal/model"
)

var errNotFound = errors.New("no data")

// badRequestError marks an invalid query parameter.
type badRequestError struct {
	param string
	err   error
}

func (e *badRequestError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.param, e.err)
}

func (e *badRequestError) Unwrap() error { return e.err }

type exchangeView struct {
	Info     model.ExchangeInfo    `json:"info"`
	Features model.SupportFeatures `json:"features"`
}

func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	components := make(map[string]any)

	if s.deps.Store != nil {
		if err := s.deps.Store.Ping(ctx); err != nil {
			status = "unhealthy"
			components["cache"] = map[string]string{"status": "disconnected", "error": err.Error()}
		} else {
			components["cache"] = "connected"
		}
	}

	if s.deps.Markets != nil {
		total := 0
		for _, name := range s.deps.Exchanges.Names() {
			total += len(s.deps.Markets.Pairs(name))
		}
		components["markets"] = map[string]any{
			"pairs":     total,
			"last_sync": s.deps.Markets.LastSync(),
		}
		if total == 0 && status == "healthy" {
			status = "degraded"
		}
	}

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, Response{
		Success: code == http.StatusOK,
		Code:    code,
		Message: status,
		Data:    components,
	})
}

func (s *Server) exchanges(c *gin.Context) {
	names := s.deps.Exchanges.Names()
	out := make([]exchangeView, 0, len(names))
	for _, name := range names {
		ex, err := s.deps.Exchanges.Get(name)
		if err != nil {
			continue
		}
		out = append(out, exchangeView{Info: ex.Info(), Features: ex.Features()})
	}
	ok(c, out)
}

func (s *Server) markets(c *gin.Context) {
	ex, found := s.exchange(c)
	if !found {
		return
	}

	if s.deps.Markets != nil {
		ok(c, s.deps.Markets.Pairs(ex.Info().Name))
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.FetchTimeout)
	defer cancel()
	pairs, err := ex.Markets(ctx)
	if err != nil {
		fail(c, statusOf(err), err)
		return
	}
	ok(c, pairs)
}

func (s *Server) tickers(c *gin.Context) {
	ex, found := s.exchange(c)
	if !found {
		return
	}
	if s.deps.Store == nil {
		fail(c, http.StatusServiceUnavailable, errors.New("cache not configured"))
		return
	}

	tickers, err := s.deps.Store.Tickers(c.Request.Context(), ex.Info().Name)
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	ok(c, tickers)
}

func (s *Server) ticker(c *gin.Context) {
	ex, found := s.exchange(c)
	if !found {
		return
	}
	pair := c.Param("pair")

	if s.deps.Store != nil {
		t, hit, err := s.deps.Store.Ticker(c.Request.Context(), ex.Info().Name, pair)
		if err != nil {
			s.logger.Warn("cache read failed", "error", err)
		} else if hit {
			ok(c, t)
			return
		}
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.FetchTimeout)
	defer cancel()
	t, err := ex.FetchTicker(ctx, pair)
	if err != nil {
		fail(c, statusOf(err), err)
		return
	}
	ok(c, t)
}

func (s *Server) depth(c *gin.Context) {
	ex, found := s.exchange(c)
	if !found {
		return
	}
	pair := c.Param("pair")

	if s.deps.Store != nil {
		d, hit, err := s.deps.Store.Depth(c.Request.Context(), ex.Info().Name, pair)
		if err != nil {
			s.logger.Warn("cache read failed", "error", err)
		} else if hit {
			ok(c, d)
			return
		}
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.FetchTimeout)
	defer cancel()
	d, err := ex.FetchDepth(ctx, pair)
	if err != nil {
		fail(c, statusOf(err), err)
		return
	}
	ok(c, d)
}

// candles serves history when start is given, otherwise the latest bar.
func (s *Server) candles(c *gin.Context) {
	ex, found := s.exchange(c)
	if !found {
		return
	}
	pair := c.Param("pair")

	timeframe, err := exchange.ParseTimeframe(c.DefaultQuery("timeframe", "1h"))
	if err != nil {
		fail(c, http.StatusBadRequest, &badRequestError{param: "timeframe", err: err})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.FetchTimeout)
	defer cancel()

	if start := c.Query("start"); start != "" {
		from, to, err := parseRange(start, c.Query("end"))
		if err != nil {
			fail(c, http.StatusBadRequest, err)
			return
		}
		candles, err := ex.FetchCandles(ctx, pair, timeframe, from, to)
		if err != nil {
			fail(c, statusOf(err), err)
			return
		}
		ok(c, candles)
		return
	}

	if s.deps.Store != nil {
		k, hit, err := s.deps.Store.Candle(ctx, ex.Info().Name, pair, timeframe)
		if err != nil {
			s.logger.Warn("cache read failed", "error", err)
		} else if hit {
			ok(c, k)
			return
		}
	}

	now := time.Now()
	candles, err := ex.FetchCandles(ctx, pair, timeframe, now.Add(-2*timeframe), now)
	if err != nil {
		fail(c, statusOf(err), err)
		return
	}
	if len(candles) == 0 {
		fail(c, http.StatusNotFound, errNotFound)
		return
	}
	ok(c, candles[len(candles)-1])
}

func parseRange(start, end string) (time.Time, time.Time, error) {
	from, err := time.Parse(time.RFC3339, start)
	if err != nil {
		return time.Time{}, time.Time{}, &badRequestError{param: "start", err: err}
	}
	to := time.Now()
	if end != "" {
		if to, err = time.Parse(time.RFC3339, end); err != nil {
			return time.Time{}, time.Time{}, &badRequestError{param: "end", err: err}
		}
	}
	if !from.Before(to) {
		return time.Time{}, time.Time{}, &badRequestError{param: "range", err: errors.New("start must be before end")}
	}
	return from, to, nil
}

// streamTicker relays the merged ticker feed of a pair until either side
// closes.
func (s *Server) streamTicker(c *gin.Context) {
	ex, found := s.exchange(c)
	if !found {
		return
	}
	pair := c.Param("pair")

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	feed := ex.Ticker(ctx, pair)
	defer feed.Close()

	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		t, err := feed.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, err.Error()))
			}
			return
		}
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(t); err != nil {
			s.logger.Debug("stream client gone", "pair", pair, "error", err)
			return
		}
	}
}

func (s *Server) stats(c *gin.Context) {
	if s.deps.Stats == nil {
		ok(c, map[string]any{})
		return
	}
	ok(c, s.deps.Stats())
}

// exchange resolves the :exchange param, writing a 404 when unknown.
func (s *Server) exchange(c *gin.Context) (exchange.Exchange, bool) {
	ex, err := s.deps.Exchanges.Get(c.Param("exchange"))
	if err != nil {
		fail(c, http.StatusNotFound, err)
		return nil, false
	}
	return ex, true
}
