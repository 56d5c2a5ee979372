// Package ws maintains the public Bybit v5 WebSocket stream for one category:
// ticker subscriptions, heartbeat, reconnection with bounded backoff, and
// per-field merge delivery into the store. Inbound parsing is decoupled from
// subscription management by a bounded mailbox; ticks are droppable, stalls
// are not.
package ws

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/perpscan/perpscan/internal/bybit"
	"github.com/perpscan/perpscan/internal/metrics"
	"github.com/perpscan/perpscan/internal/store"
)

const (
	mainnetBase = "wss://stream.bybit.com/v5/public/"
	testnetBase = "wss://stream-testnet.bybit.com/v5/public/"

	DefaultIdleTimeout  = 30 * time.Second
	DefaultChunkSize    = 200
	DefaultPingInterval = 20 * time.Second
	defaultMailboxSize  = 1024
)

// reconnect delay ladder; the last entry repeats.
var reconnectDelays = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
}

// EndpointURL returns the public stream URL for a category.
func EndpointURL(cat bybit.Category, testnet bool) string {
	base := mainnetBase
	if testnet {
		base = testnetBase
	}
	return base + string(cat)
}

// MergeFunc receives one ticker patch per inbound frame.
type MergeFunc func(symbol string, patch store.LiveTicker)

// Config tunes one connector.
type Config struct {
	Category     bybit.Category
	URL          string
	IdleTimeout  time.Duration
	ChunkSize    int
	PingInterval time.Duration
	MailboxSize  int
}

// command mutates the live subscription set.
type command struct {
	subscribe   []string
	unsubscribe []string
}

// patch is one parsed inbound ticker waiting for merge.
type patch struct {
	symbol string
	ticker store.LiveTicker
}

// Connector owns the stream for one category.
type Connector struct {
	cfg   Config
	merge MergeFunc

	mu   sync.Mutex
	want map[string]bool

	cmds    chan command
	mailbox chan patch

	// Paces subscription frames so a full restore cannot burst the
	// exchange's per-connection message budget.
	subLimiter *rate.Limiter
}

func NewConnector(cfg Config, merge MergeFunc) *Connector {
	if cfg.URL == "" {
		cfg.URL = EndpointURL(cfg.Category, false)
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.ChunkSize < 1 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.MailboxSize < 1 {
		cfg.MailboxSize = defaultMailboxSize
	}
	return &Connector{
		cfg:        cfg,
		merge:      merge,
		want:       make(map[string]bool),
		cmds:       make(chan command, 16),
		mailbox:    make(chan patch, cfg.MailboxSize),
		subLimiter: rate.NewLimiter(rate.Limit(5), 5),
	}
}

// AddSymbols extends the subscription set. Atomic from the caller's view:
// the desired set is updated under lock before any frame goes out.
func (c *Connector) AddSymbols(symbols []string) {
	c.mu.Lock()
	var added []string
	for _, sym := range symbols {
		if !c.want[sym] {
			c.want[sym] = true
			added = append(added, sym)
		}
	}
	c.mu.Unlock()
	if len(added) > 0 {
		c.enqueue(command{subscribe: added})
	}
}

// RemoveSymbols shrinks the subscription set.
func (c *Connector) RemoveSymbols(symbols []string) {
	c.mu.Lock()
	var removed []string
	for _, sym := range symbols {
		if c.want[sym] {
			delete(c.want, sym)
			removed = append(removed, sym)
		}
	}
	c.mu.Unlock()
	if len(removed) > 0 {
		c.enqueue(command{unsubscribe: removed})
	}
}

// SwitchTo narrows the subscription to a single symbol.
func (c *Connector) SwitchTo(symbol string) {
	c.mu.Lock()
	var drop []string
	for sym := range c.want {
		if sym != symbol {
			delete(c.want, sym)
			drop = append(drop, sym)
		}
	}
	var add []string
	if !c.want[symbol] {
		c.want[symbol] = true
		add = []string{symbol}
	}
	c.mu.Unlock()
	c.enqueue(command{subscribe: add, unsubscribe: drop})
}

// RestoreFull replaces the subscription set with the given symbols.
func (c *Connector) RestoreFull(symbols []string) {
	next := make(map[string]bool, len(symbols))
	for _, sym := range symbols {
		next[sym] = true
	}

	c.mu.Lock()
	var drop, add []string
	for sym := range c.want {
		if !next[sym] {
			drop = append(drop, sym)
		}
	}
	for sym := range next {
		if !c.want[sym] {
			add = append(add, sym)
		}
	}
	c.want = next
	c.mu.Unlock()
	if len(drop) > 0 || len(add) > 0 {
		c.enqueue(command{subscribe: add, unsubscribe: drop})
	}
}

// Subscribed returns a copy of the desired subscription set.
func (c *Connector) Subscribed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.want))
	for sym := range c.want {
		out = append(out, sym)
	}
	return out
}

func (c *Connector) enqueue(cmd command) {
	select {
	case c.cmds <- cmd:
	default:
		// Command queue full means the writer is wedged; the desired set is
		// already updated and the next (re)connect subscribes from it.
		log.Warn().Str("category", string(c.cfg.Category)).Msg("ws command queue full")
	}
}

// Run drives the connection until ctx is done. Reconnects walk the delay
// ladder; a successful subscribe resets it.
func (c *Connector) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.mergeLoop(ctx)
	}()

	attempt := 0
	for ctx.Err() == nil {
		ok := c.session(ctx)
		if ctx.Err() != nil {
			break
		}
		if ok {
			attempt = 0
		}
		delay := reconnectDelays[min(attempt, len(reconnectDelays)-1)]
		attempt++
		metrics.WSReconnects.WithLabelValues(string(c.cfg.Category)).Inc()
		log.Warn().
			Str("category", string(c.cfg.Category)).
			Dur("delay", delay).
			Int("attempt", attempt).
			Msg("ws reconnecting")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}

	wg.Wait()
	log.Info().Str("category", string(c.cfg.Category)).Msg("ws connector stopped")
}

// session runs one connection from dial to failure. Returns whether the
// initial subscribe succeeded (used to reset the backoff ladder).
func (c *Connector) session(ctx context.Context) bool {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.cfg.URL, nil)
	cancel()
	if err != nil {
		log.Warn().Err(err).Str("url", c.cfg.URL).Msg("ws dial failed")
		return false
	}
	defer conn.Close()

	sctx, scancel := context.WithCancel(ctx)
	defer scancel()

	// Closing the conn is the only way to unblock a pending ReadMessage.
	go func() {
		<-sctx.Done()
		conn.Close()
	}()

	// Writer goroutine owns every outbound frame: initial subscribe,
	// heartbeat pings and subscription changes. A write failure breaks the
	// conn, which the read side observes.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := c.writeLoop(sctx, conn); err != nil && sctx.Err() == nil {
			log.Warn().Err(err).Str("category", string(c.cfg.Category)).Msg("ws write failed")
		}
	}()

	subscribed := c.readLoop(sctx, conn)

	scancel()
	conn.Close()
	wg.Wait()
	return subscribed
}

// writeLoop sends the initial subscription, then services pings and
// subscription commands until the session ends.
func (c *Connector) writeLoop(ctx context.Context, conn *websocket.Conn) error {
	if err := c.sendTopics(ctx, conn, "subscribe", c.Subscribed()); err != nil {
		return err
	}

	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Best-effort close frame; the read side is already unwinding.
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return nil
		case <-ticker.C:
			if err := conn.WriteJSON(map[string]string{"op": "ping"}); err != nil {
				return err
			}
		case cmd := <-c.cmds:
			if err := c.sendTopics(ctx, conn, "unsubscribe", cmd.unsubscribe); err != nil {
				return err
			}
			if err := c.sendTopics(ctx, conn, "subscribe", cmd.subscribe); err != nil {
				return err
			}
		}
	}
}

// sendTopics emits op frames for the symbols, chunked to the exchange's
// per-frame cap and paced by the subscription limiter.
func (c *Connector) sendTopics(ctx context.Context, conn *websocket.Conn, op string, symbols []string) error {
	for start := 0; start < len(symbols); start += c.cfg.ChunkSize {
		end := min(start+c.cfg.ChunkSize, len(symbols))
		args := make([]string, 0, end-start)
		for _, sym := range symbols[start:end] {
			args = append(args, "tickers."+sym)
		}
		if err := c.subLimiter.Wait(ctx); err != nil {
			return err
		}
		frame := map[string]interface{}{"op": op, "args": args}
		if err := conn.WriteJSON(frame); err != nil {
			return err
		}
		log.Debug().
			Str("category", string(c.cfg.Category)).
			Str("op", op).
			Int("topics", len(args)).
			Msg("ws subscription frame sent")
	}
	return nil
}

// readLoop consumes inbound frames until an error or idle timeout. Returns
// whether the session got a successful subscribe ack.
func (c *Connector) readLoop(ctx context.Context, conn *websocket.Conn) bool {
	subscribed := false
	for {
		if ctx.Err() != nil {
			return subscribed
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Warn().Err(err).Str("category", string(c.cfg.Category)).Msg("ws read failed")
			}
			return subscribed
		}
		metrics.WSFrames.WithLabelValues(string(c.cfg.Category)).Inc()

		var frame inboundFrame
		if err := json.Unmarshal(msg, &frame); err != nil {
			log.Debug().Err(err).Msg("ws frame not parseable, skipped")
			continue
		}

		switch {
		case frame.Op == "subscribe":
			if frame.Success != nil && *frame.Success {
				subscribed = true
			} else if frame.Success != nil {
				log.Warn().Str("ret_msg", frame.RetMsg).Msg("ws subscribe rejected")
			}
		case frame.Op == "pong" || frame.RetMsg == "pong":
			// Heartbeat answered; the read deadline reset above is enough.
		case strings.HasPrefix(frame.Topic, "tickers."):
			c.deliverTicker(frame)
		}
	}
}

func (c *Connector) deliverTicker(frame inboundFrame) {
	var data tickerData
	if err := json.Unmarshal(frame.Data, &data); err != nil {
		log.Debug().Err(err).Str("topic", frame.Topic).Msg("ws ticker payload malformed, skipped")
		return
	}
	if data.Symbol == "" {
		data.Symbol = frame.Topic[len("tickers."):]
	}

	ts := time.Now()
	if frame.TS > 0 {
		ts = time.UnixMilli(frame.TS)
	}

	p := patch{symbol: data.Symbol, ticker: data.toPatch(ts)}
	select {
	case c.mailbox <- p:
	default:
		metrics.WSDropped.WithLabelValues(string(c.cfg.Category)).Inc()
	}
}

// mergeLoop drains the mailbox into the store for the connector's lifetime.
func (c *Connector) mergeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-c.mailbox:
			c.merge(p.symbol, p.ticker)
		}
	}
}

// inboundFrame is the common shape of Bybit public stream messages.
type inboundFrame struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	TS      int64           `json:"ts"`
	Data    json.RawMessage `json:"data"`
	Op      string          `json:"op"`
	Success *bool           `json:"success"`
	RetMsg  string          `json:"ret_msg"`
}

// tickerData carries the merge fields. Delta frames omit unchanged fields,
// which arrive as empty strings and must not overwrite known values.
type tickerData struct {
	Symbol          string `json:"symbol"`
	FundingRate     string `json:"fundingRate"`
	Volume24h       string `json:"volume24h"`
	Bid1Price       string `json:"bid1Price"`
	Ask1Price       string `json:"ask1Price"`
	NextFundingTime string `json:"nextFundingTime"`
	MarkPrice       string `json:"markPrice"`
	LastPrice       string `json:"lastPrice"`
}

func (d tickerData) toPatch(ts time.Time) store.LiveTicker {
	return store.LiveTicker{
		FundingRate:   optFloat(d.FundingRate),
		Volume24h:     optFloat(d.Volume24h),
		Bid1:          optFloat(d.Bid1Price),
		Ask1:          optFloat(d.Ask1Price),
		NextFundingMs: optInt(d.NextFundingTime),
		MarkPrice:     optFloat(d.MarkPrice),
		LastPrice:     optFloat(d.LastPrice),
		TS:            ts,
	}
}

func optFloat(s string) *float64 {
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &f
}

func optInt(s string) *int64 {
	if s == "" {
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	return &n
}
