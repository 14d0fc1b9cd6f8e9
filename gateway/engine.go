package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/uncord-chat/uncord-client/internal/metrics"
	"github.com/uncord-chat/uncord-client/token"
)

// Version is the library version advertised in IDENTIFY properties.
const Version = "0.3.0"

const (
	// DefaultAPIVersion is the gateway protocol version requested when none is configured.
	DefaultAPIVersion = 7

	// DefaultLargeThreshold is the guild member count above which the server omits offline members from guild
	// payloads.
	DefaultLargeThreshold = 250

	reconnectInitialDelay = time.Second
	reconnectMaxDelay     = 2 * time.Minute
)

// Config is the immutable engine configuration. The zero value of optional fields selects platform defaults.
type Config struct {
	// Host is the gateway endpoint, e.g. "wss://gateway.example.com:443/". The scheme becomes wss unless it is ws;
	// host, port and path are preserved; the query string is replaced with the protocol parameters.
	Host string

	// Token authenticates IDENTIFY and RESUME.
	Token string

	// APIVersion selects the gateway protocol version. Defaults to DefaultAPIVersion.
	APIVersion int

	// ShardID and ShardCount are this engine's shard coordinates. A zero ShardCount means the session is unsharded
	// and IDENTIFY omits the shard field.
	ShardID    int
	ShardCount int

	// LargeThreshold defaults to DefaultLargeThreshold.
	LargeThreshold int

	// InitialPresence, when non-nil, is sent verbatim inside IDENTIFY.
	InitialPresence json.RawMessage

	// Incognito replaces the identify properties with their literal key names to frustrate fingerprinting.
	Incognito bool

	// Properties overrides the platform identifiers sent in IDENTIFY. Ignored in incognito mode.
	Properties *IdentifyProperties

	// MaxPersistentBufferSize bounds the receive buffer capacity that survives across frames.
	MaxPersistentBufferSize int

	// CommandRateLimit and CommandRateWindow bound outbound commands. Defaults: 120 per 60s.
	CommandRateLimit  int
	CommandRateWindow time.Duration

	// Dialer overrides the WebSocket dialer, mainly for tests.
	Dialer *websocket.Dialer

	// Logger receives engine logs. The zero value discards them.
	Logger zerolog.Logger
}

// Engine maintains one long-lived gateway session: it reconnects with backoff, resumes where the server allows it,
// and forwards every dispatch event to the sink in server order.
type Engine struct {
	cfg  Config
	id   uuid.UUID
	log  zerolog.Logger
	url  string
	sess *SessionState
	sink EventSink

	// limiter persists across reconnects; the command budget is per engine, not per connection.
	limiter *RateLimiter

	mu    sync.Mutex
	conn  Conn
	codec *frameCodec
	fsm   *controlFSM

	// writeMu serialises raw socket writes beneath the rate limiter.
	writeMu sync.Mutex

	closed     chan struct{}
	closeOnce  sync.Once
	runStarted atomic.Bool
	runExited  chan struct{}
}

// New validates the configuration and creates an engine. The sink may be nil, in which case events are dropped after
// sequence tracking.
func New(cfg Config, sink EventSink) (*Engine, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("gateway: host is required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("gateway: token is required")
	}
	if cfg.APIVersion == 0 {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.LargeThreshold == 0 {
		cfg.LargeThreshold = DefaultLargeThreshold
	}
	if cfg.ShardCount > 0 && (cfg.ShardID < 0 || cfg.ShardID >= cfg.ShardCount) {
		return nil, fmt.Errorf("gateway: shard id %d out of range for %d shards", cfg.ShardID, cfg.ShardCount)
	}

	gatewayURL, err := BuildGatewayURL(cfg.Host, cfg.APIVersion)
	if err != nil {
		return nil, err
	}

	id := uuid.New()
	logger := cfg.Logger.With().
		Str("component", "gateway").
		Str("engine_id", id.String()).
		Int("shard_id", cfg.ShardID).
		Logger()

	return &Engine{
		cfg:       cfg,
		id:        id,
		log:       logger,
		url:       gatewayURL,
		sess:      NewSessionState(cfg.ShardID, cfg.ShardCount),
		sink:      sink,
		limiter:   NewRateLimiter(cfg.CommandRateLimit, cfg.CommandRateWindow),
		closed:    make(chan struct{}),
		runExited: make(chan struct{}),
	}, nil
}

// BuildGatewayURL derives the connection URL from the configured host: scheme forced to wss, host and port preserved,
// and the protocol query parameters in the documented order. A host that explicitly uses plaintext ws keeps it; that
// is only for local development.
func BuildGatewayURL(host string, version int) (string, error) {
	u, err := url.Parse(host)
	if err != nil {
		return "", fmt.Errorf("gateway: parse host %q: %w", host, err)
	}
	if u.Scheme != "ws" {
		u.Scheme = "wss"
	}
	u.RawQuery = fmt.Sprintf("v=%d&encoding=json&compression=zlib-stream", version)
	u.Fragment = ""
	return u.String(), nil
}

// Run drives the reconnect loop until Close is called, the context is cancelled, or the server closes with a code
// that forbids reconnecting (returned as *FatalCloseError). Run may be called at most once.
func (e *Engine) Run(ctx context.Context) error {
	e.runStarted.Store(true)
	defer close(e.runExited)

	e.warnIfTokenExpiring()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-e.closed:
			cancel()
		case <-runCtx.Done():
		}
	}()

	delay := reconnectInitialDelay
	for {
		if err := e.checkLive(runCtx); err != nil {
			return nil
		}

		conn, err := e.dial(runCtx)
		if err != nil {
			if runCtx.Err() != nil {
				return nil
			}
			metrics.ConnectFailuresTotal.Inc()
			e.log.Warn().Err(err).Dur("retry_in", delay).Msg("Gateway dial failed")
			if !e.sleep(runCtx, delay) {
				return nil
			}
			delay = min(delay*2, reconnectMaxDelay)
			continue
		}
		metrics.ConnectsTotal.Inc()
		e.log.Info().Str("url", e.url).Msg("Gateway connected")

		fsm := e.attachConnection(conn)
		res := fsm.Run(runCtx)
		e.detachConnection(conn)

		// An attempt that got as far as HELLO (the heartbeat controller started) resets the backoff.
		if fsm.hb != nil {
			delay = reconnectInitialDelay
		}

		switch res.kind {
		case runDone:
			e.log.Info().Msg("Gateway engine stopped")
			return nil
		case runResume, runReidentify:
			disposition := classifyCloseCode(res.code)
			if disposition == closeFatal {
				e.log.Error().Int("code", res.code).Str("reason", res.reason).
					Msg("Gateway closed with a non-recoverable code")
				return &FatalCloseError{CloseError{Code: res.code, Reason: res.reason}}
			}
			reidentify := res.kind == runReidentify || disposition == closeReidentify
			if reidentify {
				e.sess.Clear()
				metrics.ReconnectsTotal.WithLabelValues("identify").Inc()
			} else {
				metrics.ReconnectsTotal.WithLabelValues("resume").Inc()
			}
			e.log.Warn().
				Int("code", res.code).
				Str("reason", res.reason).
				Bool("resume", !reidentify).
				Dur("retry_in", delay).
				Msg("Gateway connection ended, reconnecting")
			if !e.sleep(runCtx, delay) {
				return nil
			}
			delay = min(delay*2, reconnectMaxDelay)
		}
	}
}

// Close shuts the engine down. With block set it waits for Run to return. Calling Close more than once is harmless;
// later calls return promptly.
func (e *Engine) Close(block bool) {
	e.closeOnce.Do(func() { close(e.closed) })

	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn != nil {
		msg := websocket.FormatCloseMessage(CloseNormalClosure, "client shutting down")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(5*time.Second))
		_ = conn.Close()
	}

	if block && e.runStarted.Load() {
		<-e.runExited
	}
}

// Closed returns a channel that is closed once Close has been called.
func (e *Engine) Closed() <-chan struct{} { return e.closed }

// SendCommand acquires a rate-limiter token and writes the command as one text frame. It blocks while the command
// budget is exhausted; cancelling the context while waiting consumes no token.
func (e *Engine) SendCommand(ctx context.Context, cmd Command) error {
	select {
	case <-e.closed:
		return ErrEngineClosed
	default:
	}
	if err := e.limiter.Acquire(ctx); err != nil {
		return err
	}

	e.mu.Lock()
	conn, codec := e.conn, e.codec
	e.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if err := codec.EncodeAndSend(conn, cmd); err != nil {
		return err
	}
	metrics.CommandsTotal.Inc()
	return nil
}

// RequestGuildMembers asks the server to stream GUILD_MEMBERS_CHUNK events for a guild. An empty query with limit 0
// requests every member.
func (e *Engine) RequestGuildMembers(ctx context.Context, guildID Snowflake, query string, limit int) error {
	return e.SendCommand(ctx, NewRequestGuildMembersCommand(guildID, query, limit))
}

// UpdatePresence publishes the client's presence. A nil idleSince or activity is sent as null.
func (e *Engine) UpdatePresence(ctx context.Context, idleSince *int64, activity json.RawMessage, status string, afk bool) error {
	return e.SendCommand(ctx, NewPresenceUpdateCommand(idleSince, activity, status, afk))
}

// UpdateVoiceState joins, moves within, or (with a nil channel) leaves voice in a guild.
func (e *Engine) UpdateVoiceState(ctx context.Context, guildID Snowflake, channelID *Snowflake, selfMute, selfDeaf bool) error {
	return e.SendCommand(ctx, NewVoiceStateUpdateCommand(guildID, channelID, selfMute, selfDeaf))
}

// Session exposes the engine's session record.
func (e *Engine) Session() *SessionState { return e.sess }

// State returns the lifecycle phase of the current connection attempt.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fsm == nil {
		return StateDisconnected
	}
	return e.fsm.currentState()
}

// HeartbeatLatency returns the most recent heartbeat round trip, or zero before the first acknowledgement of the
// current connection.
func (e *Engine) HeartbeatLatency() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fsm == nil || e.fsm.hb == nil {
		return 0
	}
	return e.fsm.hb.Latency()
}

func (e *Engine) attachConnection(conn Conn) *controlFSM {
	codec := newFrameCodec(e.cfg.MaxPersistentBufferSize, e.log)
	fsm := &controlFSM{
		log:      e.log,
		conn:     conn,
		codec:    codec,
		sess:     e.sess,
		sink:     e.sink,
		send:     e.SendCommand,
		identify: e.identifyCommand,
		resume:   e.resumeCommand,
	}
	e.mu.Lock()
	e.conn = conn
	e.codec = codec
	e.fsm = fsm
	e.mu.Unlock()
	return fsm
}

func (e *Engine) detachConnection(conn Conn) {
	_ = conn.Close()
	e.mu.Lock()
	if e.conn == conn {
		e.conn = nil
		e.codec = nil
	}
	e.mu.Unlock()
}

func (e *Engine) dial(ctx context.Context) (Conn, error) {
	dialer := e.cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, e.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial gateway: %w", err)
	}
	return conn, nil
}

func (e *Engine) identifyCommand() Command {
	var shard []int
	if e.cfg.ShardCount > 0 {
		shard = []int{e.cfg.ShardID, e.cfg.ShardCount}
	}
	return NewIdentifyCommand(e.cfg.Token, e.cfg.LargeThreshold, e.properties(), shard, e.cfg.InitialPresence)
}

func (e *Engine) resumeCommand() Command {
	var seq int64
	if s := e.sess.Seq(); s != nil {
		seq = *s
	}
	return NewResumeCommand(e.cfg.Token, e.sess.SessionID(), seq)
}

func (e *Engine) properties() IdentifyProperties {
	if e.cfg.Incognito {
		return IdentifyProperties{OS: "os", Browser: "browser", Device: "device"}
	}
	if e.cfg.Properties != nil {
		return *e.cfg.Properties
	}
	return IdentifyProperties{
		OS:      runtime.GOOS,
		Browser: "uncord-client " + Version,
		Device:  runtime.Version(),
	}
}

func (e *Engine) warnIfTokenExpiring() {
	exp, ok := token.Expiry(e.cfg.Token)
	if !ok {
		return
	}
	if remaining := time.Until(exp); remaining < time.Minute {
		e.log.Warn().Time("expires_at", exp).Dur("remaining", remaining).
			Msg("Access token is expired or about to expire; the server will likely reject IDENTIFY")
	}
}

func (e *Engine) checkLive(ctx context.Context) error {
	select {
	case <-e.closed:
		return ErrEngineClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// sleep waits for the delay unless the engine is closed first. It reports whether the caller should continue.
func (e *Engine) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-e.closed:
		return false
	case <-time.After(d):
		return true
	}
}
