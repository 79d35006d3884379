// Package chatkit is the client-side chat subsystem of the marketplace: a
// shared broker connection with per-room subscriptions, paginated history
// loading over the REST API, and a per-room controller that merges both into
// one ordered message sequence.
package chatkit

import (
	"context"
	"log"
	"net/http"
	"os"

	"github.com/gorilla/handlers"

	"github.com/jobdeck/chatkit/internal/auth"
	"github.com/jobdeck/chatkit/internal/broker"
	"github.com/jobdeck/chatkit/internal/config"
	"github.com/jobdeck/chatkit/internal/rest"
	"github.com/jobdeck/chatkit/internal/room"
	"github.com/jobdeck/chatkit/internal/scroll"
	"github.com/jobdeck/chatkit/internal/stats"
	"github.com/jobdeck/chatkit/internal/types"
)

// Re-exported domain types so callers never import internal packages.
type (
	Message  = types.Message
	Scope    = types.Scope
	Room     = room.Controller
	Viewport = scroll.Viewport
)

// Scroll reconciliation rules, re-exported for the view layer.
var (
	NearBottom          = scroll.NearBottom
	NearTop             = scroll.NearTop
	ShouldStickToBottom = scroll.ShouldStickToBottom
	ShouldLoadOlder     = scroll.ShouldLoadOlder
	OffsetAfterPrepend  = scroll.OffsetAfterPrepend
)

const (
	ScopeApp     = types.ScopeApp
	ScopeManager = types.ScopeManager
)

// Options configures a Client. BrokerURL may be empty when the deployment
// has no broker; rooms then run on history alone until a URL is provided.
type Options struct {
	BrokerURL  string
	APIBaseURL string
	PageSize   int
}

// Client is the process-wide entry point. One Client per authenticated
// session; rooms created from it share its connection and credential.
type Client struct {
	cfg    *config.Config
	log    *log.Logger
	tokens *auth.TokenStore
	api    *rest.Client
	conn   *broker.Conn
	stats  *stats.StatsUpdater
	mux    *http.ServeMux
}

func NewClient(opts Options, logger *log.Logger) (*Client, error) {
	cfg, err := config.NewConfig(opts.BrokerURL, opts.APIBaseURL, opts.PageSize)
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = log.New(os.Stderr, "[chatkit] ", log.LstdFlags)
	}

	mux := http.NewServeMux()
	su := stats.NewStatsUpdater(mux)
	su.RegisterMetric(stats.PagesFetched)
	su.Run()

	tokens := auth.NewTokenStore()

	return &Client{
		cfg:    cfg,
		log:    logger,
		tokens: tokens,
		api:    rest.NewClient(cfg.APIBaseURL, tokens, logger),
		conn:   broker.NewConn(cfg, tokens, logger, su),
		stats:  su,
		mux:    mux,
	}, nil
}

// SetAccessToken installs the session credential used for both the REST API
// and the broker handshake. Changing it while connected makes the broker
// redial with the new credential.
func (c *Client) SetAccessToken(token string) {
	c.tokens.SetToken(token)
	c.conn.EnsureConnected()
}

// UserId returns the subject of the current access token, or "" when no
// token is set or it carries no recognizable subject.
func (c *Client) UserId() string {
	return c.tokens.UserId()
}

// Connect activates the broker connection eagerly. Optional; opening a room
// does the same lazily.
func (c *Client) Connect() {
	c.conn.EnsureConnected()
}

// Connected reports whether the broker connection is currently up.
func (c *Client) Connected() bool {
	return c.conn.IsConnected()
}

// Room builds the controller for one chat room. The caller owns its
// lifecycle: Open on mount, Close on teardown.
func (c *Client) Room(roomId string, scope Scope) *Room {
	return room.NewController(c.log, c.stats, c.conn, c.api, c.tokens, roomId, scope, c.cfg.PageSize)
}

// CreateRoom opens (or returns the existing) room with the given
// counterpart and returns its id.
func (c *Client) CreateRoom(ctx context.Context, scope Scope, opponentId string) (string, error) {
	resp, err := c.api.CreateRoom(ctx, scope, rest.CreateRoomParams{OpponentId: opponentId})
	if err != nil {
		return "", err
	}
	return resp.ChatRoomId, nil
}

// DebugHandler serves the client's runtime counters as JSON under
// /debug/vars, CORS-enabled so a dev overlay on another origin can poll it.
func (c *Client) DebugHandler() http.Handler {
	return handlers.CORS(
		handlers.AllowedMethods([]string{http.MethodGet}),
		handlers.AllowedOrigins([]string{"*"}),
	)(c.mux)
}

// Shutdown permanently tears down the broker connection and stops the stats
// pipeline. The Client is unusable afterwards.
func (c *Client) Shutdown() {
	c.conn.Disconnect()
	c.stats.Stop()
}
