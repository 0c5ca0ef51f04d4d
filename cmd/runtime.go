package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/clawbridge/internal/bus"
	"github.com/nextlevelbuilder/clawbridge/internal/config"
	"github.com/nextlevelbuilder/clawbridge/internal/gateway"
	"github.com/nextlevelbuilder/clawbridge/internal/identity"
	"github.com/nextlevelbuilder/clawbridge/internal/manager"
	"github.com/nextlevelbuilder/clawbridge/internal/store"
	"github.com/nextlevelbuilder/clawbridge/internal/transcript"
	"github.com/nextlevelbuilder/clawbridge/pkg/protocol"
)

// Outbound send limits per session.
const (
	sendRatePerMinute = 30
	sendRateBurst     = 5
)

// inboundDebounceWindow merges rapid consecutive messages from one sender
// into a single agent run.
const inboundDebounceWindow = 1 * time.Second

// runtimeEnv holds the process-wide pieces shared by every connector
// runtime: the message bus, the store layer and the live routers for
// config hot reload.
type runtimeEnv struct {
	cfg         *config.Config
	stores      *store.Stores
	transcripts *transcript.Store
	msgBus      *bus.MessageBus

	routers map[string]*manager.Router
	mu      sync.Mutex
}

func newRuntimeEnv(cfg *config.Config, stores *store.Stores, transcripts *transcript.Store) *runtimeEnv {
	return &runtimeEnv{
		cfg:         cfg,
		stores:      stores,
		transcripts: transcripts,
		msgBus:      bus.New(),
		routers:     map[string]*manager.Router{},
	}
}

// factory returns the ConnectorFactory the manager uses to build runtimes.
func (env *runtimeEnv) factory() manager.ConnectorFactory {
	return func(id string, connCfg config.ConnectorConfig) (manager.Connector, error) {
		return env.buildRuntime(id, connCfg)
	}
}

// applyConfig pushes a hot-reloaded config into every live router.
func (env *runtimeEnv) applyConfig(cfg *config.Config) {
	env.mu.Lock()
	defer env.mu.Unlock()
	env.cfg = cfg
	for id, router := range env.routers {
		if connCfg, ok := cfg.Connectors[id]; ok {
			router.SetConfig(connCfg)
		}
	}
}

// runOutboundPump drains replies off the bus. Each reply is broadcast as
// an event so platform adapters can pick it up, and logged.
func (env *runtimeEnv) runOutboundPump(ctx context.Context) {
	for {
		msg, ok := env.msgBus.SubscribeOutbound(ctx)
		if !ok {
			return
		}
		env.msgBus.Broadcast(bus.Event{
			Name:      "message.outbound",
			Connector: msg.Connector,
			Payload:   msg,
		})
		slog.Info("reply delivered",
			"connector", msg.Connector,
			"channel", msg.ChannelID,
			"chars", len(msg.Content))
	}
}

// connectorRuntime runs one connector: a gateway client, its history
// poller, the router and the inbound debouncer, started and stopped as a
// unit by the manager.
type connectorRuntime struct {
	id       string
	client   *gateway.Client
	poller   *gateway.Poller
	router   *manager.Router
	debounce *bus.InboundDebouncer
	env      *runtimeEnv
}

func (env *runtimeEnv) buildRuntime(id string, connCfg config.ConnectorConfig) (*connectorRuntime, error) {
	env.mu.Lock()
	cfg := env.cfg
	env.mu.Unlock()

	ident, err := identity.LoadOrCreate(identityPathFor(cfg, id))
	if err != nil {
		return nil, fmt.Errorf("load device identity: %w", err)
	}

	clientID := cfg.Gateway.ClientID
	if clientID == "" {
		clientID = "clawbridge-" + id
	}

	client := gateway.NewClient(gateway.Options{
		URL:           cfg.Gateway.URL,
		Token:         cfg.Gateway.Token,
		ClientID:      clientID,
		Mode:          cfg.Gateway.Mode,
		Scopes:        cfg.Gateway.Scopes,
		Version:       version,
		Identity:      ident,
		ReconnectBase: time.Duration(cfg.Gateway.ReconnectBaseMs) * time.Millisecond,
		ReconnectCap:  time.Duration(cfg.Gateway.ReconnectCapMs) * time.Millisecond,
		HelloTimeout:  time.Duration(cfg.Gateway.HelloTimeoutMs) * time.Millisecond,
		RPCTimeout:    time.Duration(cfg.Gateway.RPCTimeoutMs) * time.Millisecond,
		TickInterval:  time.Duration(cfg.Gateway.TickIntervalMs) * time.Millisecond,
	})

	dedupe := bus.NewDedupeCache(0, 0)
	recency := gateway.NewRecencyWindow()

	// The poller and router reference each other: the poller delivers
	// backlog replies into the router, the router tracks sessions on the
	// poller.
	var router *manager.Router
	pollInterval := time.Duration(connCfg.HistoryPollIntervalMs) * time.Millisecond
	poller := gateway.NewPoller(client, dedupe, recency, pollInterval,
		func(sessionKey string, reply gateway.Reply) {
			router.HandleReply(sessionKey, reply.Text)
		})

	router = manager.NewRouter(manager.RouterOptions{
		Connector:   id,
		Config:      connCfg,
		Client:      client,
		Tracker:     poller,
		Pairing:     env.stores.Pairing,
		Transcripts: env.transcripts,
		Limiter:     gateway.NewRateLimiter(sendRatePerMinute, sendRateBurst),
		Deliver: func(msg bus.OutboundMessage) {
			env.msgBus.PublishOutbound(msg)
		},
	})

	live := gateway.NewLiveDispatcher(dedupe, recency,
		func(sessionKey string, reply gateway.Reply) {
			router.HandleReply(sessionKey, reply.Text)
		})
	client.OnEvent(live.HandleEvent)
	client.OnConnected(func(hello *protocol.HelloOk) {
		// Backlog that accumulated while disconnected must not replay;
		// the next poll of every session is a warm-up again.
		poller.Reset()
		slog.Info("connector online", "connector", id, "server", hello.Server.Version)
		env.msgBus.Broadcast(bus.Event{Name: "connector.online", Connector: id})
	})
	client.OnDisconnected(func(err error) {
		slog.Warn("connector offline", "connector", id, "error", err)
		env.msgBus.Broadcast(bus.Event{Name: "connector.offline", Connector: id, Payload: err})
	})

	debounce := bus.NewInboundDebouncer(inboundDebounceWindow, func(msg bus.InboundMessage) {
		router.HandleInbound(context.Background(), msg)
	})

	rt := &connectorRuntime{
		id:       id,
		client:   client,
		poller:   poller,
		router:   router,
		debounce: debounce,
		env:      env,
	}

	env.mu.Lock()
	env.routers[id] = router
	env.mu.Unlock()

	return rt, nil
}

// Start runs the gateway client, the history poller and the inbound pump
// until the context is cancelled or the client stops.
func (rt *connectorRuntime) Start(ctx context.Context) error {
	rt.env.msgBus.RegisterHandler(rt.id, rt.debounce.Push)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rt.client.Start(gctx)
	})
	g.Go(func() error {
		rt.poller.Start(gctx)
		return nil
	})
	g.Go(func() error {
		rt.runInboundPump(gctx)
		return nil
	})
	return g.Wait()
}

// runInboundPump moves this connector's inbound messages from the bus
// into the debouncer.
func (rt *connectorRuntime) runInboundPump(ctx context.Context) {
	for {
		msg, ok := rt.env.msgBus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		if msg.Connector != rt.id {
			// Not ours; hand to the owning connector's handler.
			if handler, found := rt.env.msgBus.GetHandler(msg.Connector); found {
				handler(msg)
				continue
			}
			slog.Warn("inbound message for unknown connector", "connector", msg.Connector)
			continue
		}
		rt.debounce.Push(msg)
	}
}

// Stop shuts the runtime down. The manager calls this under the
// per-connector lifecycle lock.
func (rt *connectorRuntime) Stop() {
	rt.poller.Stop()
	rt.client.Stop()
	rt.debounce.Stop()
	rt.env.msgBus.UnregisterHandler(rt.id)

	rt.env.mu.Lock()
	delete(rt.env.routers, rt.id)
	rt.env.mu.Unlock()
}
