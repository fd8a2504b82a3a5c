// Package app assembles the chat backbone from configuration: it picks the
// presence, fanout and storage drivers, builds the hub and exposes the
// shutdown sequence.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/Tyrowin/nexus-chat-server/internal/auth"
	"github.com/Tyrowin/nexus-chat-server/internal/chat"
	"github.com/Tyrowin/nexus-chat-server/internal/fanout"
	"github.com/Tyrowin/nexus-chat-server/internal/presence"
	"github.com/Tyrowin/nexus-chat-server/internal/server"
	"github.com/Tyrowin/nexus-chat-server/internal/storage"
	"github.com/Tyrowin/nexus-chat-server/internal/storage/memstore"
	"github.com/Tyrowin/nexus-chat-server/internal/storage/pgstore"
	"github.com/Tyrowin/nexus-chat-server/internal/storage/sqlitestore"
)

// App is one running node.
type App struct {
	cfg  server.Config
	node string

	redis    *redis.Client
	nats     *nats.Conn
	presence presence.Registry
	bus      fanout.Bus
	store    storage.Store
	chat     *chat.Service
	hub      *server.Hub
	http     *http.Server
}

// New installs cfg as the process configuration and builds every
// collaborator it names. Nothing accepts traffic until Start is called.
// On error everything built so far is released.
func New(ctx context.Context, cfg server.Config) (*App, error) {
	server.SetConfig(&cfg)
	cfg = server.CurrentConfig()

	node, err := nodeID(cfg)
	if err != nil {
		return nil, err
	}
	a := &App{cfg: cfg, node: node}
	if err := a.build(ctx); err != nil {
		_ = a.closeBackends()
		return nil, err
	}
	log.Printf("[app] node %s: presence=%s fanout=%s storage=%s delivery=%s",
		a.node, cfg.PresenceDriver, cfg.FanoutDriver, cfg.StorageDriver, a.chat.Mode())
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	var err error
	if err = a.connect(ctx); err != nil {
		return err
	}
	if a.presence, err = a.buildPresence(); err != nil {
		return err
	}
	if a.bus, err = a.buildBus(); err != nil {
		return err
	}
	if a.store, err = a.buildStore(ctx); err != nil {
		return err
	}

	rooms, err := ParseSeedRooms(a.cfg.SeedRooms)
	if err != nil {
		return err
	}
	if err := seed(ctx, a.store, rooms); err != nil {
		return err
	}

	mode, err := chat.ParseDeliveryMode(a.cfg.DeliveryMode)
	if err != nil {
		return err
	}
	verifier, err := auth.NewVerifier(jwtSecret(a.cfg.JWTSecret), a.cfg.JWTIssuer)
	if err != nil {
		return err
	}

	a.chat = chat.NewService(a.store, a.presence, a.bus, chat.Options{Mode: mode})
	a.hub = server.NewHub(server.Deps{
		Node:     a.node,
		Presence: a.presence,
		Bus:      a.bus,
		Store:    a.store,
		Chat:     a.chat,
		Auth:     verifier,
	})
	a.http = server.CreateServer(a.cfg.Port, server.SetupRoutes(a.hub))
	return nil
}

// nodeID returns the configured node id. Only a node whose presence state
// dies with the process may fall back to a generated id; with a shared
// registry the id must survive restarts so Start can purge a crashed run.
func nodeID(cfg server.Config) (string, error) {
	if cfg.NodeID != "" {
		return cfg.NodeID, nil
	}
	if cfg.PresenceDriver == "redis" {
		return "", errors.New("NODE_ID is required with PRESENCE_DRIVER=redis")
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "node"
	}
	return host + "-" + uuid.NewString()[:8], nil
}

func jwtSecret(configured string) string {
	if configured != "" {
		return configured
	}
	log.Println("[app] JWT_SECRET is not set; using the insecure development secret")
	return auth.DevSecret
}

// connect dials the shared backends the selected drivers need.
func (a *App) connect(ctx context.Context) error {
	if a.cfg.PresenceDriver == "redis" || a.cfg.FanoutDriver == "redis" {
		opts, err := redis.ParseURL(a.cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		a.redis = redis.NewClient(opts)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
	}

	if a.cfg.FanoutDriver == "nats" {
		nc, err := nats.Connect(a.cfg.NATSURL,
			nats.Name("nexus-"+a.node),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				log.Printf("[fanout] nats disconnected: %v", err)
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				log.Printf("[fanout] nats reconnected to %s", nc.ConnectedUrl())
			}),
		)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		a.nats = nc
	}
	return nil
}

func (a *App) buildPresence() (presence.Registry, error) {
	switch a.cfg.PresenceDriver {
	case "redis":
		return presence.NewRedisRegistry(a.redis, a.node, ""), nil
	case "memory", "":
		return presence.NewMemoryRegistry(a.node), nil
	default:
		return nil, fmt.Errorf("unknown PRESENCE_DRIVER %q", a.cfg.PresenceDriver)
	}
}

func (a *App) buildBus() (fanout.Bus, error) {
	switch a.cfg.FanoutDriver {
	case "redis":
		return fanout.NewRedisBus(a.redis, a.node, ""), nil
	case "nats":
		return fanout.NewNATSBus(a.nats, a.node, ""), nil
	case "memory", "":
		return fanout.NewBroker().Bus(a.node), nil
	default:
		return nil, fmt.Errorf("unknown FANOUT_DRIVER %q", a.cfg.FanoutDriver)
	}
}

func (a *App) buildStore(ctx context.Context) (storage.Store, error) {
	switch a.cfg.StorageDriver {
	case "postgres":
		if a.cfg.DatabaseURL == "" {
			return nil, errors.New("STORAGE_DRIVER=postgres needs DATABASE_URL")
		}
		store, err := pgstore.Open(ctx, a.cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			_ = store.Close()
			return nil, err
		}
		return store, nil
	case "sqlite":
		store, err := sqlitestore.Open(a.cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "memory", "":
		return memstore.New(), nil
	default:
		return nil, fmt.Errorf("unknown STORAGE_DRIVER %q", a.cfg.StorageDriver)
	}
}

// Start attaches the hub to the bus and clears presence entries this node
// left behind in a previous run, announcing the users that went offline.
func (a *App) Start(ctx context.Context) error {
	if err := a.hub.Start(ctx); err != nil {
		return fmt.Errorf("start hub: %w", err)
	}

	offline, err := a.presence.PurgeNode(ctx, a.node)
	if err != nil {
		log.Printf("[presence] purge of stale entries for node %s failed: %v", a.node, err)
		return nil
	}
	if len(offline) > 0 {
		log.Printf("[presence] purged stale connections of node %s, %d users now offline", a.node, len(offline))
		a.hub.BroadcastOffline(ctx, offline)
	}
	return nil
}

// Serve runs the HTTP server until it is shut down.
func (a *App) Serve() error {
	return server.StartServer(a.http)
}

// Node returns the node id.
func (a *App) Node() string { return a.node }

// Hub returns the node's hub.
func (a *App) Hub() *server.Hub { return a.hub }

// Handler returns the HTTP routes, for tests that serve them themselves.
func (a *App) Handler() http.Handler { return a.http.Handler }

// Shutdown stops accepting connections, runs disconnect cleanup for every
// local connection, waits for background receipt work and releases the
// backends, in that order.
func (a *App) Shutdown(ctx context.Context) error {
	timeout := a.cfg.ShutdownTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	var errs []error
	if err := server.ShutdownServer(a.http, timeout); err != nil {
		errs = append(errs, fmt.Errorf("http: %w", err))
	}
	if err := a.hub.Shutdown(timeout); err != nil {
		errs = append(errs, fmt.Errorf("hub: %w", err))
	}
	a.chat.Wait()
	if err := a.closeBackends(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) closeBackends() error {
	var errs []error
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			errs = append(errs, fmt.Errorf("fanout: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage: %w", err))
		}
	}
	if a.presence != nil {
		if err := a.presence.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			errs = append(errs, fmt.Errorf("presence: %w", err))
		}
	}
	if a.nats != nil {
		a.nats.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	return errors.Join(errs...)
}
