// Package typewriter assembles one client: identity, gateway connection,
// document engine, presence and snapshots.
package typewriter

import (
	"context"
	"errors"
	"time"

	"afteryou/internal/discovery"
	"afteryou/internal/engine"
	"afteryou/internal/gateway"
	"afteryou/internal/identity"
	"afteryou/internal/models"
	"afteryou/internal/presence"
	"afteryou/internal/snapshots"
	"afteryou/internal/timing"

	"github.com/rs/zerolog"
)

const defaultProbeTimeout = 3 * time.Second

type Mode string

const (
	ModeRemote    Mode = "remote"
	ModeLocalOnly Mode = "local-only"
)

type Options struct {
	GatewayURL   string
	ProbeTimeout time.Duration
	// IdentityPath is the bbolt file holding the identity. Empty means a
	// fresh identity every run.
	IdentityPath string
	// Discover browses mDNS when GatewayURL is empty.
	Discover bool
	Clock    timing.Clock

	// Gateway skips resolution and probing when set.
	Gateway gateway.Client
}

type Session struct {
	Identity  models.Identity
	Mode      Mode
	Engine    *engine.Engine
	Presence  *presence.Coordinator
	Snapshots *snapshots.Store

	gw     gateway.Client
	logger zerolog.Logger
}

// Open never fails for want of a gateway: an unreachable or undiscoverable
// server leaves the session in local-only mode.
func Open(ctx context.Context, opts Options, logger zerolog.Logger) (*Session, error) {
	if opts.Clock == nil {
		opts.Clock = timing.Real()
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = defaultProbeTimeout
	}

	s := &Session{
		Identity: loadIdentity(opts.IdentityPath, logger),
		logger:   logger.With().Str("component", "typewriter").Logger(),
	}
	s.logger = s.logger.With().Str("user", s.Identity.UserID).Logger()

	s.gw, s.Mode = connect(ctx, opts, s.logger)

	s.Snapshots = snapshots.New(s.gw, logger)
	if err := s.Snapshots.Watch(); err != nil {
		s.gw.Close()
		return nil, err
	}

	s.Engine = engine.New(s.gw, s.Snapshots, s.Identity, opts.Clock, logger)
	if err := s.Engine.Start(); err != nil {
		s.Snapshots.Close()
		s.gw.Close()
		return nil, err
	}

	s.Presence = presence.New(s.gw, s.Identity, logger)
	if err := s.Presence.Start(); err != nil {
		s.Engine.Shutdown()
		s.Snapshots.Close()
		s.gw.Close()
		return nil, err
	}

	s.logger.Info().Str("mode", string(s.Mode)).Str("name", s.Identity.UserName).Msg("✓ Typewriter ready")
	return s, nil
}

func loadIdentity(path string, logger zerolog.Logger) models.Identity {
	if path == "" {
		return identity.Generate()
	}

	provider, err := identity.Open(path, logger)
	if err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("⚠️  Identity store unavailable, using a temporary identity")
		return identity.Generate()
	}
	defer provider.Close()

	id, err := provider.Load()
	if err != nil {
		logger.Warn().Err(err).Msg("⚠️  Failed to load identity, using a temporary identity")
		return identity.Generate()
	}
	return id
}

func connect(ctx context.Context, opts Options, logger zerolog.Logger) (gateway.Client, Mode) {
	if opts.Gateway != nil {
		return opts.Gateway, ModeRemote
	}

	url := opts.GatewayURL
	if url == "" && opts.Discover {
		found, err := discovery.Lookup(ctx, opts.ProbeTimeout)
		switch {
		case errors.Is(err, discovery.ErrNotFound):
			logger.Info().Msg("no gateway on the local network")
		case err != nil:
			logger.Warn().Err(err).Msg("⚠️  Gateway discovery failed")
		default:
			logger.Info().Str("url", found).Msg("🔍 Gateway discovered")
			url = found
		}
	}

	if url != "" {
		probeCtx, cancel := context.WithTimeout(ctx, opts.ProbeTimeout)
		defer cancel()

		remote, err := gateway.Dial(probeCtx, url, logger)
		if err == nil {
			return remote, ModeRemote
		}
		logger.Warn().Err(err).Str("url", url).Msg("⚠️  Gateway unreachable, working local-only")
	}

	return gateway.NewLocalOnly(logger), ModeLocalOnly
}

func (s *Session) Connected() bool {
	return s.gw.Connected()
}

// Close clears this client's typing state and presence, then disconnects.
func (s *Session) Close(ctx context.Context) error {
	s.Engine.Shutdown()

	var errs []error
	if err := s.Presence.Leave(ctx); err != nil {
		errs = append(errs, err)
	}
	s.Snapshots.Close()
	if err := s.gw.Close(); err != nil {
		errs = append(errs, err)
	}

	s.logger.Info().Msg("✓ Typewriter closed")
	return errors.Join(errs...)
}
