package app

import (
	"fmt"
	"log/slog"

	"github.com/aussiebroadwan/shield/internal/engine/service"
	"github.com/aussiebroadwan/shield/internal/engine/store"
	"github.com/aussiebroadwan/shield/internal/engine/store/drivers/memory"
	"github.com/aussiebroadwan/shield/internal/engine/store/drivers/sqlite"
	"github.com/aussiebroadwan/shield/pkg/jwtx"
	"github.com/aussiebroadwan/shield/pkg/slogx"
)

// Engine bundles the security services behind one lifecycle. It is a
// library-level component: the host service constructs it, calls into the
// exposed services, and closes it on shutdown.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	db store.Store

	// Services
	Audit        *service.AuditService
	Envelopes    *service.EnvelopeService
	MFA          *service.MFAService
	Sessions     *service.SessionService
	Access       *service.AccessService
	Threats      *service.ThreatService
	housekeeping *service.HousekeepingService
}

// New builds a fully wired engine. The SQLite driver backs persistence when
// cfg.DatabaseFile is set; otherwise state lives in process memory, which
// suits embedded and test use.
func New(cfg Config) (*Engine, error) {
	engine := &Engine{
		cfg: cfg,
		logger: slogx.New(slogx.Config{
			Service: "shield",
			Env:     cfg.Env,
			Level:   cfg.LogLevel,
			Format:  cfg.LogFormat,
		}),
	}

	if err := engine.initStore(); err != nil {
		return nil, err
	}
	if err := engine.initServices(); err != nil {
		_ = engine.db.Close()
		return nil, err
	}

	engine.housekeeping.Start()
	return engine, nil
}

// Store exposes the backing store, mainly for host-level health checks.
func (e *Engine) Store() store.Store { return e.db }

// Logger exposes the engine's logger so hosts can attach it to request
// contexts.
func (e *Engine) Logger() *slog.Logger { return e.logger }

// Close stops background workers, drains the audit queue, and releases the
// store.
func (e *Engine) Close() error {
	e.housekeeping.Stop()
	e.Audit.Stop()

	if err := e.db.Close(); err != nil {
		e.logger.Error("error closing store", "error", err)
		return err
	}

	e.logger.Info("engine stopped")
	return nil
}

func (e *Engine) initStore() error {
	if e.cfg.DatabaseFile == "" {
		e.db = memory.NewStore()
		e.logger.Info("using in-memory store")
		return nil
	}

	db, err := sqlite.NewStore(e.cfg.DatabaseFile)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.ApplyMigrations(); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	e.db = db
	e.logger.Info("database initialized", "file", e.cfg.DatabaseFile)
	return nil
}

func (e *Engine) initServices() error {
	e.Audit = service.NewAuditService(e.db, e.logger)

	envelopes, err := service.NewEnvelopeService(e.db, e.logger, e.Audit, e.cfg.EncryptionAlgorithm)
	if err != nil {
		return err
	}
	e.Envelopes = envelopes

	signer, err := jwtx.NewSigner(e.cfg.Issuer, "shield-1")
	if err != nil {
		return fmt.Errorf("failed to initialize assertion signer: %w", err)
	}

	// Threats and Sessions reference each other: validation consults the
	// detector, and escalation terminates sessions. The detector is built
	// first and its invalidator attached once sessions exist.
	e.Threats = service.NewThreatService(e.db, e.logger, e.Audit, nil)
	e.Sessions = service.NewSessionService(
		e.db, e.logger, e.Audit, e.Threats, e.Threats, signer,
		e.cfg.SessionMaxDuration, e.cfg.SessionIdleTimeout, e.cfg.HighRiskThreshold,
	)
	e.Threats.Invalidator = e.Sessions

	e.MFA = service.NewMFAService(
		e.db, e.logger, e.Audit, e.Envelopes, e.Threats,
		e.cfg.Issuer, e.cfg.TOTPStep, e.cfg.MaxFailedAttempts,
	)
	e.Access = service.NewAccessService(e.db, e.logger, e.Audit, e.Threats, e.Sessions)

	e.housekeeping = service.NewHousekeepingService(e.db, e.logger, e.cfg.HousekeepingInterval)
	e.housekeeping.IdleTimeout = e.cfg.SessionIdleTimeout
	e.housekeeping.ThreatWindow = e.Threats.Window
	e.housekeeping.AuditRetention = e.cfg.AuditRetention
	e.housekeeping.KeyRetention = e.cfg.KeyRetention

	return nil
}
