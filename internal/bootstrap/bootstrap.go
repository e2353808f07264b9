package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/hashicorp/go-hclog"

	subfieldinadapter "subfield/internal/modules/subfield/adapter/in"
	subfieldoutadapter "subfield/internal/modules/subfield/adapter/out"
	"subfield/internal/modules/subfield/domain"
	subfieldout "subfield/internal/modules/subfield/port/out"
	subfieldservice "subfield/internal/modules/subfield/service"
	subfieldusecase "subfield/internal/modules/subfield/usecase"
	"subfield/internal/platform/clock"
	"subfield/internal/platform/config"
	"subfield/internal/platform/id"
	"subfield/internal/platform/logging"
)

type App struct {
	SubfieldCLI subfieldinadapter.CLIHandler
	Logger      hclog.Logger

	store subfieldout.RecordStore
}

func New(cfg config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogJSON)
	clk := clock.SystemClock{}
	ids := id.UUID{}

	keypair, err := loadKeypair(cfg, logger)
	if err != nil {
		return nil, err
	}
	store, err := openStore(cfg, logger, clk)
	if err != nil {
		return nil, err
	}

	svc := subfieldservice.NewSubfieldService(
		logger,
		subfieldservice.OptionsFromConfig(cfg),
		keypair,
		subfieldoutadapter.NewLibp2pTransport(logger),
		store,
		subfieldoutadapter.NewHTTPBootstrapper(logger, cfg.RequestTimeout),
		clk,
		ids,
	)
	return &App{
		SubfieldCLI: subfieldinadapter.NewCLIHandler(subfieldusecase.NewInteractor(svc)),
		Logger:      logger,
		store:       store,
	}, nil
}

// NewOffline serves commands that never start a node, such as keygen.
func NewOffline() *App {
	return &App{
		SubfieldCLI: subfieldinadapter.NewCLIHandler(subfieldusecase.NewInteractor(nil)),
		Logger:      hclog.NewNullLogger(),
	}
}

func (a *App) Close() error {
	if a.store == nil {
		return nil
	}
	return a.store.Close()
}

func loadKeypair(cfg config.Config, logger hclog.Logger) (domain.Keypair, error) {
	if cfg.Keypair != "" {
		priv, err := domain.ParseV256(cfg.Keypair)
		if err != nil {
			return domain.Keypair{}, fmt.Errorf("keypair: %w", err)
		}
		return domain.KeypairFromPrivate(priv)
	}
	if cfg.IdentityPath != "" {
		kp, created, err := subfieldoutadapter.NewFileKeyStore(cfg.IdentityPath).LoadOrCreate(context.Background())
		if err != nil {
			return domain.Keypair{}, err
		}
		if created {
			logger.Info("generated node identity", "path", cfg.IdentityPath, "public_key", kp.PublicKey.Short())
		}
		return kp, nil
	}
	logger.Debug("using an ephemeral node identity")
	return domain.NewKeypair()
}

// openStore keeps client and server state apart so one-shot client commands
// can run beside a server sharing the same store path.
func openStore(cfg config.Config, logger hclog.Logger, clk clock.Clock) (*subfieldoutadapter.TieredStore, error) {
	var (
		backing subfieldout.Backing
		err     error
	)
	switch cfg.StoreBackend {
	case config.BackendPebble:
		backing, err = subfieldoutadapter.NewPebbleBacking(filepath.Join(cfg.StorePath, "pebble-"+string(cfg.Mode)))
	case config.BackendSQLite:
		backing, err = subfieldoutadapter.NewSQLiteBacking(filepath.Join(cfg.StorePath, string(cfg.Mode)+".db"))
	default:
		err = errors.New("unknown store backend " + cfg.StoreBackend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.StoreBackend, err)
	}
	store, err := subfieldoutadapter.NewTieredStore(logger, backing, cfg.CacheSize, cfg.StorageGrace, clk)
	if err != nil {
		_ = backing.Close()
		return nil, err
	}
	return store, nil
}
