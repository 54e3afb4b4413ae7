package cmd

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/spf13/viper"

	"github.com/hupe1980/coralmesh"
	"github.com/hupe1980/coralmesh/api"
	"github.com/hupe1980/coralmesh/config"
	"github.com/hupe1980/coralmesh/logging"
	"github.com/hupe1980/coralmesh/payment"
	"github.com/hupe1980/coralmesh/registry"
	"github.com/hupe1980/coralmesh/runtime"
)

func loadConfig(v *viper.Viper, flags *rootFlags) (*config.Config, error) {
	if v == nil {
		v = viper.New()
	}
	cfg, err := config.LoadViper(v, flags.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// loadRegistry reads the configured registry. A missing registry file leaves
// the server without local agents.
func loadRegistry(cfg *config.Config, logger logging.Logger) (*registry.Registry, error) {
	reg, err := registry.LoadFile(cfg.Registry.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Warn("registry.missing", "path", cfg.Registry.Path)
			return registry.Empty(), nil
		}
		return nil, err
	}
	logger.Info("registry.loaded", "path", cfg.Registry.Path, "agents", len(reg.Public()))
	return reg, nil
}

func wireServer(cfg *config.Config, logger logging.Logger) (*coralmesh.Server, func(), error) {
	reg, err := loadRegistry(cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	var apps api.Applications
	if cfg.Applications.Path != "" {
		loaded, err := config.LoadApplications(cfg.Applications.Path)
		if err != nil {
			return nil, nil, err
		}
		apps = loaded
	}

	cleanup := func() {}

	var docker runtime.DockerClient
	engine, err := runtime.NewDockerEngine(cfg.Docker.Socket, cfg.Docker.ResponseTimeout)
	if err != nil {
		logger.Warn("docker.unavailable", "error", err.Error())
	} else {
		docker = engine
		cleanup = func() { _ = engine.Close() }
	}

	var (
		backend payment.Backend
		wallet  string
	)
	if w := cfg.Wallet(logger); w != nil {
		wallet = w.Address
		backend = payment.NewMemoryBackend(w.Address)
	}

	srv := coralmesh.New(func(o *coralmesh.Options) {
		o.Registry = reg
		o.BindAddress = cfg.Network.BindAddress
		o.BindPort = cfg.Network.BindPort
		o.ExternalAddress = cfg.Network.ExternalAddress
		o.ContainerAddress = cfg.Docker.Address
		o.Docker = docker
		o.KillTimeout = cfg.Docker.KillTimeout
		o.Payments = backend
		o.Wallet = wallet
		o.Applications = apps
		o.DevMode = cfg.Session.DevMode
		o.SessionWait = cfg.Session.WaitTimeout
		o.BarrierTimeout = cfg.Session.BarrierTimeout
		o.ClaimRateLimit = cfg.API.ClaimRateLimit
		o.KeepAlive = cfg.API.KeepAlive
		o.Logger = logger
	})
	return srv, cleanup, nil
}
