package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/licensekit/internal/bridge"
	"github.com/ChuLiYu/licensekit/internal/config"
	"github.com/ChuLiYu/licensekit/internal/core"
	"github.com/ChuLiYu/licensekit/internal/engine"
	"github.com/ChuLiYu/licensekit/internal/engine/memengine"
	"github.com/ChuLiYu/licensekit/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// session 一次命令期間的引擎與 Core
type session struct {
	core   *core.Core
	reg    *prometheus.Registry
	mem    *memengine.Engine // 僅 memory 模式
	state  *memengine.StateManager
	client *bridge.Client // 僅 remote 模式
}

// newEngine 依設定建立引擎後端
func (a *app) newEngine() (engine.Engine, *memengine.Engine, *bridge.Client, error) {
	switch a.cfg.Engine.Mode {
	case config.ModeRemote:
		client, err := bridge.Dial(a.cfg.Engine.RemoteAddr,
			bridge.WithCallTimeout(a.cfg.Engine.CallTimeout),
			bridge.WithClientLogger(a.log),
		)
		if err != nil {
			return nil, nil, nil, err
		}
		return client, nil, client, nil
	default:
		def, err := memengine.LoadStore(a.cfg.Engine.StorePath)
		if err != nil {
			return nil, nil, nil, err
		}
		mem := memengine.New(def, memengine.WithLogger(a.log))
		return mem, mem, nil, nil
	}
}

func (a *app) newCore(eng engine.Engine, reg *prometheus.Registry) *core.Core {
	opts := []core.Option{
		core.WithLogger(a.log),
		core.WithActivationLimit(a.cfg.Activation.RatePerMinute, a.cfg.Activation.Burst),
		core.WithActivationTimeout(a.cfg.Activation.Timeout),
	}
	if a.cfg.Metrics.Enabled && reg != nil {
		opts = append(opts, core.WithMetrics(metrics.NewCollector(reg)))
	}
	return core.New(eng, opts...)
}

// open 建立引擎、初始化 Core，並在 memory 模式下還原使用狀態
func (a *app) open(ctx context.Context) (*session, error) {
	eng, mem, client, err := a.newEngine()
	if err != nil {
		return nil, err
	}
	s := &session{reg: prometheus.NewRegistry(), mem: mem, client: client}
	s.core = a.newCore(eng, s.reg)

	p := a.cfg.Product
	if err := s.core.Init(ctx, p.ID, p.LicensePath, p.Password); err != nil {
		if client != nil {
			client.Close()
		}
		return nil, err
	}

	if mem != nil && a.cfg.Engine.StatePath != "" {
		s.state = memengine.NewStateManager(a.cfg.Engine.StatePath)
		data, err := s.state.Load()
		if err != nil {
			s.core.Close()
			return nil, fmt.Errorf("failed to load state: %w", err)
		}
		if data != nil {
			if err := mem.Restore(*data); err != nil {
				s.core.Close()
				return nil, fmt.Errorf("failed to restore state: %w", err)
			}
			a.log.Debug("state restored", "path", s.state.Path())
		}
	}
	return s, nil
}

// save 將 memory 模式的狀態寫回
func (s *session) save() error {
	if s.mem == nil || s.state == nil {
		return nil
	}
	data, err := s.mem.Snapshot()
	if err != nil {
		return err
	}
	return s.state.Write(data)
}

// Close 保存狀態並釋放 Core 與連線
func (s *session) Close() error {
	errs := []error{s.save(), s.core.Close()}
	if s.client != nil {
		errs = append(errs, s.client.Close())
	}
	return errors.Join(errs...)
}
