package server

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/costa-library/offline-edge/internal/cache"
	"github.com/costa-library/offline-edge/internal/config"
	"github.com/costa-library/offline-edge/internal/worker"
)

// RegistrationOptions 汇总构建控制器所需的共享依赖。
type RegistrationOptions struct {
	Storage cache.Storage
	Fetcher worker.Fetcher
	Logger  *logrus.Logger
	Metrics *worker.Metrics
}

// Registration 持有当前生效的缓存控制器。新版本依次 Install、Activate，
// 成功后原子替换（claim）；失败时旧版本继续服务，没有旧版本则全部直通。
type Registration struct {
	opts   RegistrationOptions
	active atomic.Pointer[worker.Controller]

	mu      sync.Mutex
	retired []*worker.Controller
}

// NewRegistration 校验依赖并返回空的 Registration。
func NewRegistration(opts RegistrationOptions) (*Registration, error) {
	if opts.Storage == nil {
		return nil, errors.New("storage is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	return &Registration{opts: opts}, nil
}

// Active 返回当前控制器，尚未注册成功时为 nil。
func (r *Registration) Active() *worker.Controller {
	return r.active.Load()
}

// Storage 返回共享的 Bucket 存储，诊断接口使用。
func (r *Registration) Storage() cache.Storage {
	return r.opts.Storage
}

// Register 为 cfg.Name 安装并激活新控制器。名称未变化时不做任何事。
// 返回的错误只用于日志与测试，调用方不应因此退出。
func (r *Registration) Register(ctx context.Context, cfg config.CacheConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	fields := logrus.Fields{
		"action": "register",
		"bucket": cfg.Name,
	}
	current := r.active.Load()
	if current != nil && current.CacheName() == cfg.Name {
		r.opts.Logger.WithFields(fields).Debug("register_unchanged")
		return nil
	}
	if current != nil {
		fields["previous"] = current.CacheName()
	}

	ctrl, err := worker.NewController(worker.Options{
		CacheName: cfg.Name,
		BaseURL:   cfg.EffectivePublicURL(),
		SeedPaths: cfg.SeedPaths,
		Classifier: worker.Classifier{
			BackendDomain:    cfg.BackendDomain,
			ExcludedSuffixes: cfg.ExcludedSuffixes,
			DevMarkers:       cfg.DevMarkers,
		},
		Fetcher:               r.opts.Fetcher,
		Storage:               r.opts.Storage,
		Logger:                r.opts.Logger,
		Metrics:               r.opts.Metrics,
		MaxEntrySize:          cfg.MaxEntrySize,
		RevalidateTimeout:     cfg.RevalidateTimeout.DurationValue(),
		RevalidateConcurrency: cfg.RevalidateConcurrency,
	})
	if err != nil {
		r.opts.Logger.WithFields(fields).WithError(err).Warn("register_failed")
		return err
	}

	if err := ctrl.Install(ctx); err != nil {
		// 同名 Bucket 已由之前的进程安装（例如离线重启），直接接管继续提供离线能力。
		if adoptErr := ctrl.Adopt(ctx); adoptErr != nil {
			r.opts.Logger.WithFields(fields).WithError(err).Warn("register_install_failed")
			return err
		}
		r.opts.Logger.WithFields(fields).WithError(err).Warn("register_adopted_stored_bucket")
	}
	if err := ctrl.Activate(ctx); err != nil {
		// 清理失败不影响新版本接管，下一次激活会再次尝试。
		r.opts.Logger.WithFields(fields).WithError(err).Warn("register_cleanup_failed")
	}

	if previous := r.active.Swap(ctrl); previous != nil {
		previous.MarkRedundant()
		r.retired = append(r.retired, previous)
	}
	r.pruneRetired()
	r.opts.Logger.WithFields(fields).Info("register_complete")
	return nil
}

// pruneRetired 丢弃后台任务已经结束的退役控制器，调用方持有 r.mu。
func (r *Registration) pruneRetired() {
	kept := r.retired[:0]
	for _, ctrl := range r.retired {
		if !ctrl.Idle() {
			kept = append(kept, ctrl)
		}
	}
	clear(r.retired[len(kept):])
	r.retired = kept
}

// Close 等待所有控制器（含已退役版本）的后台任务结束。
func (r *Registration) Close() {
	r.mu.Lock()
	controllers := append([]*worker.Controller(nil), r.retired...)
	r.mu.Unlock()
	if active := r.active.Load(); active != nil {
		controllers = append(controllers, active)
	}
	for _, ctrl := range controllers {
		ctrl.Wait()
	}
}
