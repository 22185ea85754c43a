package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State 描述候选版本在注册流程中的阶段。
type State string

const (
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// ScriptFunc 每次 Update 时调用，产出一个新的 worker 版本。
type ScriptFunc func() (Handlers, error)

// RegistrationOptions 控制单个 scope 的注册行为。
type RegistrationOptions struct {
	Scope          string
	InstallTimeout time.Duration
	Script         ScriptFunc
	Logger         *logrus.Logger
}

// Registration 对应一个 scope：安装成功的版本才会被激活，失败时保留旧版本。
type Registration struct {
	scope          string
	installTimeout time.Duration
	script         ScriptFunc
	logger         *logrus.Logger
	now            func() time.Time

	// updateMu 保证同一 scope 同时只有一个 install 在进行。
	updateMu sync.Mutex

	mu          sync.RWMutex
	active      Handlers
	candidate   string
	state       State
	lastErr     error
	lastAttempt time.Time
}

// Status 是 Registration 的只读快照，供诊断接口输出。
type Status struct {
	Scope            string    `json:"scope"`
	ActiveVersion    string    `json:"active_version,omitempty"`
	CandidateVersion string    `json:"candidate_version,omitempty"`
	CandidateState   State     `json:"candidate_state,omitempty"`
	LastError        string    `json:"last_error,omitempty"`
	LastAttempt      time.Time `json:"last_attempt,omitempty"`
}

// NewRegistration 创建尚无控制者的 Registration，需调用 Update 完成首次安装。
func NewRegistration(opts RegistrationOptions) (*Registration, error) {
	if opts.Scope == "" {
		return nil, errors.New("scope is required")
	}
	if opts.Script == nil {
		return nil, errors.New("script is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	return &Registration{
		scope:          opts.Scope,
		installTimeout: opts.InstallTimeout,
		script:         opts.Script,
		logger:         opts.Logger,
		now:            time.Now,
	}, nil
}

// Scope 返回注册所属的 scope 名称。
func (r *Registration) Scope() string {
	return r.scope
}

// Update 构造新版本并执行 install；成功后立即激活，失败时新版本作废、旧控制者继续生效。
func (r *Registration) Update(ctx context.Context) error {
	r.updateMu.Lock()
	defer r.updateMu.Unlock()

	r.mu.Lock()
	r.lastAttempt = r.now().UTC()
	r.mu.Unlock()

	candidate, err := r.script()
	if err != nil {
		r.finish("", StateRedundant, err)
		return fmt.Errorf("build worker for %s: %w", r.scope, err)
	}

	version := candidate.Version()
	r.setCandidate(version, StateInstalling)

	installCtx := ctx
	if r.installTimeout > 0 {
		var cancel context.CancelFunc
		installCtx, cancel = context.WithTimeout(ctx, r.installTimeout)
		defer cancel()
	}

	if err := candidate.Install(installCtx); err != nil {
		r.finish(version, StateRedundant, err)
		r.logger.WithFields(r.fields("install", version)).
			WithError(err).
			Warn("worker_install_rejected")
		return err
	}
	r.setCandidate(version, StateInstalled)

	r.mu.Lock()
	previous := r.active
	r.active = candidate
	r.mu.Unlock()
	r.finish(version, StateActivated, nil)

	fields := r.fields("activate", version)
	if previous != nil {
		fields["previous_version"] = previous.Version()
	}
	r.logger.WithFields(fields).Info("worker_activated")
	return nil
}

// Controller 返回当前控制 scope 的版本，尚无成功安装的版本时返回 nil。
func (r *Registration) Controller() Handlers {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Status 返回当前注册状态快照。
func (r *Registration) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	status := Status{
		Scope:            r.scope,
		CandidateVersion: r.candidate,
		CandidateState:   r.state,
		LastAttempt:      r.lastAttempt,
	}
	if r.active != nil {
		status.ActiveVersion = r.active.Version()
	}
	if r.lastErr != nil {
		status.LastError = r.lastErr.Error()
	}
	return status
}

func (r *Registration) setCandidate(version string, state State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.candidate = version
	r.state = state
}

func (r *Registration) finish(version string, state State, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.candidate = version
	r.state = state
	r.lastErr = err
}

func (r *Registration) fields(action, version string) logrus.Fields {
	return logrus.Fields{
		"action":  action,
		"scope":   r.scope,
		"version": version,
	}
}

// Registry 按 scope 名称索引所有 Registration。
type Registry struct {
	mu      sync.RWMutex
	byScope map[string]*Registration
}

// NewRegistry 创建空的 Registry。
func NewRegistry() *Registry {
	return &Registry{byScope: make(map[string]*Registration)}
}

// Add 注册一个 scope，重复名称返回错误。
func (r *Registry) Add(reg *Registration) error {
	if reg == nil {
		return errors.New("registration is nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byScope[reg.scope]; exists {
		return fmt.Errorf("scope %s already registered", reg.scope)
	}
	r.byScope[reg.scope] = reg
	return nil
}

// Get 按 scope 名称查找 Registration。
func (r *Registry) Get(scope string) (*Registration, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byScope[scope]
	return reg, ok
}

// List 返回按 scope 名称排序的 Registration 列表。
func (r *Registry) List() []*Registration {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*Registration, 0, len(r.byScope))
	for _, reg := range r.byScope {
		result = append(result, reg)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].scope < result[j].scope
	})
	return result
}
