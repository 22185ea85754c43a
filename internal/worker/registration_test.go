package worker

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestRegistrationActivatesAfterInstall(t *testing.T) {
	script := &scriptStub{}
	reg := newTestRegistration(t, script, 0)

	if reg.Controller() != nil {
		t.Fatalf("no controller before first update")
	}
	if err := reg.Update(context.Background()); err != nil {
		t.Fatalf("update error: %v", err)
	}

	ctl := reg.Controller()
	if ctl == nil || ctl.Version() != "v1" {
		t.Fatalf("expected v1 to control the scope, got %v", ctl)
	}
	status := reg.Status()
	if status.CandidateState != StateActivated || status.ActiveVersion != "v1" || status.LastError != "" {
		t.Fatalf("unexpected status %+v", status)
	}
	if status.LastAttempt.IsZero() {
		t.Fatalf("last attempt should be recorded")
	}
}

func TestRegistrationKeepsPreviousControllerOnFailure(t *testing.T) {
	script := &scriptStub{}
	reg := newTestRegistration(t, script, 0)
	if err := reg.Update(context.Background()); err != nil {
		t.Fatalf("first update error: %v", err)
	}

	script.failWith = errors.New("asset 404")
	err := reg.Update(context.Background())
	if err == nil {
		t.Fatalf("expected install failure")
	}

	if ctl := reg.Controller(); ctl == nil || ctl.Version() != "v1" {
		t.Fatalf("previous version should stay active, got %v", ctl)
	}
	status := reg.Status()
	if status.CandidateVersion != "v2" || status.CandidateState != StateRedundant {
		t.Fatalf("failed candidate should be redundant, got %+v", status)
	}
	if !strings.Contains(status.LastError, "asset 404") {
		t.Fatalf("last error should be reported, got %q", status.LastError)
	}
}

func TestRegistrationFirstInstallFailureLeavesNoController(t *testing.T) {
	script := &scriptStub{failWith: errors.New("offline")}
	logBuf := &bytes.Buffer{}
	reg := newTestRegistrationWithLog(t, script, 0, logBuf)

	if err := reg.Update(context.Background()); err == nil {
		t.Fatalf("expected install failure")
	}
	if reg.Controller() != nil {
		t.Fatalf("no version should control the scope after a failed first install")
	}
	if !strings.Contains(logBuf.String(), "worker_install_rejected") {
		t.Fatalf("expected rejection log, got %s", logBuf.String())
	}
}

func TestRegistrationAppliesInstallTimeout(t *testing.T) {
	script := &scriptStub{block: true}
	reg := newTestRegistration(t, script, 20*time.Millisecond)

	err := reg.Update(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestRegistrationScriptError(t *testing.T) {
	reg, err := NewRegistration(RegistrationOptions{
		Scope:  "tronexi",
		Logger: discardLogger(),
		Script: func() (Handlers, error) { return nil, errors.New("bad script") },
	})
	if err != nil {
		t.Fatalf("new registration error: %v", err)
	}
	if err := reg.Update(context.Background()); err == nil {
		t.Fatalf("expected script error")
	}
	if reg.Status().CandidateState != StateRedundant {
		t.Fatalf("script failure should be redundant")
	}
}

func TestRegistryListsByScope(t *testing.T) {
	registry := NewRegistry()
	for _, scope := range []string{"beta", "alpha"} {
		reg, err := NewRegistration(RegistrationOptions{
			Scope:  scope,
			Logger: discardLogger(),
			Script: (&scriptStub{}).build,
		})
		if err != nil {
			t.Fatalf("new registration error: %v", err)
		}
		if err := registry.Add(reg); err != nil {
			t.Fatalf("add error: %v", err)
		}
	}

	list := registry.List()
	if len(list) != 2 || list[0].Scope() != "alpha" || list[1].Scope() != "beta" {
		t.Fatalf("unexpected order: %v", list)
	}
	if _, ok := registry.Get("alpha"); !ok {
		t.Fatalf("expected alpha lookup")
	}
	dup, _ := NewRegistration(RegistrationOptions{Scope: "alpha", Logger: discardLogger(), Script: (&scriptStub{}).build})
	if err := registry.Add(dup); err == nil {
		t.Fatalf("expected duplicate scope error")
	}
}

// scriptStub 每次构建递增版本号，并可按需让 install 失败或阻塞。
type scriptStub struct {
	built    int
	failWith error
	block    bool
}

func (s *scriptStub) build() (Handlers, error) {
	s.built++
	return &handlersStub{
		version:  "v" + string(rune('0'+s.built)),
		failWith: s.failWith,
		block:    s.block,
	}, nil
}

type handlersStub struct {
	version  string
	failWith error
	block    bool
}

func (h *handlersStub) Version() string {
	return h.version
}

func (h *handlersStub) Install(ctx context.Context) error {
	if h.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return h.failWith
}

func (h *handlersStub) Fetch(context.Context, *http.Request) (*Response, error) {
	return &Response{Status: http.StatusNoContent}, nil
}

func newTestRegistration(t *testing.T, script *scriptStub, timeout time.Duration) *Registration {
	t.Helper()
	return newTestRegistrationWithLog(t, script, timeout, nil)
}

func newTestRegistrationWithLog(t *testing.T, script *scriptStub, timeout time.Duration, buf *bytes.Buffer) *Registration {
	t.Helper()
	logger := discardLogger()
	if buf != nil {
		logger = logrus.New()
		logger.SetOutput(buf)
	}
	reg, err := NewRegistration(RegistrationOptions{
		Scope:          "tronexi",
		InstallTimeout: timeout,
		Script:         script.build,
		Logger:         logger,
	})
	if err != nil {
		t.Fatalf("new registration error: %v", err)
	}
	return reg
}
