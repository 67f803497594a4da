package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	internalPaths "ota-agent/internal"
	"ota-agent/internal/config"
	"ota-agent/internal/ddi"
	"ota-agent/internal/journal"
	"ota-agent/internal/ledger"
	"ota-agent/internal/notify"
	"ota-agent/internal/systemd"
	"ota-agent/internal/unitlog"

	"github.com/stretchr/testify/require"
)

const testUnit = "[Unit]\nDescription=test\n\n[Service]\nExecStart=/bin/true\n"

type feedbackCall struct {
	ID       string
	Feedback ddi.Feedback
}

type fakeServer struct {
	mu          sync.Mutex
	deployments map[string]*ddi.DeploymentBase
	cancels     map[string]*ddi.CancelAction
	feedback    []feedbackCall
	cancelled   []feedbackCall
	attributes  map[string]string
	fetched     []string
}

func (s *fakeServer) DeploymentBase(_ context.Context, actionID, _ string) (*ddi.DeploymentBase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetched = append(s.fetched, actionID)
	desc, ok := s.deployments[actionID]
	if !ok {
		return nil, &ddi.APIError{StatusCode: 404}
	}
	return desc, nil
}

func (s *fakeServer) DeploymentFeedback(_ context.Context, actionID string, fb ddi.Feedback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fb.Details = append([]string(nil), fb.Details...)
	s.feedback = append(s.feedback, feedbackCall{ID: actionID, Feedback: fb})
	return nil
}

func (s *fakeServer) CancelAction(_ context.Context, actionID string) (*ddi.CancelAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cancels[actionID]
	if !ok {
		return nil, &ddi.APIError{StatusCode: 404}
	}
	return c, nil
}

func (s *fakeServer) CancelFeedback(_ context.Context, stopID string, fb ddi.Feedback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, feedbackCall{ID: stopID, Feedback: fb})
	return nil
}

func (s *fakeServer) ConfigData(_ context.Context, attributes map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attributes = attributes
	return nil
}

func (s *fakeServer) sent() []feedbackCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]feedbackCall(nil), s.feedback...)
}

// closed returns the terminal feedback sent for actionID
func (s *fakeServer) closed(actionID string) []ddi.Feedback {
	var out []ddi.Feedback
	for _, c := range s.sent() {
		if c.ID == actionID && c.Feedback.Execution == ddi.ExecutionClosed {
			out = append(out, c.Feedback)
		}
	}
	return out
}

type pull struct {
	Remote string
	Rev    string
}

type fakeStore struct {
	mu       sync.Mutex
	exists   bool
	mode     string
	remotes  map[string]string
	refs     map[string]string
	pulls    []pull
	failPull map[string]error
	files    map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		exists:   true,
		remotes:  make(map[string]string),
		refs:     make(map[string]string),
		failPull: make(map[string]error),
		files:    map[string]string{internalPaths.UnitFileName: testUnit},
	}
}

func (s *fakeStore) Exists() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exists
}

func (s *fakeStore) Init(_ context.Context, mode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exists = true
	s.mode = mode
	return nil
}

func (s *fakeStore) HasRemote(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.remotes[name]
	return ok, nil
}

func (s *fakeStore) AddRemote(_ context.Context, name, url string, _ bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remotes[name] = url
	return nil
}

func (s *fakeStore) Pull(_ context.Context, remote, rev string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.failPull[rev]; ok {
		return err
	}
	s.pulls = append(s.pulls, pull{Remote: remote, Rev: rev})
	return nil
}

func (s *fakeStore) SetRef(_ context.Context, name, rev string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs[name] = rev
	return nil
}

func (s *fakeStore) Refs(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var refs []string
	for name := range s.refs {
		refs = append(refs, name)
	}
	sort.Strings(refs)
	return refs, nil
}

func (s *fakeStore) ResolveRev(_ context.Context, ref string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, rev := range s.refs {
		if name == ref || strings.HasSuffix(name, ":"+ref) {
			return rev, nil
		}
	}
	return "", fmt.Errorf("ref %s not found", ref)
}

func (s *fakeStore) Checkout(_ context.Context, _, dest string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	for name, content := range s.files {
		if err := os.WriteFile(filepath.Join(dest, name), []byte(content), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func (s *fakeStore) pulled() []pull {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]pull(nil), s.pulls...)
}

type fakeSysroot struct {
	mu      sync.Mutex
	booted  string
	staged  []string
	removed int
}

func (s *fakeSysroot) Stage(_ context.Context, rev string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staged = append(s.staged, rev)
	return nil
}

func (s *fakeSysroot) BootedRevision(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.booted, nil
}

func (s *fakeSysroot) RemovePending(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed++
	return nil
}

type fakeMarker struct {
	cleared int
}

func (m *fakeMarker) Clear(context.Context) error {
	m.cleared++
	return nil
}

type fakeSupervisor struct {
	mu        sync.Mutex
	installed map[string]bool
	calls     []string
	result    systemd.ServiceResult
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{installed: make(map[string]bool)}
}

func (s *fakeSupervisor) record(call string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
}

func (s *fakeSupervisor) IsLoaded(_ context.Context, unit string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.installed[unit], nil
}

func (s *fakeSupervisor) InstallUnit(src, unit string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if err := systemd.ValidateUnit(data); err != nil {
		return err
	}
	s.mu.Lock()
	s.installed[unit] = true
	s.mu.Unlock()
	s.record("install " + unit)
	return nil
}

func (s *fakeSupervisor) Reload(context.Context) error {
	s.record("reload")
	return nil
}

func (s *fakeSupervisor) Enable(_ context.Context, unit string) error {
	s.record("enable " + unit)
	return nil
}

func (s *fakeSupervisor) Disable(_ context.Context, unit string) error {
	s.record("disable " + unit)
	return nil
}

func (s *fakeSupervisor) Start(_ context.Context, unit string) error {
	s.record("start " + unit)
	return nil
}

func (s *fakeSupervisor) Stop(_ context.Context, unit string) error {
	s.record("stop " + unit)
	return nil
}

func (s *fakeSupervisor) ServiceResult(context.Context, string) (systemd.ServiceResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result.Result == "" {
		return systemd.ServiceResult{}, errors.New("no such unit")
	}
	return s.result, nil
}

func (s *fakeSupervisor) history() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

type fakeRebooter struct {
	reboots int
}

func (r *fakeRebooter) Reboot(context.Context) error {
	r.reboots++
	return nil
}

type waitResult struct {
	sig notify.Signal
	err error
}

// fakeNotifier hands out listeners that return the preset result for their
// container, or block until cancelled when none is set.
type fakeNotifier struct {
	mu       sync.Mutex
	results  map[string]waitResult
	gates    map[string]chan waitResult
	listened []string
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{
		results: make(map[string]waitResult),
		gates:   make(map[string]chan waitResult),
	}
}

// hold makes the next listener of name block until a result is sent on the
// returned channel
func (n *fakeNotifier) hold(name string) chan<- waitResult {
	n.mu.Lock()
	defer n.mu.Unlock()
	gate := make(chan waitResult, 1)
	n.gates[name] = gate
	return gate
}

func (n *fakeNotifier) set(name string, sig notify.Signal, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.results[name] = waitResult{sig: sig, err: err}
}

func (n *fakeNotifier) Listen(name string) (NotifyListener, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listened = append(n.listened, name)
	if gate, ok := n.gates[name]; ok {
		delete(n.gates, name)
		return &fakeListener{gate: gate}, nil
	}
	res, ok := n.results[name]
	return &fakeListener{res: res, preset: ok}, nil
}

func (n *fakeNotifier) names() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.listened...)
}

type fakeListener struct {
	res    waitResult
	preset bool
	gate   chan waitResult
	closed bool
}

func (l *fakeListener) Wait(ctx context.Context, _ time.Duration) (notify.Signal, error) {
	if l.gate != nil {
		select {
		case res := <-l.gate:
			return res.sig, res.err
		case <-ctx.Done():
			return notify.Signal{}, ctx.Err()
		}
	}
	if !l.preset {
		<-ctx.Done()
		return notify.Signal{}, ctx.Err()
	}
	return l.res.sig, l.res.err
}

func (l *fakeListener) Close() error {
	l.closed = true
	return nil
}

type fakeUnitLog struct {
	entries []unitlog.Entry
}

func (u *fakeUnitLog) Tail(string, int) ([]unitlog.Entry, error) {
	return u.entries, nil
}

type harness struct {
	engine   *Engine
	server   *fakeServer
	osStore  *fakeStore
	apps     *fakeStore
	sysroot  *fakeSysroot
	marker   *fakeMarker
	sup      *fakeSupervisor
	rebooter *fakeRebooter
	journal  *journal.Journal
	ledger   *ledger.Ledger
	notifier *fakeNotifier
	unitLog  *fakeUnitLog
	cfg      Config
	appsDir  string
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, opts ...func(*Config)) *harness {
	t.Helper()
	dir := t.TempDir()

	j, err := journal.New(filepath.Join(dir, "state", "reboot_data.json"))
	require.NoError(t, err)
	l, err := ledger.New(filepath.Join(dir, "state", "revisions.json"))
	require.NoError(t, err)

	h := &harness{
		server: &fakeServer{
			deployments: make(map[string]*ddi.DeploymentBase),
			cancels:     make(map[string]*ddi.CancelAction),
		},
		osStore:  newFakeStore(),
		apps:     newFakeStore(),
		sysroot:  &fakeSysroot{},
		marker:   &fakeMarker{},
		sup:      newFakeSupervisor(),
		rebooter: &fakeRebooter{},
		journal:  j,
		ledger:   l,
		notifier: newFakeNotifier(),
		unitLog:  &fakeUnitLog{},
		appsDir:  filepath.Join(dir, "apps"),
	}

	h.cfg = Config{
		OSRemote:      "rhel",
		RemoteURL:     "http://updates.local:8000",
		AppsDir:       h.appsDir,
		ContainerUID:  os.Getuid(),
		ContainerGID:  os.Getgid(),
		RebootPolicy:  config.RebootDeferred,
		NotifyTimeout: time.Second,
		JournalLines:  0,
		Attributes:    map[string]string{"target": "device-1"},
	}
	for _, opt := range opts {
		opt(&h.cfg)
	}
	h.boot()
	return h
}

// boot replaces the engine with a fresh one, as after a restart
func (h *harness) boot() {
	h.engine = New(h.cfg, Deps{
		Server:     h.server,
		OSStore:    h.osStore,
		AppStore:   h.apps,
		Sysroot:    h.sysroot,
		BootMarker: h.marker,
		Supervisor: h.sup,
		Rebooter:   h.rebooter,
		Journal:    h.journal,
		Ledger:     h.ledger,
		Notifier:   h.notifier,
		UnitLog:    h.unitLog,
	}, testLogger())
}

func (h *harness) deploy(actionID string, chunks ...ddi.Chunk) string {
	desc := &ddi.DeploymentBase{ID: actionID}
	desc.Deployment.Download = "forced"
	desc.Deployment.Update = "forced"
	desc.Deployment.Chunks = chunks
	h.server.mu.Lock()
	h.server.deployments[actionID] = desc
	h.server.mu.Unlock()
	return fmt.Sprintf("https://hawkbit.local/DEFAULT/controller/v1/device-1/deploymentBase/%s?c=-2129030598", actionID)
}

// nextReport waits for one listener report and feeds it back to the engine
func (h *harness) nextReport(t *testing.T, ctx context.Context) Report {
	t.Helper()
	select {
	case r := <-h.engine.Results():
		require.NoError(t, h.engine.HandleReport(ctx, r))
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("no listener report")
		return Report{}
	}
}

func (h *harness) appDir(name string) string {
	return internalPaths.AppDir(h.appsDir, name)
}

func meta(key, value string) ddi.Metadata {
	return ddi.Metadata{Key: key, Value: value}
}

func osChunk(name, version, rev string) ddi.Chunk {
	return ddi.Chunk{
		Part:     string(PartOS),
		Name:     name,
		Version:  version,
		Metadata: []ddi.Metadata{meta("rev", rev)},
	}
}

func appChunk(name, version, rev string, extra ...ddi.Metadata) ddi.Chunk {
	return ddi.Chunk{
		Part:     string(PartContainer),
		Name:     name,
		Version:  version,
		Metadata: append([]ddi.Metadata{meta("rev", rev)}, extra...),
	}
}
