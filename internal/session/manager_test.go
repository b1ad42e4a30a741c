package session

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/switchyard-chat/switchyard/internal/config"
	"github.com/switchyard-chat/switchyard/internal/conn"
	"github.com/switchyard-chat/switchyard/internal/conn/conntest"
	"github.com/switchyard-chat/switchyard/internal/credstore"
	"github.com/switchyard-chat/switchyard/internal/eventbus"
	"github.com/switchyard-chat/switchyard/internal/groupcache"
	"github.com/switchyard-chat/switchyard/internal/metastore"
	"github.com/switchyard-chat/switchyard/pkg/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testSessionsConfig() config.SessionsConfig {
	return config.SessionsConfig{
		Concurrency:    2,
		DefaultBackoff: config.Duration{Duration: 20 * time.Millisecond},
		MaxBackoff:     config.Duration{Duration: 80 * time.Millisecond},
	}
}

type tenantRecorder struct {
	mu      sync.Mutex
	deleted []string
}

func (r *tenantRecorder) DeleteTenant(_ context.Context, tenant string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, tenant)
	return nil
}

type eventRecorder struct {
	mu     sync.Mutex
	events []conn.EventKind
}

func (r *eventRecorder) HandleEvent(_ context.Context, _ string, _ conn.Conn, ev conn.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev.Kind)
}

func (r *eventRecorder) kinds() []conn.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

type harness struct {
	m       *Manager
	factory *conntest.Factory
	meta    *metastore.Store
	creds   *credstore.Store
	cache   *groupcache.Cache
	kv      *tenantRecorder
	events  *eventRecorder
	bus     *eventbus.Bus
}

func newHarness(t *testing.T, cfg config.SessionsConfig, factory conn.Factory) *harness {
	t.Helper()
	dir := t.TempDir()
	h := &harness{
		meta:   metastore.New(filepath.Join(dir, "sessions.json"), testLogger()),
		creds:  credstore.New(filepath.Join(dir, "sessions")),
		cache:  groupcache.New(groupcache.Options{}, testLogger()),
		kv:     &tenantRecorder{},
		events: &eventRecorder{},
		bus:    eventbus.New(),
	}
	if f, ok := factory.(*conntest.Factory); ok {
		h.factory = f
	}
	h.m = NewManager(cfg, Deps{
		Factory: factory,
		Meta:    h.meta,
		Creds:   h.creds,
		Cache:   h.cache,
		KV:      h.kv,
		Events:  h.events,
		Bus:     h.bus,
	}, testLogger())
	t.Cleanup(func() {
		h.m.Close(context.Background())
		h.bus.Close()
	})
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitEvent(t *testing.T, ch chan eventbus.Event) eventbus.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bus event")
		return eventbus.Event{}
	}
}

func (h *harness) status(t *testing.T, id string) Status {
	t.Helper()
	info, ok := h.m.Get(id)
	if !ok {
		t.Fatalf("session %s not registered", id)
	}
	return info.Status
}

func TestRegister_PersistsBeforeReturning(t *testing.T) {
	h := newHarness(t, testSessionsConfig(), conntest.NewFactory("me@s.whatsapp.net"))

	created, err := h.m.Register("alpha")
	if err != nil || !created {
		t.Fatalf("Register: created=%v err=%v", created, err)
	}
	if created, _ := h.m.Register("alpha"); created {
		t.Error("second Register should be a no-op")
	}
	if _, err := h.m.Register("beta"); err != nil {
		t.Fatal(err)
	}

	if got := h.meta.Load(); !slices.Equal(got, []string{"alpha", "beta"}) {
		t.Errorf("expected persisted [alpha beta], got %v", got)
	}
	if info, _ := h.m.Get("alpha"); info.Status != StatusStopped || info.Running {
		t.Errorf("unexpected info %+v", info)
	}
}

func TestRegister_RejectsInvalidID(t *testing.T) {
	h := newHarness(t, testSessionsConfig(), conntest.NewFactory("me"))
	if _, err := h.m.Register("../etc"); !errors.Is(err, credstore.ErrInvalidID) {
		t.Fatalf("expected ErrInvalidID, got %v", err)
	}
	if _, err := h.m.Start(context.Background(), ""); !errors.Is(err, credstore.ErrInvalidID) {
		t.Fatalf("expected ErrInvalidID from Start, got %v", err)
	}
}

func TestRestore_LoadsPersistedIDs(t *testing.T) {
	h := newHarness(t, testSessionsConfig(), conntest.NewFactory("me"))
	h.meta.PersistSync([]string{"one", "two", "one"})

	if n := h.m.Restore(); n != 2 {
		t.Fatalf("expected 2 restored, got %d", n)
	}
	list := h.m.List()
	if len(list) != 2 || list[0].ID != "one" || list[1].ID != "two" {
		t.Fatalf("unexpected list %+v", list)
	}
}

func TestStart_ConcurrentCallsShareOneFactoryCall(t *testing.T) {
	f := conntest.NewFactory("me")
	f.Delay = 50 * time.Millisecond
	h := newHarness(t, testSessionsConfig(), f)

	const callers = 5
	conns := make([]conn.Conn, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := h.m.Start(context.Background(), "alpha")
			if err != nil {
				t.Errorf("Start: %v", err)
				return
			}
			conns[i] = c
		}()
	}
	wg.Wait()

	if f.Calls() != 1 {
		t.Fatalf("expected 1 factory call, got %d", f.Calls())
	}
	for i := 1; i < callers; i++ {
		if conns[i] != conns[0] {
			t.Fatal("callers received different connections")
		}
	}
	if !h.m.IsRunning("alpha") {
		t.Error("expected alpha to be running")
	}

	// An attached connection is returned without another factory call.
	again, err := h.m.Start(context.Background(), "alpha")
	if err != nil || again != conns[0] || f.Calls() != 1 {
		t.Errorf("Start on running session: err=%v calls=%d", err, f.Calls())
	}
}

func TestStart_RegistersUnknownSession(t *testing.T) {
	h := newHarness(t, testSessionsConfig(), conntest.NewFactory("me"))

	if _, err := h.m.Start(context.Background(), "fresh"); err != nil {
		t.Fatal(err)
	}
	h.meta.Wait()
	if got := h.meta.Load(); !slices.Equal(got, []string{"fresh"}) {
		t.Errorf("expected fresh persisted, got %v", got)
	}
	if h.status(t, "fresh") != StatusConnected {
		t.Errorf("expected optimistic connected, got %s", h.status(t, "fresh"))
	}
}

func TestStart_FactoryFailureRollsBack(t *testing.T) {
	f := conntest.NewFactory("me")
	dialErr := errors.New("dial refused")
	f.FailWith(dialErr)
	h := newHarness(t, testSessionsConfig(), f)

	_, err := h.m.Start(context.Background(), "alpha")
	if !errors.Is(err, dialErr) {
		t.Fatalf("expected wrapped dial error, got %v", err)
	}
	if h.status(t, "alpha") != StatusStopped || h.m.IsRunning("alpha") {
		t.Errorf("expected stopped after failed start, got %s", h.status(t, "alpha"))
	}
}

func TestStart_UnregisteredWhileInFlight(t *testing.T) {
	f := conntest.NewFactory("me")
	f.Delay = 100 * time.Millisecond
	h := newHarness(t, testSessionsConfig(), f)
	if _, err := h.m.Register("alpha"); err != nil {
		t.Fatal(err)
	}

	errc := make(chan error, 1)
	go func() {
		_, err := h.m.Start(context.Background(), "alpha")
		errc <- err
	}()
	waitFor(t, "factory call", func() bool { return f.Calls() == 1 })
	if err := h.m.Unregister("alpha"); err != nil {
		t.Fatal(err)
	}

	if err := <-errc; !errors.Is(err, ErrSessionDeleted) {
		t.Fatalf("expected ErrSessionDeleted, got %v", err)
	}
	if c := f.Last(); c == nil || !c.Closed() {
		t.Error("connection created for a deleted session must be closed")
	}
	if len(h.m.List()) != 0 {
		t.Error("deleted session must not be revived")
	}
}

func TestOpen_PublishesAndPrefetches(t *testing.T) {
	f := conntest.NewFactory("me@s.whatsapp.net")
	f.OnCreate = func(c *conntest.Conn) {
		c.SetGroup(protocol.GroupMetadata{ID: "g1@g.us", Subject: "Team"})
		c.SetGroup(protocol.GroupMetadata{ID: "g2@g.us", Subject: "Family"})
	}
	h := newHarness(t, testSessionsConfig(), f)
	connected := h.bus.Subscribe(eventbus.SessionConnected)

	if _, err := h.m.Start(context.Background(), "alpha"); err != nil {
		t.Fatal(err)
	}
	f.Last().Open()

	ev := waitEvent(t, connected)
	if ev.Type != eventbus.SessionConnected {
		t.Fatalf("unexpected event %s", ev.Type)
	}
	waitFor(t, "prefetch", func() bool {
		store, ok := h.cache.Peek("alpha")
		return ok && store.Len() == 2
	})
}

func TestEvents_RoutedToHandlerAndCredentialsSaved(t *testing.T) {
	f := conntest.NewFactory("me")
	h := newHarness(t, testSessionsConfig(), f)
	if _, err := h.m.Start(context.Background(), "alpha"); err != nil {
		t.Fatal(err)
	}
	c := f.Last()
	c.Emit(conn.Event{Kind: conn.EventCredentials, Credentials: []byte(`{"k":"v"}`)})
	c.Emit(conn.Event{Kind: conn.EventMessages, Messages: &protocol.MessagesUpsert{Type: protocol.UpsertNotify}})

	waitFor(t, "message event", func() bool { return len(h.events.kinds()) == 1 })
	if got := h.events.kinds(); got[0] != conn.EventMessages {
		t.Errorf("expected messages event, got %v", got)
	}
	blob, err := h.creds.Load("alpha")
	if err != nil || string(blob) != `{"k":"v"}` {
		t.Errorf("credentials not saved: %q %v", blob, err)
	}
}

func TestPermanentClose_DeletesSession(t *testing.T) {
	f := conntest.NewFactory("me")
	h := newHarness(t, testSessionsConfig(), f)
	deleted := h.bus.Subscribe(eventbus.SessionDeleted)

	if err := h.creds.Save("alpha", []byte("secret")); err != nil {
		t.Fatal(err)
	}
	if _, err := h.m.Start(context.Background(), "alpha"); err != nil {
		t.Fatal(err)
	}
	f.Last().Open()
	f.Last().Drop(conn.CloseInfo{StatusCode: conn.StatusUnauthorized, Reason: "Logged Out"})

	waitEvent(t, deleted)
	if len(h.m.List()) != 0 {
		t.Fatalf("expected empty registry, got %+v", h.m.List())
	}
	if h.creds.Exists("alpha") {
		t.Error("credentials should be deleted")
	}
	if got := h.meta.Load(); len(got) != 0 {
		t.Errorf("expected empty meta file, got %v", got)
	}
	if f.Calls() != 1 {
		t.Errorf("permanent close must not reconnect, got %d calls", f.Calls())
	}
}

func TestTransientClose_ReconnectsWithBackoff(t *testing.T) {
	f := conntest.NewFactory("me")
	h := newHarness(t, testSessionsConfig(), f)

	if _, err := h.m.Start(context.Background(), "alpha"); err != nil {
		t.Fatal(err)
	}

	// Each consecutive drop doubles the next delay up to the cap.
	wantNext := []time.Duration{40 * time.Millisecond, 80 * time.Millisecond, 80 * time.Millisecond}
	for i, want := range wantNext {
		current := f.Last()
		current.Drop(conn.CloseInfo{StatusCode: 503, Reason: "stream errored"})
		waitFor(t, "reconnect", func() bool { return f.Calls() == i+2 && h.m.IsRunning("alpha") })
		info, _ := h.m.Get("alpha")
		if info.Backoff != want {
			t.Errorf("after drop %d: expected backoff %v, got %v", i+1, want, info.Backoff)
		}
	}

	f.Last().Open()
	waitFor(t, "backoff reset", func() bool {
		info, _ := h.m.Get("alpha")
		return info.Backoff == 20*time.Millisecond && info.Status == StatusConnected
	})
}

func TestReconnectFailure_Reschedules(t *testing.T) {
	f := conntest.NewFactory("me")
	h := newHarness(t, testSessionsConfig(), f)
	if _, err := h.m.Start(context.Background(), "alpha"); err != nil {
		t.Fatal(err)
	}

	f.FailWith(errors.New("bridge unavailable"))
	f.Last().Drop(conn.CloseInfo{Reason: "timed out"})
	waitFor(t, "failed attempts", func() bool { return f.Calls() >= 3 })
	if h.status(t, "alpha") == StatusStopped {
		t.Fatal("failed reconnect must keep retrying")
	}

	f.FailWith(nil)
	waitFor(t, "recovery", func() bool { return h.m.IsRunning("alpha") })
}

func TestReconnect_PermanentFactoryErrorDeletes(t *testing.T) {
	f := conntest.NewFactory("me")
	h := newHarness(t, testSessionsConfig(), f)
	if _, err := h.m.Start(context.Background(), "alpha"); err != nil {
		t.Fatal(err)
	}

	f.FailWith(&conn.CloseError{Info: conn.CloseInfo{StatusCode: conn.StatusForbidden}})
	f.Last().Drop(conn.CloseInfo{Reason: "connection reset"})
	waitFor(t, "deletion", func() bool { return len(h.m.List()) == 0 })
}

func TestStartAll_PermanentFactoryErrorDeletes(t *testing.T) {
	f := conntest.NewFactory("me")
	h := newHarness(t, testSessionsConfig(), f)
	if _, err := h.m.Register("alpha"); err != nil {
		t.Fatal(err)
	}
	if err := h.creds.Save("alpha", []byte("secret")); err != nil {
		t.Fatal(err)
	}
	deleted := h.bus.Subscribe(eventbus.SessionDeleted)

	f.FailWith(&conn.CloseError{Info: conn.CloseInfo{StatusCode: conn.StatusUnauthorized, Reason: "logged out"}})
	errs := h.m.StartAll(context.Background())
	if errs["alpha"] == nil {
		t.Fatal("expected a start error for alpha")
	}

	if ev := waitEvent(t, deleted); ev.Type != eventbus.SessionDeleted {
		t.Fatalf("unexpected event %s", ev.Type)
	}
	if got := h.m.List(); len(got) != 0 {
		t.Errorf("expected no sessions, got %v", got)
	}
	if h.creds.Exists("alpha") {
		t.Error("credentials should be deleted after a permanent close")
	}
}

func TestStop_PreservesCredentials(t *testing.T) {
	f := conntest.NewFactory("me")
	h := newHarness(t, testSessionsConfig(), f)
	if err := h.creds.Save("alpha", []byte("secret")); err != nil {
		t.Fatal(err)
	}
	if _, err := h.m.Start(context.Background(), "alpha"); err != nil {
		t.Fatal(err)
	}
	c := f.Last()

	if !h.m.Stop(context.Background(), "alpha") {
		t.Fatal("Stop should report a live connection")
	}
	if !c.Closed() || c.LoggedOut() {
		t.Errorf("expected a close without logout: closed=%v loggedOut=%v", c.Closed(), c.LoggedOut())
	}
	if !h.creds.Exists("alpha") {
		t.Error("Stop must keep credentials")
	}
	if h.status(t, "alpha") != StatusStopped || h.m.IsRunning("alpha") {
		t.Errorf("expected stopped, got %s", h.status(t, "alpha"))
	}
	if h.m.Stop(context.Background(), "alpha") {
		t.Error("second Stop should report no connection")
	}

	// The close event from the stopped connection is ignored.
	time.Sleep(60 * time.Millisecond)
	if f.Calls() != 1 {
		t.Errorf("stopped session reconnected: %d calls", f.Calls())
	}
}

func TestStop_CancelsPendingReconnect(t *testing.T) {
	cfg := testSessionsConfig()
	cfg.DefaultBackoff = config.Duration{Duration: time.Hour}
	cfg.MaxBackoff = config.Duration{Duration: 2 * time.Hour}
	f := conntest.NewFactory("me")
	h := newHarness(t, cfg, f)

	if _, err := h.m.Start(context.Background(), "alpha"); err != nil {
		t.Fatal(err)
	}
	f.Last().Drop(conn.CloseInfo{Reason: "timed out"})
	waitFor(t, "reconnecting", func() bool { return h.status(t, "alpha") == StatusReconnecting })

	if h.m.Stop(context.Background(), "alpha") {
		t.Error("no connection was attached during the reconnect wait")
	}
	if h.status(t, "alpha") != StatusStopped {
		t.Errorf("expected stopped, got %s", h.status(t, "alpha"))
	}

	// A manual start supersedes the stopped state.
	if _, err := h.m.Start(context.Background(), "alpha"); err != nil {
		t.Fatal(err)
	}
	if f.Calls() != 2 {
		t.Errorf("expected 2 factory calls, got %d", f.Calls())
	}
}

func TestLogout_RemovesEverything(t *testing.T) {
	f := conntest.NewFactory("me")
	h := newHarness(t, testSessionsConfig(), f)
	loggedOut := h.bus.Subscribe(eventbus.SessionLoggedOut)

	if err := h.creds.Save("alpha", []byte("secret")); err != nil {
		t.Fatal(err)
	}
	if _, err := h.m.Start(context.Background(), "alpha"); err != nil {
		t.Fatal(err)
	}
	h.cache.Tenant("alpha").Set("g1@g.us", protocol.GroupMetadata{ID: "g1@g.us"})
	c := f.Last()

	if err := h.m.Logout(context.Background(), "alpha"); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, loggedOut)

	if !c.LoggedOut() {
		t.Error("expected upstream logout")
	}
	if h.creds.Exists("alpha") {
		t.Error("credentials should be deleted")
	}
	if _, ok := h.cache.Peek("alpha"); ok {
		t.Error("tenant cache should be dropped")
	}
	if !slices.Equal(h.kv.deleted, []string{"alpha"}) {
		t.Errorf("expected tenant settings deleted, got %v", h.kv.deleted)
	}
	if len(h.m.List()) != 0 || len(h.meta.Load()) != 0 {
		t.Error("session should be gone from registry and meta file")
	}

	if err := h.m.Logout(context.Background(), "alpha"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestUnregister(t *testing.T) {
	f := conntest.NewFactory("me")
	h := newHarness(t, testSessionsConfig(), f)
	if err := h.creds.Save("alpha", []byte("secret")); err != nil {
		t.Fatal(err)
	}
	if _, err := h.m.Start(context.Background(), "alpha"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.m.Register("beta"); err != nil {
		t.Fatal(err)
	}

	if err := h.m.Unregister("alpha"); err != nil {
		t.Fatal(err)
	}
	if !f.Last().Closed() {
		t.Error("live connection should be closed")
	}
	if got := h.meta.Load(); !slices.Equal(got, []string{"beta"}) {
		t.Errorf("expected [beta] persisted, got %v", got)
	}
	if !h.creds.Exists("alpha") {
		t.Error("unregister keeps credentials")
	}
	if err := h.m.Unregister("alpha"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}

	time.Sleep(60 * time.Millisecond)
	if f.Calls() != 1 {
		t.Errorf("unregistered session reconnected: %d calls", f.Calls())
	}
}

func TestStartAll_CollectsFailures(t *testing.T) {
	inner := conntest.NewFactory("me")
	brokenErr := errors.New("no credentials")
	factory := conn.FactoryFunc(func(ctx context.Context, id string) (conn.Conn, error) {
		if id == "broken" {
			return nil, brokenErr
		}
		return inner.Create(ctx, id)
	})
	h := newHarness(t, testSessionsConfig(), factory)
	for _, id := range []string{"a", "broken", "b", "c", "d"} {
		if _, err := h.m.Register(id); err != nil {
			t.Fatal(err)
		}
	}

	errs := h.m.StartAll(context.Background())
	if len(errs) != 1 || !errors.Is(errs["broken"], brokenErr) {
		t.Fatalf("unexpected errors %v", errs)
	}
	for _, id := range []string{"a", "b", "c", "d"} {
		if !h.m.IsRunning(id) {
			t.Errorf("%s should be running", id)
		}
	}
	if inner.Calls() != 4 {
		t.Errorf("expected 4 successful creates, got %d", inner.Calls())
	}
}

func TestInfo_MarshalJSON(t *testing.T) {
	data, err := Info{ID: "a", Status: StatusReconnecting, Backoff: 2 * time.Second}.MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	want := `{"id":"a","status":"reconnecting","running":false,"backoff":"2s"}`
	if string(data) != want {
		t.Errorf("expected %s, got %s", want, data)
	}
}
