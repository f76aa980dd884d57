package agent

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/kp-pos/shellcache/internal/cache"
	"github.com/kp-pos/shellcache/internal/logging"
)

func TestNewRuntimeRequiresDependencies(t *testing.T) {
	store := newTestStorage(t)
	cases := []Options{
		{Fetcher: newStubOrigin(), Logger: logging.NewDiscardLogger()},
		{Storage: store, Logger: logging.NewDiscardLogger()},
		{Storage: store, Fetcher: newStubOrigin()},
	}
	for i, opts := range cases {
		if _, err := NewRuntime(opts); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

func TestRegisterInstallsAppShell(t *testing.T) {
	store := newTestStorage(t)
	rt := newTestRuntime(t, store, newStubOrigin(), nil)

	w, err := rt.Register(context.Background(), testConfig("kp-pos-cache-v5"))
	if err != nil {
		t.Fatalf("register error: %v", err)
	}
	if w.State() != StateActive || rt.Controller() != w {
		t.Fatalf("first version should become the controller, state=%s", w.State())
	}
	if !w.Claimed() {
		t.Fatalf("activated version should claim clients")
	}

	keys := bucketKeys(t, store, "kp-pos-cache-v5")
	want := map[cache.RequestKey]bool{
		cache.NewRequestKey(http.MethodGet, testScope+"index.html"):    true,
		cache.NewRequestKey(http.MethodGet, testScope+"manifest.json"): true,
	}
	if len(keys) != len(want) {
		t.Fatalf("unexpected keys: %v", keys)
	}
	for _, key := range keys {
		if !want[key] {
			t.Fatalf("unexpected key %s", key)
		}
	}
}

func TestActivateDeletesStaleBuckets(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()
	for _, name := range []string{"kp-pos-cache-v3", "kp-pos-cache-v4"} {
		if _, err := store.Open(ctx, name); err != nil {
			t.Fatalf("open %s: %v", name, err)
		}
	}
	rt := newTestRuntime(t, store, newStubOrigin(), nil)

	if _, err := rt.Register(ctx, testConfig("kp-pos-cache-v5")); err != nil {
		t.Fatalf("register error: %v", err)
	}
	names, err := store.Keys(ctx)
	if err != nil {
		t.Fatalf("keys error: %v", err)
	}
	if len(names) != 1 || names[0] != "kp-pos-cache-v5" {
		t.Fatalf("only the current bucket should remain, got %v", names)
	}
}

func TestSupersededFetchDoesNotRecreateBucket(t *testing.T) {
	store := newTestStorage(t)
	origin := newStubOrigin()
	origin.set("/api/items", http.StatusOK, "items")
	rt := newTestRuntime(t, store, origin, nil)
	ctx := context.Background()

	v4, err := rt.Register(ctx, testConfig("kp-pos-cache-v4"))
	if err != nil {
		t.Fatalf("register v4 error: %v", err)
	}
	if _, err := rt.Register(ctx, testConfig("kp-pos-cache-v5")); err != nil {
		t.Fatalf("register v5 error: %v", err)
	}

	// v4 在激活前取到了控制权，请求晚于删除到达
	ev := &Event{Kind: EventFetch, Request: getRequest(t, http.MethodGet, "/api/items")}
	if err := v4.Dispatch(ctx, ev); err != nil {
		t.Fatalf("in-flight fetch error: %v", err)
	}
	res, ok := ev.Result()
	if !ok || res.Source != SourceNetwork {
		t.Fatalf("in-flight fetch should still be served from network, got %+v", res)
	}
	if body := readResult(t, res); body != "items" {
		t.Fatalf("unexpected body %q", body)
	}

	origin.setOffline(true)
	offline := &Event{Kind: EventFetch, Request: getRequest(t, http.MethodGet, "/index.html")}
	if err := v4.Dispatch(ctx, offline); !errors.Is(err, ErrNotCached) {
		t.Fatalf("deleted bucket should behave as a cache miss, got %v", err)
	}

	names, err := store.Keys(ctx)
	if err != nil {
		t.Fatalf("keys error: %v", err)
	}
	if len(names) != 1 || names[0] != "kp-pos-cache-v5" {
		t.Fatalf("stale bucket must not be recreated, got %v", names)
	}
}

func TestInstallFailureKeepsPreviousVersion(t *testing.T) {
	store := newTestStorage(t)
	origin := newStubOrigin()
	rt := newTestRuntime(t, store, origin, nil)
	ctx := context.Background()

	v5, err := rt.Register(ctx, testConfig("kp-pos-cache-v5"))
	if err != nil {
		t.Fatalf("register v5 error: %v", err)
	}

	origin.set("/manifest.json", http.StatusNotFound, "gone")
	v6, err := rt.Register(ctx, testConfig("kp-pos-cache-v6"))
	if err == nil {
		t.Fatalf("install with a missing app shell entry should fail")
	}
	if v6 != nil {
		t.Fatalf("failed install should not return a worker")
	}
	if rt.Controller() != v5 || v5.State() != StateActive {
		t.Fatalf("previous version should stay in control, state=%s", v5.State())
	}
	if keys := bucketKeys(t, store, "kp-pos-cache-v6"); len(keys) != 0 {
		t.Fatalf("failed install must not leave entries, got %v", keys)
	}
	if keys := bucketKeys(t, store, "kp-pos-cache-v5"); len(keys) != 2 {
		t.Fatalf("previous bucket should be intact, got %v", keys)
	}

	status, err := rt.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot error: %v", err)
	}
	last := status.Versions[len(status.Versions)-1]
	if last.CacheName != "kp-pos-cache-v6" || last.State != StateRedundant {
		t.Fatalf("failed version should be redundant, got %+v", last)
	}
}

func TestInstallFailsOffline(t *testing.T) {
	origin := newStubOrigin()
	origin.setOffline(true)
	rt := newTestRuntime(t, newTestStorage(t), origin, nil)
	if _, err := rt.Register(context.Background(), testConfig("kp-pos-cache-v5")); err == nil {
		t.Fatalf("install should fail while offline")
	}
	if rt.Controller() != nil {
		t.Fatalf("no version should control requests")
	}
}

func TestNewVersionSupersedesController(t *testing.T) {
	store := newTestStorage(t)
	rt := newTestRuntime(t, store, newStubOrigin(), nil)
	ctx := context.Background()

	v5, err := rt.Register(ctx, testConfig("kp-pos-cache-v5"))
	if err != nil {
		t.Fatalf("register v5 error: %v", err)
	}
	v6, err := rt.Register(ctx, testConfig("kp-pos-cache-v6"))
	if err != nil {
		t.Fatalf("register v6 error: %v", err)
	}
	if v5.State() != StateSuperseded {
		t.Fatalf("old version should be superseded, got %s", v5.State())
	}
	if rt.Controller() != v6 || v6.State() != StateActive {
		t.Fatalf("new version should control requests")
	}
	if ok, _ := store.Has(ctx, "kp-pos-cache-v5"); ok {
		t.Fatalf("old bucket should be deleted on activation")
	}
}

func TestRegisterSameVersionIsNoop(t *testing.T) {
	origin := newStubOrigin()
	rt := newTestRuntime(t, newTestStorage(t), origin, nil)
	ctx := context.Background()

	first, err := rt.Register(ctx, testConfig("kp-pos-cache-v5"))
	if err != nil {
		t.Fatalf("register error: %v", err)
	}
	calls := origin.callCount()
	second, err := rt.Register(ctx, testConfig("kp-pos-cache-v5"))
	if err != nil {
		t.Fatalf("second register error: %v", err)
	}
	if first != second {
		t.Fatalf("same version should not be reinstalled")
	}
	if origin.callCount() != calls {
		t.Fatalf("same version should not refetch the app shell")
	}
}

func TestUpdateReinstallsSameBucket(t *testing.T) {
	store := newTestStorage(t)
	origin := newStubOrigin()
	rt := newTestRuntime(t, store, origin, nil)
	ctx := context.Background()

	if _, err := rt.Update(ctx); !errors.Is(err, ErrNoController) {
		t.Fatalf("expected ErrNoController, got %v", err)
	}

	first, err := rt.Register(ctx, testConfig("kp-pos-cache-v5"))
	if err != nil {
		t.Fatalf("register error: %v", err)
	}
	origin.set("/index.html", http.StatusOK, "<html>shell v2</html>")
	second, err := rt.Update(ctx)
	if err != nil {
		t.Fatalf("update error: %v", err)
	}
	if second == first || second.ID() <= first.ID() {
		t.Fatalf("update should install a new worker")
	}
	if first.State() != StateSuperseded {
		t.Fatalf("previous worker should be superseded, got %s", first.State())
	}

	bucket, _ := store.Open(ctx, "kp-pos-cache-v5")
	cached, err := bucket.Match(ctx, cache.NewRequestKey(http.MethodGet, testScope+"index.html"))
	if err != nil {
		t.Fatalf("match error: %v", err)
	}
	if string(cached.Body) != "<html>shell v2</html>" {
		t.Fatalf("app shell should be refreshed, got %q", cached.Body)
	}
}

func TestWaitingVersionActivatesOnDemand(t *testing.T) {
	store := newTestStorage(t)
	origin := newStubOrigin()
	// 第二个版本安装时不调用 SkipWaiting
	configure := func(w *Worker) {
		if w.ID() < 2 {
			return
		}
		install := w.handlers[EventInstall]
		w.Handle(EventInstall, func(ctx context.Context, ev *Event) error {
			if err := install(ctx, ev); err != nil {
				return err
			}
			w.skipWaiting.Store(false)
			return nil
		})
	}
	rt := newTestRuntime(t, store, origin, configure)
	ctx := context.Background()

	v5, err := rt.Register(ctx, testConfig("kp-pos-cache-v5"))
	if err != nil {
		t.Fatalf("register v5 error: %v", err)
	}
	v6, err := rt.Register(ctx, testConfig("kp-pos-cache-v6"))
	if err != nil {
		t.Fatalf("register v6 error: %v", err)
	}
	if v6.State() != StateWaiting {
		t.Fatalf("new version should wait, got %s", v6.State())
	}
	if rt.Controller() != v5 {
		t.Fatalf("old version should keep serving while the new one waits")
	}
	status, err := rt.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot error: %v", err)
	}
	if status.Waiting == nil || status.Waiting.CacheName != "kp-pos-cache-v6" {
		t.Fatalf("snapshot should report the waiting version, got %+v", status.Waiting)
	}

	activated, err := rt.ActivateWaiting(ctx)
	if err != nil {
		t.Fatalf("activate waiting error: %v", err)
	}
	if activated != v6 || rt.Controller() != v6 || v6.State() != StateActive {
		t.Fatalf("waiting version should take over")
	}
	if ok, _ := store.Has(ctx, "kp-pos-cache-v5"); ok {
		t.Fatalf("old bucket should be deleted")
	}
	if again, err := rt.ActivateWaiting(ctx); err != nil || again != nil {
		t.Fatalf("nothing should be waiting, got %v %v", again, err)
	}
}

// failingDeleteStorage 让所有桶删除失败。
type failingDeleteStorage struct {
	cache.Storage
}

func (failingDeleteStorage) Delete(context.Context, string) (bool, error) {
	return false, errors.New("device busy")
}

func TestActivateDeletionFailureStillTakesControl(t *testing.T) {
	base := newTestStorage(t)
	ctx := context.Background()
	if _, err := base.Open(ctx, "kp-pos-cache-v4"); err != nil {
		t.Fatalf("open error: %v", err)
	}
	rt := newTestRuntime(t, failingDeleteStorage{Storage: base}, newStubOrigin(), nil)

	w, err := rt.Register(ctx, testConfig("kp-pos-cache-v5"))
	if err == nil {
		t.Fatalf("expected activation error")
	}
	if rt.Controller() == nil || rt.Controller().Config().CacheName != "kp-pos-cache-v5" {
		t.Fatalf("new version should control requests despite activation error")
	}
	if w == nil || w.State() != StateActive {
		t.Fatalf("worker should be active")
	}
	if w.Claimed() {
		t.Fatalf("claim runs only after every deletion succeeds")
	}

	res, err := rt.Fetch(ctx, getRequest(t, http.MethodGet, "/index.html"))
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	readResult(t, res)
}

func TestSnapshotReportsController(t *testing.T) {
	rt := newTestRuntime(t, newTestStorage(t), newStubOrigin(), nil)
	ctx := context.Background()

	status, err := rt.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot error: %v", err)
	}
	if status.Controller != nil || len(status.Buckets) != 0 {
		t.Fatalf("empty runtime should report nothing, got %+v", status)
	}

	if _, err := rt.Register(ctx, testConfig("kp-pos-cache-v5")); err != nil {
		t.Fatalf("register error: %v", err)
	}
	status, err = rt.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot error: %v", err)
	}
	if status.Controller == nil || status.Controller.CacheName != "kp-pos-cache-v5" || status.Controller.State != StateActive {
		t.Fatalf("unexpected controller info: %+v", status.Controller)
	}
	if status.Controller.ActivatedAt.IsZero() || status.Controller.InstalledAt.IsZero() {
		t.Fatalf("lifecycle timestamps should be set")
	}
	if len(status.Buckets) != 1 || status.Buckets[0] != "kp-pos-cache-v5" {
		t.Fatalf("unexpected buckets: %v", status.Buckets)
	}
}
