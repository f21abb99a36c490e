package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/google/go-cmp/cmp"

	"asyncinterval/internal/config"
	"asyncinterval/internal/storage"
	"asyncinterval/pkg/interval"
)

type fakeSD struct {
	mu       sync.Mutex
	states   []string
	watchdog time.Duration
}

func (f *fakeSD) Notify(state string) (bool, error) {
	f.mu.Lock()
	f.states = append(f.states, state)
	f.mu.Unlock()
	return true, nil
}

func (f *fakeSD) WatchdogInterval() (time.Duration, error) { return f.watchdog, nil }

func (f *fakeSD) count(state string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.states {
		if s == state {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type testEnv struct {
	dir  string
	path string
	srv  *httptest.Server
	hits atomic.Int64
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{dir: t.TempDir()}
	env.path = filepath.Join(env.dir, "config.yaml")
	env.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env.hits.Add(1)
		if r.URL.Path == "/fail" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(env.srv.Close)
	return env
}

func (e *testEnv) write(t *testing.T, jobs string) {
	t.Helper()
	e.writeWith(t, jobs, "")
}

func (e *testEnv) writeWith(t *testing.T, jobs, extra string) {
	t.Helper()
	cfg := fmt.Sprintf(`logging:
  level: ERROR
storage:
  driver: file
  path: %s
systemd:
  notify: true
  watchdog: true
warn_rate_per_sec: 1
jobs:
%s%s`, filepath.Join(e.dir, "journal"), jobs, extra)
	if err := os.WriteFile(e.path, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
}

func (e *testEnv) job(name, path, every string) string {
	return fmt.Sprintf("  - name: %s\n    every: %s\n    timeout: 1s\n    http:\n      url: %s%s\n", name, every, e.srv.URL, path)
}

func statusNames(a *App) []string {
	var names []string
	for _, st := range a.Status() {
		names = append(names, st.Name)
	}
	return names
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	env := newTestEnv(t)
	if err := os.WriteFile(env.path, []byte("jobs: []\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := New(env.path); err == nil {
		t.Fatal("New accepted a config without jobs")
	}
	if _, err := New(filepath.Join(env.dir, "missing.yaml")); err == nil {
		t.Fatal("New accepted a missing file")
	}
}

func TestAppRunsJobsAndJournals(t *testing.T) {
	env := newTestEnv(t)
	env.write(t, env.job("ok", "/ok", "10ms")+env.job("bad", "/fail", "10ms"))

	a, err := New(env.path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sd := &fakeSD{watchdog: 40 * time.Millisecond}
	a.sd = sd
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if diff := cmp.Diff([]string{"bad", "ok"}, statusNames(a)); diff != "" {
		t.Fatalf("jobs mismatch (-want +got):\n%s", diff)
	}
	waitFor(t, "runs on both jobs", func() bool {
		st := a.Status()
		return len(st) == 2 && st[0].Failures >= 3 && st[1].Successes >= 3
	})
	waitFor(t, "journal records", func() bool {
		recs, err := a.Journal().Recent(context.Background(), "bad", 10)
		return err == nil && len(recs) >= 3 && recs[0].Outcome == "failure" && recs[0].Error != ""
	})
	if sd.count(daemon.SdNotifyReady) != 1 {
		t.Fatalf("READY sent %d times", sd.count(daemon.SdNotifyReady))
	}
	waitFor(t, "watchdog ping", func() bool { return sd.count(daemon.SdNotifyWatchdog) > 0 })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	_ = a.Stop(ctx, StopAppStop)
	if sd.count(daemon.SdNotifyStopping) != 1 {
		t.Fatalf("STOPPING sent %d times", sd.count(daemon.SdNotifyStopping))
	}
	if len(a.Status()) != 0 {
		t.Fatalf("jobs still registered after Stop: %v", statusNames(a))
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}

	time.Sleep(20 * time.Millisecond)
	hits := env.hits.Load()
	time.Sleep(50 * time.Millisecond)
	if env.hits.Load() != hits {
		t.Fatal("jobs kept running after Stop")
	}
}

func TestAppReloadDiffsJobs(t *testing.T) {
	env := newTestEnv(t)
	env.write(t, env.job("keep", "/ok", "1h")+env.job("edit", "/ok", "1h")+env.job("gone", "/ok", "1h"))

	a, err := New(env.path)
	if err != nil {
		t.Fatal(err)
	}
	a.sd = &fakeSD{}
	if err := a.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer a.Stop(context.Background(), StopAppStop)

	handle := func(name string) *interval.Handle {
		a.mu.Lock()
		defer a.mu.Unlock()
		if r := a.runners[name]; r != nil {
			return r.h
		}
		return nil
	}
	keep, edit, gone := handle("keep"), handle("edit"), handle("gone")

	env.write(t, env.job("keep", "/ok", "1h")+env.job("edit", "/ok", "2h")+env.job("new", "/ok", "1h"))
	if ok, err := a.cfgm.Reload(context.Background()); !ok || err != nil {
		t.Fatalf("Reload = %v, %v", ok, err)
	}
	waitFor(t, "reload applied", func() bool {
		return cmp.Equal([]string{"edit", "keep", "new"}, statusNames(a)) && handle("edit") != edit
	})

	if handle("keep") != keep {
		t.Fatal("unchanged job was restarted")
	}
	if !edit.Stopped() || !gone.Stopped() {
		t.Fatal("changed or removed job still running")
	}

	// A reload whose job cannot be built is rejected and changes nothing.
	env.write(t, env.job("keep", "/ok", "1h")+"  - name: broken\n    every: 1s\n    exec: {command: [\"\"]}\n")
	if ok, err := a.cfgm.Reload(context.Background()); ok || err == nil {
		t.Fatalf("invalid Reload = %v, %v", ok, err)
	}
	time.Sleep(30 * time.Millisecond)
	if diff := cmp.Diff([]string{"edit", "keep", "new"}, statusNames(a)); diff != "" {
		t.Fatalf("jobs changed after rejected reload (-want +got):\n%s", diff)
	}
}

func TestWarnIsThrottled(t *testing.T) {
	env := newTestEnv(t)
	env.write(t, env.job("ok", "/ok", "1h"))
	a, err := New(env.path)
	if err != nil {
		t.Fatal(err)
	}
	defer a.logs.Close()

	th := a.throttle.Load()
	if ok, _ := th.Allow("x"); !ok {
		t.Fatal("first warning suppressed")
	}
	a.warn("x", "suppressed warning")
	if ok, _ := th.Allow("x"); ok {
		t.Fatal("throttle did not limit repeated warnings")
	}
}

func TestAppServesDebugStatus(t *testing.T) {
	env := newTestEnv(t)
	env.writeWith(t, env.job("ok", "/ok", "1h"), "debug:\n  enabled: true\n  addr: \"127.0.0.1:0\"\n")

	a, err := New(env.path)
	if err != nil {
		t.Fatal(err)
	}
	a.sd = &fakeSD{}
	if err := a.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer a.Stop(context.Background(), StopAppStop)

	select {
	case <-a.debug.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("debug server never became ready")
	}
	waitFor(t, "first run", func() bool {
		st := a.Status()
		return len(st) == 1 && st[0].Runs == 1
	})

	resp, err := http.Get("http://" + a.debug.Addr() + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()
	var got []struct {
		Name string `json:"name"`
		Runs uint64 `json:"runs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].Name != "ok" || got[0].Runs != 1 {
		t.Fatalf("status = %+v", got)
	}

	rresp, err := http.Get("http://" + a.debug.Addr() + "/runtime")
	if err != nil {
		t.Fatalf("GET /runtime: %v", err)
	}
	defer rresp.Body.Close()
	var rt struct {
		Supervisor struct {
			Goroutines []struct {
				Name string `json:"name"`
			} `json:"goroutines"`
		} `json:"supervisor"`
	}
	if err := json.NewDecoder(rresp.Body).Decode(&rt); err != nil {
		t.Fatalf("decode runtime: %v", err)
	}
	var names []string
	for _, g := range rt.Supervisor.Goroutines {
		names = append(names, g.Name)
	}
	if !slices.Contains(names, "journal.sink") || !slices.Contains(names, "config.reload") {
		t.Fatalf("runtime goroutines = %v", names)
	}
}

func TestStopWinsOverConcurrentJobStarts(t *testing.T) {
	env := newTestEnv(t)
	env.write(t, env.job("ok", "/ok", "10ms"))
	a, err := New(env.path)
	if err != nil {
		t.Fatal(err)
	}
	a.sd = &fakeSD{}
	if err := a.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	def := a.cfgm.Get().Jobs[0]
	quit := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-quit:
				return
			default:
			}
			d := def
			d.Name = fmt.Sprintf("late%d", i)
			_ = a.startJob(d)
			time.Sleep(time.Millisecond)
		}
	}()

	time.Sleep(20 * time.Millisecond)
	if err := a.Stop(context.Background(), StopAppStop); err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)
	close(quit)
	wg.Wait()

	if names := statusNames(a); len(names) != 0 {
		t.Fatalf("runners registered after Stop: %v", names)
	}
	if err := a.startJob(def); err != nil || len(a.Status()) != 0 {
		t.Fatalf("startJob after Stop = %v, status %v", err, statusNames(a))
	}

	time.Sleep(50 * time.Millisecond)
	hits := env.hits.Load()
	time.Sleep(60 * time.Millisecond)
	if env.hits.Load() != hits {
		t.Fatal("a runner kept running after Stop")
	}
}

func TestStartFailureReleasesSupervisor(t *testing.T) {
	env := newTestEnv(t)
	env.write(t, env.job("ok", "/ok", "1h"))
	a, err := New(env.path)
	if err != nil {
		t.Fatal(err)
	}
	a.sd = &fakeSD{}

	cfg := *a.cfgm.Get()
	cfg.Jobs = append(append([]config.JobConfig(nil), cfg.Jobs...), config.JobConfig{
		Name:  "broken",
		Every: "1s",
		Exec:  &config.ExecJob{Command: []string{""}},
	})
	a.cfgm.Commit(&cfg)

	if err := a.Start(context.Background()); err == nil {
		t.Fatal("Start succeeded with an unbuildable job")
	}
	select {
	case <-a.Done():
	case <-time.After(time.Second):
		t.Fatal("supervisor still running after failed Start")
	}
	if len(a.Status()) != 0 {
		t.Fatalf("jobs left running: %v", statusNames(a))
	}

	if err := a.Stop(context.Background(), StopFatalError); err != nil {
		t.Fatal(err)
	}
	if err := a.Journal().Append(context.Background(), storage.Record{Job: "ok"}); !errors.Is(err, storage.ErrClosed) {
		t.Fatalf("journal Append after Stop = %v, want ErrClosed", err)
	}
}

func TestDaemonWarnKeysAreNotJobNames(t *testing.T) {
	for _, key := range []string{warnKeyJournal, warnKeyWatchdog} {
		cfg := &config.Config{Jobs: []config.JobConfig{{
			Name:  key,
			Every: "1s",
			Exec:  &config.ExecJob{Command: []string{"true"}},
		}}}
		if err := config.Validate(cfg); err == nil {
			t.Fatalf("job named %q accepted; it would share a warning limiter with the daemon", key)
		}
	}

	env := newTestEnv(t)
	env.write(t, env.job("journal", "/ok", "1h"))
	a, err := New(env.path)
	if err != nil {
		t.Fatal(err)
	}
	defer a.logs.Close()

	a.warn(warnKeyJournal, "journal append failed")
	if ok, _ := a.throttle.Load().Allow("journal"); !ok {
		t.Fatal("job named journal was throttled by a journal append warning")
	}
}
