//go:build linux

package e2e

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"semipd/internal/control"
	"semipd/internal/device"
	"semipd/internal/httpapi"
	"semipd/internal/launcher"
	"semipd/internal/mempool"
	"semipd/internal/role"
	"semipd/pkg/types"
)

func TestGroupSharesMemoryOverShm(t *testing.T) {
	cfg := groupConfig(t, 2)
	l := newLauncher(t, cfg)
	srv := httptest.NewServer(httpapi.NewMux(l, httpapi.Options{}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	res, err := l.Launch(ctx)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if res.MaxTotalNumTokens != 0 || res.MaxReqInputLen != 122 {
		t.Fatalf("baseline result=%+v", res)
	}
	// min(context-1, tokens-1) minus the reserved slack
	if res.MaxReqInputLen != 122 {
		t.Fatalf("max_req_input_len=%d", res.MaxReqInputLen)
	}
	for _, tag := range []string{"d0-", "d1-"} {
		if len(shmRegions(t, cfg, res.GroupID, tag)) == 0 {
			t.Fatalf("no %s regions for decode", tag)
		}
	}
	if n := len(shmRegions(t, cfg, res.GroupID, "p")); n != 0 {
		t.Fatalf("prefill allocated %d regions of its own", n)
	}

	resp, body := httpGet(t, srv.URL+"/readyz")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz=%d %s", resp.StatusCode, body)
	}
	resp, body = httpGet(t, srv.URL+"/status")
	var st types.GroupStatus
	if err := json.Unmarshal(body, &st); err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d %s: %v", resp.StatusCode, body, err)
	}
	if st.State != string(launcher.StateRunning) || len(st.Members) != 4 {
		t.Fatalf("status=%+v", st)
	}
	for _, m := range st.Members {
		if m.State != "ready" || m.PID == 0 {
			t.Fatalf("member=%+v", m)
		}
	}
	if err := l.Broadcast(control.OpFlushCache); err != nil {
		t.Fatalf("flush_cache: %v", err)
	}

	if err := l.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if l.State() != launcher.StateIdle {
		t.Fatalf("state=%s", l.State())
	}
	if _, err := device.RemoveGroup(cfg.ShmDir, res.GroupID); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n := len(shmRegions(t, cfg, res.GroupID, "")); n != 0 {
		t.Fatalf("%d regions left", n)
	}
}

func TestDecodeFailureAbortsGroup(t *testing.T) {
	cfg := groupConfig(t, 2)
	// 0.01% of 16 MiB is less than the resident weights, so nothing is
	// left for the kv cache.
	cfg.MemFractionStatic = 0.0001
	l := newLauncher(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	_, err := l.Launch(ctx)
	var wf *launcher.WorkerFailedError
	if !errors.As(err, &wf) {
		t.Fatalf("expected a failed worker, got %v", err)
	}
	if wf.Role != role.Decode || !strings.Contains(wf.Message, mempool.ErrOutOfMemory.Error()) {
		t.Fatalf("failure message=%q", wf.Message)
	}
	if l.State() != launcher.StateFailed {
		t.Fatalf("state=%s", l.State())
	}
	for _, m := range l.Snapshot().Members {
		if m.Role == "prefill" {
			t.Fatalf("prefill spawned after decode failure")
		}
	}
}

func TestBaselineGroupRuns(t *testing.T) {
	cfg := groupConfig(t, 1)
	cfg.EnableSemiPD = false
	l := newLauncher(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	res, err := l.Launch(ctx)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	st := l.Snapshot()
	if len(st.Members) != 1 || st.Members[0].Role != "other" {
		t.Fatalf("members=%+v", st.Members)
	}
	if res.MaxTotalNumTokens != 0 || res.MaxReqInputLen != 122 {
		t.Fatalf("baseline result=%+v", res)
	}
	if err := l.Broadcast(control.OpPing); err != nil {
		t.Fatalf("ping: %v", err)
	}
}
