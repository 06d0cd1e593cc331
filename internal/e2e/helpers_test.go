//go:build linux

package e2e

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"semipd/internal/config"
	"semipd/internal/device"
	"semipd/internal/dtype"
	"semipd/internal/launcher"
	"semipd/internal/model"
)

func groupConfig(t *testing.T, tp int) config.Config {
	t.Helper()
	c := config.Default()
	c.Model = model.Config{
		Name: "tiny", Arch: model.ArchMHA, DType: dtype.BFloat16,
		NumLayers: 2, HiddenSize: 16, IntermediateSize: 32, VocabSize: 64,
		NumHeads: 4, NumKVHeads: 2, HeadDim: 4, ContextLen: 128,
		TieWordEmbeddings: true,
	}
	c.TPSize = tp
	c.MaxTotalTokens = 1024
	c.MaxNumReqs = 8
	c.DeviceMemoryMB = 16
	c.RunDir = t.TempDir()
	c.ShmDir = t.TempDir()
	c.ReadinessTimeoutMS = 20_000
	c.KillGraceMS = 2_000
	c.LogLevel = "warn"
	c.LogFormat = "json"
	return c
}

// newLauncher spawns workers by re-executing the running test binary.
func newLauncher(t *testing.T, cfg config.Config) *launcher.Launcher {
	t.Helper()
	if testing.Short() {
		t.Skip("spawns worker processes")
	}
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("executable: %v", err)
	}
	sp := &launcher.ExecSpawner{Binary: exe, Env: []string{workerEnv + "=1"}, Log: zerolog.Nop()}
	l := launcher.New(cfg, sp)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = l.Shutdown(ctx)
	})
	return l
}

func shmRegions(t *testing.T, cfg config.Config, groupID, tag string) []string {
	t.Helper()
	ents, err := os.ReadDir(cfg.ShmDir)
	if err != nil {
		t.Fatalf("read shm dir: %v", err)
	}
	prefix := device.GroupPrefix(groupID) + "-" + tag
	var out []string
	for _, e := range ents {
		if strings.HasPrefix(e.Name(), prefix) {
			out = append(out, filepath.Join(cfg.ShmDir, e.Name()))
		}
	}
	return out
}

func httpGet(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}
