package config

import (
	"strings"
	"testing"
)

func TestLoad_NonexistentFile(t *testing.T) {
	if _, err := Load("/definitely/not/a/real/file-12345.yaml"); err == nil {
		t.Fatalf("expected error for nonexistent file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "bad.yaml", "tp_size: 2\n: broken\n")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected YAML unmarshal error")
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "bad.json", `{ "tp_size": 2, "run_dir": }`)
	if _, err := Load(p); err == nil {
		t.Fatalf("expected JSON unmarshal error")
	}
}

func TestLoad_UnknownDType(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "bad.yaml", "model:\n  dtype: float7\n")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected dtype error")
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvPrefillSMPercent: "60",
		EnvDecodeSMPercent:  " 40 ",
		EnvLogLevel:         "debug",
		EnvRunDir:           "/run/semipd",
	}
	cfg := Default()
	if err := cfg.ApplyEnv(func(k string) string { return env[k] }); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if cfg.PrefillSMPercent != 60 || cfg.DecodeSMPercent != 40 || cfg.LogLevel != "debug" || cfg.RunDir != "/run/semipd" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	env[EnvDecodeSMPercent] = "lots"
	if err := cfg.ApplyEnv(func(k string) string { return env[k] }); err == nil || !strings.Contains(err.Error(), EnvDecodeSMPercent) {
		t.Fatalf("expected parse error naming the variable, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default must validate: %v", err)
	}
	c := Default()
	c.PrefillSMPercent = 0
	c.TPSize = 3
	c.NNodes = 2
	c.KVCacheDType = "int4"
	err := c.Validate()
	if err == nil {
		t.Fatalf("expected errors")
	}
	for _, want := range []string{"prefill_sm_percentile", "nnodes", "int4"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q should mention %s", err, want)
		}
	}
}

func TestRankPlacement(t *testing.T) {
	c := Default()
	c.TPSize, c.NNodes, c.NodeRank = 8, 2, 1
	c.BaseGPUID, c.GPUIDStep = 1, 2
	ranks := c.LocalRanks()
	if len(ranks) != 4 || ranks[0] != 4 || ranks[3] != 7 {
		t.Fatalf("ranks=%v", ranks)
	}
	if got := c.GPUID(5); got != 1+1*2 {
		t.Fatalf("gpu for rank 5=%d", got)
	}
}
