package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"semipd/internal/dtype"
	"semipd/internal/mempool"
	"semipd/internal/model"
)

// Defaults applied by Default and kept when a file omits the field.
const (
	DefaultPrefillSMPercent    = 80
	DefaultDecodeSMPercent     = 100
	DefaultMemFractionStatic   = 0.88
	DefaultReadinessTimeoutMS  = 300_000
	DefaultAuxReadinessTimeout = 60_000
	DefaultKillGraceMS         = 2_000
	DefaultDeviceMemoryMB      = 8192
	DefaultComputeUnits        = 108
	DefaultShmDir              = "/dev/shm"
)

// Environment variables read by ApplyEnv.
const (
	EnvPrefillSMPercent = "SEMI_PD_PREFILL_SM_PERCENTILE"
	EnvDecodeSMPercent  = "SEMI_PD_DECODE_SM_PERCENTILE"
	EnvLogLevel         = "SEMIPD_LOG_LEVEL"
	EnvHTTPAddr         = "SEMIPD_HTTP_ADDR"
	EnvRunDir           = "SEMIPD_RUN_DIR"
	EnvShmDir           = "SEMIPD_SHM_DIR"
)

// Config is the single explicit configuration value handed to the launcher
// and, through a resolved copy in the run directory, to every worker.
type Config struct {
	Model model.Config `json:"model" yaml:"model" toml:"model"`

	TPSize    int `json:"tp_size" yaml:"tp_size" toml:"tp_size"`
	NNodes    int `json:"nnodes" yaml:"nnodes" toml:"nnodes"`
	NodeRank  int `json:"node_rank" yaml:"node_rank" toml:"node_rank"`
	BaseGPUID int `json:"base_gpu_id" yaml:"base_gpu_id" toml:"base_gpu_id"`
	GPUIDStep int `json:"gpu_id_step" yaml:"gpu_id_step" toml:"gpu_id_step"`

	EnableSemiPD      bool    `json:"enable_semi_pd" yaml:"enable_semi_pd" toml:"enable_semi_pd"`
	PageSize          int64   `json:"page_size" yaml:"page_size" toml:"page_size"`
	MemFractionStatic float64 `json:"mem_fraction_static" yaml:"mem_fraction_static" toml:"mem_fraction_static"`
	MaxTotalTokens    int64   `json:"max_total_tokens" yaml:"max_total_tokens" toml:"max_total_tokens"`
	MaxNumReqs        int     `json:"max_running_requests" yaml:"max_running_requests" toml:"max_running_requests"`
	KVCacheDType      string  `json:"kv_cache_dtype" yaml:"kv_cache_dtype" toml:"kv_cache_dtype"`
	WeightSeed        uint64  `json:"weight_seed" yaml:"weight_seed" toml:"weight_seed"`

	PrefillSMPercent int `json:"prefill_sm_percentile" yaml:"prefill_sm_percentile" toml:"prefill_sm_percentile"`
	DecodeSMPercent  int `json:"decode_sm_percentile" yaml:"decode_sm_percentile" toml:"decode_sm_percentile"`

	ReadinessTimeoutMS    int      `json:"readiness_timeout_ms" yaml:"readiness_timeout_ms" toml:"readiness_timeout_ms"`
	AuxReadinessTimeoutMS int      `json:"aux_readiness_timeout_ms" yaml:"aux_readiness_timeout_ms" toml:"aux_readiness_timeout_ms"`
	KillGraceMS           int      `json:"kill_grace_ms" yaml:"kill_grace_ms" toml:"kill_grace_ms"`
	AuxCommand            []string `json:"aux_command" yaml:"aux_command" toml:"aux_command"`

	RunDir         string `json:"run_dir" yaml:"run_dir" toml:"run_dir"`
	ShmDir         string `json:"shm_dir" yaml:"shm_dir" toml:"shm_dir"`
	DeviceMemoryMB int    `json:"device_memory_mb" yaml:"device_memory_mb" toml:"device_memory_mb"`
	ComputeUnits   int    `json:"compute_units" yaml:"compute_units" toml:"compute_units"`

	HTTPAddr    string   `json:"http_addr" yaml:"http_addr" toml:"http_addr"`
	CORSOrigins []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`
	LogLevel    string   `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat   string   `json:"log_format" yaml:"log_format" toml:"log_format"`
}

// Default returns a complete configuration for a small synthetic model.
func Default() Config {
	return Config{
		Model: model.Config{
			Name: "synthetic-mha", Arch: model.ArchMHA, DType: dtype.BFloat16,
			NumLayers: 4, HiddenSize: 256, IntermediateSize: 512, VocabSize: 1024,
			NumHeads: 8, NumKVHeads: 2, HeadDim: 32, ContextLen: 4096,
			TieWordEmbeddings: true,
		},
		TPSize:                1,
		NNodes:                1,
		GPUIDStep:             1,
		EnableSemiPD:          true,
		PageSize:              1,
		MemFractionStatic:     DefaultMemFractionStatic,
		KVCacheDType:          "auto",
		PrefillSMPercent:      DefaultPrefillSMPercent,
		DecodeSMPercent:       DefaultDecodeSMPercent,
		ReadinessTimeoutMS:    DefaultReadinessTimeoutMS,
		AuxReadinessTimeoutMS: DefaultAuxReadinessTimeout,
		KillGraceMS:           DefaultKillGraceMS,
		ShmDir:                DefaultShmDir,
		DeviceMemoryMB:        DefaultDeviceMemoryMB,
		ComputeUnits:          DefaultComputeUnits,
		LogLevel:              "info",
		LogFormat:             "console",
	}
}

// ApplyEnv overrides fields from the environment. getenv is usually os.Getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	for _, e := range []struct {
		key string
		dst *int
	}{
		{EnvPrefillSMPercent, &c.PrefillSMPercent},
		{EnvDecodeSMPercent, &c.DecodeSMPercent},
	} {
		v := strings.TrimSpace(getenv(e.key))
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", e.key, err)
		}
		*e.dst = n
	}
	for _, e := range []struct {
		key string
		dst *string
	}{
		{EnvLogLevel, &c.LogLevel},
		{EnvHTTPAddr, &c.HTTPAddr},
		{EnvRunDir, &c.RunDir},
		{EnvShmDir, &c.ShmDir},
	} {
		if v := getenv(e.key); v != "" {
			*e.dst = v
		}
	}
	return nil
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if err := c.Model.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.TPSize < 1 {
		errs = append(errs, fmt.Errorf("tp_size must be >= 1"))
	}
	if c.NNodes < 1 || c.TPSize%max(c.NNodes, 1) != 0 {
		errs = append(errs, fmt.Errorf("nnodes must be >= 1 and divide tp_size"))
	}
	if c.NodeRank < 0 || c.NodeRank >= max(c.NNodes, 1) {
		errs = append(errs, fmt.Errorf("node_rank %d out of range", c.NodeRank))
	}
	if c.GPUIDStep < 1 || c.BaseGPUID < 0 {
		errs = append(errs, fmt.Errorf("base_gpu_id must be >= 0 and gpu_id_step >= 1"))
	}
	if c.PageSize < 1 {
		errs = append(errs, fmt.Errorf("page_size must be >= 1"))
	}
	if c.MemFractionStatic <= 0 || c.MemFractionStatic > 1 {
		errs = append(errs, fmt.Errorf("mem_fraction_static must be in (0, 1]"))
	}
	if c.MaxTotalTokens < 0 || c.MaxNumReqs < 0 {
		errs = append(errs, fmt.Errorf("max_total_tokens and max_running_requests must not be negative"))
	}
	if _, err := mempool.KVDType(c.KVCacheDType, c.Model.DType); err != nil {
		errs = append(errs, err)
	}
	for name, p := range map[string]int{"prefill_sm_percentile": c.PrefillSMPercent, "decode_sm_percentile": c.DecodeSMPercent} {
		if p < 1 || p > 100 {
			errs = append(errs, fmt.Errorf("%s must be in [1, 100], got %d", name, p))
		}
	}
	if c.ReadinessTimeoutMS <= 0 || c.AuxReadinessTimeoutMS <= 0 || c.KillGraceMS <= 0 {
		errs = append(errs, fmt.Errorf("timeouts must be positive"))
	}
	if c.DeviceMemoryMB <= 0 {
		errs = append(errs, fmt.Errorf("device_memory_mb must be > 0"))
	}
	return errors.Join(errs...)
}

// TPPerNode is the number of ranks this node runs.
func (c Config) TPPerNode() int { return c.TPSize / max(c.NNodes, 1) }

// LocalRanks returns the TP ranks owned by this node.
func (c Config) LocalRanks() []int {
	n := c.TPPerNode()
	out := make([]int, n)
	for i := range out {
		out[i] = c.NodeRank*n + i
	}
	return out
}

// GPUID maps a TP rank to its device ordinal.
func (c Config) GPUID(rank int) int {
	return c.BaseGPUID + (rank%c.TPPerNode())*c.GPUIDStep
}

// KVDType resolves the configured cache element type.
func (c Config) KVDType() dtype.DType {
	d, err := mempool.KVDType(c.KVCacheDType, c.Model.DType)
	if err != nil {
		return c.Model.DType
	}
	return d
}

func (c Config) ReadinessTimeout() time.Duration {
	return time.Duration(c.ReadinessTimeoutMS) * time.Millisecond
}

func (c Config) AuxReadinessTimeout() time.Duration {
	return time.Duration(c.AuxReadinessTimeoutMS) * time.Millisecond
}

func (c Config) KillGrace() time.Duration { return time.Duration(c.KillGraceMS) * time.Millisecond }

func (c Config) DeviceMemoryBytes() uint64 { return uint64(c.DeviceMemoryMB) << 20 }
