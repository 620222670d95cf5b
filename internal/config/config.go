// Package config loads the daemon configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/edirooss/compilebroker/internal/broker"
	"github.com/edirooss/compilebroker/internal/codecache"
	"github.com/edirooss/compilebroker/internal/simcompiler"
)

// DefaultPath is where the daemon looks for its configuration.
const DefaultPath = "compilebrokerd.yaml"

var ErrInvalid = errors.New("invalid config")

type Config struct {
	HTTP         HTTPConfig         `yaml:"http"`
	Redis        RedisConfig        `yaml:"redis"`
	CodeCache    CodeCacheConfig    `yaml:"code_cache"`
	Backpressure BackpressureConfig `yaml:"backpressure"`
	Wait         WaitConfig         `yaml:"wait"`

	IdlePollInterval Duration `yaml:"idle_poll_interval"`
	PrintBailouts    bool     `yaml:"print_bailouts"`
	FreeListSize     int      `yaml:"free_list_size"`
	HistoryLines     int      `yaml:"history_lines"`

	IDRange       IDRange `yaml:"id_range"`
	OSRIDRange    IDRange `yaml:"osr_id_range"`
	NativeIDRange IDRange `yaml:"native_id_range"`

	// Tiers is indexed by tier number.
	Tiers []TierConfig `yaml:"tiers"`
}

type HTTPConfig struct {
	Address string `yaml:"address"`
	Port    string `yaml:"port"`
	// MaxCompileRequests caps concurrent POST /api/compile calls.
	MaxCompileRequests int `yaml:"max_compile_requests"`
	// PauseTimeout bounds how long POST /api/pause waits for safe points.
	PauseTimeout Duration `yaml:"pause_timeout"`
}

type RedisConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Address    string   `yaml:"address"`
	DB         int      `yaml:"db"`
	Prefix     string   `yaml:"prefix"`
	FlushEvery Duration `yaml:"flush_every"`
	MaxEvents  int64    `yaml:"max_events"`
}

type CodeCacheConfig struct {
	Capacity     Size     `yaml:"capacity"`
	ReclaimDelay Duration `yaml:"reclaim_delay"`
}

type BackpressureConfig struct {
	Reclaim         bool     `yaml:"reclaim"`
	DrainOnFull     bool     `yaml:"drain_on_full"`
	ResumeHeadroom  Size     `yaml:"resume_headroom"`
	ReclaimInterval Duration `yaml:"reclaim_interval"`
}

type WaitConfig struct {
	Slice            Duration `yaml:"slice"`
	MaxStalledSlices int      `yaml:"max_stalled_slices"`
}

type IDRange struct {
	Start uint64 `yaml:"start"`
	Stop  uint64 `yaml:"stop"`
}

type TierConfig struct {
	Name               string   `yaml:"name"`
	Enabled            bool     `yaml:"enabled"`
	MinWorkers         int      `yaml:"min_workers"`
	MaxWorkers         int      `yaml:"max_workers"`
	DynamicSizing      bool     `yaml:"dynamic_sizing"`
	TasksPerWorker     int      `yaml:"tasks_per_worker"`
	MemoryPerWorker    Size     `yaml:"memory_per_worker"`
	CodeCachePerWorker Size     `yaml:"code_cache_per_worker"`
	IdleRetireAfter    Duration `yaml:"idle_retire_after"`
	Policy             string   `yaml:"policy"`

	Compiler CompilerConfig `yaml:"compiler"`
}

// CompilerConfig parameterises the simulated code generator of a tier.
type CompilerConfig struct {
	CostPerByte Duration `yaml:"cost_per_byte"`
	PollEvery   Duration `yaml:"poll_every"`
	Expansion   float64  `yaml:"expansion"`
	MaxCodeSize int      `yaml:"max_code_size"`
}

// Default returns a two-tier configuration suitable for local use.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Address:            "127.0.0.1",
			Port:               "8090",
			MaxCompileRequests: 256,
			PauseTimeout:       Duration(10 * time.Second),
		},
		Redis: RedisConfig{Address: "localhost:6379", Prefix: "compilebroker", FlushEvery: Duration(time.Second), MaxEvents: 1000},
		CodeCache: CodeCacheConfig{
			Capacity:     48 << 20,
			ReclaimDelay: Duration(100 * time.Millisecond),
		},
		Backpressure: BackpressureConfig{
			Reclaim:         true,
			ResumeHeadroom:  4 << 20,
			ReclaimInterval: Duration(time.Second),
		},
		Wait:             WaitConfig{Slice: Duration(5 * time.Second), MaxStalledSlices: 10},
		IdlePollInterval: Duration(5 * time.Second),
		FreeListSize:     1024,
		HistoryLines:     500,
		Tiers: []TierConfig{
			{
				Name: broker.TierBaseline.String(), Enabled: true,
				MinWorkers: 1, MaxWorkers: 2, DynamicSizing: true, TasksPerWorker: 4,
				IdleRetireAfter: Duration(30 * time.Second), Policy: "fifo",
				Compiler: CompilerConfig{CostPerByte: Duration(time.Microsecond), Expansion: 2},
			},
			{
				Name: broker.TierOptimizing.String(), Enabled: true,
				MinWorkers: 1, MaxWorkers: 4, DynamicSizing: true, TasksPerWorker: 2,
				MemoryPerWorker: 128 << 20, CodeCachePerWorker: 4 << 20,
				IdleRetireAfter: Duration(30 * time.Second), Policy: "hottest",
				Compiler: CompilerConfig{CostPerByte: 10 * Duration(time.Microsecond), Expansion: 6, MaxCodeSize: 8000},
			},
		},
	}
}

// Load reads path over the defaults and validates the result. A tiers list
// in the file replaces the default tiers.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks what the broker cannot check itself and fills tier names.
func (c *Config) Validate() error {
	if len(c.Tiers) == 0 {
		return fmt.Errorf("%w: no tiers", ErrInvalid)
	}
	if len(c.Tiers) > 16 {
		return fmt.Errorf("%w: at most 16 tiers, got %d", ErrInvalid, len(c.Tiers))
	}
	for i := range c.Tiers {
		tc := &c.Tiers[i]
		want := broker.Tier(i).String()
		if tc.Name == "" {
			tc.Name = want
		} else if tc.Name != want {
			return fmt.Errorf("%w: tier %d is named %q, expected %q", ErrInvalid, i, tc.Name, want)
		}
		if tc.MinWorkers < 0 || tc.MaxWorkers < tc.MinWorkers {
			return fmt.Errorf("%w: tier %s: need 0 <= min_workers <= max_workers", ErrInvalid, tc.Name)
		}
		if tc.Enabled && tc.MinWorkers < 1 {
			return fmt.Errorf("%w: tier %s: an enabled tier needs min_workers >= 1", ErrInvalid, tc.Name)
		}
		if _, err := broker.PolicyByName(tc.Policy); err != nil {
			return fmt.Errorf("%w: tier %s: %w", ErrInvalid, tc.Name, err)
		}
	}
	if c.HTTP.MaxCompileRequests < 1 {
		return fmt.Errorf("%w: http.max_compile_requests must be at least 1", ErrInvalid)
	}
	if c.HTTP.PauseTimeout <= 0 {
		return fmt.Errorf("%w: http.pause_timeout must be positive", ErrInvalid)
	}
	if c.CodeCache.Capacity <= 0 {
		return fmt.Errorf("%w: code_cache.capacity must be positive", ErrInvalid)
	}
	if c.Backpressure.ResumeHeadroom > c.CodeCache.Capacity {
		return fmt.Errorf("%w: backpressure.resume_headroom exceeds code cache capacity", ErrInvalid)
	}
	for name, r := range map[string]IDRange{"id_range": c.IDRange, "osr_id_range": c.OSRIDRange, "native_id_range": c.NativeIDRange} {
		if r.Stop != 0 && r.Stop <= r.Start {
			return fmt.Errorf("%w: %s: stop must be above start", ErrInvalid, name)
		}
	}
	return nil
}

// Broker converts the scheduling part of the configuration.
func (c *Config) Broker() broker.Config {
	out := broker.Config{
		IdlePollInterval: c.IdlePollInterval.D(),
		IDRange:          broker.IDRange(c.IDRange),
		OSRIDRange:       broker.IDRange(c.OSRIDRange),
		NativeIDRange:    broker.IDRange(c.NativeIDRange),
		Backpressure: broker.BackpressureConfig{
			Reclaim:         c.Backpressure.Reclaim,
			DrainOnFull:     c.Backpressure.DrainOnFull,
			ResumeHeadroom:  int64(c.Backpressure.ResumeHeadroom),
			ReclaimInterval: c.Backpressure.ReclaimInterval.D(),
		},
		PrintBailouts: c.PrintBailouts,
		Wait: broker.WaitOptions{
			Slice:            c.Wait.Slice.D(),
			MaxStalledSlices: c.Wait.MaxStalledSlices,
		},
		FreeListSize: c.FreeListSize,
	}
	for _, tc := range c.Tiers {
		out.Tiers = append(out.Tiers, broker.TierConfig{
			Enabled:            tc.Enabled,
			MinWorkers:         tc.MinWorkers,
			MaxWorkers:         tc.MaxWorkers,
			DynamicSizing:      tc.DynamicSizing,
			TasksPerWorker:     tc.TasksPerWorker,
			MemoryPerWorker:    int64(tc.MemoryPerWorker),
			CodeCachePerWorker: int64(tc.CodeCachePerWorker),
			IdleRetireAfter:    tc.IdleRetireAfter.D(),
			Policy:             tc.Policy,
		})
	}
	return out
}

func (c *Config) CodeCacheConfig() codecache.Config {
	return codecache.Config{
		Capacity:     int64(c.CodeCache.Capacity),
		ReclaimDelay: c.CodeCache.ReclaimDelay.D(),
	}
}

func (tc TierConfig) SimCompiler() simcompiler.Config {
	return simcompiler.Config{
		CostPerByte: tc.Compiler.CostPerByte.D(),
		PollEvery:   tc.Compiler.PollEvery.D(),
		Expansion:   tc.Compiler.Expansion,
		MaxCodeSize: tc.Compiler.MaxCodeSize,
	}
}
