package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Storage StorageConfig `yaml:"storage"`
	WAL     WALConfig     `yaml:"wal"`
	Delta   DeltaConfig   `yaml:"delta"`
	Vacuum  VacuumConfig  `yaml:"vacuum"`
}

type StorageConfig struct {
	PageSize         uint32 `yaml:"page_size"`          // allocation unit, bytes
	MaxFileSize      int64  `yaml:"max_file_size"`      // hard cap, 0 = unbounded
	InitialPages     uint64 `yaml:"initial_pages"`      // data pages on create
	RegistryCapacity uint32 `yaml:"registry_capacity"`  // max named blocks
	MaxPages         uint64 `yaml:"max_pages"`          // bitmap coverage, fixed at create
}

type WALConfig struct {
	EntrySize  uint32 `yaml:"entry_size"`  // fixed slot size, bytes
	MaxEntries uint32 `yaml:"max_entries"` // circular buffer capacity
}

type DeltaConfig struct {
	MaxChainLength  int     `yaml:"max_chain_length"`  // compact after this many deltas
	MaxSizeFraction float64 `yaml:"max_size_fraction"` // compact when chain bytes exceed this fraction of the record
}

type VacuumConfig struct {
	FragmentationThreshold float64 `yaml:"fragmentation_threshold"` // skip vacuum below this
}

// Load reads a yaml config, falling back to defaults for anything unset.
// An empty path searches the conventional locations and is not an error
// when nothing is found.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath == "" {
		for _, p := range []string{"configs/slab.yaml", "slab.yaml"} {
			data, err := os.ReadFile(p)
			if err == nil {
				if err := yaml.Unmarshal(data, cfg); err != nil {
					return cfg, err
				}
				applyDefaults(cfg)
				return cfg, nil
			}
		}
		return cfg, nil // no file found: use defaults
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return cfg, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return cfg, err
	}

	applyDefaults(cfg)
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			PageSize:         4096,
			MaxFileSize:      0,
			InitialPages:     128,
			RegistryCapacity: 1024,
			MaxPages:         1 << 20, // 4 GiB of 4 KiB pages
		},
		WAL: WALConfig{
			EntrySize:  4608, // one page of payload plus headroom
			MaxEntries: 1024,
		},
		Delta: DeltaConfig{
			MaxChainLength:  10,
			MaxSizeFraction: 0.75,
		},
		Vacuum: VacuumConfig{
			FragmentationThreshold: 0.5,
		},
	}
}

func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.Storage.PageSize == 0 || cfg.Storage.PageSize%512 != 0 {
		cfg.Storage.PageSize = def.Storage.PageSize
	}
	if cfg.Storage.InitialPages == 0 {
		cfg.Storage.InitialPages = def.Storage.InitialPages
	}
	if cfg.Storage.RegistryCapacity == 0 {
		cfg.Storage.RegistryCapacity = def.Storage.RegistryCapacity
	}
	if cfg.Storage.MaxPages == 0 {
		cfg.Storage.MaxPages = def.Storage.MaxPages
	}
	if cfg.WAL.EntrySize < 128 {
		cfg.WAL.EntrySize = def.WAL.EntrySize
	}
	if cfg.WAL.MaxEntries < 8 {
		cfg.WAL.MaxEntries = def.WAL.MaxEntries
	}
	if cfg.Delta.MaxChainLength <= 0 {
		cfg.Delta.MaxChainLength = def.Delta.MaxChainLength
	}
	if cfg.Delta.MaxSizeFraction <= 0 || cfg.Delta.MaxSizeFraction >= 1 {
		cfg.Delta.MaxSizeFraction = def.Delta.MaxSizeFraction
	}
	if cfg.Vacuum.FragmentationThreshold <= 0 || cfg.Vacuum.FragmentationThreshold >= 1 {
		cfg.Vacuum.FragmentationThreshold = def.Vacuum.FragmentationThreshold
	}
}
