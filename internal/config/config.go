package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration
type Config struct {
	Collect CollectConfig `yaml:"collect"`
	Shadow  ShadowConfig  `yaml:"shadow"`
	Tools   ToolsConfig   `yaml:"tools"`
	Store   StoreConfig   `yaml:"store"`
}

// CollectConfig holds per-run collection settings
type CollectConfig struct {
	OutputDir       string   `yaml:"output_dir"`
	RemoteTemp      string   `yaml:"remote_temp"`
	RemoteTempPosix string   `yaml:"remote_temp_posix"`
	TimeoutSeconds  int      `yaml:"timeout"`
	Compression     bool     `yaml:"compression"`
	Split           bool     `yaml:"split"`
	InParallel      bool     `yaml:"in_parallel"`
	Workers         int      `yaml:"workers"`
	Transports      []string `yaml:"transports"`
	KeyFile         string   `yaml:"key_file"`
	NLA             bool     `yaml:"nla"`
	ShareFolder     string   `yaml:"share_folder"`
	ReverseShare    bool     `yaml:"reverse_share"`
}

// ShadowConfig holds shadow-copy settings
type ShadowConfig struct {
	Enabled              bool `yaml:"enabled"`
	FallbackToLiveVolume bool `yaml:"fallback_to_live_volume"`
}

// ToolsConfig names the external binaries each transport drives. Relative
// names are resolved through PATH, except where a tool is staged from the
// working directory.
type ToolsConfig struct {
	Shell      string `yaml:"shell"`
	PaExec     string `yaml:"paexec"`
	PsExec32   string `yaml:"psexec32"`
	PsExec64   string `yaml:"psexec64"`
	PowerShell string `yaml:"powershell"`
	Wmic       string `yaml:"wmic"`
	SharpRDP   string `yaml:"sharprdp"`
	Plink      string `yaml:"plink"`
	Pscp       string `yaml:"pscp"`
	SevenZip   string `yaml:"seven_zip"`
	WinPmem    string `yaml:"winpmem"`
}

// StoreConfig holds acquisition ledger settings
type StoreConfig struct {
	DBName string `yaml:"db_name"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Collect: CollectConfig{
			OutputDir:       "evidence",
			RemoteTemp:      `C:\Users\Public`,
			RemoteTempPosix: "/tmp",
			TimeoutSeconds:  300,
			Compression:     true,
			Split:           true,
			Workers:         4,
		},
		Shadow: ShadowConfig{
			Enabled:              true,
			FallbackToLiveVolume: true,
		},
		Tools: DefaultTools(),
		Store: StoreConfig{
			DBName: "rcollect.db",
		},
	}
}

// DefaultTools returns the stock binary names for every transport
func DefaultTools() ToolsConfig {
	return ToolsConfig{
		Shell:      "cmd.exe",
		PaExec:     "paexec.exe",
		PsExec32:   "PsExec.exe",
		PsExec64:   "PsExec64.exe",
		PowerShell: "powershell.exe",
		Wmic:       "wmic.exe",
		SharpRDP:   "SharpRDP.exe",
		Plink:      "plink.exe",
		Pscp:       "pscp.exe",
		SevenZip:   "7za.exe",
		WinPmem:    "winpmem.exe",
	}
}

// Load reads a config file from the given path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Tools = cfg.Tools.withDefaults()
	return cfg, nil
}

// FindConfigFile searches for a config file in standard locations
func FindConfigFile() (string, error) {
	searchPaths := []string{
		"rcollect.yaml",
	}

	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths,
			filepath.Join(home, ".config", "rcollect", "rcollect.yaml"),
		)
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPaths)
}

// Timeout returns the long-running operation timeout
func (c *Config) Timeout() time.Duration {
	if c.Collect.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.Collect.TimeoutSeconds) * time.Second
}

// DBPath returns the ledger location inside the evidence store
func (c *Config) DBPath() string {
	if c.Store.DBName == ":memory:" {
		return c.Store.DBName
	}
	return filepath.Join(c.Collect.OutputDir, c.Store.DBName)
}

// withDefaults fills tool names left empty by a partial config file
func (t ToolsConfig) withDefaults() ToolsConfig {
	d := DefaultTools()
	fill := func(v *string, def string) {
		if *v == "" {
			*v = def
		}
	}
	fill(&t.Shell, d.Shell)
	fill(&t.PaExec, d.PaExec)
	fill(&t.PsExec32, d.PsExec32)
	fill(&t.PsExec64, d.PsExec64)
	fill(&t.PowerShell, d.PowerShell)
	fill(&t.Wmic, d.Wmic)
	fill(&t.SharpRDP, d.SharpRDP)
	fill(&t.Plink, d.Plink)
	fill(&t.Pscp, d.Pscp)
	fill(&t.SevenZip, d.SevenZip)
	fill(&t.WinPmem, d.WinPmem)
	return t
}
