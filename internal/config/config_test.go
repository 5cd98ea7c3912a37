package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestDefaultConfig verifies that DefaultConfig returns sensible defaults
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		name     string
		getValue func(*Config) string
		want     string
	}{
		{"output dir", func(c *Config) string { return c.Collect.OutputDir }, "evidence"},
		{"remote temp", func(c *Config) string { return c.Collect.RemoteTemp }, `C:\Users\Public`},
		{"posix remote temp", func(c *Config) string { return c.Collect.RemoteTempPosix }, "/tmp"},
		{"shell", func(c *Config) string { return c.Tools.Shell }, "cmd.exe"},
		{"paexec", func(c *Config) string { return c.Tools.PaExec }, "paexec.exe"},
		{"plink", func(c *Config) string { return c.Tools.Plink }, "plink.exe"},
		{"seven zip", func(c *Config) string { return c.Tools.SevenZip }, "7za.exe"},
		{"db name", func(c *Config) string { return c.Store.DBName }, "rcollect.db"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.getValue(cfg)
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}

	if cfg.Timeout() != 300*time.Second {
		t.Errorf("Timeout() = %v, want 300s", cfg.Timeout())
	}
	if !cfg.Collect.Compression || !cfg.Collect.Split {
		t.Error("compression and split should be enabled by default")
	}
	if !cfg.Shadow.FallbackToLiveVolume {
		t.Error("shadow fallback should be enabled by default")
	}
}

// TestLoad tests loading a valid config file
func TestLoad(t *testing.T) {
	tempDir := t.TempDir()
	configFile := filepath.Join(tempDir, "rcollect.yaml")

	configContent := `
collect:
  output_dir: "D:\\cases\\42"
  timeout: 60
  compression: false
  transports:
    - wmi
    - psexec
shadow:
  fallback_to_live_volume: false
tools:
  plink: "C:\\tools\\plink.exe"
store:
  db_name: "case42.db"
`

	if err := os.WriteFile(configFile, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(configFile)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Collect.OutputDir != `D:\cases\42` {
		t.Errorf("Collect.OutputDir = %q", cfg.Collect.OutputDir)
	}
	if cfg.Timeout() != time.Minute {
		t.Errorf("Timeout() = %v, want 1m", cfg.Timeout())
	}
	if cfg.Collect.Compression {
		t.Error("Collect.Compression = true, want false")
	}
	if !cfg.Collect.Split {
		t.Error("unset split should keep its default")
	}
	if len(cfg.Collect.Transports) != 2 || cfg.Collect.Transports[0] != "wmi" {
		t.Errorf("Collect.Transports = %v", cfg.Collect.Transports)
	}
	if cfg.Shadow.FallbackToLiveVolume {
		t.Error("Shadow.FallbackToLiveVolume = true, want false")
	}
	if cfg.Tools.Plink != `C:\tools\plink.exe` {
		t.Errorf("Tools.Plink = %q", cfg.Tools.Plink)
	}
	if cfg.Tools.Pscp != "pscp.exe" {
		t.Errorf("Tools.Pscp = %q, want default", cfg.Tools.Pscp)
	}
	if cfg.Store.DBName != "case42.db" {
		t.Errorf("Store.DBName = %q", cfg.Store.DBName)
	}
}

// TestLoadPartialToolsKeepsDefaults ensures an empty tools block leaves defaults in place
func TestLoadPartialToolsKeepsDefaults(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "rcollect.yaml")
	if err := os.WriteFile(configFile, []byte("tools:\n  shell: \"\"\n"), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(configFile)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Tools != DefaultTools() {
		t.Errorf("Tools = %+v, want defaults", cfg.Tools)
	}
}

// TestLoadInvalidYAML tests that Load returns an error for invalid YAML
func TestLoadInvalidYAML(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "invalid.yaml")

	invalidContent := `
collect:
  output_dir: "evidence"
  invalid: [unclosed bracket
`

	if err := os.WriteFile(configFile, []byte(invalidContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	if _, err := Load(configFile); err == nil {
		t.Error("Load() succeeded, want error for invalid YAML")
	}
}

// TestLoadNonexistentFile tests that Load returns an error for missing files
func TestLoadNonexistentFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/to/rcollect.yaml"); err == nil {
		t.Error("Load() succeeded, want error for nonexistent file")
	}
}

// TestFindConfigFileInWorkingDir finds rcollect.yaml in the current directory
func TestFindConfigFileInWorkingDir(t *testing.T) {
	originalWd, err := os.Getwd()
	if err != nil {
		t.Fatalf("failed to get working directory: %v", err)
	}
	tempDir := t.TempDir()
	if err := os.Chdir(tempDir); err != nil {
		t.Fatalf("failed to change directory: %v", err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(originalWd); err != nil {
			t.Fatalf("failed to restore working directory: %v", err)
		}
	})
	t.Setenv("HOME", tempDir)

	if _, err := FindConfigFile(); err == nil {
		t.Fatal("expected error when no config exists")
	}

	if err := os.WriteFile("rcollect.yaml", []byte("collect: {}\n"), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	path, err := FindConfigFile()
	if err != nil {
		t.Fatalf("FindConfigFile() failed: %v", err)
	}
	if path != "rcollect.yaml" {
		t.Errorf("FindConfigFile() = %q", path)
	}
}

func TestDBPath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Collect.OutputDir = "/cases/1"
	if got := cfg.DBPath(); got != filepath.Join("/cases/1", "rcollect.db") {
		t.Errorf("DBPath() = %q", got)
	}
	cfg.Store.DBName = ":memory:"
	if got := cfg.DBPath(); got != ":memory:" {
		t.Errorf("DBPath() = %q, want :memory:", got)
	}
}
