package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseVolume(t *testing.T) {
	type scenario struct {
		input    string
		expected Volume
		wantErr  bool
	}

	scenarios := []scenario{
		{
			"/data:/mnt/data:ro",
			Volume{Host: "/data", Container: "/mnt/data", Mode: "ro"},
			false,
		},
		{
			"/data:/mnt/data",
			Volume{Host: "/data", Container: "/mnt/data", Mode: "rw"},
			false,
		},
		{
			"/data",
			Volume{Host: "/data", Container: "/data", Mode: "rw"},
			false,
		},
		{
			":/mnt/data",
			Volume{},
			true,
		},
	}

	for _, s := range scenarios {
		actual, err := ParseVolume(s.input)
		if s.wantErr {
			assert.Error(t, err)
			continue
		}
		assert.NoError(t, err)
		assert.EqualValues(t, s.expected, actual)
	}
}

func TestTranslatePath(t *testing.T) {
	type scenario struct {
		volumes  []string
		hostPath string
		expected string
	}

	scenarios := []scenario{
		{
			[]string{"/host/games:/container/games"},
			"/host/games/level1.json",
			"/container/games/level1.json",
		},
		{
			[]string{"/host/games:/container/games"},
			"/elsewhere/level1.json",
			"/elsewhere/level1.json",
		},
		{
			[]string{"/a:/x", "/a/b:/y"},
			"/a/b/file",
			"/x/b/file",
		},
		{
			[]string{},
			"/anything",
			"/anything",
		},
		{
			[]string{"/data"},
			"/data/file",
			"/data/file",
		},
	}

	for _, s := range scenarios {
		cfg := GetDefaultConfig()
		cfg.Volumes = s.volumes
		assert.EqualValues(t, s.expected, cfg.TranslatePath(s.hostPath))
	}
}

func TestBinds(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Volumes = []string{"/data:/mnt:ro", "/logs"}
	assert.EqualValues(t, []string{"/data:/mnt:ro", "/logs:/logs:rw"}, cfg.Binds())
}

func TestValidate(t *testing.T) {
	type scenario struct {
		name    string
		mutate  func(*ServerConfig)
		wantErr bool
	}

	scenarios := []scenario{
		{
			"complete config",
			func(c *ServerConfig) {},
			false,
		},
		{
			"missing image",
			func(c *ServerConfig) { c.DockerImage = "" },
			true,
		},
		{
			"missing worker command",
			func(c *ServerConfig) { c.WorkerCommand = nil },
			true,
		},
		{
			"zero max sessions",
			func(c *ServerConfig) { c.MaxSessions = 0 },
			true,
		},
		{
			"negative batch window",
			func(c *ServerConfig) { c.BatchWindowMS = -1 },
			true,
		},
		{
			"bad volume",
			func(c *ServerConfig) { c.Volumes = []string{":/container"} },
			true,
		},
	}

	for _, s := range scenarios {
		t.Run(s.name, func(t *testing.T) {
			cfg := GetDefaultConfig()
			cfg.DockerImage = "worker:latest"
			cfg.WorkerCommand = []string{"python", "-u", "worker.py"}
			s.mutate(&cfg)

			err := cfg.Validate()
			if s.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewServerConfigFileOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	content := []byte("dockerImage: worker:latest\nmaxSessions: 8\nport: 9000\n")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}

	cfg, err := NewServerConfig("1.2.3", false, path)
	if err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}

	assert.EqualValues(t, "worker:latest", cfg.DockerImage)
	assert.EqualValues(t, 8, cfg.MaxSessions)
	assert.EqualValues(t, 9000, cfg.Port)
	// untouched fields keep their defaults
	assert.EqualValues(t, "gymdock-session", cfg.ContainerLabel)
	assert.EqualValues(t, 50, cfg.BatchWindowMS)
	assert.EqualValues(t, "1.2.3", cfg.Version)
}

func TestNewServerConfigMissingFile(t *testing.T) {
	_, err := NewServerConfig("1.2.3", false, "/nonexistent/config.yml")
	assert.Error(t, err)
}

func TestLoadEnvFileList(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "envs.txt")
	content := []byte("task-1\n\n  task-2  \ntask-3\n\n")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}

	envs, err := LoadEnvFileList(path)
	if err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	assert.EqualValues(t, []string{"task-1", "task-2", "task-3"}, envs)
}
