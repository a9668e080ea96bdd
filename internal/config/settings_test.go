package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_FileWithDefaults(t *testing.T) {
	local, lake := t.TempDir(), t.TempDir()
	path := writeConfig(t, `
local_models_root = "`+local+`"
lake_models_root = "`+lake+`"
hash_workers = 8
`)
	t.Setenv(EnvConfigFile, path)

	s, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if s.LocalModelsRoot != local || s.LakeModelsRoot != lake {
		t.Errorf("roots = %s / %s", s.LocalModelsRoot, s.LakeModelsRoot)
	}
	if s.HashWorkers != 8 {
		t.Errorf("hash_workers = %d", s.HashWorkers)
	}
	if s.ListenAddr != "127.0.0.1:8420" {
		t.Errorf("default listen addr = %s", s.ListenAddr)
	}
	if s.RemoteSessionTTLMinutes != 60 {
		t.Errorf("default ttl = %d", s.RemoteSessionTTLMinutes)
	}
	if s.DownloaderMaxConcurrent != 1 {
		t.Errorf("default max concurrent = %d", s.DownloaderMaxConcurrent)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	local, lake, other := t.TempDir(), t.TempDir(), t.TempDir()
	path := writeConfig(t, `
local_models_root = "`+local+`"
lake_models_root = "`+lake+`"
local_allow_delete = false
`)
	t.Setenv(EnvConfigFile, path)
	t.Setenv(EnvLocalRoot, other)
	t.Setenv(EnvLocalAllowDel, "true")
	t.Setenv(EnvHashWorkers, "5")

	s, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if s.LocalModelsRoot != other {
		t.Errorf("env should win: %s", s.LocalModelsRoot)
	}
	if !s.LocalAllowDelete {
		t.Error("env bool override lost")
	}
	if s.HashWorkers != 5 {
		t.Errorf("hash_workers = %d", s.HashWorkers)
	}
}

func TestLoad_MissingRootFails(t *testing.T) {
	t.Setenv(EnvConfigFile, "")
	t.Setenv(EnvLocalRoot, t.TempDir())
	t.Setenv(EnvLakeRoot, "")
	if _, err := Load(); err == nil {
		t.Error("missing lake root should fail validation")
	}

	t.Setenv(EnvLakeRoot, "/definitely/not/a/real/path")
	if _, err := Load(); err == nil {
		t.Error("nonexistent root should fail validation")
	}
}

func TestSideAccessors(t *testing.T) {
	s := &Settings{
		LocalModelsRoot: "/l", LakeModelsRoot: "/k",
		LocalAllowDelete: true, LakeAllowDelete: false,
	}
	if s.Root("local") != "/l" || s.Root("lake") != "/k" {
		t.Error("Root mapping wrong")
	}
	if !s.AllowDelete("local") || s.AllowDelete("lake") {
		t.Error("AllowDelete mapping wrong")
	}
}

func TestDerivedPaths(t *testing.T) {
	s := &Settings{AppDataDir: "/data"}
	if s.DBPath() != filepath.Join("/data", "modelvault.db") {
		t.Errorf("DBPath = %s", s.DBPath())
	}
	if s.DownloadsDir() != filepath.Join("/data", "downloads") {
		t.Errorf("DownloadsDir = %s", s.DownloadsDir())
	}
}
