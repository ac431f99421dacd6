package discovery

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nelssec/gapscan/internal/config"
	"github.com/nelssec/gapscan/internal/models"
)

func collectObservations(t *testing.T, mod Module, cfg config.DiscoveryConfig) []models.CandidateObservation {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := mod.Discover(ctx, cfg)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}

	var out []models.CandidateObservation
	for obs := range stream {
		out = append(out, obs)
	}
	return out
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}

func TestFilesystemModule_DetectsSQLiteByMagic(t *testing.T) {
	dir := t.TempDir()

	// Real header, misleading extension: magic must win.
	sqliteHeader := append([]byte("SQLite format 3\x00"), make([]byte, 100)...)
	writeFile(t, filepath.Join(dir, "data.db"), sqliteHeader)

	cfg := config.DiscoveryConfig{
		Filesystem: config.FilesystemScope{ScanPaths: []string{dir}},
	}

	observations := collectObservations(t, NewFilesystemModule(), cfg)
	if len(observations) != 1 {
		t.Fatalf("observations = %d, want 1", len(observations))
	}

	obs := observations[0]
	if obs.AssetType != models.AssetTypeSQLite {
		t.Errorf("asset type = %s, want %s", obs.AssetType, models.AssetTypeSQLite)
	}
	if obs.MethodConfidence != confFSMagic {
		t.Errorf("confidence = %v, want %v for a verified header", obs.MethodConfidence, confFSMagic)
	}
	if obs.Method != models.MethodFilesystem {
		t.Errorf("method = %s, want filesystem", obs.Method)
	}
}

func TestFilesystemModule_ExtensionOnlyLowerConfidence(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "cache.sqlite"), []byte("not a real database"))

	cfg := config.DiscoveryConfig{
		Filesystem: config.FilesystemScope{ScanPaths: []string{dir}},
	}

	observations := collectObservations(t, NewFilesystemModule(), cfg)
	if len(observations) != 1 {
		t.Fatalf("observations = %d, want 1", len(observations))
	}
	if got := observations[0].MethodConfidence; got != confFSExtension {
		t.Errorf("confidence = %v, want %v for extension-only match", got, confFSExtension)
	}
}

func TestFilesystemModule_DetectsDuckDB(t *testing.T) {
	dir := t.TempDir()

	header := make([]byte, 16)
	copy(header[8:], "DUCK")
	writeFile(t, filepath.Join(dir, "analytics.duckdb"), header)

	cfg := config.DiscoveryConfig{
		Filesystem: config.FilesystemScope{ScanPaths: []string{dir}},
	}

	observations := collectObservations(t, NewFilesystemModule(), cfg)
	if len(observations) != 1 {
		t.Fatalf("observations = %d, want 1", len(observations))
	}
	if observations[0].AssetType != models.AssetTypeDuckDB {
		t.Errorf("asset type = %s, want %s", observations[0].AssetType, models.AssetTypeDuckDB)
	}
	if observations[0].MethodConfidence != confFSMagic {
		t.Errorf("confidence = %v, want %v", observations[0].MethodConfidence, confFSMagic)
	}
}

func TestFilesystemModule_IgnoresUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "readme.txt"), []byte("nothing to see"))
	writeFile(t, filepath.Join(dir, "app.log"), []byte("log line"))

	cfg := config.DiscoveryConfig{
		Filesystem: config.FilesystemScope{ScanPaths: []string{dir}},
	}

	observations := collectObservations(t, NewFilesystemModule(), cfg)
	if len(observations) != 0 {
		t.Errorf("observations = %d, want 0", len(observations))
	}
}

func TestFilesystemModule_RespectsExclusions(t *testing.T) {
	dir := t.TempDir()
	skipDir := filepath.Join(dir, "node_modules")
	if err := os.MkdirAll(skipDir, 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(skipDir, "dep.sqlite"), []byte("SQLite format 3\x00"))
	writeFile(t, filepath.Join(dir, "app.sqlite"), []byte("SQLite format 3\x00"))

	cfg := config.DiscoveryConfig{
		Filesystem: config.FilesystemScope{
			ScanPaths:  []string{dir},
			Exclusions: []string{"node_modules"},
		},
	}

	observations := collectObservations(t, NewFilesystemModule(), cfg)
	if len(observations) != 1 {
		t.Fatalf("observations = %d, want 1 with the excluded tree skipped", len(observations))
	}
	if filepath.Base(observations[0].Locator) != "app.sqlite" {
		t.Errorf("locator = %s, want app.sqlite", observations[0].Locator)
	}
}

func TestFilesystemModule_UnavailableWithoutScanPaths(t *testing.T) {
	mod := NewFilesystemModule()

	_, err := mod.Discover(context.Background(), config.DiscoveryConfig{})
	if err == nil {
		t.Fatal("expected unavailable error for empty scan paths")
	}
	if _, ok := AsUnavailable(err); !ok {
		t.Errorf("err = %v, want UnavailableError", err)
	}
}

func TestFilesystemModule_UnavailableForMissingPath(t *testing.T) {
	mod := NewFilesystemModule()
	cfg := config.DiscoveryConfig{
		Filesystem: config.FilesystemScope{ScanPaths: []string{"/does/not/exist"}},
	}

	_, err := mod.Discover(context.Background(), cfg)
	if _, ok := AsUnavailable(err); !ok {
		t.Errorf("err = %v, want UnavailableError", err)
	}
}
