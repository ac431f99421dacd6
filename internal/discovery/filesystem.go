package discovery

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nelssec/gapscan/internal/config"
	"github.com/nelssec/gapscan/internal/models"
)

// sqliteMagic is the 16-byte header of every SQLite 3 database file.
var sqliteMagic = []byte("SQLite format 3\x00")

// duckdbMagic appears at offset 8 of a DuckDB database file.
var duckdbMagic = []byte("DUCK")

// Method-local confidence calibration: a verified magic header is close
// to certain, a bare extension is only a text heuristic.
const (
	confFSMagic     = 0.95
	confFSExtension = 0.60
	confFSDataDir   = 0.40
)

// FilesystemModule walks configured paths looking for database files by
// extension and magic header.
type FilesystemModule struct{}

func NewFilesystemModule() *FilesystemModule {
	return &FilesystemModule{}
}

func (m *FilesystemModule) Method() models.DiscoveryMethod { return models.MethodFilesystem }

func (m *FilesystemModule) ReadOnly() bool { return true }

func (m *FilesystemModule) Discover(ctx context.Context, cfg config.DiscoveryConfig) (<-chan models.CandidateObservation, error) {
	scope := cfg.Filesystem
	if len(scope.ScanPaths) == 0 {
		return nil, Unavailable(m.Method(), "no scan paths configured")
	}
	for _, p := range scope.ScanPaths {
		if _, err := os.Stat(p); err != nil {
			return nil, Unavailable(m.Method(), "scan path %s: %v", p, err)
		}
	}

	out := make(chan models.CandidateObservation, 64)

	go func() {
		defer close(out)

		_ = walkScanPaths(ctx, scope.ScanPaths, scope.Exclusions, scope.MaxFileSize, func(path string, info fs.FileInfo) error {
			obs, ok := m.inspect(path, info)
			if !ok {
				return nil
			}
			select {
			case out <- obs:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()

	return out, nil
}

func (m *FilesystemModule) inspect(path string, info fs.FileInfo) (models.CandidateObservation, bool) {
	ext := strings.ToLower(filepath.Ext(path))

	var (
		assetType  models.AssetType
		confidence float64
	)

	switch ext {
	case ".sqlite", ".sqlite3", ".db":
		assetType = models.AssetTypeSQLite
		confidence = confFSExtension
	case ".duckdb", ".ddb":
		assetType = models.AssetTypeDuckDB
		confidence = confFSExtension
	default:
		return models.CandidateObservation{}, false
	}

	header := readHeader(path, 16)
	switch {
	case bytes.Equal(header, sqliteMagic):
		assetType = models.AssetTypeSQLite
		confidence = confFSMagic
	case len(header) >= 12 && bytes.Equal(header[8:12], duckdbMagic):
		assetType = models.AssetTypeDuckDB
		confidence = confFSMagic
	case ext == ".db" && header != nil:
		// Plain .db with no recognizable header: some datastore, engine unknown.
		assetType = models.AssetTypeFileStorage
		confidence = confFSDataDir
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = filepath.Clean(path)
	}

	return models.CandidateObservation{
		Method:    m.Method(),
		Locator:   abs,
		AssetType: assetType,
		Attributes: map[string]string{
			"size_bytes":  fmt.Sprintf("%d", info.Size()),
			"modified_at": info.ModTime().UTC().Format(time.RFC3339),
		},
		MethodConfidence: confidence,
		ObservedAt:       time.Now().UTC(),
	}, true
}

func readHeader(path string, n int) []byte {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	buf := make([]byte, n)
	read, err := f.Read(buf)
	if err != nil {
		return nil
	}
	return buf[:read]
}
