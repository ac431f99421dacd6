package discovery

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/nelssec/gapscan/internal/config"
	"github.com/nelssec/gapscan/internal/models"
)

const (
	confSecretDSN    = 0.75
	confSecretEnvVar = 0.60
	confSecretHint   = 0.45
)

type credentialPattern struct {
	name       string
	re         *regexp.Regexp
	assetType  models.AssetType
	engine     string
	confidence float64
}

// Credential patterns are side-effect evidence: a leaked password proves a
// data store exists somewhere, but says less about where than declared
// configuration does.
var credentialPatterns = []credentialPattern{
	{
		name:       "dsn_with_password",
		re:         regexp.MustCompile(`postgres(?:ql)?://[^:\s]+:[^@\s]+@[^\s"'` + "`" + `]+`),
		assetType:  models.AssetTypePostgreSQL,
		engine:     "postgresql",
		confidence: confSecretDSN,
	},
	{
		name:       "pgpassword_env",
		re:         regexp.MustCompile(`(?i)\bPGPASSWORD\s*[:=]\s*\S+`),
		assetType:  models.AssetTypePostgreSQL,
		engine:     "postgresql",
		confidence: confSecretEnvVar,
	},
	{
		name:       "db_password_assignment",
		re:         regexp.MustCompile(`(?i)\b(?:db|database)_?password\s*[:=]\s*['"]?\S+`),
		assetType:  models.AssetTypeOther,
		engine:     "",
		confidence: confSecretHint,
	},
	{
		name:       "pgpass_file",
		re:         regexp.MustCompile(`^([^:\s]+):(\d+):[^:]*:[^:]*:.+$`),
		assetType:  models.AssetTypePostgreSQL,
		engine:     "postgresql",
		confidence: confSecretEnvVar,
	},
}

// SecurityScanModule looks for credential material that references data
// stores: DSNs with embedded passwords, password environment assignments,
// pgpass files. Findings locate assets by the target the credential grants
// access to.
type SecurityScanModule struct{}

func NewSecurityScanModule() *SecurityScanModule {
	return &SecurityScanModule{}
}

func (m *SecurityScanModule) Method() models.DiscoveryMethod { return models.MethodSecurityScan }

func (m *SecurityScanModule) ReadOnly() bool { return true }

func (m *SecurityScanModule) Discover(ctx context.Context, cfg config.DiscoveryConfig) (<-chan models.CandidateObservation, error) {
	scope := cfg.SecurityScan
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

		seen := make(map[string]bool)

		_ = walkScanPaths(ctx, scope.ScanPaths, scope.Exclusions, scope.MaxFileSize, func(path string, info fs.FileInfo) error {
			if binaryExtension(path) {
				return nil
			}
			return m.scanFile(ctx, path, seen, out)
		})
	}()

	return out, nil
}

func (m *SecurityScanModule) scanFile(ctx context.Context, path string, seen map[string]bool, out chan<- models.CandidateObservation) error {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	isPgpass := filepath.Base(path) == ".pgpass"

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()

		for _, p := range credentialPatterns {
			if p.name == "pgpass_file" && !isPgpass {
				continue
			}
			match := p.re.FindStringSubmatch(line)
			if match == nil {
				continue
			}

			locator := m.locatorFor(p, match, path)
			key := p.name + "|" + locator
			if seen[key] {
				continue
			}
			seen[key] = true

			obs := models.CandidateObservation{
				Method:    m.Method(),
				Locator:   locator,
				AssetType: p.assetType,
				Attributes: map[string]string{
					"credential_type": p.name,
					"found_in":        fmt.Sprintf("%s:%d", path, lineNo),
				},
				MethodConfidence: p.confidence,
				ObservedAt:       time.Now().UTC(),
			}
			if p.engine != "" {
				obs.Attributes["engine"] = p.engine
			}

			select {
			case out <- obs:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

// locatorFor extracts the most specific target the credential points at.
// Never the credential itself: the locator must survive credential
// stripping during reconciliation.
func (m *SecurityScanModule) locatorFor(p credentialPattern, match []string, path string) string {
	switch p.name {
	case "dsn_with_password":
		return match[0]
	case "pgpass_file":
		return match[1] + ":" + match[2]
	default:
		abs, err := filepath.Abs(path)
		if err != nil {
			return path
		}
		return abs
	}
}

func binaryExtension(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".zip", ".gz", ".tar",
		".exe", ".dll", ".so", ".bin", ".pdf", ".sqlite", ".db", ".duckdb":
		return true
	}
	return false
}
