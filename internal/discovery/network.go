package discovery

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/nelssec/gapscan/internal/config"
	"github.com/nelssec/gapscan/internal/models"
)

// portProfile maps well-known listener ports to the engines usually behind
// them. Port inference is weaker evidence than a banner, which is weaker
// than declared configuration; confidences are calibrated accordingly.
type portProfile struct {
	assetType  models.AssetType
	engine     string
	confidence float64
}

var portProfiles = map[int]portProfile{
	5432:  {models.AssetTypePostgreSQL, "postgresql", 0.70},
	5433:  {models.AssetTypePostgreSQL, "postgresql", 0.60},
	3306:  {models.AssetTypeOther, "mysql", 0.55},
	6379:  {models.AssetTypeOther, "redis", 0.55},
	27017: {models.AssetTypeOther, "mongodb", 0.55},
	9000:  {models.AssetTypeOther, "minio", 0.45},
}

const confBannerMatch = 0.85

// NetworkModule probes configured host/port pairs with TCP connects and a
// short banner read.
type NetworkModule struct {
	dialer net.Dialer
}

func NewNetworkModule() *NetworkModule {
	return &NetworkModule{}
}

func (m *NetworkModule) Method() models.DiscoveryMethod { return models.MethodNetwork }

func (m *NetworkModule) ReadOnly() bool { return true }

func (m *NetworkModule) Discover(ctx context.Context, cfg config.DiscoveryConfig) (<-chan models.CandidateObservation, error) {
	scope := cfg.Network
	hosts := scope.Hosts
	if len(hosts) == 0 {
		hosts = []string{"127.0.0.1"}
	}
	if len(scope.Ports) == 0 {
		return nil, Unavailable(m.Method(), "no ports configured")
	}

	out := make(chan models.CandidateObservation, 64)

	go func() {
		defer close(out)

		for _, host := range hosts {
			for _, port := range scope.Ports {
				if ctx.Err() != nil {
					return
				}
				obs, ok := m.probe(ctx, host, port, scope.ConnectTimeout)
				if !ok {
					continue
				}
				select {
				case out <- obs:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

func (m *NetworkModule) probe(ctx context.Context, host string, port int, timeout time.Duration) (models.CandidateObservation, bool) {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := m.dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return models.CandidateObservation{}, false
	}
	defer conn.Close()

	profile, known := portProfiles[port]
	if !known {
		profile = portProfile{models.AssetTypeOther, "unknown", 0.40}
	}

	attrs := map[string]string{
		"engine": profile.engine,
		"port":   fmt.Sprintf("%d", port),
	}
	confidence := profile.confidence

	// Some engines greet first; a banner upgrades the inference.
	if banner := readBanner(conn, timeout); banner != "" {
		attrs["banner"] = banner
		if engine, ok := classifyBanner(banner); ok {
			attrs["engine"] = engine
			confidence = confBannerMatch
			if engine == "postgresql" {
				profile.assetType = models.AssetTypePostgreSQL
			}
		}
	}

	return models.CandidateObservation{
		Method:           m.Method(),
		Locator:          addr,
		AssetType:        profile.assetType,
		Attributes:       attrs,
		MethodConfidence: confidence,
		ObservedAt:       time.Now().UTC(),
	}, true
}

func readBanner(conn net.Conn, timeout time.Duration) string {
	_ = conn.SetReadDeadline(time.Now().Add(timeout / 2))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return ""
	}
	line = strings.TrimSpace(line)
	if len(line) > 128 {
		line = line[:128]
	}
	return line
}

func classifyBanner(banner string) (string, bool) {
	lower := strings.ToLower(banner)
	switch {
	case strings.Contains(lower, "postgres"):
		return "postgresql", true
	case strings.Contains(lower, "mysql") || strings.Contains(lower, "mariadb"):
		return "mysql", true
	case strings.Contains(lower, "redis"):
		return "redis", true
	case strings.Contains(lower, "mongodb"):
		return "mongodb", true
	}
	return "", false
}
