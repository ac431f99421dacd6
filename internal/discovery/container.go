package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/nelssec/gapscan/internal/config"
	"github.com/nelssec/gapscan/internal/models"
)

const (
	confContainerImage = 0.90
	confContainerPort  = 0.60
)

// dbImages maps image name fragments to engines. Image names are declared
// configuration, so matches score high.
var dbImages = map[string]struct {
	assetType models.AssetType
	engine    string
}{
	"postgres":  {models.AssetTypePostgreSQL, "postgresql"},
	"timescale": {models.AssetTypePostgreSQL, "postgresql"},
	"mysql":     {models.AssetTypeOther, "mysql"},
	"mariadb":   {models.AssetTypeOther, "mysql"},
	"redis":     {models.AssetTypeOther, "redis"},
	"mongo":     {models.AssetTypeOther, "mongodb"},
	"minio":     {models.AssetTypeFileStorage, "minio"},
}

// ContainerModule lists running containers through the Docker Engine API
// over the local unix socket and flags the ones running database engines.
type ContainerModule struct{}

func NewContainerModule() *ContainerModule {
	return &ContainerModule{}
}

func (m *ContainerModule) Method() models.DiscoveryMethod { return models.MethodContainer }

func (m *ContainerModule) ReadOnly() bool { return true }

// containerSummary is the subset of the Engine API list response we read.
type containerSummary struct {
	ID     string            `json:"Id"`
	Names  []string          `json:"Names"`
	Image  string            `json:"Image"`
	State  string            `json:"State"`
	Labels map[string]string `json:"Labels"`
	Ports  []struct {
		IP          string `json:"IP"`
		PrivatePort int    `json:"PrivatePort"`
		PublicPort  int    `json:"PublicPort"`
		Type        string `json:"Type"`
	} `json:"Ports"`
}

func (m *ContainerModule) Discover(ctx context.Context, cfg config.DiscoveryConfig) (<-chan models.CandidateObservation, error) {
	scope := cfg.Container

	if _, err := os.Stat(scope.SocketPath); err != nil {
		return nil, Unavailable(m.Method(), "docker socket %s: %v", scope.SocketPath, err)
	}

	containers, err := m.listContainers(ctx, scope)
	if err != nil {
		return nil, Unavailable(m.Method(), "listing containers: %v", err)
	}

	out := make(chan models.CandidateObservation, 64)

	go func() {
		defer close(out)

		for _, c := range containers {
			if c.State != "" && c.State != "running" {
				continue
			}
			obs, ok := m.inspect(c)
			if !ok {
				continue
			}
			select {
			case out <- obs:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

func (m *ContainerModule) listContainers(ctx context.Context, scope config.ContainerScope) ([]containerSummary, error) {
	client := &http.Client{
		Timeout: scope.RequestTimeout,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", scope.SocketPath)
			},
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://docker/containers/json", nil)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("engine API returned %s", resp.Status)
	}

	var containers []containerSummary
	if err := json.NewDecoder(resp.Body).Decode(&containers); err != nil {
		return nil, fmt.Errorf("decoding container list: %w", err)
	}
	return containers, nil
}

func (m *ContainerModule) inspect(c containerSummary) (models.CandidateObservation, bool) {
	assetType := models.AssetTypeOther
	engine := ""
	confidence := 0.0

	image := strings.ToLower(c.Image)
	for fragment, profile := range dbImages {
		if strings.Contains(image, fragment) {
			assetType = profile.assetType
			engine = profile.engine
			confidence = confContainerImage
			break
		}
	}

	// No image match: fall back to exposed ports that look like databases.
	if confidence == 0 {
		for _, p := range c.Ports {
			if profile, ok := portProfiles[p.PrivatePort]; ok {
				assetType = profile.assetType
				engine = profile.engine
				confidence = confContainerPort
				break
			}
		}
	}

	if confidence == 0 {
		return models.CandidateObservation{}, false
	}

	shortID := c.ID
	if len(shortID) > 12 {
		shortID = shortID[:12]
	}

	attrs := map[string]string{
		"image":  c.Image,
		"engine": engine,
	}
	if len(c.Names) > 0 {
		attrs["container_name"] = strings.TrimPrefix(c.Names[0], "/")
	}
	if owner := c.Labels["owner"]; owner != "" {
		attrs["owner"] = owner
	} else if owner := c.Labels["maintainer"]; owner != "" {
		attrs["owner"] = owner
	}

	locator := "container://" + shortID

	// A published port is the explicit cross-method link to network probes
	// of the same endpoint.
	for _, p := range c.Ports {
		if p.PublicPort == 0 || p.Type == "udp" {
			continue
		}
		host := p.IP
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		attrs["endpoint"] = net.JoinHostPort(host, fmt.Sprintf("%d", p.PublicPort))
		break
	}

	return models.CandidateObservation{
		Method:           m.Method(),
		Locator:          locator,
		AssetType:        assetType,
		Attributes:       attrs,
		MethodConfidence: confidence,
		ObservedAt:       time.Now().UTC(),
	}, true
}
