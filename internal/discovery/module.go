package discovery

import (
	"context"

	"github.com/nelssec/gapscan/internal/config"
	"github.com/nelssec/gapscan/internal/models"
)

// Module is the fixed capability contract implemented by every discovery
// variant. New kinds of discovery are added as new implementations behind
// this interface, never by special-casing call sites.
type Module interface {
	// Method returns the discovery method this module implements.
	Method() models.DiscoveryMethod

	// ReadOnly reports whether the module only observes external state.
	// Discovery is a read-only contract; modules returning false are
	// rejected at registration.
	ReadOnly() bool

	// Discover streams candidate observations for the given scope. The
	// sequence is finite and not restartable: a fresh scope produces a
	// fresh sequence. When ctx expires the module must stop emitting and
	// close the channel rather than fail; the orchestrator records the
	// module as partial. A module that cannot run at all returns an
	// UnavailableError.
	Discover(ctx context.Context, cfg config.DiscoveryConfig) (<-chan models.CandidateObservation, error)
}

// DefaultModules returns the standard module set in registration order.
func DefaultModules() []Module {
	return []Module{
		NewContainerModule(),
		NewNetworkModule(),
		NewFilesystemModule(),
		NewCodeAnalysisModule(),
		NewSecurityScanModule(),
	}
}
