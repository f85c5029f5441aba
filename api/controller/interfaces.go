package controller

import (
	"context"
	"encoding/json"
)

// ResourceFetcher defines the artifact retrieval operations an export run needs.
// This interface enables consumers to substitute a fake controller in tests.
//
// Example usage with testify/mock:
//
//	type MockFetcher struct {
//	    mock.Mock
//	}
//
//	func (m *MockFetcher) ListGateways(ctx context.Context, s *controller.Session) (*controller.Gateways, error) {
//	    args := m.Called(ctx, s)
//	    return args.Get(0).(*controller.Gateways), args.Error(1)
//	}
type ResourceFetcher interface {
	// ListGateways retrieves the gateway inventory. Its failure is fatal to a run.
	ListGateways(ctx context.Context, s *Session) (*Gateways, error)

	// GetRouteTable retrieves the route entries of one gateway's VPC.
	GetRouteTable(ctx context.Context, s *Session, gw GatewaySummary) ([]json.RawMessage, error)

	// GetRouteTables fans GetRouteTable out over all gateways, recording failures per vpc_id.
	GetRouteTables(ctx context.Context, s *Session, gws *Gateways, parallelism int) (RouteTable, map[string]error)

	// GetAnyWebGroup returns the "Any-Web" group, or nil when the controller has none.
	GetAnyWebGroup(ctx context.Context, s *Session) (*WebGroup, error)

	// GetAnyWebGroups returns every group named "Any-Web"; empty when there is none.
	GetAnyWebGroups(ctx context.Context, s *Session) ([]WebGroup, error)

	// ExportResourceConfig returns the "<kind>.tf" file of one resource kind's export.
	ExportResourceConfig(ctx context.Context, s *Session, kind string) ([]byte, error)
}

// Ensure Fetcher implements ResourceFetcher.
var _ ResourceFetcher = (*Fetcher)(nil)

// Ensure both authenticators implement Authenticator.
var (
	_ Authenticator = PasswordLogin{}
	_ Authenticator = ExistingToken{}
)
