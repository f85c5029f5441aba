package controller

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/url"
	"sync"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/lexfrei/go-aviatrix/internal/response"
	"github.com/lexfrei/go-aviatrix/observability"
)

const (
	actionListGateways   = "list_vpcs_summary"
	actionListRoutes     = "list_vpc_route_tables"
	actionExportResource = "export_terraform_resource"

	appDomainsPath = VersionedAPIPath + "/app-domains"

	// AnyWebGroupName is the app-domain group representing unrestricted web access.
	AnyWebGroupName = "Any-Web"

	// ArtifactGateways names the gateway listing in errors and reports.
	ArtifactGateways = "gateways"
	// ArtifactAnyWeb names the Any-Web lookup in errors and reports.
	ArtifactAnyWeb = "any_webgroup"

	// maxExportSize caps a single streamed resource export.
	maxExportSize = 32 << 20
	// DefaultParallelism bounds concurrent route-table fetches.
	DefaultParallelism = 4
)

// resourceKinds is the fixed export order.
var resourceKinds = []string{
	"firewall",
	"firewall_policy",
	"firewall_tag",
	"fqdn",
	"fqdn_pass_through",
	"fqdn_tag_rule",
}

// ResourceKinds returns the resource kinds exported by every run, in order.
func ResourceKinds() []string {
	return append([]string(nil), resourceKinds...)
}

// ExportEntryName is the file a resource export archive must contain.
func ExportEntryName(kind string) string {
	return kind + ".tf"
}

// GatewaySummary is one entry of the gateway listing.
type GatewaySummary struct {
	VpcID       string `json:"vpc_id"`
	GatewayName string `json:"gw_name"`
	VpcName     string `json:"vpc_name,omitempty"`
	CloudType   int    `json:"cloud_type,omitempty"`
	Region      string `json:"vpc_region,omitempty"`

	// Raw is the entry exactly as the controller returned it.
	Raw json.RawMessage `json:"-"`
}

// Gateways is the gateway listing in controller order, indexed by VPC ID.
type Gateways struct {
	Items []GatewaySummary
	// Raw is the full response body, stored verbatim as the gateway artifact.
	Raw []byte

	byVPC map[string]int
}

// ByVPC returns the gateway for vpcID.
func (g *Gateways) ByVPC(vpcID string) (GatewaySummary, bool) {
	i, ok := g.byVPC[vpcID]
	if !ok {
		return GatewaySummary{}, false
	}
	return g.Items[i], true
}

// Len returns the number of gateways.
func (g *Gateways) Len() int { return len(g.Items) }

// RouteTable maps a VPC ID to the route entries the controller returned for it.
type RouteTable map[string][]json.RawMessage

// WebGroup is an app-domain group on the versioned API.
type WebGroup struct {
	Name string
	UUID string
	Raw  json.RawMessage
}

// Fetcher retrieves one logical artifact per call. It is safe for concurrent use.
type Fetcher struct {
	transport *Transport
	logger    observability.Logger
}

// NewFetcher creates a Fetcher over t. A nil logger disables logging.
func NewFetcher(t *Transport, logger observability.Logger) *Fetcher {
	if logger == nil {
		logger = observability.NoopLogger()
	}
	return &Fetcher{transport: t, logger: logger}
}

// ListGateways fetches the gateway inventory. Any failure is a *FetchError
// for "gateways"; a listing with an empty or repeated vpc_id is malformed.
func (f *Fetcher) ListGateways(ctx context.Context, s *Session) (*Gateways, error) {
	f.logger.Info("listing gateways")

	result, err := f.call(ctx, s, &Request{Path: LegacyAPIPath, Action: actionListGateways})
	if err != nil {
		return nil, &FetchError{Artifact: ArtifactGateways, Err: err}
	}

	type listing struct {
		Results []json.RawMessage `json:"results"`
	}

	data, err := response.DecodeLegacy[listing](result.Body, actionListGateways, "failed to decode gateway listing")
	if err != nil {
		return nil, &FetchError{Artifact: ArtifactGateways, Err: err}
	}

	gws := &Gateways{
		Items: make([]GatewaySummary, 0, len(data.Results)),
		Raw:   result.Body,
		byVPC: make(map[string]int, len(data.Results)),
	}

	for i, raw := range data.Results {
		var gw GatewaySummary
		if err := json.Unmarshal(raw, &gw); err != nil {
			return nil, &FetchError{Artifact: ArtifactGateways, Err: errors.Wrapf(err, "gateway entry %d", i)}
		}

		if gw.VpcID == "" {
			return nil, &FetchError{Artifact: ArtifactGateways, Err: errors.Newf("gateway entry %d has no vpc_id", i)}
		}

		if _, dup := gws.byVPC[gw.VpcID]; dup {
			return nil, &FetchError{Artifact: ArtifactGateways, Err: errors.Newf("duplicate vpc_id %q", gw.VpcID)}
		}

		gw.Raw = raw
		gws.byVPC[gw.VpcID] = len(gws.Items)
		gws.Items = append(gws.Items, gw)
	}

	f.logger.Debug("gateways listed", observability.Field{Key: "count", Value: gws.Len()})

	return gws, nil
}

// RouteArtifact names the route-table fetch for one VPC.
func RouteArtifact(vpcID string) string {
	return "route_table/" + vpcID
}

// GetRouteTable fetches the route entries of one gateway's VPC.
func (f *Fetcher) GetRouteTable(ctx context.Context, s *Session, gw GatewaySummary) ([]json.RawMessage, error) {
	artifact := RouteArtifact(gw.VpcID)

	query := url.Values{"vpc_id": {gw.VpcID}}
	if gw.GatewayName != "" {
		query.Set("gateway_name", gw.GatewayName)
	}

	result, err := f.call(ctx, s, &Request{Path: LegacyAPIPath, Action: actionListRoutes, Query: query})
	if err != nil {
		return nil, &FetchError{Artifact: artifact, Err: err}
	}

	type routes struct {
		Results []json.RawMessage `json:"results"`
	}

	data, err := response.DecodeLegacy[routes](result.Body, actionListRoutes, "failed to decode route tables")
	if err != nil {
		return nil, &FetchError{Artifact: artifact, Err: err}
	}

	if data.Results == nil {
		return []json.RawMessage{}, nil
	}

	return data.Results, nil
}

// GetRouteTables fetches the route table of every gateway with at most
// parallelism calls in flight. A failed gateway is recorded in the returned
// error map under its vpc_id and never aborts its siblings.
func (f *Fetcher) GetRouteTables(ctx context.Context, s *Session, gws *Gateways, parallelism int) (RouteTable, map[string]error) {
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}

	var (
		mu       sync.Mutex
		tables   = make(RouteTable)
		failures = make(map[string]error)
	)

	if gws == nil {
		return tables, failures
	}

	g := new(errgroup.Group)
	g.SetLimit(parallelism)

	for _, gw := range gws.Items {
		g.Go(func() error {
			entries, err := f.GetRouteTable(ctx, s, gw)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				f.logger.Warn("route table fetch failed",
					observability.Field{Key: "vpc_id", Value: gw.VpcID},
					observability.Err(err),
				)
				failures[gw.VpcID] = err
				return nil
			}

			tables[gw.VpcID] = entries
			return nil
		})
	}

	_ = g.Wait()

	return tables, failures
}

// GetAnyWebGroup looks up the "Any-Web" app-domain group on the versioned API.
// A nil group with a nil error means the controller has no such group. When
// several groups carry the name the first one listed is returned.
func (f *Fetcher) GetAnyWebGroup(ctx context.Context, s *Session) (*WebGroup, error) {
	groups, err := f.GetAnyWebGroups(ctx, s)
	if err != nil {
		return nil, err
	}

	if len(groups) == 0 {
		return nil, nil //nolint:nilnil // Absent group is not an error
	}

	return &groups[0], nil
}

// GetAnyWebGroups returns every app-domain group named "Any-Web" in
// controller order. An empty result means the controller has none.
func (f *Fetcher) GetAnyWebGroups(ctx context.Context, s *Session) ([]WebGroup, error) {
	f.logger.Info("looking up Any-Web group")

	result, err := f.call(ctx, s, &Request{Path: appDomainsPath})
	if err != nil {
		return nil, &FetchError{Artifact: ArtifactAnyWeb, Err: err}
	}

	type appDomains struct {
		AppDomains []json.RawMessage `json:"app_domains"`
	}

	data, err := response.Decode[appDomains](result.Body, "failed to decode app domains")
	if err != nil {
		return nil, &FetchError{Artifact: ArtifactAnyWeb, Err: err}
	}

	var matches []WebGroup
	for _, raw := range data.AppDomains {
		var group struct {
			Name string `json:"name"`
			UUID string `json:"uuid"`
		}
		if err := json.Unmarshal(raw, &group); err != nil {
			return nil, &FetchError{Artifact: ArtifactAnyWeb, Err: errors.Wrap(err, "failed to decode app domain")}
		}

		if group.Name == AnyWebGroupName {
			matches = append(matches, WebGroup{Name: group.Name, UUID: group.UUID, Raw: raw})
		}
	}

	if len(matches) == 0 {
		f.logger.Debug("Any-Web group not present", observability.Field{Key: "groups", Value: len(data.AppDomains)})
	}

	return matches, nil
}

// ExportResourceConfig requests the export archive for kind and returns the
// content of its "<kind>.tf" entry. Transport and controller rejections are
// *FetchError; an unreadable archive or a missing entry is *ExtractError.
func (f *Fetcher) ExportResourceConfig(ctx context.Context, s *Session, kind string) ([]byte, error) {
	entry := ExportEntryName(kind)

	f.logger.Info("exporting resource", observability.Field{Key: "resource", Value: kind})

	result, err := f.call(ctx, s, &Request{
		Path:   LegacyAPIPath,
		Action: actionExportResource,
		Query:  url.Values{"resource": {kind}},
		Stream: true,
	})
	if err != nil {
		return nil, &FetchError{Artifact: entry, Err: err}
	}
	defer result.Stream.Close()

	payload, err := io.ReadAll(io.LimitReader(result.Stream, maxExportSize+1))
	if err != nil {
		return nil, &FetchError{Artifact: entry, Err: &TransportError{
			Kind:     classify(err),
			Method:   "GET",
			Endpoint: LegacyAPIPath + "?action=" + actionExportResource,
			Err:      errors.Wrap(err, "failed to read export stream"),
		}}
	}

	if len(payload) > maxExportSize {
		return nil, &ExtractError{Kind: kind, Entry: entry, Err: errors.Newf("export exceeds %d bytes", maxExportSize)}
	}

	// The controller answers a failed export with a JSON envelope instead of an archive.
	if trimmed := bytes.TrimSpace(payload); len(trimmed) > 0 && trimmed[0] == '{' {
		if _, err := response.DecodeLegacy[json.RawMessage](trimmed, actionExportResource, "failed to decode export response"); err != nil {
			var rejection *APIError
			if errors.As(err, &rejection) {
				return nil, &FetchError{Artifact: entry, Err: err}
			}
		}
		return nil, &ExtractError{Kind: kind, Entry: entry, Err: errors.New("response is JSON, not an archive")}
	}

	content, err := extractEntry(payload, entry)
	if err != nil {
		return nil, &ExtractError{Kind: kind, Entry: entry, Err: err}
	}

	f.logger.Debug("resource exported",
		observability.Field{Key: "resource", Value: kind},
		observability.Field{Key: "bytes", Value: len(content)},
	)

	return content, nil
}

// extractEntry returns the content of the archive entry called name.
func extractEntry(archive []byte, name string) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return nil, errors.Wrap(err, "not a valid zip archive")
	}

	for _, file := range zr.File {
		if file.Name != name {
			continue
		}

		rc, err := file.Open()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to open %s", name)
		}
		defer rc.Close()

		content, err := io.ReadAll(io.LimitReader(rc, maxExportSize+1))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read %s", name)
		}

		if len(content) > maxExportSize {
			return nil, errors.Newf("%s exceeds %d bytes", name, maxExportSize)
		}

		return content, nil
	}

	return nil, errors.Wrapf(ErrEntryNotFound, "%s", name)
}

// call checks that s belongs to the fetcher's controller and performs req with its token.
func (f *Fetcher) call(ctx context.Context, s *Session, req *Request) (*Result, error) {
	if s == nil {
		return nil, errors.New("session is required")
	}

	if s.Host() != f.transport.Host() {
		return nil, errors.Wrapf(ErrHostMismatch, "session for %s, transport for %s", s.Host(), f.transport.Host())
	}

	req.Token = s.Token()

	return f.transport.Do(ctx, req)
}
