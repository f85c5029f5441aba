package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexfrei/go-aviatrix/api/controller/testdata"
	"github.com/lexfrei/go-aviatrix/internal/testutil"
)

const (
	testVPCEast  = "vpc-0a1b2c3d4e5f60001"
	testVPCWest  = "vpc-0a1b2c3d4e5f60002"
	testVNet     = "vnet-shared-services"
	testFQDNConf = `resource "aviatrix_fqdn" "fqdn_1" {
  fqdn_tag = "allowed-saas"
  fqdn_enabled = true
}
`
)

// newTestFetcher starts a mock controller and returns a fetcher and session for it.
func newTestFetcher(t *testing.T, handlers map[string]http.HandlerFunc) (*Fetcher, *Session, *testutil.MockController) {
	t.Helper()

	srv := testutil.NewMockController(t, handlers)
	tr := newTestTransport(t, srv.URL)

	session, err := FromExistingToken(srv.URL, testCID)
	require.NoError(t, err)

	return NewFetcher(tr, nil), session, srv
}

func TestListGateways(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    int
		body      string
		wantErr   bool
		wantKind  ErrorKind
		wantAPI   bool
		checkResp func(t *testing.T, gws *Gateways)
	}{
		{
			name:   "success",
			status: http.StatusOK,
			body:   testdata.LoadFixture(t, "gateways/list_success.json"),
			checkResp: func(t *testing.T, gws *Gateways) {
				t.Helper()
				require.Equal(t, 3, gws.Len())
				assert.Equal(t, testVPCEast, gws.Items[0].VpcID)
				assert.Equal(t, "spoke-east-1", gws.Items[0].GatewayName)
				assert.Equal(t, "us-east-1", gws.Items[0].Region)
				assert.Equal(t, 8, gws.Items[2].CloudType)

				gw, ok := gws.ByVPC(testVPCWest)
				require.True(t, ok)
				assert.Equal(t, "spoke-west-2", gw.GatewayName)
				assert.Contains(t, string(gw.Raw), "34.10.20.31")

				assert.JSONEq(t, testdata.LoadFixture(t, "gateways/list_success.json"), string(gws.Raw))
			},
		},
		{
			name:    "duplicate vpc_id",
			status:  http.StatusOK,
			body:    testdata.LoadFixture(t, "gateways/duplicate_vpc.json"),
			wantErr: true,
		},
		{
			name:    "expired CID",
			status:  http.StatusOK,
			body:    testdata.LoadFixture(t, "gateways/expired_cid.json"),
			wantErr: true,
			wantAPI: true,
		},
		{
			name:     "server error",
			status:   http.StatusInternalServerError,
			body:     `{}`,
			wantErr:  true,
			wantKind: KindHTTPStatus,
		},
		{
			name:    "missing vpc_id",
			status:  http.StatusOK,
			body:    `{"return":true,"results":[{"gw_name":"orphan"}]}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			fetcher, session, srv := newTestFetcher(t, map[string]http.HandlerFunc{
				testutil.Action("list_vpcs_summary"): testutil.JSON(tt.status, tt.body),
			})

			gws, err := fetcher.ListGateways(context.Background(), session)

			calls := srv.Calls()
			require.Len(t, calls, 1)
			assert.Equal(t, testCID, calls[0].CID)

			if tt.wantErr {
				require.Error(t, err)
				assert.Nil(t, gws)

				var fetchErr *FetchError
				require.ErrorAs(t, err, &fetchErr)
				assert.Equal(t, ArtifactGateways, fetchErr.Artifact)

				if tt.wantKind != KindOther {
					kind, ok := KindOf(err)
					require.True(t, ok)
					assert.Equal(t, tt.wantKind, kind)
				}

				if tt.wantAPI {
					var apiErr *APIError
					require.ErrorAs(t, err, &apiErr)
					assert.Equal(t, "CID is invalid or expired.", apiErr.Reason)
				}
				return
			}

			require.NoError(t, err)
			tt.checkResp(t, gws)
		})
	}
}

func TestGetRouteTable(t *testing.T) {
	t.Parallel()

	fetcher, session, srv := newTestFetcher(t, map[string]http.HandlerFunc{
		testutil.Action("list_vpc_route_tables"): testutil.JSON(http.StatusOK, testdata.LoadFixture(t, "routes/list_success.json")),
	})

	entries, err := fetcher.GetRouteTable(context.Background(), session, GatewaySummary{VpcID: testVPCEast, GatewayName: "spoke-east-1"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, string(entries[0]), "rtb-0f1e2d3c4b5a69001")

	calls := srv.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, testVPCEast, calls[0].Params["vpc_id"])
	assert.Equal(t, "spoke-east-1", calls[0].Params["gateway_name"])
}

func TestGetRouteTables_PartialFailure(t *testing.T) {
	t.Parallel()

	routes := testdata.LoadFixture(t, "routes/list_success.json")

	fetcher, session, _ := newTestFetcher(t, map[string]http.HandlerFunc{
		testutil.Action("list_vpcs_summary"): testutil.JSON(http.StatusOK, testdata.LoadFixture(t, "gateways/list_success.json")),
		testutil.Action("list_vpc_route_tables"): testutil.ByParam("vpc_id", map[string]http.HandlerFunc{
			testVPCEast: testutil.JSON(http.StatusOK, routes),
			testVPCWest: testutil.JSON(http.StatusOK, routes),
			testVNet:    testutil.JSON(http.StatusBadGateway, `upstream unavailable`),
		}, nil),
	})

	gws, err := fetcher.ListGateways(context.Background(), session)
	require.NoError(t, err)

	tables, failures := fetcher.GetRouteTables(context.Background(), session, gws, 2)

	// N=3 gateways, M=1 failing: exactly N-M entries.
	assert.Len(t, tables, 2)
	assert.Contains(t, tables, testVPCEast)
	assert.Contains(t, tables, testVPCWest)
	assert.NotContains(t, tables, testVNet)

	require.Len(t, failures, 1)
	var fetchErr *FetchError
	require.ErrorAs(t, failures[testVNet], &fetchErr)
	assert.Equal(t, RouteArtifact(testVNet), fetchErr.Artifact)
	assert.Equal(t, http.StatusBadGateway, StatusCode(failures[testVNet]))
}

func TestGetRouteTables_NilGateways(t *testing.T) {
	t.Parallel()

	fetcher, session, _ := newTestFetcher(t, map[string]http.HandlerFunc{})

	tables, failures := fetcher.GetRouteTables(context.Background(), session, nil, 0)
	assert.Empty(t, tables)
	assert.Empty(t, failures)
}

func TestGetAnyWebGroup(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		status   int
		body     string
		wantNil  bool
		wantErr  bool
		wantUUID string
	}{
		{
			name:     "present",
			status:   http.StatusOK,
			body:     testdata.LoadFixture(t, "appdomains/with_any_web.json"),
			wantUUID: "def000ad-0000-0000-0000-000000000001",
		},
		{
			name:    "absent among other groups",
			status:  http.StatusOK,
			body:    testdata.LoadFixture(t, "appdomains/without_any_web.json"),
			wantNil: true,
		},
		{
			name:    "empty list",
			status:  http.StatusOK,
			body:    `{"app_domains":[]}`,
			wantNil: true,
		},
		{
			name:    "unauthorized",
			status:  http.StatusUnauthorized,
			body:    `{"message":"invalid cid"}`,
			wantErr: true,
		},
		{
			name:    "malformed",
			status:  http.StatusOK,
			body:    `not json`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			fetcher, session, srv := newTestFetcher(t, map[string]http.HandlerFunc{
				"/v2.5/api/app-domains": testutil.JSON(tt.status, tt.body),
			})

			group, err := fetcher.GetAnyWebGroup(context.Background(), session)

			calls := srv.Calls()
			require.Len(t, calls, 1)
			assert.Equal(t, "cid "+testCID, calls[0].Authorization)
			assert.Empty(t, calls[0].CID)

			if tt.wantErr {
				require.Error(t, err)
				var fetchErr *FetchError
				require.ErrorAs(t, err, &fetchErr)
				assert.Equal(t, ArtifactAnyWeb, fetchErr.Artifact)
				return
			}

			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, group)
				return
			}

			require.NotNil(t, group)
			assert.Equal(t, AnyWebGroupName, group.Name)
			assert.Equal(t, tt.wantUUID, group.UUID)
			assert.True(t, json.Valid(group.Raw))
		})
	}
}

func TestGetAnyWebGroups_AllMatches(t *testing.T) {
	t.Parallel()

	fetcher, session, _ := newTestFetcher(t, map[string]http.HandlerFunc{
		"/v2.5/api/app-domains": testutil.JSON(http.StatusOK, testdata.LoadFixture(t, "appdomains/duplicate_any_web.json")),
	})

	groups, err := fetcher.GetAnyWebGroups(context.Background(), session)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, "def000ad-0000-0000-0000-000000000001", groups[0].UUID)
	assert.Equal(t, "def000ad-0000-0000-0000-000000000002", groups[1].UUID)

	group, err := fetcher.GetAnyWebGroup(context.Background(), session)
	require.NoError(t, err)
	require.NotNil(t, group)
	assert.Equal(t, "def000ad-0000-0000-0000-000000000001", group.UUID)
}

func TestExportResourceConfig(t *testing.T) {
	t.Parallel()

	archive := testutil.BuildZip(t, map[string]string{
		"fqdn.tf":     testFQDNConf,
		"README.txt":  "generated by controller",
		"firewall.tf": "unrelated",
	})

	fetcher, session, srv := newTestFetcher(t, map[string]http.HandlerFunc{
		testutil.Action("export_terraform_resource"): testutil.Zip(archive),
	})

	content, err := fetcher.ExportResourceConfig(context.Background(), session, "fqdn")
	require.NoError(t, err)
	assert.Equal(t, testFQDNConf, string(content))

	calls := srv.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "fqdn", calls[0].Params["resource"])
	assert.Equal(t, testCID, calls[0].CID)
}

func TestExportResourceConfig_Idempotent(t *testing.T) {
	t.Parallel()

	archive := testutil.BuildZip(t, map[string]string{"fqdn.tf": testFQDNConf})

	fetcher, session, _ := newTestFetcher(t, map[string]http.HandlerFunc{
		testutil.Action("export_terraform_resource"): testutil.Zip(archive),
	})

	first, err := fetcher.ExportResourceConfig(context.Background(), session, "fqdn")
	require.NoError(t, err)

	for range 3 {
		again, err := fetcher.ExportResourceConfig(context.Background(), session, "fqdn")
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestExportResourceConfig_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		handler     http.HandlerFunc
		wantExtract bool
		wantMissing bool
		wantAPI     bool
		wantStatus  int
	}{
		{
			name:        "entry missing",
			handler:     testutil.Zip(testutil.BuildZip(t, map[string]string{"firewall.tf": "x"})),
			wantExtract: true,
			wantMissing: true,
		},
		{
			name:        "not an archive",
			handler:     testutil.JSON(http.StatusOK, "PK garbage that is not a zip"),
			wantExtract: true,
		},
		{
			name:    "controller rejection",
			handler: testutil.JSON(http.StatusOK, testdata.LoadFixture(t, "export/rejected.json")),
			wantAPI: true,
		},
		{
			name:        "json without rejection",
			handler:     testutil.JSON(http.StatusOK, `{"return":true,"results":"ok"}`),
			wantExtract: true,
		},
		{
			name:       "http error",
			handler:    testutil.JSON(http.StatusInternalServerError, `{}`),
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			fetcher, session, _ := newTestFetcher(t, map[string]http.HandlerFunc{
				testutil.Action("export_terraform_resource"): tt.handler,
			})

			content, err := fetcher.ExportResourceConfig(context.Background(), session, "fqdn")
			require.Error(t, err)
			assert.Nil(t, content)

			if tt.wantExtract {
				var extractErr *ExtractError
				require.ErrorAs(t, err, &extractErr)
				assert.Equal(t, "fqdn", extractErr.Kind)
				assert.Equal(t, "fqdn.tf", extractErr.Entry)
				assert.Equal(t, tt.wantMissing, errors.Is(err, ErrEntryNotFound))
				return
			}

			var fetchErr *FetchError
			require.ErrorAs(t, err, &fetchErr)
			assert.Equal(t, "fqdn.tf", fetchErr.Artifact)

			if tt.wantAPI {
				var apiErr *APIError
				require.ErrorAs(t, err, &apiErr)
				assert.Equal(t, "export_terraform_resource", apiErr.Action)
			}
			if tt.wantStatus != 0 {
				assert.Equal(t, tt.wantStatus, StatusCode(err))
			}
		})
	}
}

func TestFetcher_HostMismatch(t *testing.T) {
	t.Parallel()

	fetcher, _, srv := newTestFetcher(t, map[string]http.HandlerFunc{})

	other, err := FromExistingToken("10.9.9.9", testCID)
	require.NoError(t, err)

	_, err = fetcher.ListGateways(context.Background(), other)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHostMismatch))
	assert.Empty(t, srv.Calls())
}

func TestFetcher_HostWhitespace(t *testing.T) {
	t.Parallel()

	srv := testutil.NewMockController(t, map[string]http.HandlerFunc{
		testutil.Action("list_vpcs_summary"): testutil.JSON(http.StatusOK, testdata.LoadFixture(t, "gateways/list_success.json")),
	})

	tr := newTestTransport(t, " "+srv.URL+"\n")
	assert.Equal(t, srv.URL, tr.Host())

	session, err := FromExistingToken(" "+srv.URL, testCID)
	require.NoError(t, err)

	gateways, err := NewFetcher(tr, nil).ListGateways(context.Background(), session)
	require.NoError(t, err)
	assert.Equal(t, 3, gateways.Len())
}

func TestResourceKinds(t *testing.T) {
	t.Parallel()

	kinds := ResourceKinds()
	assert.Equal(t, []string{"firewall", "firewall_policy", "firewall_tag", "fqdn", "fqdn_pass_through", "fqdn_tag_rule"}, kinds)

	kinds[0] = "mutated"
	assert.Equal(t, "firewall", ResourceKinds()[0])
}
