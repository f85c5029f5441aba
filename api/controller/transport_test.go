package controller

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexfrei/go-aviatrix/internal/testutil"
	"github.com/lexfrei/go-aviatrix/observability"
)

const testCID = "Ab3xQ9rT7kLmN2pZ"

// newTestTransport returns an unpaced transport for a mock controller.
func newTestTransport(t *testing.T, host string) *Transport {
	t.Helper()

	tr, err := NewTransportWithConfig(&Config{
		Host:               host,
		InsecureSkipVerify: true,
		RateLimitPerMinute: -1,
	})
	require.NoError(t, err)
	t.Cleanup(tr.Close)

	return tr
}

func TestNewTransport(t *testing.T) {
	t.Parallel()

	tr, err := NewTransport("10.0.0.5")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", tr.Host())
	assert.Equal(t, "https://10.0.0.5", tr.baseURL)
}

func TestNewTransportWithConfig(t *testing.T) {
	t.Parallel()

	_, err := NewTransportWithConfig(nil)
	require.Error(t, err)

	_, err = NewTransportWithConfig(&Config{})
	require.Error(t, err)
}

func TestNormalizeBaseURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		host    string
		want    string
		wantErr bool
	}{
		{name: "bare ip", host: "10.0.0.5", want: "https://10.0.0.5"},
		{name: "host with port", host: "ctrl.example.com:8443", want: "https://ctrl.example.com:8443"},
		{name: "full url", host: "https://ctrl.example.com/", want: "https://ctrl.example.com"},
		{name: "plain http kept", host: "http://127.0.0.1:8080", want: "http://127.0.0.1:8080"},
		{name: "surrounding spaces", host: "  10.0.0.5 ", want: "https://10.0.0.5"},
		{name: "empty", host: "", wantErr: true},
		{name: "unsupported scheme", host: "ftp://ctrl", wantErr: true},
		{name: "missing host", host: "https://", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := normalizeBaseURL(tt.host)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTransportDo_LegacyAuthInQuery(t *testing.T) {
	t.Parallel()

	srv := testutil.NewMockController(t, map[string]http.HandlerFunc{
		testutil.Action("list_vpcs_summary"): testutil.JSON(http.StatusOK, `{"return":true,"results":[]}`),
	})
	tr := newTestTransport(t, srv.URL)

	result, err := tr.Do(context.Background(), &Request{
		Path:   LegacyAPIPath,
		Action: "list_vpcs_summary",
		Token:  testCID,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, result.StatusCode)
	assert.JSONEq(t, `{"return":true,"results":[]}`, string(result.Body))
	assert.Nil(t, result.Stream)

	calls := srv.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, http.MethodGet, calls[0].Method)
	assert.Equal(t, testCID, calls[0].CID)
	assert.Empty(t, calls[0].Authorization)
}

func TestTransportDo_VersionedAuthInHeader(t *testing.T) {
	t.Parallel()

	srv := testutil.NewMockController(t, map[string]http.HandlerFunc{
		"/v2.5/api/app-domains": testutil.JSON(http.StatusOK, `{"app_domains":[]}`),
	})
	tr := newTestTransport(t, srv.URL)

	_, err := tr.Do(context.Background(), &Request{Path: VersionedAPIPath + "/app-domains", Token: testCID})
	require.NoError(t, err)

	calls := srv.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "cid "+testCID, calls[0].Authorization)
	assert.Empty(t, calls[0].CID)
}

func TestTransportDo_FormPost(t *testing.T) {
	t.Parallel()

	srv := testutil.NewMockController(t, map[string]http.HandlerFunc{
		testutil.Action("login"): testutil.JSON(http.StatusOK, `{"return":true,"CID":"x"}`),
	})
	tr := newTestTransport(t, srv.URL)

	_, err := tr.Do(context.Background(), &Request{
		Path:   LegacyAPIPath,
		Action: "login",
		Form:   map[string][]string{"username": {"admin"}},
	})
	require.NoError(t, err)

	calls := srv.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, http.MethodPost, calls[0].Method)
	assert.Equal(t, "admin", calls[0].Params["username"])
	assert.Empty(t, calls[0].CID)
}

func TestTransportDo_HTTPStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
	}{
		{name: "unauthorized", status: http.StatusUnauthorized},
		{name: "not found", status: http.StatusNotFound},
		{name: "server error", status: http.StatusInternalServerError},
		{name: "bad gateway", status: http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := testutil.NewMockController(t, map[string]http.HandlerFunc{
				testutil.Action("list_vpcs_summary"): testutil.JSON(tt.status, `{"reason":"nope"}`),
			})
			tr := newTestTransport(t, srv.URL)

			result, err := tr.Do(context.Background(), &Request{
				Path:   LegacyAPIPath,
				Action: "list_vpcs_summary",
				Token:  testCID,
			})
			require.Error(t, err)
			assert.Nil(t, result)

			var te *TransportError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, KindHTTPStatus, te.Kind)
			assert.Equal(t, tt.status, te.StatusCode)
			assert.Contains(t, te.Body, "nope")
			assert.Equal(t, tt.status, StatusCode(err))
			assert.NotContains(t, err.Error(), testCID)

			// Exactly one attempt, never retried.
			assert.Len(t, srv.Calls(), 1)
		})
	}
}

func TestTransportDo_ConnectionFailed(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	tr := newTestTransport(t, addr)

	_, err := tr.Do(context.Background(), &Request{Path: LegacyAPIPath, Action: "list_vpcs_summary"})
	require.Error(t, err)

	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindConnectionFailed, kind)
}

func TestTransportDo_Timeout(t *testing.T) {
	t.Parallel()

	srv := testutil.NewMockController(t, map[string]http.HandlerFunc{
		testutil.Action("list_vpcs_summary"): func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-time.After(2 * time.Second):
			case <-r.Context().Done():
			}
		},
	})

	tr, err := NewTransportWithConfig(&Config{
		Host:               srv.URL,
		Timeout:            50 * time.Millisecond,
		RateLimitPerMinute: -1,
	})
	require.NoError(t, err)

	_, err = tr.Do(context.Background(), &Request{Path: LegacyAPIPath, Action: "list_vpcs_summary"})
	require.Error(t, err)

	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindTimeout, kind)
}

func TestTransportDo_ContextDeadline(t *testing.T) {
	t.Parallel()

	srv := testutil.NewMockController(t, map[string]http.HandlerFunc{
		testutil.Action("list_vpcs_summary"): func(_ http.ResponseWriter, r *http.Request) {
			<-r.Context().Done()
		},
	})
	tr := newTestTransport(t, srv.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := tr.Do(ctx, &Request{Path: LegacyAPIPath, Action: "list_vpcs_summary"})
	require.Error(t, err)

	kind, _ := KindOf(err)
	assert.Equal(t, KindTimeout, kind)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestTransportDo_Stream(t *testing.T) {
	t.Parallel()

	archive := testutil.BuildZip(t, map[string]string{"fqdn.tf": "resource {}"})
	srv := testutil.NewMockController(t, map[string]http.HandlerFunc{
		testutil.Action("export_terraform_resource"): testutil.Zip(archive),
	})
	tr := newTestTransport(t, srv.URL)

	result, err := tr.Do(context.Background(), &Request{
		Path:   LegacyAPIPath,
		Action: "export_terraform_resource",
		Stream: true,
	})
	require.NoError(t, err)
	require.NotNil(t, result.Stream)
	assert.Nil(t, result.Body)

	defer result.Stream.Close()

	got, err := io.ReadAll(result.Stream)
	require.NoError(t, err)
	assert.Equal(t, archive, got)
}

func TestTransportDo_BadPath(t *testing.T) {
	t.Parallel()

	tr := newTestTransport(t, "10.0.0.5")

	_, err := tr.Do(context.Background(), &Request{Path: "v2/api"})
	require.Error(t, err)

	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindOther, kind)
}

func TestTransportTLS(t *testing.T) {
	t.Parallel()

	srv := testutil.NewTLSMockController(t, map[string]http.HandlerFunc{
		testutil.Action("list_vpcs_summary"): testutil.JSON(http.StatusOK, `{"return":true}`),
	})

	t.Run("self-signed accepted by default", func(t *testing.T) {
		t.Parallel()

		tr, err := NewTransport(srv.URL)
		require.NoError(t, err)

		_, err = tr.Do(context.Background(), &Request{Path: LegacyAPIPath, Action: "list_vpcs_summary"})
		require.NoError(t, err)
	})

	t.Run("verification enforced", func(t *testing.T) {
		t.Parallel()

		tr, err := NewTransportWithConfig(&Config{Host: srv.URL, RateLimitPerMinute: -1})
		require.NoError(t, err)

		_, err = tr.Do(context.Background(), &Request{Path: LegacyAPIPath, Action: "list_vpcs_summary"})
		require.Error(t, err)

		kind, ok := KindOf(err)
		require.True(t, ok)
		assert.Equal(t, KindOther, kind)
	})
}

func TestTransportMetrics(t *testing.T) {
	t.Parallel()

	srv := testutil.NewMockController(t, map[string]http.HandlerFunc{
		testutil.Action("list_vpcs_summary"): testutil.JSON(http.StatusOK, `{"return":true}`),
		testutil.Action("export_terraform_resource"): testutil.JSON(http.StatusInternalServerError, `{}`),
	})

	tally := observability.NewTally()
	tr, err := NewTransportWithConfig(&Config{
		Host:               srv.URL,
		RateLimitPerMinute: -1,
		Metrics:            tally,
	})
	require.NoError(t, err)

	_, err = tr.Do(context.Background(), &Request{Path: LegacyAPIPath, Action: "list_vpcs_summary"})
	require.NoError(t, err)
	_, err = tr.Do(context.Background(), &Request{Path: LegacyAPIPath, Action: "export_terraform_resource"})
	require.Error(t, err)

	snap := tally.Snapshot()
	assert.Equal(t, 2, snap.Calls())
	assert.Equal(t, 1, snap.HTTPFailures)
}

func TestClassify(t *testing.T) {
	t.Parallel()

	assert.Equal(t, KindTimeout, classify(context.DeadlineExceeded))
	assert.Equal(t, KindTimeout, classify(errors.Wrap(context.DeadlineExceeded, "wrapped")))
	assert.Equal(t, KindOther, classify(context.Canceled))
	assert.Equal(t, KindOther, classify(errors.New("boom")))
}

func TestErrorKindString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "HttpStatus", KindHTTPStatus.String())
	assert.Equal(t, "ConnectionFailed", KindConnectionFailed.String())
	assert.Equal(t, "Timeout", KindTimeout.String())
	assert.Equal(t, "Other", KindOther.String())
}
