package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorded struct {
	method string
	path   string
	query  string
	actor  string
	body   map[string]interface{}
}

// fakeAPI answers every request with the given status and body and records the last call
func fakeAPI(t *testing.T, status int, body string) (*httptest.Server, *recorded) {
	t.Helper()
	rec := &recorded{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.method = r.Method
		rec.path = r.URL.Path
		rec.query = r.URL.RawQuery
		rec.actor = r.Header.Get("X-Actor")
		data, _ := io.ReadAll(r.Body)
		if len(data) > 0 {
			require.NoError(t, json.Unmarshal(data, &rec.body))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

func run(t *testing.T, srv *httptest.Server, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := NewRootCommand(&out)
	err := root.Execute(append([]string{"-server", srv.URL, "-actor", "ops@ville.example"}, args...))
	return out.String(), err
}

func TestNewRootCommand(t *testing.T) {
	root := NewRootCommand(io.Discard)

	assert.Equal(t, "commune", root.Name)
	assert.NotNil(t, root.Flags)

	expectedCommands := []string{
		"tenant",
		"quotas",
		"suspend",
		"unsuspend",
		"archive",
		"delete",
		"audit",
		"apply-change",
		"consistency",
	}
	for _, cmdName := range expectedCommands {
		assert.Contains(t, root.Subcommands, cmdName, "Expected subcommand %s to be registered", cmdName)
	}
	assert.Equal(t, len(expectedCommands), len(root.Subcommands))
}

func TestCommandUsage(t *testing.T) {
	var out bytes.Buffer
	root := NewRootCommand(&out)

	require.NoError(t, root.Execute(nil))

	output := out.String()
	assert.Contains(t, output, "Usage: commune")
	assert.Contains(t, output, "Commands:")
	assert.Contains(t, output, "apply-change")
	assert.Contains(t, output, "suspend")
}

func TestCommandExecute_UnknownCommand(t *testing.T) {
	root := NewRootCommand(io.Discard)

	err := root.Execute([]string{"frobnicate"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown command: frobnicate")
}

func TestTenantCommand(t *testing.T) {
	srv, rec := fakeAPI(t, http.StatusOK, `{"id":7,"name":"Ville","status":"active"}`)

	out, err := run(t, srv, "tenant", "-id", "7")

	require.NoError(t, err)
	assert.Equal(t, http.MethodGet, rec.method)
	assert.Equal(t, "/v1/tenants/7", rec.path)
	assert.Equal(t, "ops@ville.example", rec.actor)
	assert.Contains(t, out, `"name": "Ville"`)
}

func TestTenantCommand_RequiresID(t *testing.T) {
	srv, _ := fakeAPI(t, http.StatusOK, `{}`)

	_, err := run(t, srv, "tenant")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "-id is required")
}

func TestQuotasCommand_SingleKind(t *testing.T) {
	srv, rec := fakeAPI(t, http.StatusOK, `{"kind":"admin_seats","used":1,"allowed":2}`)

	_, err := run(t, srv, "quotas", "-tenant", "3", "-kind", "admin_seats")

	require.NoError(t, err)
	assert.Equal(t, "/v1/tenants/3/quotas/admin_seats", rec.path)
}

func TestTransitionCommands(t *testing.T) {
	for _, action := range []string{"suspend", "unsuspend", "archive"} {
		t.Run(action, func(t *testing.T) {
			srv, rec := fakeAPI(t, http.StatusOK, `{"id":4}`)

			_, err := run(t, srv, action, "-tenant", "4", "-reason", "unpaid invoices")

			require.NoError(t, err)
			assert.Equal(t, http.MethodPost, rec.method)
			assert.Equal(t, "/v1/tenants/4/"+action, rec.path)
			assert.Equal(t, "unpaid invoices", rec.body["reason"])
		})
	}
}

func TestDeleteCommand_RequiresConfirmation(t *testing.T) {
	srv, rec := fakeAPI(t, http.StatusOK, `{"deleted":[4]}`)

	_, err := run(t, srv, "delete", "-tenant", "4")
	require.Error(t, err)
	assert.Empty(t, rec.method)

	_, err = run(t, srv, "delete", "-tenant", "4", "-yes")
	require.NoError(t, err)
	assert.Equal(t, http.MethodDelete, rec.method)
	assert.Equal(t, "/v1/tenants/4", rec.path)
}

func TestAuditCommand_WritesRawExport(t *testing.T) {
	csv := "id,action\n1,tenant.suspended\n"
	srv, rec := fakeAPI(t, http.StatusOK, csv)

	out, err := run(t, srv, "audit", "-tenant", "9", "-limit", "10")

	require.NoError(t, err)
	assert.Equal(t, "/v1/tenants/9/audit", rec.path)
	assert.Equal(t, "format=csv&limit=10", rec.query)
	assert.Equal(t, csv, out)
}

func TestApplyChangeCommand_APIError(t *testing.T) {
	srv, rec := fakeAPI(t, http.StatusConflict, `{"error":"billing change 12 is already applied","code":"invalid_state","retryable":false}`)

	_, err := run(t, srv, "apply-change", "-id", "12")

	require.Error(t, err)
	assert.Equal(t, "/v1/billing-changes/12/apply", rec.path)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Equal(t, "invalid_state", apiErr.Code)
	assert.Contains(t, err.Error(), "already applied")
}

func TestConsistencyCommand(t *testing.T) {
	srv, rec := fakeAPI(t, http.StatusOK, `{"consistent":true}`)

	out, err := run(t, srv, "consistency", "-order", "5")

	require.NoError(t, err)
	assert.Equal(t, "/v1/mandate-orders/5/consistency", rec.path)
	assert.Contains(t, out, `"consistent": true`)
}
