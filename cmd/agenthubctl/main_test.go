package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "OpenAgent-Hub/internal/errors"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionFlag(t *testing.T) {
	out, err := execute(t, "", "--version")
	require.NoError(t, err)
	assert.Equal(t, Version+"\n", out)
}

func TestAnalyzeLocal(t *testing.T) {
	out, err := execute(t, "", "analyze", "--compact", "write a python function that parses csv files")
	require.NoError(t, err)

	var res struct {
		Analysis struct {
			Primary string `json:"primary"`
		} `json:"analysis"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "code_generation", res.Analysis.Primary)
}

func TestPlanPrintsParallelGroups(t *testing.T) {
	out, err := execute(t, "", "plan", "write a python function that parses csv files")
	require.NoError(t, err)

	var wf struct {
		Steps          []json.RawMessage `json:"steps"`
		ParallelGroups [][]string        `json:"parallel_groups"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &wf))
	assert.NotEmpty(t, wf.Steps)
	assert.NotEmpty(t, wf.ParallelGroups)
}

func TestScanFailsOnLeakedSecret(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "main.go")
	src := "package main\n\nconst apiKey = \"sk-live-1234567890\"\n\nfunc run(input string) { eval(input) }\n"
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))

	out, err := execute(t, "", "scan", path)
	require.Error(t, err)
	assert.True(t, xerrors.IsCode(err, xerrors.CodeSafetyBlocked))
	assert.Contains(t, out, "vulnerabilities")
}

func TestDeFiSlippageAndValidate(t *testing.T) {
	out, err := execute(t, "", "defi", "slippage", "--amount-in", "1000", "--reserve-in", "100000", "--reserve-out", "50000")
	require.NoError(t, err)
	assert.Contains(t, out, `"amount_out": 493`)

	_, err = execute(t, "", "defi", "slippage", "--amount-in", "1000")
	assert.True(t, xerrors.IsCode(err, xerrors.CodeInvalidInput))

	req := `{"swap":{"amount_in":"1000","reserve_in":"100000","reserve_out":"50000","fee_bps":30}}`
	out, err = execute(t, req, "defi", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, `"decision"`)

	_, err = execute(t, "not json", "defi", "validate")
	assert.True(t, xerrors.IsCode(err, xerrors.CodeInvalidInput))
}

func TestDeFiMEVCriticalSwap(t *testing.T) {
	out, err := execute(t, "", "defi", "mev", "--compact", "--op", "swap", "--value-eth", "500")
	require.NoError(t, err)

	var analysis struct {
		Tier string `json:"tier"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &analysis))
	assert.Equal(t, "critical", analysis.Tier)
}

func TestStatusUsesServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/workflows/wf-1":
			_ = json.NewEncoder(w).Encode(map[string]any{"workflow_id": "wf-1", "status": "completed", "progress_percent": 100})
		default:
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]any{"code": "NOT_FOUND", "error": "missing"})
		}
	}))
	defer srv.Close()

	out, err := execute(t, "", "status", "--server", srv.URL, "wf-1")
	require.NoError(t, err)
	assert.Contains(t, out, `"status": "completed"`)

	_, err = execute(t, "", "cancel", "--server", srv.URL, "wf-2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NOT_FOUND")
}
