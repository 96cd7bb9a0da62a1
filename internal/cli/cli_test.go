package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ChuLiYu/licensekit/internal/bridge"
	"github.com/ChuLiYu/licensekit/internal/config"
	"github.com/ChuLiYu/licensekit/internal/engine/memengine"
	"github.com/ChuLiYu/licensekit/internal/logging"
	"github.com/ChuLiYu/licensekit/internal/sdkerr"
	"github.com/ChuLiYu/licensekit/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testStore = `
product:
  id: studio
  name: Studio
  build_id: 7
  password: pw
serials: [SN-1]
entities:
  - id: editor
    name: Editor
    license:
      model: gs.lm.expire.accessTime.1
      actions: [1, 100]
      params:
        - {name: maxAccessTimes, type: int32, value: 10}
        - {name: usedTimes, type: int32, value: 4}
  - id: export
    name: Export
    license:
      model: gs.lm.alwaysLock.1
      status: locked
      actions: [1]
`

// writeConfig 在暫存目錄建立 store 與設定檔，回傳設定檔路徑
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	storePath := filepath.Join(dir, "store.yaml")
	require.NoError(t, os.WriteFile(storePath, []byte(testStore), 0600))

	cfg := fmt.Sprintf(`
product:
  id: studio
  password: pw
engine:
  mode: memory
  store_path: %s
  state_path: %s
logging:
  level: error
activation:
  rate_per_minute: 60
  burst: 5
`, storePath, filepath.Join(dir, "data", "state.json"))
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0600))
	return path
}

func run(t *testing.T, cfgPath string, args ...string) (string, error) {
	t.Helper()
	cmd := BuildCLI()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--config", cfgPath}, args...))
	err := cmd.ExecuteContext(context.Background())
	return strings.TrimSpace(out.String()), err
}

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.Equal(t, "licensekit", cmd.Use)
	assert.Equal(t, Version, cmd.Version)

	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"info", "entities", "request", "issue", "apply", "activate", "serve", "watch"} {
		assert.True(t, names[want], "missing %q command", want)
	}

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue)
}

func TestParseActionFlag(t *testing.T) {
	tests := []struct {
		in      string
		action  types.ActionID
		entity  string
		params  map[string]any
		wantErr bool
	}{
		{in: "unlock", action: types.ActUnlock},
		{in: "unlock:editor", action: types.ActUnlock, entity: "editor"},
		{in: "addAccessTime:editor,addedAccessTime=25", action: types.ActAddAccessTime, entity: "editor",
			params: map[string]any{"addedAccessTime": "25"}},
		{in: "setStartDate:promo,startDate=2026-01-01T00:00:00Z", action: types.ActSetStartDate, entity: "promo",
			params: map[string]any{"startDate": "2026-01-01T00:00:00Z"}},
		{in: "explode:editor", wantErr: true},
		{in: "unlock:editor,novalue", wantErr: true},
		{in: "unlock:editor,=1", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			spec, err := parseActionFlag(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, sdkerr.ErrInvalidValue)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.action, spec.Action)
			assert.Equal(t, tt.entity, spec.Entity)
			assert.Equal(t, tt.params, spec.Params)
		})
	}
}

func TestInfoAndEntities(t *testing.T) {
	cfgPath := writeConfig(t)

	out, err := run(t, cfgPath, "info")
	require.NoError(t, err)
	assert.Contains(t, out, "Studio (studio)")
	assert.Contains(t, out, "Entities:  2")

	out, err = run(t, cfgPath, "entities")
	require.NoError(t, err)
	lines := strings.Split(out, "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], "editor")
	assert.Contains(t, lines[1], "6 accesses")
	assert.Contains(t, lines[2], "locked")
}

func TestRequestIssueApplyAcrossRuns(t *testing.T) {
	cfgPath := writeConfig(t)

	reqCode, err := run(t, cfgPath, "request", "--action", "addAccessTime:editor,addedAccessTime=20", "--action", "unlock:export")
	require.NoError(t, err)
	require.NotEmpty(t, reqCode)

	licCode, err := run(t, cfgPath, "issue", "--code", reqCode)
	require.NoError(t, err)
	require.NotEmpty(t, licCode)

	out, err := run(t, cfgPath, "apply", "--code", licCode)
	require.NoError(t, err)
	assert.Equal(t, "license code applied", out)

	out, err = run(t, cfgPath, "entities")
	require.NoError(t, err)
	assert.Contains(t, out, "26 accesses")
	assert.Contains(t, out, "unlocked")

	_, err = run(t, cfgPath, "apply", "--code", licCode)
	assert.ErrorIs(t, err, sdkerr.ErrInvalidValue)
}

func TestRequestErrors(t *testing.T) {
	cfgPath := writeConfig(t)

	_, err := run(t, cfgPath, "request", "--action", "lock:export")
	assert.ErrorIs(t, err, sdkerr.ErrActionRejected)

	_, err = run(t, cfgPath, "request", "--action", "unlock:ghost")
	assert.ErrorIs(t, err, sdkerr.ErrNotFound)

	_, err = run(t, cfgPath, "request")
	assert.Error(t, err, "--action is required")
}

func TestActivate(t *testing.T) {
	cfgPath := writeConfig(t)

	_, err := run(t, cfgPath, "activate", "--serial", "SN-0")
	var engErr *sdkerr.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, memengine.CodeInvalidSerial, engErr.Code)

	out, err := run(t, cfgPath, "activate", "--serial", "SN-1")
	require.NoError(t, err)
	assert.Equal(t, "serial number activated", out)

	out, err = run(t, cfgPath, "entities")
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(out, "unlocked"))
}

func TestBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  mode: carrier-pigeon\n"), 0600))

	_, err := run(t, path, "info")
	assert.ErrorContains(t, err, "failed to load config")
}

func TestServe(t *testing.T) {
	cfgPath := writeConfig(t)
	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	cfg.Engine.SaveInterval = 20 * time.Millisecond
	cfg.Server.ShutdownTimeout = time.Second

	a := &app{configPath: cfgPath, cfg: cfg, log: logging.Discard()}
	s, err := a.open(context.Background())
	require.NoError(t, err)
	defer s.Close()

	grpcLis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	httpLis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.serve(ctx, s, grpcLis, httpLis) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + httpLis.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	client, err := bridge.Dial(grpcLis.Addr().String(), bridge.WithCallTimeout(time.Second), bridge.WithClientLogger(logging.Discard()))
	require.NoError(t, err)
	assert.True(t, client.Init("studio", "", "pw"))
	assert.Equal(t, "Studio", client.ProductName())
	assert.True(t, client.Cleanup())
	require.NoError(t, client.Close())
	assert.True(t, s.core.Initialized())

	assert.Eventually(t, func() bool {
		_, err := os.Stat(cfg.Engine.StatePath)
		return err == nil
	}, 2*time.Second, 20*time.Millisecond, "periodic save writes state")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("serve did not stop")
	}
}
