package plugin_test

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrej220/fleetbridge/pkg/config"
	"github.com/andrej220/fleetbridge/pkg/inventory"
	"github.com/andrej220/fleetbridge/pkg/plugin"
)

const remoteScript = `#!/bin/sh
# Wake a machine from its neighbour.
#
# fleetbridge: {
#   "source": "remote",
#   "root": true,
#   // the neighbour needs its own address too
#   "arguments": ["$TARGET_MAC", "$TARGET_IP", "$PORT", "$MACS_LIST", "$PORT",],
# }
echo "$@"
`

func TestParseRemoteMetadata(t *testing.T) {
	d := plugin.Parse("/srv/plugins/wake_neighbour", []byte(remoteScript))

	require.NoError(t, d.MetadataErr)
	assert.Equal(t, plugin.ScopeRemote, d.Scope)
	assert.True(t, d.Root)
	assert.Equal(t, []string{"$TARGET_MAC", "$TARGET_IP", "$PORT", "$MACS_LIST"}, d.Arguments, "duplicates collapse")
	assert.Equal(t, "wake_neighbour", d.Name())
}

func TestParseMetadataFailsOpen(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"no block", "#!/bin/sh\necho hi\n"},
		{"bad json", "# FleetBridge: {\"source\": }\n"},
		{"unknown source", "# FleetBridge: {\"source\": \"everywhere\"}\n"},
		{"missing source", "# FleetBridge: {\"root\": true, \"arguments\": [\"$X\"]}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := plugin.Parse("p", []byte(tt.content))
			assert.ErrorIs(t, d.MetadataErr, plugin.ErrMalformedMetadata)
			assert.Equal(t, plugin.ScopeBridge, d.Scope)
			assert.False(t, d.Root)
			assert.Empty(t, d.Arguments)
		})
	}
}

func TestParseSingleLineBridgeBlock(t *testing.T) {
	d := plugin.Parse("p", []byte("#!/bin/bash\n#FLEETBRIDGE: {\"source\": \"bridge\", \"arguments\": [\"$USERNAME\"]}\nexit 0"))
	require.NoError(t, d.MetadataErr)
	assert.Equal(t, plugin.ScopeBridge, d.Scope)
	assert.Equal(t, []string{"$USERNAME"}, d.Arguments)
}

func TestParseLegacyMarker(t *testing.T) {
	d := plugin.Parse("p", []byte("#!/bin/sh\n# CMSysBot: {\"source\": \"remote\", \"root\": true, \"arguments\": [\"$TARGET_IP\"]}\nexit 0"))
	require.NoError(t, d.MetadataErr)
	assert.Equal(t, plugin.ScopeRemote, d.Scope)
	assert.True(t, d.Root)
	assert.Equal(t, []string{"$TARGET_IP"}, d.Arguments)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wake_neighbour")
	require.NoError(t, os.WriteFile(path, []byte(remoteScript), 0o755))

	d, err := plugin.Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, plugin.ScopeRemote, d.Scope)

	_, err = plugin.Load(filepath.Join(t.TempDir(), "missing"), nil)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestCollectUnresolvedVariable(t *testing.T) {
	d := plugin.Parse("p", []byte(`# FleetBridge: {"source": "bridge", "arguments": ["$USERNAME", "$PORT", "$MESSAGE"]}`+"\n"))

	name, ok := d.CollectUnresolvedVariable()
	require.True(t, ok)
	assert.Equal(t, "$PORT", name)

	require.NoError(t, d.Set("$PORT", "8080"))
	name, ok = d.CollectUnresolvedVariable()
	require.True(t, ok)
	assert.Equal(t, "$MESSAGE", name)

	require.NoError(t, d.Set("$MESSAGE", "hello"))
	_, ok = d.CollectUnresolvedVariable()
	assert.False(t, ok, "reserved tokens are never asked for")

	assert.ErrorIs(t, d.Set("$NOPE", "x"), plugin.ErrUnknownVariable)
	assert.True(t, plugin.IsReserved(plugin.VarIPsList))
	assert.False(t, plugin.IsReserved("$PORT"))
}

func TestResolveHostVariablesReturnsFreshMap(t *testing.T) {
	d := plugin.Parse("p", []byte(remoteScript))
	require.NoError(t, d.Set("$PORT", "9"))

	var wg sync.WaitGroup
	results := make([]map[string]string, 50)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h := inventory.NewHost(fmt.Sprintf("PC%d", i), fmt.Sprintf("10.0.0.%d", i), fmt.Sprintf("aa:bb:cc:dd:ee:%02x", i))
			results[i] = d.ResolveHostVariables(h)
		}()
	}
	wg.Wait()

	for i, values := range results {
		assert.Equal(t, fmt.Sprintf("10.0.0.%d", i), values[plugin.VarTargetIP])
		assert.Equal(t, fmt.Sprintf("aa:bb:cc:dd:ee:%02x", i), values[plugin.VarTargetMAC])
		assert.Equal(t, "9", values["$PORT"])
	}
	assert.Empty(t, d.Value(plugin.VarTargetIP), "descriptor is untouched")
}

func TestCommandLine(t *testing.T) {
	d := plugin.Parse("p", []byte(`# FleetBridge: {"source": "bridge", "arguments": ["$MESSAGE", "$IPS_LIST", "$EMPTY"]}`+"\n"))
	line := d.CommandLine("/tmp/fb/p", map[string]string{
		"$MESSAGE":        "it's done",
		plugin.VarIPsList: "10.0.0.1 10.0.0.2",
	})
	assert.Equal(t, `'/tmp/fb/p' 'it'\''s done' '10.0.0.1' '10.0.0.2' ''`, line)
}

func TestPaths(t *testing.T) {
	cfg := &config.FleetConfig{BridgeTmpDir: "/tmp/bridge", RemoteTmpDir: "/var/tmp/remote"}
	d := plugin.Parse("/srv/plugins/update_all", nil)
	assert.Equal(t, "/tmp/bridge/update_all", d.BridgePath(cfg))
	assert.Equal(t, "/var/tmp/remote/update_all", d.RemotePath(cfg))
}

func TestList(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"wake_on_LAN", "_helpers.sh", ".hidden", "update"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o755))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "lib"), 0o755))

	entries, err := plugin.List(dir)
	require.NoError(t, err)
	assert.Equal(t, []plugin.Entry{
		{Path: filepath.Join(dir, "update"), DisplayName: "Update"},
		{Path: filepath.Join(dir, "wake_on_LAN"), DisplayName: "Wake on lan"},
	}, entries)

	_, err = plugin.List(filepath.Join(dir, "missing"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "Shutdown all", plugin.DisplayName("shutdown_all"))
	assert.Equal(t, "Élan", plugin.DisplayName("élan"))
	assert.Equal(t, "", plugin.DisplayName(""))
}
