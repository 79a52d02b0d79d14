package compilejob

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oneconcern/compilecache/pkg/config"
	"github.com/oneconcern/compilecache/pkg/resulttree"
)

func memConfig() *config.CASConfig {
	return &config.CASConfig{Backend: config.BackendMemory}
}

func diskConfig(dir string) *config.CASConfig {
	return &config.CASConfig{Backend: config.BackendDisk, Path: dir}
}

func TestInitializeFreezesConfig(t *testing.T) {
	cfg := memConfig()
	_, err := Initialize(cfg)
	require.NoError(t, err)
	require.True(t, cfg.Frozen())
}

func TestLookupMissesOnUnknownKey(t *testing.T) {
	ctx := context.Background()
	ctl, err := Initialize(memConfig())
	require.NoError(t, err)

	inv := Invocation{Args: []string{"clang", "-c", "a.c"}, DepScanMode: DepScanFull}
	key, err := DeriveKey(inv)
	require.NoError(t, err)

	_, found := ctl.Lookup(ctx, key)
	require.False(t, found)
}

func TestFinalizeMissThenLookupHits(t *testing.T) {
	ctx := context.Background()
	ctl, err := Initialize(memConfig())
	require.NoError(t, err)

	outDir := t.TempDir()
	inv := Invocation{
		Args:        []string{"clang", "-c", "a.c", "-o", "a.o"},
		DepScanMode: DepScanFull,
		OutputFile:  filepath.Join(outDir, "a.o"),
	}
	key, err := DeriveKey(inv)
	require.NoError(t, err)

	_, found := ctl.Lookup(ctx, key)
	require.False(t, found)

	outputs := []resulttree.Output{{Name: resulttree.KindOutput, Bytes: []byte("object code")}}
	rt, err := ctl.FinalizeMiss(ctx, key, inv, outputs, []byte("warning: unused variable\n"))
	require.NoError(t, err)
	require.NotNil(t, rt)

	data, err := os.ReadFile(inv.OutputFile)
	require.NoError(t, err)
	require.Equal(t, "object code", string(data))

	rt2, found := ctl.Lookup(ctx, key)
	require.True(t, found)

	stderr, err := rt2.Stderr(ctx)
	require.NoError(t, err)
	require.Equal(t, "warning: unused variable\n", string(stderr))
}

func TestFinalizeMissAlwaysProducesSerialDiags(t *testing.T) {
	ctx := context.Background()
	ctl, err := Initialize(memConfig())
	require.NoError(t, err)

	inv := Invocation{Args: []string{"clang", "-c", "b.c"}, DepScanMode: DepScanFull}
	key, err := DeriveKey(inv)
	require.NoError(t, err)

	rt, err := ctl.FinalizeMiss(ctx, key, inv, nil, []byte("error: nope\n"))
	require.NoError(t, err)

	outputs, err := rt.Outputs(ctx)
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	require.Equal(t, resulttree.KindSerialDiags, outputs[0].Name)
	require.Equal(t, "error: nope\n", string(outputs[0].Bytes))
}

// TestReplayWritesAllRequestedOutputs covers the compile-job replay
// scenario: a later invocation with different concrete output paths than
// the one that produced the cached result must still land its bytes at
// the new paths on a hit.
func TestReplayWritesAllRequestedOutputs(t *testing.T) {
	ctx := context.Background()
	ctl, err := Initialize(memConfig())
	require.NoError(t, err)

	firstDir := t.TempDir()
	firstInv := Invocation{
		Args:             []string{"clang", "-c", "c.c", "-o", "c.o"},
		DepScanMode:      DepScanFull,
		OutputFile:       filepath.Join(firstDir, "c.o"),
		SerialDiagsFile:  filepath.Join(firstDir, "c.diag"),
		DependenciesFile: filepath.Join(firstDir, "c.d"),
	}
	key, err := DeriveKey(firstInv)
	require.NoError(t, err)

	outputs := []resulttree.Output{
		{Name: resulttree.KindOutput, Bytes: []byte("object code")},
		{Name: resulttree.KindDependency, Bytes: []byte("c.c: c.h\n")},
	}
	_, err = ctl.FinalizeMiss(ctx, key, firstInv, outputs, []byte("note: ok\n"))
	require.NoError(t, err)

	secondDir := t.TempDir()
	secondInv := Invocation{
		Args:             firstInv.Args,
		DepScanMode:      DepScanFull,
		OutputFile:       filepath.Join(secondDir, "c.o"),
		SerialDiagsFile:  filepath.Join(secondDir, "c.diag"),
		DependenciesFile: filepath.Join(secondDir, "c.d"),
	}
	secondKey, err := DeriveKey(secondInv)
	require.NoError(t, err)
	require.Equal(t, key, secondKey, "identical semantic args must derive the same key regardless of output paths")

	rt, found := ctl.Lookup(ctx, secondKey)
	require.True(t, found)

	require.NoError(t, ctl.Replay(ctx, rt, secondInv, false))

	obj, err := os.ReadFile(secondInv.OutputFile)
	require.NoError(t, err)
	require.Equal(t, "object code", string(obj))

	deps, err := os.ReadFile(secondInv.DependenciesFile)
	require.NoError(t, err)
	require.Equal(t, "c.c: c.h\n", string(deps))

	diag, err := os.ReadFile(secondInv.SerialDiagsFile)
	require.NoError(t, err)
	require.Equal(t, "note: ok\n", string(diag))
}

func TestReplaySkipsUnrequestedOutputs(t *testing.T) {
	ctx := context.Background()
	ctl, err := Initialize(memConfig())
	require.NoError(t, err)

	inv := Invocation{Args: []string{"clang", "-c", "d.c"}, DepScanMode: DepScanFull}
	key, err := DeriveKey(inv)
	require.NoError(t, err)

	outputs := []resulttree.Output{{Name: resulttree.KindDependency, Bytes: []byte("d.c: d.h\n")}}
	_, err = ctl.FinalizeMiss(ctx, key, inv, outputs, []byte("ok\n"))
	require.NoError(t, err)

	rt, found := ctl.Lookup(ctx, key)
	require.True(t, found)

	// inv never names an OutputFile/DependenciesFile path, so Replay must
	// not attempt to write anywhere for those slots.
	require.NoError(t, ctl.Replay(ctx, rt, inv, false))
}

func TestInitializeDiskBackendRoundTrips(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	ctl, err := Initialize(diskConfig(dir))
	require.NoError(t, err)
	defer ctl.Close()

	inv := Invocation{Args: []string{"clang", "-c", "e.c"}, DepScanMode: DepScanFullTree}
	key, err := DeriveKey(inv)
	require.NoError(t, err)

	outputs := []resulttree.Output{{Name: resulttree.KindOutput, Bytes: []byte("e.o bytes")}}
	_, err = ctl.FinalizeMiss(ctx, key, inv, outputs, []byte(""))
	require.NoError(t, err)

	_, found := ctl.Lookup(ctx, key)
	require.True(t, found)
}

func TestPluginBackendRejectedByConfigDrivenInitialize(t *testing.T) {
	_, err := Initialize(&config.CASConfig{Backend: config.BackendPlugin})
	require.Error(t, err)
}
