package cmd

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/oneconcern/compilecache/pkg/compilejob"
	"github.com/oneconcern/compilecache/pkg/dlogger"
	"github.com/oneconcern/compilecache/pkg/resulttree"
)

var runFlags struct {
	output      string
	serialDiags string
	deps        string
	skipCache   bool
	logLevel    string
}

// runCmd drives one compiler invocation through the cache lifecycle of
// spec §4.5: derive a key from the arguments after `--`, check for a
// cached result, replay it on a hit, or else execute the command, capture
// its outputs, and finalize a miss so the next identical invocation hits.
var runCmd = &cobra.Command{
	Use:   "run -- <compiler> [args...]",
	Short: "Run a compiler invocation through the compile-job cache",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := dlogger.GetLogger(runFlags.logLevel)
		if err != nil {
			return err
		}
		defer logger.Sync() //nolint:errcheck

		inv := compilejob.Invocation{
			Args:             args,
			CacheCompileJob:  !runFlags.skipCache,
			OutputFile:       runFlags.output,
			SerialDiagsFile:  runFlags.serialDiags,
			DependenciesFile: runFlags.deps,
			DepScanMode:      compilejob.DepScanModeFromEnv(),
		}

		ctl, err := compilejob.Initialize(casCfg, compilejob.WithLogger(logger))
		if err != nil {
			return err
		}
		defer ctl.Close() //nolint:errcheck

		return runInvocation(cmd, ctl, inv, logger)
	},
}

func runInvocation(cmd *cobra.Command, ctl *compilejob.Controller, inv compilejob.Invocation, logger *zap.Logger) error {
	ctx := context.Background()

	if !inv.CacheCompileJob {
		return execInvocation(inv, os.Stderr)
	}

	key, err := compilejob.DeriveKey(inv)
	if err != nil {
		return err
	}

	if rt, found := ctl.Lookup(ctx, key); found {
		logger.Info("compile-job cache hit", zap.String("key", key.String()))
		return ctl.Replay(ctx, rt, inv, false)
	}

	logger.Info("compile-job cache miss, executing", zap.String("key", key.String()))

	var stderr bytes.Buffer
	if err := execInvocation(inv, &stderr); err != nil {
		// Per spec, failed compiles are never cached; surface the error
		// and the captured stderr, but leave the cache untouched.
		_, _ = os.Stderr.Write(stderr.Bytes())
		return err
	}
	os.Stderr.Write(stderr.Bytes()) //nolint:errcheck

	outputs, err := collectOutputs(inv)
	if err != nil {
		return err
	}

	_, err = ctl.FinalizeMiss(ctx, key, inv, outputs, stderr.Bytes())
	return err
}

// execInvocation runs the underlying compiler command, out of scope for
// this module beyond invoking it and capturing its diagnostics stream.
func execInvocation(inv compilejob.Invocation, stderr io.Writer) error {
	if len(inv.Args) == 0 {
		return nil
	}
	c := exec.Command(inv.Args[0], inv.Args[1:]...) //nolint:gosec
	c.Stdout = os.Stdout
	c.Stderr = stderr
	return c.Run()
}

// collectOutputs reads back the primary output and dependency files the
// just-run invocation named, folding each into a resulttree.Output under
// its symbolic kind so the stored tree is independent of the concrete
// paths used this time. The serialized-diagnostics file is not read back;
// FinalizeMiss stores the captured stderr under that kind instead.
func collectOutputs(inv compilejob.Invocation) ([]resulttree.Output, error) {
	var outputs []resulttree.Output

	if inv.OutputFile != "" {
		data, err := os.ReadFile(inv.OutputFile)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, resulttree.Output{Name: resulttree.KindOutput, Bytes: data})
	}
	if inv.DependenciesFile != "" {
		data, err := os.ReadFile(inv.DependenciesFile)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, resulttree.Output{Name: resulttree.KindDependency, Bytes: data})
	}
	return outputs, nil
}

func init() {
	runCmd.Flags().StringVar(&runFlags.output, "output", "", "path the compiler writes its primary output to")
	runCmd.Flags().StringVar(&runFlags.serialDiags, "serial-diags", "", "path the compiler writes serialized diagnostics to")
	runCmd.Flags().StringVar(&runFlags.deps, "deps", "", "path the compiler writes its dependency list to")
	runCmd.Flags().BoolVar(&runFlags.skipCache, "no-cache", false, "bypass the compile-job cache for this invocation")
	runCmd.Flags().StringVar(&runFlags.logLevel, "log-level", dlogger.LogLevelInfo, "log level: info, debug, or none")
	rootCmd.AddCommand(runCmd)
}
