package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/VanDung-dev/Reshape-Engine/reshape-engine/api"
	"github.com/VanDung-dev/Reshape-Engine/reshape-engine/core"
	"github.com/VanDung-dev/Reshape-Engine/reshape-engine/data"
	"github.com/VanDung-dev/Reshape-Engine/reshape-engine/expr"
	"github.com/VanDung-dev/Reshape-Engine/reshape-engine/functions"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/spf13/cobra"
)

// Output formats of apply.
const (
	formatIPC  = "ipc"
	formatJSON = "json"
)

type applyOptions struct {
	input    string
	pipeline string
	output   string
	format   string
	remote   string
	token    string
	workers  int
}

func newApplyCmd() *cobra.Command {
	var opts applyOptions

	cmd := &cobra.Command{
		Use:   "apply --input <table.arrow> --pipeline <exprs.json>",
		Short: "evaluate an expression pipeline over an Arrow IPC file",
		Long: `
Evaluate the expressions of a pipeline file, a JSON array such as
[{"fn":"flatten","args":[{"col":"l"}],"alias":"values"}], over the table in an
Arrow IPC stream file. The result is written as an IPC stream or as
newline-delimited JSON. With --remote the pipeline runs on a reshape server.
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runApply(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.input, "input", "i", "", "input Arrow IPC stream file")
	f.StringVarP(&opts.pipeline, "pipeline", "p", "", "pipeline JSON file")
	f.StringVarP(&opts.output, "output", "o", "-", "output file, - for stdout")
	f.StringVar(&opts.format, "format", formatIPC, "output format: ipc or json")
	f.StringVar(&opts.remote, "remote", "", "TCP address of a reshape server")
	f.StringVar(&opts.token, "token", "", "authentication token for --remote")
	f.IntVarP(&opts.workers, "workers", "c", 4, "number of pool workers for local evaluation")
	_ = cmd.MarkFlagRequired("input")
	_ = cmd.MarkFlagRequired("pipeline")
	return cmd
}

func runApply(ctx context.Context, opts applyOptions, stdout io.Writer) error {
	if opts.format != formatIPC && opts.format != formatJSON {
		return fmt.Errorf("unknown output format %q", opts.format)
	}

	raw, err := os.ReadFile(filepath.Clean(opts.pipeline))
	if err != nil {
		return fmt.Errorf("error reading pipeline: %w", err)
	}
	exprs, err := expr.UnmarshalExprs(raw)
	if err != nil {
		return fmt.Errorf("error parsing pipeline: %w", err)
	}

	codec := data.NewCodec()
	in, err := readTable(codec, opts.input)
	if err != nil {
		return err
	}
	defer in.Release()

	var out arrow.Table
	if opts.remote != "" {
		out, err = applyRemote(ctx, codec, opts, in, exprs)
	} else {
		out, err = applyLocal(ctx, codec, opts.workers, in, exprs)
	}
	if err != nil {
		return err
	}
	defer out.Release()

	if opts.output == "-" || opts.output == "" {
		return writeTable(codec, stdout, out, opts.format)
	}

	file, err := os.Create(filepath.Clean(opts.output))
	if err != nil {
		return fmt.Errorf("error creating output: %w", err)
	}
	if err := writeTable(codec, file, out, opts.format); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}

func writeTable(codec *data.Codec, w io.Writer, tbl arrow.Table, format string) error {
	if format == formatJSON {
		return codec.WriteJSON(w, tbl)
	}
	return codec.WriteTable(w, tbl)
}

func readTable(codec *data.Codec, path string) (arrow.Table, error) {
	file, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("error opening input: %w", err)
	}
	defer file.Close()

	return codec.ReadTable(file)
}

func applyLocal(ctx context.Context, codec *data.Codec, workers int, in arrow.Table, exprs []expr.Expr) (arrow.Table, error) {
	pool := core.NewWorkerPool("apply", workers, 0)
	defer pool.Shutdown()

	evaluator := expr.NewEvaluator(expr.DefaultRegistry(functions.NewReshaperWithAllocator(codec.Allocator())), pool)
	handler := api.NewHandler(evaluator, api.HandlerConfig{Codec: codec, Pool: pool})
	return handler.Select(ctx, in, exprs...)
}

func applyRemote(ctx context.Context, codec *data.Codec, opts applyOptions, in arrow.Table, exprs []expr.Expr) (arrow.Table, error) {
	client, err := api.Dial(ctx, opts.remote, opts.token, codec)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	return client.Select(ctx, in, exprs...)
}
