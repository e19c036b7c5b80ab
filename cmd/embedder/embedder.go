package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/maja42/overlay"
	"github.com/maja42/overlay/embedding"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

type app struct {
	fs  afero.Fs
	cfg Config
}

func main() {
	a := &app{
		fs:  afero.NewOsFs(),
		cfg: loadConfig(),
	}
	if err := a.rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func (a *app) rootCmd() *cobra.Command {
	var opts embedding.ListOptions

	cmd := &cobra.Command{
		Use:   "embedder <executable> <patch-dir>",
		Short: "Embed a patcher and patch files into an executable",
		Long: "Embedder appends an overlay containing the patcher and all files of the patch directory to the executable.\n" +
			"An existing overlay is replaced. The patcher is read from $OVERLAY_PATCHER (default: " + defaultPatcher + ").",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.embed(cmd.OutOrStdout(), args[0], args[1], opts)
		},
	}
	cmd.Flags().StringArrayVar(&opts.Include, "include", nil, "Only embed patch files matching this glob pattern (repeatable)")
	cmd.Flags().StringArrayVar(&opts.Exclude, "exclude", nil, "Skip patch files matching this glob pattern (repeatable)")
	cmd.Flags().BoolVar(&opts.CaseInsensitive, "ignore-case", false, "Match patterns case-insensitive")
	cmd.Flags().BoolVar(&opts.FilesystemOrder, "fs-order", false, "Keep the directory listing order instead of sorting patches by name")

	cmd.AddCommand(a.listCmd(), a.extractCmd())
	return cmd
}

func (a *app) listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <executable>",
		Short: "List the overlay of an executable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.list(cmd.OutOrStdout(), args[0])
		},
	}
}

func (a *app) extractCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "extract <executable> <out-dir>",
		Short: "Extract the patcher and all patches of an executable",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.extract(cmd.OutOrStdout(), args[0], args[1])
		},
	}
}

func (a *app) logger(out io.Writer) embedding.PrintlnFunc {
	if a.cfg.Quiet {
		return nil
	}
	return func(format string, args ...interface{}) {
		fmt.Fprintf(out, "\t"+format+"\n", args...)
	}
}

func (a *app) embed(out io.Writer, exePath, patchDir string, opts embedding.ListOptions) error {
	logger := a.logger(out)
	if logger != nil {
		fmt.Fprintf(out, "Embedding %q and patches from %q into %q\n", a.cfg.Patcher, patchDir, exePath)
	}
	if err := embedding.EmbedDir(a.fs, exePath, a.cfg.Patcher, patchDir, opts, logger); err != nil {
		return err
	}
	if logger != nil {
		fmt.Fprintln(out, "Finished")
	}
	return nil
}

func (a *app) list(out io.Writer, exePath string) error {
	ov, err := overlay.OpenFs(a.fs, exePath)
	if err != nil {
		return fmt.Errorf("open overlay of %q: %w", exePath, err)
	}
	defer ov.Close()

	tool := ov.Tool()
	if tool == nil {
		fmt.Fprintf(out, "%q does not contain an overlay\n", exePath)
		return nil
	}
	fmt.Fprintf(out, "Patcher %q (%d bytes at offset %d)\n", tool.Name, tool.Size, tool.Offset)
	if ov.Count() == 1 {
		fmt.Fprintln(out, "1 patch")
	} else {
		fmt.Fprintf(out, "%d patches\n", ov.Count())
	}
	for _, p := range ov.Patches() {
		fmt.Fprintf(out, "\t%q (%d bytes at offset %d)\n", p.Name, p.Size, p.Offset)
	}
	return nil
}

func (a *app) extract(out io.Writer, exePath, outDir string) error {
	ov, err := overlay.OpenFs(a.fs, exePath)
	if err != nil {
		return fmt.Errorf("open overlay of %q: %w", exePath, err)
	}
	defer ov.Close()

	tool := ov.Tool()
	if tool == nil {
		return fmt.Errorf("%q does not contain an overlay", exePath)
	}
	if err := a.fs.MkdirAll(outDir, 0755); err != nil {
		return fmt.Errorf("create output directory %q: %w", outDir, err)
	}

	written := make(map[string]struct{})
	for _, e := range append([]overlay.Entry{*tool}, ov.Patches()...) {
		if e.Name == "" || e.Name == "." || e.Name == ".." || filepath.Base(e.Name) != e.Name {
			return fmt.Errorf("refusing to extract %q: invalid file name", e.Name)
		}
		if _, ok := written[e.Name]; ok {
			return fmt.Errorf("refusing to extract %q: name is used more than once", e.Name)
		}
		written[e.Name] = struct{}{}
		path := filepath.Join(outDir, e.Name)
		if err := afero.WriteReader(a.fs, path, ov.EntryReader(e)); err != nil {
			return fmt.Errorf("extract %q: %w", e.Name, err)
		}
		if !a.cfg.Quiet {
			fmt.Fprintf(out, "\tExtracted %q (%d bytes)\n", e.Name, e.Size)
		}
	}
	return nil
}
