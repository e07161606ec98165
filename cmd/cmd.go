package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/Ssukriti/dolomite-engine/convert"
	"github.com/Ssukriti/dolomite-engine/format"
	"github.com/Ssukriti/dolomite-engine/fs/safetensors"
	"github.com/Ssukriti/dolomite-engine/logutil"
)

func NewCLI() *cobra.Command {
	var verbose bool

	rootCmd := &cobra.Command{
		Use:   "dolomite-engine",
		Short: "Convert hybrid MoE checkpoints between the Dolomite and GraniteMoeHybrid layouts",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true

			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(logutil.NewLogger(os.Stderr, level))
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	cobra.EnableCommandSorting = false

	var outType string

	exportCmd := &cobra.Command{
		Use:   "export INPUT OUTPUT",
		Short: "Export a Dolomite checkpoint to the GraniteMoeHybrid layout",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return convert.Export(args[0], args[1], convert.Options{OutType: outType})
		},
	}

	importCmd := &cobra.Command{
		Use:   "import INPUT OUTPUT",
		Short: "Import a GraniteMoeHybrid checkpoint into the Dolomite layout",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return convert.Import(args[0], args[1], convert.Options{OutType: outType})
		},
	}

	for _, c := range []*cobra.Command{exportCmd, importCmd} {
		c.Flags().StringVar(&outType, "out-type", "auto", "Output tensor storage type (auto, f32, f16, bf16)")
	}

	inspectCmd := &cobra.Command{
		Use:   "inspect INPUT",
		Short: "List the tensors of a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspect(args[0])
		},
	}

	rootCmd.AddCommand(
		exportCmd,
		importCmd,
		inspectCmd,
	)

	return rootCmd
}

func inspect(dir string) error {
	ts, err := convert.ListTensors(dir)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("  ")
	table.SetHeader([]string{"NAME", "DTYPE", "SHAPE", "SIZE"})

	var params uint64
	var bytes int64
	for _, t := range ts {
		elements := uint64(1)
		for _, d := range t.Shape() {
			elements *= d
		}

		width, err := safetensors.DTypeSize(t.DType())
		if err != nil {
			// unusual storage types still get listed
			width = 0
		}

		size := int64(elements) * width
		params += elements
		bytes += size

		dims := make([]string, len(t.Shape()))
		for i, d := range t.Shape() {
			dims[i] = fmt.Sprintf("%d", d)
		}

		table.Append([]string{
			t.Name(),
			t.DType(),
			fmt.Sprintf("[%s]", strings.Join(dims, " ")),
			format.HumanBytes(size),
		})
	}

	table.Render()

	fmt.Printf("\n%d tensors, %s parameters, %s\n", len(ts), format.HumanNumber(params), format.HumanBytes(bytes))
	return nil
}
