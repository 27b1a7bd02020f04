package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/epr-ch/vaccination/internal/fhir/r4"
)

func convertCmd() *cobra.Command {
	var (
		to  string
		out string
	)
	cmd := &cobra.Command{
		Use:   "convert [file]",
		Short: "Convert a FHIR document between JSON and XML",
		Long: "Convert reads a FHIR Bundle from file (or stdin when file is - or omitted)\n" +
			"and writes it in the requested format.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := r4.ParseFormat(to)
			if err != nil {
				return err
			}

			in := "-"
			if len(args) == 1 {
				in = args[0]
			}
			data, err := readInput(cmd.InOrStdin(), in)
			if err != nil {
				return err
			}

			converted, err := r4.NewCodec(zap.NewNop()).Convert(data, format)
			if err != nil {
				return fmt.Errorf("convert %s: %w", in, err)
			}

			if out == "" || out == "-" {
				_, err = cmd.OutOrStdout().Write(converted)
				return err
			}
			return os.WriteFile(out, converted, 0o644)
		},
	}
	cmd.Flags().StringVar(&to, "to", "xml", "output format (json or xml)")
	cmd.Flags().StringVarP(&out, "output", "o", "", "output file (default stdout)")
	return cmd
}

func readInput(stdin io.Reader, name string) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(name)
}
