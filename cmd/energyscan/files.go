package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/banshee-data/energyscan/internal/actuator"
	"github.com/banshee-data/energyscan/internal/average"
	"github.com/banshee-data/energyscan/internal/fsutil"
	"github.com/banshee-data/energyscan/internal/serialmux"
	"github.com/banshee-data/energyscan/internal/spectrum"
)

// listPorts is swapped in tests.
var listPorts serialmux.Lister = serialmux.ListPorts

func NewPlotCommand() *cobra.Command {
	var (
		output string
		title  string
	)
	cmd := &cobra.Command{
		Use:     "plot <file.asc>",
		Short:   "Render an average or checkpoint file to PNG",
		GroupID: gCalibration,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := args[0]
			s, err := average.LoadFile(fsutil.OSFileSystem{}, in)
			if err != nil {
				return err
			}
			if output == "" {
				output = strings.TrimSuffix(in, filepath.Ext(in)) + ".png"
			}
			if title == "" {
				title = filepath.Base(in)
			}
			if err := spectrum.SavePlot(output, s, title); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), good("%d points from %s plotted to %s", s.Len(), in, output))
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "PNG path (defaults to the input with .png)")
	cmd.Flags().StringVar(&title, "title", "", "plot title (defaults to the file name)")
	return cmd
}

func NewPortsCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "ports",
		Short:   "List serial ports and mark likely positioner controllers",
		GroupID: gMotion,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ports, err := listPorts()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(ports) == 0 {
				fmt.Fprintln(out, "no serial ports found")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			for _, p := range ports {
				mark := " "
				if actuator.LooksLikeController(p) {
					mark = good("*")
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t\n", mark, p.Name, p.Description)
			}
			return tw.Flush()
		},
	}
}
