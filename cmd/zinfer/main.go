// Command zinfer translates ONNX models into ZMF network definitions,
// analyzes how much of a model is translatable, and inspects both
// formats.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/zerfoo/zinfer/pkg/downloader"
	"github.com/zerfoo/zinfer/pkg/engine"
	"github.com/zerfoo/zinfer/pkg/exporter"
	"github.com/zerfoo/zinfer/pkg/importer"
	"github.com/zerfoo/zinfer/pkg/inspector"
)

func main() {
	klog.InitFlags(nil)
	defer klog.Flush()

	root := &cobra.Command{
		Use:          "zinfer",
		Short:        "zinfer converts ONNX models to ZMF network definitions",
		SilenceUsage: true,
	}
	root.PersistentFlags().AddGoFlagSet(flag.CommandLine)

	root.AddCommand(newConvertCmd())
	root.AddCommand(newCheckCmd())
	root.AddCommand(newInspectCmd())
	root.AddCommand(newDownloadCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// parseShape turns "1,3,224,224" into dimensions; "?" or negative
// entries mean dynamic.
func parseShape(s string) ([]int64, error) {
	parts := strings.Split(s, ",")
	dims := make([]int64, len(parts))
	for i, part := range parts {
		part = strings.TrimSpace(part)
		if part == "?" {
			dims[i] = -1
			continue
		}
		v, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid dimension %q: %w", part, err)
		}
		dims[i] = v
	}
	return dims, nil
}

func newImporter(shapes []string) (*engine.Network, *importer.ModelImporter, error) {
	network := engine.NewNetwork()
	imp := importer.NewModelImporter(network, importer.NewOpRegistry())
	if len(shapes) > 0 {
		dims := make([][]int64, len(shapes))
		for i, s := range shapes {
			d, err := parseShape(s)
			if err != nil {
				return nil, nil, err
			}
			dims[i] = d
		}
		imp.SetInputDimensions(dims)
	}
	return network, imp, nil
}

func reportErrors(imp *importer.ModelImporter) {
	for _, e := range imp.Errors() {
		fmt.Fprintln(os.Stderr, e.Error())
	}
}

func newConvertCmd() *cobra.Command {
	var output string
	var shapes []string

	cmd := &cobra.Command{
		Use:   "convert <model.onnx>",
		Short: "Translate an ONNX model and save it as ZMF",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inputFile := args[0]
			if output == "" {
				base := filepath.Base(inputFile)
				output = strings.TrimSuffix(base, filepath.Ext(base)) + ".zmf"
			}

			network, imp, err := newImporter(shapes)
			if err != nil {
				return err
			}
			if err := imp.ParseFromFile(inputFile); err != nil {
				reportErrors(imp)
				return fmt.Errorf("failed to import %s", inputFile)
			}
			if err := exporter.Save(network, output); err != nil {
				return err
			}
			fmt.Printf("Converted %s (%d layers) to %s\n", inputFile, network.NumLayers(), output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "path for the converted ZMF file")
	cmd.Flags().StringArrayVar(&shapes, "shape", nil, "override an input shape, positionally (e.g. 1,3,224,224)")
	return cmd
}

func newCheckCmd() *cobra.Command {
	var shapes []string

	cmd := &cobra.Command{
		Use:   "check <model.onnx>",
		Short: "Report which regions of a model are translatable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			_, imp, err := newImporter(shapes)
			if err != nil {
				return err
			}
			partitions, supported := imp.SupportsModel(data)
			if supported {
				fmt.Println("Model is fully supported.")
			} else {
				fmt.Println("Model is not fully supported.")
				reportErrors(imp)
			}
			for i, sub := range partitions {
				status := "unknown"
				if sub.Supported {
					status = "supported"
				}
				fmt.Printf("Partition %d (%s): nodes %v\n", i, status, sub.NodeIndices)
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&shapes, "shape", nil, "override an input shape, positionally (e.g. 1,3,224,224)")
	return cmd
}

func newInspectCmd() *cobra.Command {
	var fileType string

	cmd := &cobra.Command{
		Use:   "inspect <model>",
		Short: "Print a summary of an ONNX or ZMF model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inputFile := args[0]
			kind := fileType
			if kind == "" {
				kind = strings.TrimPrefix(filepath.Ext(inputFile), ".")
			}
			switch strings.ToLower(kind) {
			case "onnx":
				return inspector.InspectONNX(os.Stdout, inputFile)
			case "zmf":
				return inspector.InspectZMF(os.Stdout, inputFile)
			default:
				return fmt.Errorf("unknown model type %q; use --type onnx or --type zmf", kind)
			}
		},
	}
	cmd.Flags().StringVar(&fileType, "type", "", "model type: onnx or zmf (default: by extension)")
	return cmd
}

func newDownloadCmd() *cobra.Command {
	var destination string

	cmd := &cobra.Command{
		Use:   "download <model-id>",
		Short: "Download an ONNX model from HuggingFace Hub",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d := downloader.NewDownloader(downloader.NewHuggingFaceSource())
			result, err := d.Download(args[0], destination)
			if err != nil {
				return err
			}
			fmt.Printf("Downloaded model to %s\n", result.ModelPath)
			for _, path := range result.DataPaths {
				fmt.Printf("Downloaded weight payload to %s\n", path)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&destination, "destination", "d", ".", "directory to download into")
	return cmd
}
