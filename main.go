package main

import (
	"context"
	"fmt"
	"log"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions holds the values parsed from the command line.
type AppOptions struct {
	DataDir       string
	ConfigFile    string
	OutputFile    string
	Threshold     *float64 // nil keeps the configured threshold
	ThresholdKind string
	NodeType      string
	RenderFormat  string
	Projection    string
	HttpPort      int
	MqttMode      bool
	HttpMode      bool
	Verbose       bool
}

// runFunc executes one subcommand with the parsed options.
type runFunc func(ctx context.Context, command string, opts AppOptions) error

func main() {
	if err := newRootCmd(runCommand).Execute(); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

// runCommand dispatches a subcommand to a fresh App.
func runCommand(ctx context.Context, command string, opts AppOptions) error {
	app := NewApp()
	app.ApplyOptions(opts)
	switch command {
	case "build":
		return app.RunBuild(ctx)
	case "render":
		return app.RunRender(ctx)
	case "serve":
		return app.RunService(ctx)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

// newRootCmd assembles the neuromesh command tree. run receives the parsed
// options of build, render and serve.
func newRootCmd(run runFunc) *cobra.Command {
	var (
		opts      AppOptions
		threshold float64
	)

	rootCmd := &cobra.Command{
		Use:   "neuromesh",
		Short: "Build consensus neuron skeletons from multiple reconstructions",
		Long: `neuromesh merges several SWC reconstructions of the same neuron into a
composite, then extracts the branches a chosen share of the inputs agree on.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.ConfigFile, "config", "c", "", "Path to configuration file (defaults are used when empty)")
	rootCmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "Enable debug logging of the consensus pipeline")

	// withData wraps a subcommand: the optional argument is the data
	// directory and --threshold is only honoured when given.
	withData := func(name string) func(cmd *cobra.Command, args []string) error {
		return func(cmd *cobra.Command, args []string) error {
			o := opts
			o.DataDir = "."
			if len(args) > 0 {
				o.DataDir = args[0]
			}
			if cmd.Flags().Changed("threshold") {
				t := threshold
				o.Threshold = &t
			}
			return run(cmd.Context(), name, o)
		}
	}
	addConsensusFlags := func(cmd *cobra.Command) {
		cmd.Flags().Float64VarP(&threshold, "threshold", "t", 0, "Branch confidence threshold (default from config)")
		cmd.Flags().StringVarP(&opts.ThresholdKind, "kind", "k", "", "Threshold kind: proportion or votes")
	}

	buildCmd := &cobra.Command{
		Use:   "build [dir]",
		Short: "Build the consensus of every SWC file in dir and write it as SWC",
		Args:  cobra.MaximumNArgs(1),
		RunE:  withData("build"),
	}
	addConsensusFlags(buildCmd)
	buildCmd.Flags().StringVarP(&opts.OutputFile, "output", "o", "", "Output SWC or ESWC file (default consensus.swc)")
	buildCmd.Flags().StringVar(&opts.NodeType, "node-type", "branch", "SWC type column: branch or connection confidence")

	renderCmd := &cobra.Command{
		Use:   "render [dir]",
		Short: "Build the consensus and draw it as SVG or PNG",
		Args:  cobra.MaximumNArgs(1),
		RunE:  withData("render"),
	}
	addConsensusFlags(renderCmd)
	renderCmd.Flags().StringVarP(&opts.OutputFile, "output", "o", "", "Output image (default consensus.<format>)")
	renderCmd.Flags().StringVarP(&opts.RenderFormat, "format", "f", "", "Image format: svg or png")
	renderCmd.Flags().StringVarP(&opts.Projection, "projection", "p", "", "Projection plane: xy, xz or yz")

	serveCmd := &cobra.Command{
		Use:   "serve [dir]",
		Short: "Serve the consensus over HTTP and publish it to MQTT",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !opts.MqttMode && !opts.HttpMode {
				return fmt.Errorf("enable at least one of --http or --mqtt")
			}
			return withData("serve")(cmd, args)
		},
	}
	addConsensusFlags(serveCmd)
	serveCmd.Flags().BoolVar(&opts.HttpMode, "http", true, "Enable the HTTP server")
	serveCmd.Flags().BoolVar(&opts.MqttMode, "mqtt", false, "Publish to the configured MQTT broker")
	serveCmd.Flags().IntVar(&opts.HttpPort, "port", 0, "HTTP server port (default from config)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the neuromesh version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "neuromesh version: %s\n", Version)
		},
	}

	rootCmd.AddCommand(buildCmd, renderCmd, serveCmd, versionCmd)
	return rootCmd
}
