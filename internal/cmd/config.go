package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/loraforge/internal/config"
	"github.com/3leaps/loraforge/pkg/request"
	"github.com/3leaps/loraforge/pkg/trainjob"
	"github.com/fulmenhq/gofulmen/foundry"
)

var (
	renderFlags  requestFlags
	renderOutput string
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration and generated training configs",
}

var configRenderCmd = &cobra.Command{
	Use:   "render [input]",
	Short: "Print the training config a request would produce",
	Long: `Build the trainer config for a request without running anything.

Nothing is downloaded, extracted or trained. The output is the YAML document
the trainer would receive.

Examples:
  loraforge config render --steps 500 --trigger-word CYBRPNK
  loraforge config render --request request.yaml --out job.yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConfigRender,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective runtime configuration",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configRenderCmd)
	configCmd.AddCommand(configShowCmd)

	renderFlags.register(configRenderCmd)
	configRenderCmd.Flags().StringVar(&renderOutput, "out", "", "Write the config to a file instead of stdout")
}

func runConfigRender(cmd *cobra.Command, args []string) error {
	cfg, err := currentConfig(commandContext(cmd))
	if err != nil {
		return err
	}

	req, err := renderFlags.build(cmd, args)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid request file", err)
	}
	if err := validateForRender(req); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid training request", err)
	}

	job := renderJob(cfg, req)
	if renderOutput != "" {
		if err := os.MkdirAll(filepath.Dir(renderOutput), 0o755); err != nil {
			return exitError(foundry.ExitFileWriteError, "Cannot create output directory", err)
		}
		if err := job.WriteFile(renderOutput); err != nil {
			return exitError(foundry.ExitFileWriteError, "Cannot write training config", err)
		}
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), renderOutput)
		return nil
	}

	data, err := job.YAML()
	if err != nil {
		return exitError(exitFailure, "Cannot encode training config", err)
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

// validateForRender checks everything but the input, which render never
// reads.
func validateForRender(req request.Request) error {
	if req.Input == "" {
		req.Input = "render.zip"
	}
	return req.Validate()
}

// renderJob builds the job the same way a run would, with pipeline defaults
// filled in for the dataset and training folders.
func renderJob(cfg *config.Config, req request.Request) *trainjob.Job {
	pc := pipelineConfig(cfg)
	opts := pc.Job
	if opts.TrainingFolder == "" {
		opts.TrainingFolder = pc.OutputDir
	}
	if opts.DatasetFolder == "" {
		opts.DatasetFolder = pc.InputDir
	}
	return trainjob.Build(req, opts)
}

// runConfigShow prints the effective config, secrets masked, in config file
// layout.
func runConfigShow(cmd *cobra.Command, _ []string) error {
	cfg, err := currentConfig(commandContext(cmd))
	if err != nil {
		return err
	}

	masked := *cfg
	if masked.Download.Token != "" {
		masked.Download.Token = request.MaskSecret(masked.Download.Token)
	}

	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	defer func() { _ = enc.Close() }()
	return enc.Encode(&masked)
}
