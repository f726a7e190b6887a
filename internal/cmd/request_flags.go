package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/3leaps/loraforge/pkg/request"
)

// tokenEnv is read when neither the request file nor --hf-token supplies a
// registry token.
const tokenEnv = "HF_TOKEN"

type requestFlags struct {
	requestPath       string
	triggerWord       string
	autocaption       bool
	autocaptionPrefix string
	autocaptionSuffix string
	steps             int
	learningRate      float64
	batchSize         int
	repoID            string
	token             string
}

func (f *requestFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVarP(&f.requestPath, "request", "r", "", "Request file (YAML or JSON); flags override its values")
	fs.StringVar(&f.triggerWord, "trigger-word", request.DefaultTriggerWord, "Word that activates the trained concept")
	fs.BoolVar(&f.autocaption, "autocaption", request.DefaultAutocaption, "Caption images that have no caption file")
	fs.StringVar(&f.autocaptionPrefix, "autocaption-prefix", "", "Text prepended to every generated caption")
	fs.StringVar(&f.autocaptionSuffix, "autocaption-suffix", "", "Text appended to every generated caption")
	fs.IntVar(&f.steps, "steps", request.DefaultSteps, fmt.Sprintf("Training steps (%d-%d)", request.MinSteps, request.MaxSteps))
	fs.Float64Var(&f.learningRate, "learning-rate", request.DefaultLearningRate, "Optimizer learning rate")
	fs.IntVar(&f.batchSize, "batch-size", request.DefaultBatchSize, "Training batch size")
	fs.StringVar(&f.repoID, "hf-repo-id", "", "Registry repository to publish to (owner/name)")
	fs.StringVar(&f.token, "hf-token", "", "Registry write token (default: $"+tokenEnv+")")
}

// build assembles a request from defaults, the request file, positional
// input and explicitly set flags, in that order.
func (f *requestFlags) build(cmd *cobra.Command, args []string) (request.Request, error) {
	req := request.Default()
	if f.requestPath != "" {
		loaded, err := request.Load(f.requestPath)
		if err != nil {
			return request.Request{}, err
		}
		req = *loaded
	}
	if len(args) > 0 {
		req.Input = strings.TrimSpace(args[0])
	}

	fs := cmd.Flags()
	if fs.Changed("trigger-word") {
		req.TriggerWord = f.triggerWord
	}
	if fs.Changed("autocaption") {
		req.Autocaption = f.autocaption
	}
	if fs.Changed("autocaption-prefix") {
		req.AutocaptionPrefix = f.autocaptionPrefix
	}
	if fs.Changed("autocaption-suffix") {
		req.AutocaptionSuffix = f.autocaptionSuffix
	}
	if fs.Changed("steps") {
		req.Steps = f.steps
	}
	if fs.Changed("learning-rate") {
		req.LearningRate = f.learningRate
	}
	if fs.Changed("batch-size") {
		req.BatchSize = f.batchSize
	}
	if fs.Changed("hf-repo-id") {
		req.RepoID = strings.TrimSpace(f.repoID)
	}
	if fs.Changed("hf-token") {
		req.Token = f.token
	}
	if req.Token == "" {
		req.Token = os.Getenv(tokenEnv)
	}
	return req, nil
}
