// Package trainer is the boundary to the external LoRA trainer.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/3leaps/loraforge/pkg/trainjob"
)

// ErrTraining wraps every trainer failure.
var ErrTraining = errors.New("training failed")

// Executor runs one training job.
type Executor interface {
	// Run blocks until the trainer exits. On success the job's output
	// directory holds the weights and optimizer checkpoint.
	Run(ctx context.Context, job *trainjob.Job) error

	// Cleanup releases anything the run held.
	Cleanup() error
}

// CheckPreconditions verifies the job references an existing model and an
// existing, non-empty dataset folder.
func CheckPreconditions(job *trainjob.Job) error {
	p := job.Primary()
	if p == nil {
		return fmt.Errorf("%w: job has no process", ErrTraining)
	}

	if _, err := os.Stat(p.Model.NameOrPath); err != nil {
		return fmt.Errorf("%w: model %s: %v", ErrTraining, p.Model.NameOrPath, err)
	}

	for _, ds := range p.Datasets {
		entries, err := os.ReadDir(ds.FolderPath)
		if err != nil {
			return fmt.Errorf("%w: dataset %s: %v", ErrTraining, ds.FolderPath, err)
		}
		if len(entries) == 0 {
			return fmt.Errorf("%w: dataset %s is empty", ErrTraining, ds.FolderPath)
		}
	}
	return nil
}

// CheckOutputs verifies the trainer left at least one weights file in the
// job's output directory.
func CheckOutputs(job *trainjob.Job) error {
	dir := job.OutputDir()
	matches, err := filepath.Glob(filepath.Join(dir, "*.safetensors"))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTraining, err)
	}
	if len(matches) == 0 {
		return fmt.Errorf("%w: no weights written to %s", ErrTraining, dir)
	}
	return nil
}

// ConfigFileName is the name of the job document handed to the trainer.
const ConfigFileName = "job.yaml"

func configArg(args []string, path string) []string {
	out := make([]string, 0, len(args)+1)
	replaced := false
	for _, a := range args {
		if strings.Contains(a, "{config}") {
			out = append(out, strings.ReplaceAll(a, "{config}", path))
			replaced = true
			continue
		}
		out = append(out, a)
	}
	if !replaced {
		out = append(out, path)
	}
	return out
}
