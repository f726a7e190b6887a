package request

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/fulmenhq/gofulmen/schema"

	schemasassets "github.com/3leaps/loraforge/internal/assets/schemas"
)

// SchemaID is the schema identifier for training request files.
const SchemaID = "loraforge/v1.0.0/training-request"

var (
	ErrSchemaNotFound   = errors.New("training request schema not found")
	ErrValidationFailed = errors.New("training request validation failed")
)

// ValidationError is one rejected field. Field is a JSON pointer for
// schema failures.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// ValidationErrors matches ErrValidationFailed under errors.Is.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	switch len(e) {
	case 0:
		return ErrValidationFailed.Error()
	case 1:
		return e[0].Error()
	}
	lines := make([]string, 0, len(e)+1)
	lines = append(lines, fmt.Sprintf("%s (%d problems):", ErrValidationFailed, len(e)))
	for _, v := range e {
		lines = append(lines, "  - "+v.Error())
	}
	return strings.Join(lines, "\n")
}

func (e ValidationErrors) Unwrap() error { return ErrValidationFailed }

// Validate checks field bounds. It returns nil or ValidationErrors.
func (r Request) Validate() error {
	var errs ValidationErrors
	if strings.TrimSpace(r.Input) == "" {
		errs = append(errs, ValidationError{Field: "input", Message: "is required"})
	}
	if r.Steps < MinSteps || r.Steps > MaxSteps {
		errs = append(errs, ValidationError{Field: "steps", Message: fmt.Sprintf("must be between %d and %d, got %d", MinSteps, MaxSteps, r.Steps)})
	}
	if !(r.LearningRate > 0) {
		errs = append(errs, ValidationError{Field: "learning_rate", Message: fmt.Sprintf("must be positive, got %g", r.LearningRate)})
	}
	if r.BatchSize <= 0 {
		errs = append(errs, ValidationError{Field: "batch_size", Message: fmt.Sprintf("must be positive, got %d", r.BatchSize)})
	}
	if repo := strings.TrimSpace(r.RepoID); repo != "" && !validRepoID(repo) {
		errs = append(errs, ValidationError{Field: "hf_repo_id", Message: fmt.Sprintf("must be owner/name, got %q", repo)})
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// validRepoID mirrors the hub's owner/name rule so a bad id fails before training.
func validRepoID(repo string) bool {
	owner, name, ok := strings.Cut(repo, "/")
	return ok && owner != "" && name != "" && !strings.Contains(name, "/")
}

// ValidateRaw checks raw JSON against the embedded request schema,
// including rejection of unknown fields.
func ValidateRaw(jsonData []byte) error {
	v, err := getValidator()
	if err != nil {
		return err
	}

	diags, err := v.ValidateJSON(jsonData)
	if err != nil {
		return fmt.Errorf("validate against %s: %w", SchemaID, err)
	}

	var errs ValidationErrors
	for _, d := range diags {
		if d.Severity == schema.SeverityError {
			errs = append(errs, ValidationError{Field: d.Pointer, Message: d.Message})
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

var getValidator = sync.OnceValues(func() (*schema.Validator, error) {
	if len(schemasassets.TrainingRequestSchema) == 0 {
		return nil, fmt.Errorf("%w: embedded training-request schema is empty", ErrSchemaNotFound)
	}
	v, err := schema.NewValidator(schemasassets.TrainingRequestSchema)
	if err != nil {
		return nil, fmt.Errorf("compile training request schema: %w", err)
	}
	return v, nil
})
