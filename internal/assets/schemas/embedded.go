// Package schemasassets provides embedded JSON schemas for standalone binary behavior.
//
// Schemas are embedded at compile time to ensure the CLI and library work
// correctly regardless of the working directory or installation location.
package schemasassets

import _ "embed"

// TrainingRequestSchema is the embedded training-request JSON schema.
//
//go:embed training-request.schema.json
var TrainingRequestSchema []byte
