// Package templatesassets provides embedded document templates.
package templatesassets

import _ "embed"

// LoraReadme is the model card written next to published weights.
//
//go:embed lora-readme.md
var LoraReadme string
