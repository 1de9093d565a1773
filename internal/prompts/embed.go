// Package prompts provides the phase prompt templates with override support.
package prompts

import "embed"

//go:embed phases/*.md
var embeddedFS embed.FS
