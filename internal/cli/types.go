package cli

// Process exit codes.
const (
	ExitSuccess      = 0
	ExitRuntimeError = 1
	ExitInvalidUsage = 2
)

// ProgressEvent is one line of command output.
type ProgressEvent struct {
	Type    string `json:"type" yaml:"type"`
	Message string `json:"message,omitempty" yaml:"message,omitempty"`
	Code    string `json:"code,omitempty" yaml:"code,omitempty"`
	Percent int    `json:"percent,omitempty" yaml:"percent,omitempty"`
	Data    any    `json:"data,omitempty" yaml:"data,omitempty"`
}
