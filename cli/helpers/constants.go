package helpers

// ContextKey is a custom type for context keys to avoid string collisions
type ContextKey string

const (
	// FormatKey is the context key for the resolved output format
	FormatKey ContextKey = "output_format"
)

// OutputFormat represents different output formats
type OutputFormat string

const (
	OutputFormatAuto  OutputFormat = "auto"
	OutputFormatJSON  OutputFormat = "json"
	OutputFormatTable OutputFormat = "table"
	OutputFormatYAML  OutputFormat = "yaml"
)

const (
	DefaultConfigFile = "skynet.yaml"
	DefaultEnvFile    = ".env"
)
