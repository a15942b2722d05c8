package specviz

import "log/slog"

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all overrides after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	port        int
	bridgeURL   string
	mode        string
	historyPath string
	historySet  bool
	logger      *slog.Logger
	version     string
}

// WithPort overrides the TCP port from config (SPECVIZ_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithBridgeURL overrides the bridge base URL from config (SPECVIZ_BRIDGE_URL
// env var).
func WithBridgeURL(url string) Option {
	return func(o *resolvedOptions) { o.bridgeURL = url }
}

// WithMode overrides the run mode from config (SPECVIZ_MODE env var).
// Valid values are "auto", "demo", and "live".
func WithMode(mode string) Option {
	return func(o *resolvedOptions) { o.mode = mode }
}

// WithHistoryPath overrides the sqlite history path from config
// (SPECVIZ_HISTORY_PATH env var). An empty path disables run history.
func WithHistoryPath(path string) Option {
	return func(o *resolvedOptions) {
		o.historyPath = path
		o.historySet = true
	}
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}
