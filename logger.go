package buildcache

// Fields is a minimal structured field map for logs.
type Fields map[string]any

// Logger is the leveled logger the cache reports through: resets at Info,
// resource-exhaustion retries at Warn, failed handle releases at Error and
// build failures at Debug. Adapters live in log/zap, log/logrus and log/slog.
type Logger interface {
	Debug(msg string, f Fields)
	Info(msg string, f Fields)
	Warn(msg string, f Fields)
	Error(msg string, f Fields)
}

// NopLogger drops every message. New uses it when Options.Logger is nil.
type NopLogger struct{}

func (NopLogger) Debug(string, Fields) {}
func (NopLogger) Info(string, Fields)  {}
func (NopLogger) Warn(string, Fields)  {}
func (NopLogger) Error(string, Fields) {}
