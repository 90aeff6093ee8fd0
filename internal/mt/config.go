package mt

import (
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/ptersilie/yk/internal/compile"
	"github.com/ptersilie/yk/internal/trace"
)

// Config holds MT's process-wide configuration, assembled via New's
// functional options.
type Config struct {
	hotThreshold       uint32
	sidetraceThreshold uint32
	workerCount        int
	queueWaitTimeout   time.Duration
	logger             *zap.Logger
	compiler           compile.Compiler
	tracer             trace.Tracer
	debugInfo          bool
}

// Option configures an MT at construction time, in the same
// functional-options style wazero's RuntimeConfig uses for its With*
// methods.
type Option func(*Config)

// WithHotThreshold sets the number of visits a Counter location tolerates
// before tracing starts. Default: 50.
func WithHotThreshold(n uint32) Option {
	return func(c *Config) { c.hotThreshold = n }
}

// WithSidetraceThreshold sets the number of times a guard must fail
// before a side trace is scheduled from it. Default: 5.
func WithSidetraceThreshold(n uint32) Option {
	return func(c *Config) { c.sidetraceThreshold = n }
}

// WithWorkerCount bounds the number of compile jobs running concurrently.
// Default: 4.
func WithWorkerCount(n int) Option {
	return func(c *Config) { c.workerCount = n }
}

// WithLogger sets the structured logger MT and the components it owns
// log through. Default: zap.NewNop() (no log line is load-bearing for
// correctness).
func WithLogger(l *zap.Logger) Option {
	return func(c *Config) { c.logger = l }
}

// WithCompiler sets the back end used to compile traces. Default: the
// compiler registered under DefaultCompilerName, or whatever
// YKD_NEW_CODEGEN names if set.
func WithCompiler(comp compile.Compiler) Option {
	return func(c *Config) { c.compiler = comp }
}

// WithTracer sets the trace recorder back end. Default: none; New
// returns an error if no tracer is configured and none can be selected.
func WithTracer(t trace.Tracer) Option {
	return func(c *Config) { c.tracer = t }
}

// WithQueueWaitTimeout bounds how long a compile job waits for a free
// worker slot before failing temporarily. Default: 5s.
func WithQueueWaitTimeout(d time.Duration) Option {
	return func(c *Config) { c.queueWaitTimeout = d }
}

func defaultConfig() Config {
	return Config{
		hotThreshold:       50,
		sidetraceThreshold: 5,
		workerCount:        4,
		queueWaitTimeout:   5 * time.Second,
		logger:             zap.NewNop(),
		debugInfo:          os.Getenv("YKD_TRACE_DEBUGINFO") != "",
	}
}
