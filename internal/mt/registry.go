package mt

import (
	"fmt"
	"os"
	"sync"

	"github.com/ptersilie/yk/internal/compile"
)

// DefaultCompilerName is the registry key New uses when neither
// WithCompiler nor YKD_NEW_CODEGEN selects a back end.
const DefaultCompilerName = "asmtrace"

var (
	registryMu sync.Mutex
	registry   = map[string]compile.Compiler{}
)

// RegisterCompiler makes a Compiler available for selection by name, as
// DefaultCompilerName or via the YKD_NEW_CODEGEN environment variable; a
// compiler passed with WithCompiler bypasses the registry. Back ends
// typically call this from an init function.
func RegisterCompiler(name string, c compile.Compiler) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = c
}

// resolveCompiler returns the explicitly configured compiler if set,
// otherwise looks up YKD_NEW_CODEGEN (if set) or DefaultCompilerName in
// the registry.
func resolveCompiler(cfg Config) (compile.Compiler, error) {
	if cfg.compiler != nil {
		return cfg.compiler, nil
	}
	name := DefaultCompilerName
	if v := os.Getenv("YKD_NEW_CODEGEN"); v != "" {
		name = v
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	c, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("mt: no compiler registered under name %q", name)
	}
	return c, nil
}
