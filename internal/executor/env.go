package executor

import (
	"os"
	"strings"
)

// BuildEnv constructs the environment for a resume command. It starts with the
// current process environment, overlays extra, and adds QUALRUN_* variables.
func BuildEnv(extra map[string]string, runID, trigger string) []string {
	envMap := make(map[string]string)
	for _, e := range os.Environ() {
		if k, v, ok := strings.Cut(e, "="); ok {
			envMap[k] = v
		}
	}

	for k, v := range extra {
		envMap[k] = v
	}

	envMap["QUALRUN_RUN_ID"] = runID
	envMap["QUALRUN_TRIGGER"] = trigger

	result := make([]string, 0, len(envMap))
	for k, v := range envMap {
		result = append(result, k+"="+v)
	}
	return result
}
