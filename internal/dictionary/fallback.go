package dictionary

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Fallback holds operator-supplied ids used when the upstream load fails or
// omits a required entry. Only positive integers are accepted.
type Fallback struct {
	ids map[Kind]map[string]int
}

// Lookup returns the fallback id for kind/name.
func (f Fallback) Lookup(kind Kind, name string) (int, bool) {
	if f.ids == nil {
		return 0, false
	}
	id, ok := f.ids[kind.Normalize()][normalizeName(name)]
	return id, ok
}

// Len returns the number of usable fallback ids.
func (f Fallback) Len() int {
	n := 0
	for _, m := range f.ids {
		n += len(m)
	}
	return n
}

// ParseFallback builds a Fallback from raw name → value tables keyed by
// dictionary. Later sources override earlier ones. Values that are not
// positive integers are skipped and reported as problems; they never abort.
func ParseFallback(sources ...map[string]map[string]string) (Fallback, []string) {
	f := Fallback{ids: make(map[Kind]map[string]int)}
	var problems []string

	for _, src := range sources {
		for rawKind, entries := range src {
			kind := Kind(rawKind).Normalize()
			for rawName, rawVal := range entries {
				name := normalizeName(rawName)
				val := strings.TrimSpace(rawVal)
				if name == "" || val == "" {
					continue
				}
				id, err := strconv.Atoi(val)
				if err != nil || id <= 0 {
					problems = append(problems, fmt.Sprintf("%s: not a positive integer", EnvVarName(kind, name)))
					continue
				}
				if f.ids[kind] == nil {
					f.ids[kind] = make(map[string]int)
				}
				f.ids[kind][name] = id
			}
		}
	}
	return f, problems
}

// LoadFallbackFile reads a YAML fallback table, expanding ${VAR} and $VAR
// references from the environment first:
//
//	status:
//	  new: 1
//	  in progress: ${STATUS_IN_PROGRESS_ID}
//	priority:
//	  normal: 8
func LoadFallbackFile(path string) (map[string]map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("dictionary fallback: read %s: %w", path, err)
	}
	return parseFallbackYAML(raw)
}

func parseFallbackYAML(data []byte) (map[string]map[string]string, error) {
	var out map[string]map[string]string
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &out); err != nil {
		return nil, fmt.Errorf("dictionary fallback: parse: %w", err)
	}
	return out, nil
}

// envVarPattern matches ${VAR_NAME} and $VAR_NAME.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces ${VAR} and $VAR with the corresponding environment
// variable value. Missing vars are replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := strings.TrimPrefix(match, "${")
		name = strings.TrimSuffix(name, "}")
		name = strings.TrimPrefix(name, "$")
		return os.Getenv(name)
	})
}
