package config

import (
	"os"

	"github.com/eboa-io/eboa/internal/faults"
)

// ResourcesPathEnvVar names the directory holding EBOA resources (.eboa.yaml and
// parser resources).
const ResourcesPathEnvVar = "EBOA_RESOURCES_PATH"

// ResourcesPath returns the configured resources directory.
//
// An unset variable is not an error: the returned path is empty and callers fall
// back to the working directory. A variable pointing at a missing path or at a
// file is a ResourcePathError, which is fatal at startup.
func ResourcesPath() (string, error) {
	path := GetEnvStr(ResourcesPathEnvVar, "")
	if path == "" {
		return "", nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", faults.Wrap(faults.ResourcePathError, err, "resources path is not accessible").
			With("variable", ResourcesPathEnvVar).
			With("path", path)
	}

	if !info.IsDir() {
		return "", faults.New(faults.ResourcePathError, "resources path is not a directory").
			With("variable", ResourcesPathEnvVar).
			With("path", path)
	}

	return path, nil
}
