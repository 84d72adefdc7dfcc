package aliasing

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), ".eboa.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadConfig_ValidYAML(t *testing.T) {
	path := writeConfig(t, `
explicit_reference_aliases:
  GS2A_20180605T020703_DS: S2A_OPER_MSI_L0__DS_20180605T020703
explicit_reference_patterns:
  - pattern: "{sat}_OPER_MSI_L0__DS_{rest*}"
    canonical: "{sat}_DS_{rest}"
`)

	cfg, err := LoadConfig(path)

	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, "S2A_OPER_MSI_L0__DS_20180605T020703", cfg.ExplicitRefAliases["GS2A_20180605T020703_DS"])
	require.Len(t, cfg.ExplicitRefPatterns, 1)
	assert.Equal(t, "{sat}_OPER_MSI_L0__DS_{rest*}", cfg.ExplicitRefPatterns[0].Pattern)
	assert.Equal(t, "{sat}_DS_{rest}", cfg.ExplicitRefPatterns[0].Canonical)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	cfg, err := LoadConfig("/nonexistent/path/.eboa.yaml")

	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Empty(t, cfg.ExplicitRefAliases)
	assert.Empty(t, cfg.ExplicitRefPatterns)
}

func TestLoadConfig_DegradesToEmpty(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "invalid yaml", content: "explicit_reference_patterns:\n  - pattern: [invalid yaml\n"},
		{name: "only comments", content: "# nothing\n# here\n"},
		{name: "empty file", content: ""},
		{name: "empty sections", content: "explicit_reference_aliases:\nexplicit_reference_patterns:\n"},
		{name: "unrelated keys", content: "some_other_config:\n  key: value\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadConfig(writeConfig(t, tt.content))

			require.NoError(t, err)
			require.NotNil(t, cfg)
			assert.NotNil(t, cfg.ExplicitRefAliases)
			assert.Empty(t, cfg.ExplicitRefAliases)
			assert.Empty(t, cfg.ExplicitRefPatterns)
		})
	}
}

func TestLoadConfigFromEnv_CustomPath(t *testing.T) {
	path := writeConfig(t, `
explicit_reference_aliases:
  ORBIT_1: S2A_ORBIT_1
`)
	t.Setenv(ConfigPathEnvVar, path)

	cfg, err := LoadConfigFromEnv()

	require.NoError(t, err)
	assert.Equal(t, "S2A_ORBIT_1", cfg.ExplicitRefAliases["ORBIT_1"])
}

func TestLoadConfigFromEnv_ResourcesPath(t *testing.T) {
	path := writeConfig(t, `
explicit_reference_aliases:
  ORBIT_2: S2A_ORBIT_2
`)
	t.Setenv(ConfigPathEnvVar, "")
	t.Setenv("EBOA_RESOURCES_PATH", filepath.Dir(path))

	cfg, err := LoadConfigFromEnv()

	require.NoError(t, err)
	assert.Equal(t, "S2A_ORBIT_2", cfg.ExplicitRefAliases["ORBIT_2"])
}
