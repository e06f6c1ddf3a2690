package config_test

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/choiros/director/config"
	"github.com/choiros/director/mood"
)

func TestLoadParsesBundledDirectorYAML(t *testing.T) {
	raw, err := os.ReadFile("../director.yaml")
	require.NoError(t, err)

	result, err := config.Parse(raw)
	require.NoError(t, err)
	require.Equal(t, "director", result.Namespace)
	require.Len(t, result.Mood.Profiles, 8)
	require.NotEmpty(t, result.Verifiers)

	engine, err := mood.NewEngine(result.Mood)
	require.NoError(t, err)
	require.NotNil(t, engine)
}

func TestParseRejectsMissingNamespace(t *testing.T) {
	raw := []byte(`
version: "1"
moods:
  CALM:
    tool_allowlist: ["fs.read"]
    model_tier: standard
`)
	_, err := config.Parse(raw)
	require.Error(t, err)
}

func TestParseRejectsIncompleteMoods(t *testing.T) {
	raw := []byte(`
version: "1"
namespace: director
moods:
  CALM:
    tool_allowlist: ["fs.read"]
    model_tier: standard
`)
	_, err := config.Parse(raw)
	require.Error(t, err)
	require.True(t, errors.Is(err, config.ErrInvalidConfig))
}

func TestParseRejectsSchemaViolation(t *testing.T) {
	raw := []byte(`
version: "1"
namespace: director
moods:
  CALM:
    tool_allowlist: ["fs.read"]
    model_tier: standard
    sandbox:
      egress: not-a-real-mode
`)
	_, err := config.Parse(raw)
	require.Error(t, err)
	require.True(t, errors.Is(err, config.ErrInvalidConfig))
}

func TestParseRejectsDuplicateVerifierIDs(t *testing.T) {
	raw, err := os.ReadFile("../director.yaml")
	require.NoError(t, err)
	raw = append(raw, []byte(`
  - id: lint-go
    type: lint
    command_template: ["echo", "dup"]
`)...)

	_, err = config.Parse(raw)
	require.Error(t, err)
}

func TestLoadWrapsFileErrors(t *testing.T) {
	_, err := config.Load("/nonexistent/director.yaml")
	require.Error(t, err)
}
