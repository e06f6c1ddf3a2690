package allowlist_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/choiros/director/verifier/allowlist"
)

const validDoc = `
verifiers:
  - id: lint
    type: lint
    command: ["golangci-lint", "run"]
    priority: 10
    declared_independent: true
  - id: unit_test
    type: unit_test
    command: ["go", "test", "./..."]
    priority: 20
    required_capabilities: ["exec"]
`

func TestLoadValidDocument(t *testing.T) {
	entries, err := allowlist.Load([]byte(validDoc))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "lint", entries[0].ID)
	require.True(t, entries[0].DeclaredIndependent)
	require.Equal(t, []string{"exec"}, entries[1].RequiredCapabilities)
}

func TestLoadRejectsMissingRequiredFields(t *testing.T) {
	_, err := allowlist.Load([]byte(`verifiers: [{id: "x"}]`))
	require.Error(t, err)
}

func TestLoadRejectsDuplicateIDs(t *testing.T) {
	_, err := allowlist.Load([]byte(`
verifiers:
  - id: lint
    type: lint
    command: ["a"]
  - id: lint
    type: lint
    command: ["b"]
`))
	require.ErrorContains(t, err, "duplicate verifier id")
}
