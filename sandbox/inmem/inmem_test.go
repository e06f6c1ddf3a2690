package inmem_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/choiros/director/sandbox"
	"github.com/choiros/director/sandbox/inmem"
)

func TestCreateExecWriteFiles(t *testing.T) {
	ctx := context.Background()
	p := inmem.New()

	id, err := p.Create(ctx, "op-1", sandbox.Policy{ExecPermitted: true})
	require.NoError(t, err)

	_, err = p.WriteFiles(ctx, "op-2", id, sandbox.Patch{
		Writes: map[string][]byte{"main.go": []byte("package main")},
	})
	require.NoError(t, err)

	content, ok := p.FileContent(id, "main.go")
	require.True(t, ok)
	require.Equal(t, "package main", string(content))

	var stdout inmem.BufferArtifact
	res, err := p.Exec(ctx, "op-3", id, []string{"go", "build", "./..."}, sandbox.Streams{Stdout: &stdout})
	require.NoError(t, err)
	require.Equal(t, 0, res.ExitCode)
}

func TestExecDeniedByPolicy(t *testing.T) {
	ctx := context.Background()
	p := inmem.New()

	id, err := p.Create(ctx, "op-1", sandbox.Policy{ExecPermitted: false})
	require.NoError(t, err)

	_, err = p.Exec(ctx, "op-2", id, []string{"rm", "-rf", "/"}, sandbox.Streams{})
	require.ErrorIs(t, err, sandbox.ErrDenied)
}

// TestCheckpointRestoreRoundTrip checks that restore brings back the file
// set captured at checkpoint time, discarding a write made after it.
func TestCheckpointRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	p := inmem.New()

	id, err := p.Create(ctx, "op-1", sandbox.Policy{})
	require.NoError(t, err)
	_, err = p.WriteFiles(ctx, "op-2", id, sandbox.Patch{
		Writes: map[string][]byte{"a.txt": []byte("v1")},
	})
	require.NoError(t, err)

	ref, err := p.Checkpoint(ctx, "op-3", id)
	require.NoError(t, err)

	_, err = p.WriteFiles(ctx, "op-4", id, sandbox.Patch{
		Writes: map[string][]byte{"a.txt": []byte("v2")},
	})
	require.NoError(t, err)

	content, _ := p.FileContent(id, "a.txt")
	require.Equal(t, "v2", string(content))

	require.NoError(t, p.Restore(ctx, "op-5", id, ref))
	content, _ = p.FileContent(id, "a.txt")
	require.Equal(t, "v1", string(content))
}

func TestOperationsAreIdempotentByOperationID(t *testing.T) {
	ctx := context.Background()
	p := inmem.New()

	id1, err := p.Create(ctx, "op-1", sandbox.Policy{})
	require.NoError(t, err)
	id2, err := p.Create(ctx, "op-1", sandbox.Policy{})
	require.NoError(t, err)
	require.Equal(t, id1, id2, "replaying the same operation_id must not allocate a second sandbox")
}

func TestDestroyIsIrreversible(t *testing.T) {
	ctx := context.Background()
	p := inmem.New()

	id, err := p.Create(ctx, "op-1", sandbox.Policy{})
	require.NoError(t, err)
	require.NoError(t, p.Destroy(ctx, "op-2", id))

	desc, err := p.Describe(ctx, id)
	require.NoError(t, err)
	require.Equal(t, sandbox.StateDestroyed, desc.State)
}

func TestProxyUnsupportedOnInmemBackend(t *testing.T) {
	ctx := context.Background()
	p := inmem.New()
	id, err := p.Create(ctx, "op-1", sandbox.Policy{})
	require.NoError(t, err)

	_, err = p.Proxy(ctx, id, 8080)
	require.ErrorIs(t, err, sandbox.ErrProxyUnsupported)
}
