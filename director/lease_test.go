package director_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/choiros/director/director"
)

func TestLeaseManagerDeniesConcurrentWriteLeases(t *testing.T) {
	m := director.NewLeaseManager()
	_, err := m.Grant(context.Background(), "run-1", director.SyscallWriteFS, "workspace-a", 0, -1)
	require.NoError(t, err)

	_, err = m.Grant(context.Background(), "run-2", director.SyscallWriteFS, "workspace-a", 0, -1)
	require.Error(t, err)
	require.True(t, errors.Is(err, director.ErrLeaseHeld))
}

func TestLeaseManagerGrantsAfterRevoke(t *testing.T) {
	m := director.NewLeaseManager()
	lease, err := m.Grant(context.Background(), "run-1", director.SyscallWriteFS, "workspace-a", 0, -1)
	require.NoError(t, err)

	m.Revoke(lease.ID)

	_, err = m.Grant(context.Background(), "run-2", director.SyscallWriteFS, "workspace-a", 0, -1)
	require.NoError(t, err)
}

func TestLeaseManagerExpiresByTTL(t *testing.T) {
	m := director.NewLeaseManager()
	lease, err := m.Grant(context.Background(), "run-1", director.SyscallWriteFS, "workspace-a", time.Millisecond, -1)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	err = m.Consume(lease.ID, 1)
	require.Error(t, err)

	_, err = m.Grant(context.Background(), "run-2", director.SyscallWriteFS, "workspace-a", 0, -1)
	require.NoError(t, err)
}

func TestLeaseManagerConsumeRespectsBudget(t *testing.T) {
	m := director.NewLeaseManager()
	lease, err := m.Grant(context.Background(), "run-1", director.SyscallExec, "sandbox-1", 0, 2)
	require.NoError(t, err)

	require.NoError(t, m.Consume(lease.ID, 1))
	require.NoError(t, m.Consume(lease.ID, 1))
	err = m.Consume(lease.ID, 1)
	require.Error(t, err)
}

func TestLeaseManagerRevokeAllForRun(t *testing.T) {
	m := director.NewLeaseManager()
	_, err := m.Grant(context.Background(), "run-1", director.SyscallWriteFS, "workspace-a", 0, -1)
	require.NoError(t, err)
	_, err = m.Grant(context.Background(), "run-1", director.SyscallExec, "sandbox-1", 0, -1)
	require.NoError(t, err)

	m.RevokeAllForRun("run-1")

	_, err = m.Grant(context.Background(), "run-2", director.SyscallWriteFS, "workspace-a", 0, -1)
	require.NoError(t, err)
}
