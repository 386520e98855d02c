package main

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"automation-engine/pkg/config"
	"automation-engine/services/workflow"
)

func TestOpenStores_Memory(t *testing.T) {
	cfg := &config.Config{Seed: true}

	st, err := openStores(context.Background(), cfg)
	require.NoError(t, err)
	defer st.close()

	assert.IsType(t, &workflow.MemoryWorkflowStore{}, st.workflows)
	assert.IsType(t, &workflow.MemoryExecutionStore{}, st.executions)

	wf, err := st.workflows.Get(context.Background(), workflow.SampleWorkflowID)
	require.NoError(t, err)
	assert.Equal(t, "Assistant Reply", wf.Name)
}

func TestOpenStores_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := &config.Config{Redis: config.RedisConfig{Addr: mr.Addr()}}

	st, err := openStores(context.Background(), cfg)
	require.NoError(t, err)
	defer st.close()

	assert.IsType(t, &workflow.RedisExecutionStore{}, st.executions)
	_, err = st.workflows.Get(context.Background(), workflow.SampleWorkflowID)
	assert.ErrorIs(t, err, workflow.ErrWorkflowNotFound)
}

func TestOpenStores_RedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := openStores(context.Background(), &config.Config{Redis: config.RedisConfig{Addr: addr}})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect redis")
}

func TestMigrateCommand_RequiresDatabase(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("AUTOMATION_DATABASE_URL", "")

	cmd := newRootCommand()
	cmd.SetArgs([]string{"migrate", "--log-level", "error"})

	err := cmd.ExecuteContext(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.url is not set")
}
