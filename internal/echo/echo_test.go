// ABOUTME: Tests for the offline agents wired through the real registry, invoker and delegator
// ABOUTME: Exercises direct, single and chained routing plus simulated outages

package echo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-crew/internal/agent"
	"github.com/2389/coven-crew/internal/delegation"
	"github.com/2389/coven-crew/internal/retry"
)

func noSleep(context.Context, time.Duration) error { return nil }

func newCrew(t *testing.T, researchOpts ...Option) *agent.Invoker {
	t.Helper()
	reg := agent.NewRegistry(nil)
	inv := agent.NewInvoker(reg, retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}, nil,
		agent.WithRetryOptions(retry.WithSleep(noSleep)))

	research, err := NewSpecialist(agent.Research, researchOpts...)
	require.NoError(t, err)
	writer, err := NewSpecialist(agent.Writer)
	require.NoError(t, err)

	require.NoError(t, reg.Register(agent.Research, research))
	require.NoError(t, reg.Register(agent.Writer, writer))
	require.NoError(t, reg.Register(agent.Supervisor, NewSupervisor(delegation.New(inv, nil))))
	require.NoError(t, reg.Validate())
	return inv
}

func TestRoute(t *testing.T) {
	assert.Empty(t, Route("hello there"))
	assert.Equal(t, []agent.Type{agent.Research}, Route("Find the latest numbers"))
	assert.Equal(t, []agent.Type{agent.Writer}, Route("Draft a thank-you note"))
	assert.Equal(t, []agent.Type{agent.Research, agent.Writer}, Route("Research X and write an email about it"))
}

func TestSupervisor_Direct(t *testing.T) {
	inv := newCrew(t)
	reply, err := inv.Invoke(context.Background(), agent.Request{Agent: agent.Supervisor, ThreadID: "t1", Message: "hello"})
	require.NoError(t, err)
	assert.Contains(t, reply.Text, "Echo: **hello**")
	assert.Empty(t, reply.SubReplies)
	assert.Equal(t, "Supervisor Agent", reply.Author)
}

func TestSupervisor_Chained(t *testing.T) {
	inv := newCrew(t)
	reply, err := inv.Invoke(context.Background(), agent.Request{
		Agent:    agent.Supervisor,
		ThreadID: "t1",
		Message:  "Research X and write an email about it",
	})
	require.NoError(t, err)
	require.Len(t, reply.SubReplies, 2)
	assert.Equal(t, delegation.Chained, delegation.Classify(reply.SubReplies))
	assert.Contains(t, reply.SubReplies[1].Text, "Building on the research provided")
	assert.Contains(t, reply.Text, "**Research Agent:**")
	assert.Contains(t, reply.Text, "**Writer Agent:**")
}

func TestSupervisor_SpecialistRecoversAfterRetries(t *testing.T) {
	inv := newCrew(t, WithFailures(2))
	reply, err := inv.Invoke(context.Background(), agent.Request{Agent: agent.Supervisor, ThreadID: "t1", Message: "find X"})
	require.NoError(t, err)
	require.Len(t, reply.SubReplies, 1)
	assert.False(t, reply.SubReplies[0].Failed)
}

func TestSupervisor_SpecialistOutageDegrades(t *testing.T) {
	inv := newCrew(t, WithFailures(3))
	reply, err := inv.Invoke(context.Background(), agent.Request{Agent: agent.Supervisor, ThreadID: "t1", Message: "find X"})
	require.NoError(t, err, "a failed delegation does not fail the supervisor")
	require.Len(t, reply.SubReplies, 1)
	assert.True(t, reply.SubReplies[0].Failed)
	assert.Contains(t, reply.Text, "Unable to complete the research step: the Research Agent is unavailable after 3 attempts.")
}

func TestNewSpecialist_RejectsSupervisor(t *testing.T) {
	_, err := NewSpecialist(agent.Supervisor)
	assert.ErrorIs(t, err, agent.ErrInvalidArgument)
}

func TestDelayHonoursCancellation(t *testing.T) {
	a, err := NewSpecialist(agent.Writer, WithDelay(time.Hour))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = a.Run(ctx, agent.Request{Agent: agent.Writer, Message: "x"})
	assert.ErrorIs(t, err, context.Canceled)
}
