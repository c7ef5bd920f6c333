// ABOUTME: Tests for agent types, registry, and error classification
// ABOUTME: Verifies the closed agent set is enforced at parse and registration time

package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoClient(text string) Client {
	return ClientFunc(func(ctx context.Context, req Request) (*Reply, error) {
		return &Reply{Text: text}, nil
	})
}

func TestParseType(t *testing.T) {
	tests := []struct {
		in   string
		want Type
	}{
		{"supervisor", Supervisor},
		{"Research", Research},
		{"  WRITER ", Writer},
	}
	for _, tt := range tests {
		got, err := ParseType(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestParseType_Unknown(t *testing.T) {
	_, err := ParseType("critic")
	assert.ErrorIs(t, err, ErrUnknownType)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Contains(t, err.Error(), "critic")
}

func TestType_Properties(t *testing.T) {
	assert.True(t, Research.IsSpecialist())
	assert.True(t, Writer.IsSpecialist())
	assert.False(t, Supervisor.IsSpecialist())
	assert.Equal(t, "Writer Agent", Writer.DisplayName())
	assert.False(t, Type("").Valid())
	assert.Len(t, Types(), 3)
}

func TestRole_Valid(t *testing.T) {
	assert.True(t, RoleUser.Valid())
	assert.True(t, RoleSystem.Valid())
	assert.False(t, Role("tool").Valid())
}

func TestReply_Contributors(t *testing.T) {
	r := &Reply{SubReplies: []SubReply{{Agent: Research}, {Agent: Writer}}}
	assert.Equal(t, []Type{Research, Writer}, r.Contributors())

	var nilReply *Reply
	assert.Nil(t, nilReply.Contributors())
}

func TestRegistry_RegisterAndResolve(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(Research, echoClient("r")))

	c, err := reg.Client(Research)
	require.NoError(t, err)
	reply, err := c.Run(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "r", reply.Text)
}

func TestRegistry_RejectsUnknownType(t *testing.T) {
	reg := NewRegistry(nil)
	err := reg.Register(Type("critic"), echoClient("x"))
	assert.ErrorIs(t, err, ErrUnknownType)

	_, err = reg.Client(Type("critic"))
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestRegistry_RejectsDuplicatesAndNil(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(Writer, echoClient("w")))
	assert.ErrorIs(t, reg.Register(Writer, echoClient("w2")), ErrAlreadyRegistered)
	assert.Error(t, reg.Register(Research, nil))
}

func TestRegistry_Validate(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(Research, echoClient("r")))

	err := reg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotRegistered)
	assert.Contains(t, err.Error(), "supervisor")
	assert.Contains(t, err.Error(), "writer")

	require.NoError(t, reg.Register(Writer, echoClient("w")))
	require.NoError(t, reg.Register(Supervisor, echoClient("s")))
	assert.NoError(t, reg.Validate())
}

func TestRegistry_MissingClient(t *testing.T) {
	_, err := NewRegistry(nil).Client(Supervisor)
	assert.ErrorIs(t, err, ErrNotRegistered)
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient", NewError(KindTransient, Research, errors.New("502")), true},
		{"rate limit", NewError(KindRateLimit, Research, nil), true},
		{"timeout kind", NewError(KindTimeout, Research, nil), true},
		{"invalid request", NewError(KindInvalidRequest, Research, nil), false},
		{"malformed", NewError(KindMalformed, Research, nil), false},
		{"wrapped transient", fmt.Errorf("calling: %w", NewError(KindTransient, Writer, nil)), true},
		{"deadline", context.DeadlineExceeded, true},
		{"net timeout", timeoutErr{}, true},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestError_Message(t *testing.T) {
	err := &Error{Kind: KindRateLimit, Agent: Writer, Status: 429, RetryAfter: 3 * time.Second, Err: errors.New("slow down")}
	assert.Equal(t, "writer agent: rate_limit (status 429): slow down", err.Error())
	assert.Equal(t, 3*time.Second, err.Backoff())
}

func TestUnavailableError(t *testing.T) {
	cause := NewError(KindTransient, Research, errors.New("503"))
	err := fmt.Errorf("chat: %w", &UnavailableError{Agent: Research, ThreadID: "t-1", Attempts: 3, Err: cause})

	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	var ae *Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, KindTransient, ae.Kind)
	assert.Contains(t, err.Error(), "t-1")
	assert.Contains(t, err.Error(), "3 attempts")
}
