package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLeasePolicy(t *testing.T) {
	policy, err := NewLeasePolicy(30 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, policy.Default())

	for _, bad := range []time.Duration{0, -time.Second} {
		_, err := NewLeasePolicy(bad)
		assert.ErrorIs(t, err, ErrInvalidDefaultLease)
	}
}

func TestLeasePolicy_Resolve(t *testing.T) {
	policy, err := NewLeasePolicy(30 * time.Second)
	require.NoError(t, err)

	tests := []struct {
		name        string
		request     time.Duration
		wantSeconds int
		wantSource  LeaseSource
	}{
		{
			name:        "explicit duration passes through",
			request:     45 * time.Second,
			wantSeconds: 45,
			wantSource:  LeaseSourceExplicit,
		},
		{
			name:        "zero uses the default",
			request:     0,
			wantSeconds: 30,
			wantSource:  LeaseSourceDefault,
		},
		{
			name:        "sub-second clamps to one second",
			request:     500 * time.Millisecond,
			wantSeconds: 1,
			wantSource:  LeaseSourceClamped,
		},
		{
			name:        "negative clamps to one second",
			request:     -5 * time.Second,
			wantSeconds: 1,
			wantSource:  LeaseSourceClamped,
		},
		{
			name:        "fractional seconds truncate",
			request:     90*time.Second + 700*time.Millisecond,
			wantSeconds: 90,
			wantSource:  LeaseSourceExplicit,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			decision := policy.Resolve(tc.request)
			assert.Equal(t, tc.wantSeconds, decision.Seconds)
			assert.Equal(t, tc.wantSource, decision.Source)
			assert.Equal(t, tc.request, decision.Requested)
		})
	}
}

func TestLeaseDecision_Flags(t *testing.T) {
	policy, err := NewLeasePolicy(30 * time.Second)
	require.NoError(t, err)

	assert.True(t, policy.Resolve(0).UsedDefault())
	assert.False(t, policy.Resolve(0).Clamped())
	assert.True(t, policy.Resolve(-time.Second).Clamped())
	assert.False(t, policy.Resolve(time.Minute).Clamped())
}

func TestLeasePolicy_NilReceiver(t *testing.T) {
	var policy *LeasePolicy

	assert.Zero(t, policy.Default())
	decision := policy.Resolve(10 * time.Second)
	assert.Equal(t, LeaseSourceDefault, decision.Source)
	assert.Zero(t, decision.Seconds)
}
