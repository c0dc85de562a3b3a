package gate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAction(t *testing.T) {
	tests := []struct {
		in      string
		want    Action
		wantErr bool
	}{
		{"proceed", ActionProceed, false},
		{" Optimize ", ActionOptimize, false},
		{"PIVOT", ActionPivot, false},
		{"kill", ActionKill, false},
		{"launch", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAction(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseOverride(t *testing.T) {
	o, err := ParseOverride("none")
	require.NoError(t, err)
	assert.Equal(t, OverrideNone, o)

	o, err = ParseOverride("Reject")
	require.NoError(t, err)
	assert.Equal(t, OverrideReject, o)

	_, err = ParseOverride("veto")
	assert.Error(t, err)

	assert.Equal(t, "none", OverrideNone.String())
}

func TestOverrideMapping_Apply(t *testing.T) {
	m := DefaultOverrideMapping()

	assert.Equal(t, ActionPivot, m.Apply(ActionPivot, OverrideNone))
	assert.Equal(t, ActionProceed, m.Apply(ActionKill, OverrideApprove))
	assert.Equal(t, ActionOptimize, m.Apply(ActionProceed, OverrideHold))
	assert.Equal(t, ActionKill, m.Apply(ActionProceed, OverrideReject))

	partial := OverrideMapping{OverrideReject: ActionPivot}
	assert.Equal(t, ActionOptimize, partial.Apply(ActionOptimize, OverrideHold))
	assert.Equal(t, ActionPivot, partial.Apply(ActionOptimize, OverrideReject))
}

func TestOverrideMapping_Validate(t *testing.T) {
	assert.NoError(t, DefaultOverrideMapping().Validate())
	assert.Error(t, OverrideMapping{OverrideHold: "pause"}.Validate())
	assert.Error(t, OverrideMapping{OverrideNone: ActionKill}.Validate())
}

func TestClass_UnmarshalText(t *testing.T) {
	var c Class
	require.NoError(t, c.UnmarshalText([]byte("Crisis")))
	assert.Equal(t, ClassCrisis, c)
	assert.Error(t, c.UnmarshalText([]byte("urgent")))
}
