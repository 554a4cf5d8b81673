package domtest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchRunsListenersAndTracksFrameworkChanges(t *testing.T) {
	doc := New()
	input := doc.Add("input", map[string]string{"data-fasto-field": "name"})

	var inputs, changes int
	input.On("input", func(*Element) { inputs++ })
	input.On("framework-change", func(*Element) { changes++ })

	require.NoError(t, input.SetNativeValue("Ann"))
	require.NoError(t, input.Dispatch("input", "change"))

	assert.Equal(t, 1, inputs)
	assert.Equal(t, 1, changes)
	assert.Equal(t, []string{"Ann"}, input.Changes())
	assert.Equal(t, []string{"input", "change"}, input.Dispatched())
}

func TestAssignedValueIsInvisibleToFramework(t *testing.T) {
	doc := New()
	input := doc.Add("input", nil)

	var changes int
	input.On("framework-change", func(*Element) { changes++ })

	input.AssignValue("Bob")
	require.NoError(t, input.Dispatch("input"))

	assert.Equal(t, "Bob", input.Value())
	assert.Zero(t, changes)
	assert.Empty(t, input.Changes())
}

func TestListenerMayRegisterDuringDispatch(t *testing.T) {
	doc := New()
	btn := doc.Add("button", nil)

	var late int
	btn.OnClick(func(e *Element) {
		e.On("click", func(*Element) { late++ })
	})

	require.NoError(t, btn.Dispatch("click"))
	assert.Zero(t, late)
	require.NoError(t, btn.Dispatch("click"))
	assert.Equal(t, 1, late)
}
