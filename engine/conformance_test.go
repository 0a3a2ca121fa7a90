package engine_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hupe1980/bucketgo"
	"github.com/hupe1980/bucketgo/conformance"
	"github.com/hupe1980/bucketgo/engine"
)

func TestConformance(t *testing.T) {
	conformance.Run(t, func(t *testing.T) bucketgo.Provider {
		e, err := engine.Open()
		require.NoError(t, err)
		t.Cleanup(func() { _ = e.Close() })
		return e
	})
}

// The wrapped engine must satisfy the same contract: the decorator only
// observes results, it never alters them.
func TestConformance_ErrorWrapped(t *testing.T) {
	conformance.Run(t, func(t *testing.T) bucketgo.Provider {
		e, err := engine.Open()
		require.NoError(t, err)
		t.Cleanup(func() { _ = e.Close() })
		return bucketgo.NewErrorWrapper(e)
	})
}
