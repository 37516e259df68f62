package fetch

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNeedsRender(t *testing.T) {
	t.Parallel()

	d := NewRenderDetector(64)

	require.True(t, d.NeedsRender(nil))
	require.True(t, d.NeedsRender([]byte("<html></html>")))

	full := append(bytes.Repeat([]byte("x"), 128), []byte("<p>member profile</p>")...)
	require.False(t, d.NeedsRender(full))

	shell := append(bytes.Repeat([]byte("x"), 128), []byte(`<div id="root"></div>`)...)
	require.True(t, d.NeedsRender(shell))
}
