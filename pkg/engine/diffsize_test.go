package engine

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPatchSizerDeltaBytesSmallForSmallEdit(t *testing.T) {
	p := newPatchSizer()

	padding := strings.Repeat(`{"id":"pad","x":0},`, 50)
	old := `{"elements":[` + padding + `{"id":"a","x":1}]}`
	similar := `{"elements":[` + padding + `{"id":"a","x":2}]}`

	delta := p.deltaBytes(old, similar)
	require.Greater(t, delta, 0)
	require.Less(t, delta, len(similar), "a one-field tweak should patch smaller than the full document")
}

func TestPatchSizerDeltaBytesZeroForIdenticalText(t *testing.T) {
	p := newPatchSizer()
	require.Equal(t, 0, p.deltaBytes(`{"a":1}`, `{"a":1}`))
}
