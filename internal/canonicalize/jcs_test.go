package canonicalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCS_KeysSorted(t *testing.T) {
	in := map[string]interface{}{"b": 1, "a": 2, "c": 3}
	out, err := JCS(in)
	require.NoError(t, err)
	assert.Equal(t, `{"a":2,"b":1,"c":3}`, string(out))
}

func TestJCS_NoHTMLEscaping(t *testing.T) {
	in := map[string]interface{}{"tag": "<b>&amp;</b>"}
	out, err := JCS(in)
	require.NoError(t, err)
	assert.Contains(t, string(out), "<b>&amp;</b>")
}

func TestJCS_Deterministic(t *testing.T) {
	a := map[string]interface{}{"x": 1, "y": []interface{}{"p", "q"}}
	b := map[string]interface{}{"y": []interface{}{"p", "q"}, "x": 1}

	ha, err := Hash(a)
	require.NoError(t, err)
	hb, err := Hash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}

func TestJCS_ParentsAffectHash(t *testing.T) {
	body := map[string]interface{}{"artifacts": []interface{}{"x"}}

	base := map[string]interface{}{"body": body, "parents": []interface{}{"r1"}}
	other := map[string]interface{}{"body": body, "parents": []interface{}{"r2"}}

	h1, err := Hash(base)
	require.NoError(t, err)
	h2, err := Hash(other)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2, "hash must include parents — I9")
}
