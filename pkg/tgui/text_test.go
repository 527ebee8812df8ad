package tgui

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTMLHelpers(t *testing.T) {
	assert.Equal(t, H("<b>M&lt;7&gt;</b>"), B("M<7>"))
	assert.Equal(t, H("<code>6.9</code>"), Code("6.9"))
	assert.Equal(t, H("a &amp; b"), Escf("%s & %s", "a", "b"))
	assert.Equal(t, H("<i>x</i>\ny"), Lines(I("x"), " ", Esc("y")))
	assert.Equal(t, H("<b>1</b>2"), Concat(B("1"), Esc("2")))
}

func TestTruncRunes(t *testing.T) {
	assert.Equal(t, "花蓮…", TruncRunes("花蓮縣外海", 2))
	assert.Equal(t, "short", TruncRunes("short", 10))
	assert.Equal(t, "", TruncRunes("x", 0))
}
