package email

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fonkengChris/pianolessons-mailer/internal/queue"
)

func TestRendererKnowsAllRegisteredTemplates(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)

	for _, kind := range []queue.Kind{
		queue.KindWelcome, queue.KindPasswordReset, queue.KindLessonCompleted,
		queue.KindSubscriptionExpired, queue.KindCourseRecommendation,
	} {
		et, ok := TypeFor(kind)
		require.True(t, ok, "kind %s has no registry entry", kind)
		assert.True(t, r.Has(et.Template), "template %q missing", et.Template)
	}
	assert.True(t, r.Has("contact-form"))
	assert.True(t, r.Has("announcement"))
	assert.False(t, r.Has("no-such-template"))
}

func TestRenderEscapesUserData(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)

	html, err := r.Render("contact-form", map[string]interface{}{
		"name":    "<script>alert(1)</script>",
		"email":   "x@example.com",
		"message": "hello",
	})
	require.NoError(t, err)
	assert.NotContains(t, html, "<script>alert(1)</script>")
	assert.Contains(t, html, "&lt;script&gt;")
}

func TestRenderUnknownTemplate(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)

	_, err = r.Render("bogus", nil)
	require.Error(t, err)
}

func TestHTMLToText(t *testing.T) {
	text := HTMLToText(`<html><body><h1>Hello</h1><p>World &amp; friends</p></body></html>`)
	assert.Contains(t, text, "Hello")
	assert.Contains(t, text, "World & friends")
	assert.NotContains(t, text, "<")
}
