package email

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"regexp"
	"strings"
)

//go:embed templates/*.html
var templateFS embed.FS

// Renderer resolves a template identifier to a compiled template and
// renders it with a data record. Templates are embedded at build time;
// an unknown identifier is a render error, not a panic.
type Renderer struct {
	tmpl *template.Template
}

func NewRenderer() (*Renderer, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parsing email templates: %w", err)
	}
	return &Renderer{tmpl: tmpl}, nil
}

// Has reports whether a template with the given identifier exists.
func (r *Renderer) Has(name string) bool {
	return r.tmpl.Lookup(name+".html") != nil
}

func (r *Renderer) Render(name string, data map[string]interface{}) (string, error) {
	t := r.tmpl.Lookup(name + ".html")
	if t == nil {
		return "", fmt.Errorf("template %q not found", name)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("rendering template %q: %w", name, err)
	}
	return buf.String(), nil
}

var tagRe = regexp.MustCompile(`<[^>]*>`)

// HTMLToText derives a plain-text alternative from rendered HTML.
func HTMLToText(html string) string {
	text := tagRe.ReplaceAllString(html, "")
	replacer := strings.NewReplacer(
		"&nbsp;", " ",
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&#34;", `"`,
		"&#39;", "'",
	)
	return strings.TrimSpace(replacer.Replace(text))
}
