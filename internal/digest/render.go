package digest

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	"sync"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer/html"

	"pairterm/internal/appinfo"
)

const digestTemplateText = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"></head>
<body style="font-family: sans-serif; max-width: 640px; margin: 0 auto;">
<p style="color:#888;font-size:12px;">{{.Preheader}}</p>
<h2>{{.Title}}</h2>
{{.Body}}
<hr>
<p style="color:#888;font-size:12px;">{{.Footer}}</p>
</body>
</html>
`

type digestTemplateData struct {
	Title     string
	Preheader string
	Body      template.HTML
	Footer    string
}

var (
	digestTemplateOnce sync.Once
	digestTemplate     *template.Template
	digestTemplateErr  error
)

func getDigestTemplate() (*template.Template, error) {
	digestTemplateOnce.Do(func() {
		digestTemplate, digestTemplateErr = template.New("digest").Parse(digestTemplateText)
	})
	return digestTemplate, digestTemplateErr
}

var digestMarkdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM, extension.Linkify),
	goldmark.WithParserOptions(parser.WithAutoHeadingID()),
	goldmark.WithRendererOptions(html.WithHardWraps(), html.WithXHTML()),
)

var digestMarkdownMu sync.Mutex

// RenderHTML converts the digest's markdown body into the HTML email
// payload. A markdown conversion failure degrades to an escaped <pre>
// block rather than failing the send.
func RenderHTML(subject string, markdownBody string) (string, error) {
	body := strings.TrimSpace(markdownBody)
	if body == "" {
		body = "(empty)"
	}

	var content bytes.Buffer
	digestMarkdownMu.Lock()
	err := digestMarkdown.Convert([]byte(body), &content)
	digestMarkdownMu.Unlock()
	if err != nil {
		escaped := template.HTMLEscapeString(body)
		content.Reset()
		content.WriteString("<pre>")
		content.WriteString(escaped)
		content.WriteString("</pre>")
	}

	data := digestTemplateData{
		Title:     strings.TrimSpace(subject),
		Preheader: buildPreheader(body),
		Body:      template.HTML(content.String()),
		Footer:    fmt.Sprintf("%s • %s", appinfo.Name, time.Now().UTC().Format(time.RFC3339)),
	}

	tmpl, err := getDigestTemplate()
	if err != nil {
		return "", err
	}
	var out bytes.Buffer
	if err := tmpl.Execute(&out, data); err != nil {
		return "", err
	}
	return out.String(), nil
}

func buildPreheader(body string) string {
	s := strings.TrimSpace(body)
	if s == "" {
		return ""
	}
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.Join(strings.Fields(s), " ")
	const max = 160
	if len(s) <= max {
		return s
	}
	n := 0
	for i := range s {
		if n == max {
			return strings.TrimSpace(s[:i]) + "…"
		}
		n++
	}
	return s
}
