// Package templates embeds the admin HTML pages.
package templates

import (
	"embed"
	"fmt"
	"html/template"
	"io/fs"
	"strings"
	"time"
)

//go:embed *.html
var TemplateFS embed.FS

const layoutName = "layout.html"

// Funcs are available to every page.
func Funcs() template.FuncMap {
	return template.FuncMap{
		"ago": func(t time.Time) string {
			if t.IsZero() {
				return "-"
			}
			return time.Since(t).Round(time.Second).String() + " ago"
		},
		"datetime": func(t any) string {
			switch v := t.(type) {
			case time.Time:
				if v.IsZero() {
					return "-"
				}
				return v.Format("2006-01-02 15:04")
			case *time.Time:
				if v == nil || v.IsZero() {
					return "-"
				}
				return v.Format("2006-01-02 15:04")
			}
			return "-"
		},
	}
}

// Load parses every page. Pages defining a "content" block are combined with
// the layout; the rest (login.html) stand alone.
func Load() (*template.Template, error) {
	layout, err := fs.ReadFile(TemplateFS, layoutName)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", layoutName, err)
	}
	pages, err := fs.Glob(TemplateFS, "*.html")
	if err != nil {
		return nil, err
	}

	master := template.New("").Funcs(Funcs())
	for _, name := range pages {
		if name == layoutName {
			continue
		}
		content, err := fs.ReadFile(TemplateFS, name)
		if err != nil {
			return nil, fmt.Errorf("read template %s: %w", name, err)
		}
		text := string(content)
		if strings.Contains(text, `{{ define "content" }}`) {
			text = string(layout) + "\n" + text
		}
		if _, err := master.New(name).Parse(text); err != nil {
			return nil, fmt.Errorf("parse template %s: %w", name, err)
		}
	}
	return master, nil
}
