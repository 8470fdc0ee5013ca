// Package web renders the browser-facing login and registration forms and
// serves their static assets. Everything is embedded in the binary.
package web

import (
	"embed"
	"fmt"
	"html/template"
	"io"
	"io/fs"
	"net/http"
	"strings"

	"github.com/jmcleod/gatehouse/api"
)

//go:embed templates/*.html static/*
var content embed.FS

// Renderer implements api.PageRenderer with the embedded templates.
type Renderer struct {
	tmpl       *template.Template
	stylesheet string
}

var _ api.PageRenderer = (*Renderer)(nil)

// NewRenderer parses the embedded templates. basePath is the prefix the
// application is mounted under; assets are referenced below it.
func NewRenderer(basePath string) (*Renderer, error) {
	tmpl, err := template.ParseFS(content, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parsing embedded templates: %w", err)
	}
	return &Renderer{
		tmpl:       tmpl,
		stylesheet: strings.TrimRight(basePath, "/") + "/static/gatehouse.css",
	}, nil
}

type page[T any] struct {
	Title      string
	Stylesheet string
	Form       T
}

func (r *Renderer) RenderLogin(w io.Writer, data api.LoginPageData) error {
	return r.tmpl.ExecuteTemplate(w, "login.html", page[api.LoginPageData]{
		Title:      "Sign in",
		Stylesheet: r.stylesheet,
		Form:       data,
	})
}

func (r *Renderer) RenderRegister(w io.Writer, data api.RegisterPageData) error {
	return r.tmpl.ExecuteTemplate(w, "register.html", page[api.RegisterPageData]{
		Title:      "Create account",
		Stylesheet: r.stylesheet,
		Form:       data,
	})
}

// StaticHandler serves the embedded assets. Mount it under
// <basePath>/static/ with the prefix stripped.
func StaticHandler() (http.Handler, error) {
	fsys, err := fs.Sub(content, "static")
	if err != nil {
		return nil, fmt.Errorf("loading embedded web assets: %w", err)
	}
	static := http.FileServer(http.FS(fsys))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "public, max-age=3600")
		static.ServeHTTP(w, r)
	}), nil
}
