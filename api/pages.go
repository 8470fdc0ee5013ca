package api

import (
	"html/template"
	"io"
	"log/slog"
	"net/http"
)

// LoginPageData is passed to PageRenderer.RenderLogin.
type LoginPageData struct {
	Action    string
	CSRFToken string
	Next      string
	Username  string
	Error     string
}

// RegisterPageData is passed to PageRenderer.RenderRegister.
type RegisterPageData struct {
	Action    string
	CSRFToken string
	Username  string
	Email     string
	Error     string
}

// PageRenderer renders the HTML forms served to browsers.
type PageRenderer interface {
	RenderLogin(w io.Writer, data LoginPageData) error
	RenderRegister(w io.Writer, data RegisterPageData) error
}

var plainTemplates = template.Must(template.New("login").Parse(
	`<!doctype html><title>Sign in</title>
{{if .Error}}<p role="alert">{{.Error}}</p>{{end}}
<form method="post" action="{{.Action}}">
<input type="hidden" name="csrf_token" value="{{.CSRFToken}}">
<input type="hidden" name="next" value="{{.Next}}">
<input name="username" value="{{.Username}}" autocomplete="username">
<input name="password" type="password" autocomplete="current-password">
<button type="submit">Sign in</button>
</form>
`))

func init() {
	template.Must(plainTemplates.New("register").Parse(
		`<!doctype html><title>Register</title>
{{if .Error}}<p role="alert">{{.Error}}</p>{{end}}
<form method="post" action="{{.Action}}">
<input type="hidden" name="csrf_token" value="{{.CSRFToken}}">
<input name="username" value="{{.Username}}" autocomplete="username">
<input name="email" type="email" value="{{.Email}}" autocomplete="email">
<input name="password" type="password" autocomplete="new-password">
<button type="submit">Create account</button>
</form>
`))
}

// plainRenderer is used when no renderer is configured.
type plainRenderer struct{}

func (plainRenderer) RenderLogin(w io.Writer, data LoginPageData) error {
	return plainTemplates.ExecuteTemplate(w, "login", data)
}

func (plainRenderer) RenderRegister(w io.Writer, data RegisterPageData) error {
	return plainTemplates.ExecuteTemplate(w, "register", data)
}

func (a *API) renderPage(w http.ResponseWriter, status int, render func(io.Writer) error) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := render(w); err != nil {
		a.logger.Error("rendering page", slog.String("error", err.Error()))
	}
}

func (a *API) renderLogin(w http.ResponseWriter, status int, data LoginPageData) {
	data.Action = a.path("/login")
	a.renderPage(w, status, func(out io.Writer) error {
		return a.pages.RenderLogin(out, data)
	})
}

func (a *API) renderRegister(w http.ResponseWriter, status int, data RegisterPageData) {
	data.Action = a.path("/register")
	a.renderPage(w, status, func(out io.Writer) error {
		return a.pages.RenderRegister(out, data)
	})
}
