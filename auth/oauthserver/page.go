package oauthserver

import (
	"html/template"
	"net/http"
)

type signInPage struct {
	State string
	Error string
}

var signInTemplate = template.Must(template.New("signin").Parse(`<!doctype html>
<html lang="en">
<head><meta charset="utf-8"><title>Sign in to Tool Gateway</title></head>
<body>
<h1>Sign in to Tool Gateway</h1>
<p>An application is asking to use your gateway account.</p>
{{if .Error}}<p role="alert"><strong>{{.Error}}</strong></p>{{end}}
<form method="post" action="` + AuthorizePath + `">
  <input type="hidden" name="state" value="{{.State}}">
  <label>Account <input name="identifier" autocomplete="username" required></label>
  <label>Secret <input name="secret" type="password" autocomplete="current-password" required></label>
  <button type="submit">Allow</button>
</form>
</body>
</html>
`))

func renderSignIn(w http.ResponseWriter, status int, p signInPage) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = signInTemplate.Execute(w, p)
}
