// Package web embeds the browser shell served at the server root.
package web

import (
	"embed"
	"html/template"
	"net/http"
)

//go:embed templates static
var shellFS embed.FS

var indexTmpl = template.Must(template.ParseFS(shellFS, "templates/index.html"))

// Handler serves the index shell and its static assets. API routes are
// registered first on the parent mux, so this only sees everything else.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/static/", http.FileServer(http.FS(shellFS)))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		indexTmpl.Execute(w, map[string]any{"Title": "vitrine"})
	})
	return mux
}
