package web

import (
	"embed"
	"fmt"
	"html/template"
	"io"
	"sync"
	"time"

	"github.com/matst80/divider/internal/obs"
)

//go:embed templates/*.html
var tmplFS embed.FS

var (
	once sync.Once
	tmpl *template.Template
)

func load() {
	base := template.New("base").Funcs(template.FuncMap{
		"bytes": humanBytes,
		"since": func(t time.Time) string { return time.Since(t).Truncate(time.Second).String() },
	})
	tmpl = template.Must(base.ParseFS(tmplFS, "templates/*.html"))
}

// Render writes the named template (which can rely on base) to w with data enriched by Now.
func Render(w io.Writer, name string, data map[string]any) error {
	once.Do(load)
	if data == nil {
		data = map[string]any{}
	}
	data["Now"] = time.Now().Format(time.RFC822)
	if err := tmpl.ExecuteTemplate(w, name, data); err != nil {
		obs.Error("web.render", obs.Fields{"template": name, "err": err})
		return err
	}
	return nil
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
