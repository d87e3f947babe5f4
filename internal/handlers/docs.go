package handlers

import (
	"bytes"
	_ "embed"
	"html/template"
	"net/http"

	"gopkg.in/yaml.v3"
)

//go:embed openapi.yaml
var openapiSpec []byte

var docsPage = template.Must(template.New("docs").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <title>{{.Title}} {{.Version}}</title>
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css">
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
  <script>
    SwaggerUIBundle({
      url: {{.SpecURL}},
      dom_id: "#swagger-ui",
      presets: [SwaggerUIBundle.presets.apis, SwaggerUIBundle.SwaggerUIStandalonePreset],
      layout: "BaseLayout",
      deepLinking: true,
    });
  </script>
</body>
</html>`))

// docsHTML is rendered once from the embedded document's info block.
var docsHTML = renderDocs()

func renderDocs() []byte {
	var doc struct {
		Info struct {
			Title   string `yaml:"title"`
			Version string `yaml:"version"`
		} `yaml:"info"`
	}
	if err := yaml.Unmarshal(openapiSpec, &doc); err != nil {
		panic("handlers: embedded openapi.yaml: " + err.Error())
	}
	var buf bytes.Buffer
	err := docsPage.Execute(&buf, map[string]string{
		"Title":   doc.Info.Title,
		"Version": doc.Info.Version,
		"SpecURL": "/openapi.yaml?v=" + doc.Info.Version,
	})
	if err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// OpenAPISpec handles GET /openapi.yaml.
func OpenAPISpec(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	w.Write(openapiSpec)
}

// Docs handles GET /docs, a Swagger UI page titled from the document.
func Docs(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(docsHTML)
}
