package prompt

import (
	"bytes"
	"embed"
	"fmt"
	"text/template"
)

//go:embed templates/*.tmpl
var templateFiles embed.FS

var bootstrapTemplate = template.Must(template.ParseFS(templateFiles, "templates/*.tmpl"))

type bootstrapData struct {
	SpecName         string
	SpecPath         string
	ProjectOverview  string
	SpecDocuments    string
	SteeringContext  string
	TaskInstructions string
}

func renderBootstrap(data bootstrapData) string {
	var buf bytes.Buffer
	if err := bootstrapTemplate.ExecuteTemplate(&buf, "bootstrap.md.tmpl", data); err != nil {
		panic(fmt.Sprintf("renderBootstrap execution failed: %v", err))
	}
	return buf.String()
}
