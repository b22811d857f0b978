package fetch

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	sprig "github.com/Masterminds/sprig/v3"
)

// restrictedFuncs are sprig helpers that read the process environment or the
// filesystem. Upstream templates only see the request data.
var restrictedFuncs = []string{
	"env",
	"expandenv",
	"readDir",
	"mustReadDir",
	"readFile",
	"mustReadFile",
	"glob",
}

func funcMap() template.FuncMap {
	funcs := sprig.TxtFuncMap()
	for _, name := range restrictedFuncs {
		delete(funcs, name)
	}
	return funcs
}

// Data is what upstream templates render against.
type Data struct {
	Resource  string
	Key       string
	Keys      []string
	Page      int
	Params    map[string]any
	RequestID string
}

type compiled struct {
	name string
	tmpl *template.Template
}

// compile parses source. A blank source yields nil.
func compile(name, source string) (*compiled, error) {
	if strings.TrimSpace(source) == "" {
		return nil, nil
	}
	tmpl, err := template.New(name).Funcs(funcMap()).Option("missingkey=zero").Parse(source)
	if err != nil {
		return nil, fmt.Errorf("fetch: compile %s: %w", name, err)
	}
	return &compiled{name: name, tmpl: tmpl}, nil
}

func (c *compiled) render(data Data) (string, error) {
	if c == nil {
		return "", nil
	}
	var buf bytes.Buffer
	if err := c.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("fetch: render %s: %w", c.name, err)
	}
	return buf.String(), nil
}
