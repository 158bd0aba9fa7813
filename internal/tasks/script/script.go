// Package script renders the batch scripts task kinds submit.
package script

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/kingrea/batchflow/internal/config"
)

// Resources are the batch resource requests placed in the script header.
type Resources struct {
	JobName   string
	Time      string
	Partition string
	Account   string
	Mem       string
	Output    string
	Error     string
	Nodes     int
	NTasks    int
	CPUs      int
	GPUs      int
	Array     string
}

// FromTool fills resources from a tool's configuration.
func FromTool(jobName, output string, tool config.ToolConfig) Resources {
	return Resources{
		JobName:   jobName,
		Time:      tool.Time,
		Partition: tool.Partition,
		Account:   tool.Account,
		Mem:       tool.Mem,
		Output:    output,
		Nodes:     1,
		NTasks:    1,
		GPUs:      tool.GPUs,
	}
}

var funcs = template.FuncMap{
	"quote": func(s string) string {
		return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
	},
	"join": strings.Join,
}

const headerTemplate = `#!/bin/bash
#SBATCH --job-name={{.JobName}}
{{- with .Time}}
#SBATCH --time={{.}}{{end}}
{{- if gt .Nodes 0}}
#SBATCH --nodes={{.Nodes}}{{end}}
{{- if gt .NTasks 0}}
#SBATCH --ntasks={{.NTasks}}{{end}}
{{- if gt .CPUs 0}}
#SBATCH --cpus-per-task={{.CPUs}}{{end}}
{{- with .Array}}
#SBATCH --array={{.}}{{end}}
{{- with .Partition}}
#SBATCH --partition={{.}}{{end}}
{{- if gt .GPUs 0}}
#SBATCH --gres=gpu:{{.GPUs}}{{end}}
{{- with .Output}}
#SBATCH --output={{.}}{{end}}
{{- with .Error}}
#SBATCH --error={{.}}{{end}}
{{- with .Account}}
#SBATCH --account={{.}}{{end}}
{{- with .Mem}}
#SBATCH --mem={{.}}{{end}}
`

var header = template.Must(template.New("header").Funcs(funcs).Parse(headerTemplate))

// Header renders the shebang and resource request lines.
func Header(r Resources) (string, error) {
	if r.JobName == "" {
		return "", fmt.Errorf("script: job name is required")
	}
	var buf bytes.Buffer
	if err := header.Execute(&buf, r); err != nil {
		return "", fmt.Errorf("script: render header: %w", err)
	}
	return buf.String(), nil
}

// Activate returns the environment setup lines for a conda env.
func Activate(condaEnv string) string {
	if condaEnv == "" {
		return ""
	}
	return "source activate " + condaEnv + "\n"
}

// Footer writes SUCCESS or FAILURE to doneFile based on the last command.
func Footer(doneFile string) string {
	return fmt.Sprintf(`status=$?
if [ $status -eq 0 ]; then
    echo SUCCESS > %[1]s
else
    echo FAILURE > %[1]s
fi
exit $status
`, doneFile)
}

// Render executes a body template with the shared helpers.
func Render(name, body string, data any) (string, error) {
	tmpl, err := template.New(name).Funcs(funcs).Option("missingkey=error").Parse(body)
	if err != nil {
		return "", fmt.Errorf("script: parse %s: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("script: render %s: %w", name, err)
	}
	return buf.String(), nil
}

// Build joins the header, environment setup, body and footer.
func Build(r Resources, condaEnv, body, doneFile string) (string, error) {
	head, err := Header(r)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString(head)
	b.WriteString("\n")
	b.WriteString(Activate(condaEnv))
	b.WriteString(strings.TrimRight(body, "\n"))
	b.WriteString("\n")
	if doneFile != "" {
		b.WriteString(Footer(doneFile))
	}
	return b.String(), nil
}
