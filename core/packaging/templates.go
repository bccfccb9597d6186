package packaging

import (
	"bytes"
	"fmt"
	"github.com/Masterminds/sprig"
	"github.com/alienrobotwizard/xmanager/core/xm"
	"text/template"
)

const DefaultBaseImage = "gcr.io/deeplearning-platform-release/base-cu110"

const dockerfileTemplate = `FROM {{ .BaseImage }}

RUN if ! id 1000; then useradd -m -u 1000 clouduser; fi

{{ range .Instructions -}}
{{ . }}
{{ end -}}
{{ range $k, $v := .EnvVars -}}
ENV {{ $k }}={{ $v | quote }}
{{ end }}
COPY entrypoint.sh ./entrypoint.sh
RUN chown -R 1000:root ./entrypoint.sh && chmod -R 775 ./entrypoint.sh

ENTRYPOINT {{ .Entrypoint | toJson }}
`

// The wrapper turns backend assigned address variables into flags for the entry point.
const entrypointTemplate = `#!/bin/bash
{{ range $env, $flag := .AddressFlags -}}
if [ -n "${{ $env }}" ]; then set -- "$@" "--{{ $flag }}=${{ $env }}"; fi
{{ end }}
{{ range initial .Commands -}}
{{ . }}
{{ end -}}
{{ last .Commands }} "$@"
`

var (
	dockerfileTmpl = template.Must(template.New("dockerfile").Funcs(sprig.TxtFuncMap()).Parse(dockerfileTemplate))
	entrypointTmpl = template.Must(template.New("entrypoint").Funcs(sprig.TxtFuncMap()).Parse(entrypointTemplate))
)

// DefaultSteps are the build steps used when a python container gives no instructions.
func DefaultSteps(directory string, useDeepModule bool) []string {
	var prefix, suffix []string
	projectDir := "/" + directory
	if useDeepModule {
		prefix = []string{"RUN mkdir /workdir", "WORKDIR /workdir"}
		projectDir = "/workdir/" + directory
	} else {
		suffix = []string{fmt.Sprintf("WORKDIR %s", directory)}
	}

	steps := append(prefix,
		"ENV LANG=C.UTF-8",
		"RUN apt-get update && apt-get install -y git netcat",
		"RUN python -m pip install --upgrade pip setuptools",
		fmt.Sprintf("COPY %s/requirements.txt %s/requirements.txt", directory, projectDir),
		fmt.Sprintf("RUN python -m pip install -r %s/requirements.txt", directory),
		fmt.Sprintf("COPY %s/ %s", directory, projectDir),
		fmt.Sprintf("RUN chown -R 1000:root %s && chmod -R 775 %s", projectDir, projectDir),
	)
	return append(steps, suffix...)
}

// RenderDockerfile bakes env into the image. Args are not baked in, engines pass them at launch.
func RenderDockerfile(spec xm.PythonContainer, env map[string]string) (string, error) {
	baseImage := spec.BaseImage
	if baseImage == "" {
		baseImage = DefaultBaseImage
	}
	instructions := spec.DockerInstructions
	if len(instructions) == 0 {
		instructions = DefaultSteps(spec.Name(), spec.UseDeepModule)
	}

	var buf bytes.Buffer
	err := dockerfileTmpl.Execute(&buf, map[string]interface{}{
		"BaseImage":    baseImage,
		"Instructions": instructions,
		"EnvVars":      env,
		"Entrypoint":   []string{"./entrypoint.sh"},
	})
	return buf.String(), err
}

func RenderEntrypoint(entryPoint xm.EntryPoint, addressFlags map[string]string) (string, error) {
	if entryPoint == nil || len(entryPoint.Commands()) == 0 {
		return "", fmt.Errorf("entry point has no commands")
	}
	var buf bytes.Buffer
	err := entrypointTmpl.Execute(&buf, map[string]interface{}{
		"Commands":     entryPoint.Commands(),
		"AddressFlags": addressFlags,
	})
	return buf.String(), err
}
