// Package launch reads YAML launch files and turns them into packaged, launched work units.
package launch

import (
	"context"
	"fmt"
	"github.com/alienrobotwizard/xmanager/core/exceptions"
	"github.com/alienrobotwizard/xmanager/core/experiment"
	"github.com/alienrobotwizard/xmanager/core/requirements"
	"github.com/alienrobotwizard/xmanager/core/sweep"
	"github.com/alienrobotwizard/xmanager/core/xm"
	"github.com/mattn/go-shellwords"
	"github.com/pkg/errors"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
	"os"
	"path/filepath"
	"strings"
)

type pythonBlock struct {
	Path               string   `yaml:"path"`
	Module             string   `yaml:"module"`
	Commands           []string `yaml:"commands"`
	BaseImage          string   `yaml:"base_image"`
	DockerInstructions []string `yaml:"docker_instructions"`
	UseDeepModule      bool     `yaml:"use_deep_module"`
}

type dockerfileBlock struct {
	Path       string `yaml:"path"`
	Dockerfile string `yaml:"dockerfile"`
}

type containerBlock struct {
	ImagePath string `yaml:"image_path"`
}

type executableBlock struct {
	Python     *pythonBlock     `yaml:"python"`
	Dockerfile *dockerfileBlock `yaml:"dockerfile"`
	Container  *containerBlock  `yaml:"container"`
}

type executorBlock struct {
	Backend       string                 `yaml:"backend"`
	PushImageTag  string                 `yaml:"push_image_tag"`
	DockerOptions map[string]interface{} `yaml:"docker_options"`
	JobQueue      string                 `yaml:"job_queue"`
	Namespace     string                 `yaml:"namespace"`
	Secrets       []string               `yaml:"secrets"`
}

// File is a parsed and schema checked launch file. Relative paths are resolved
// against the directory the file was read from.
type File struct {
	Title         string                 `yaml:"title"`
	Name          string                 `yaml:"name"`
	Executable    executableBlock        `yaml:"executable"`
	ExecutorBlock executorBlock          `yaml:"executor"`
	Requirements  map[string]interface{} `yaml:"requirements"`
	Args          yaml.Node              `yaml:"args"`
	Env           map[string]string      `yaml:"env"`
	Sweep         yaml.Node              `yaml:"sweep"`

	baseDir string
}

func ReadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "problem reading launch file [%s]", path)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, err
	}
	f.baseDir = filepath.Dir(path)
	return f, nil
}

func Parse(data []byte) (*File, error) {
	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: launch file is not valid yaml: %v", exceptions.ErrMalformedInput, err)
	}
	if err := validate(doc); err != nil {
		return nil, err
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", exceptions.ErrMalformedInput, err)
	}
	for _, cmd := range f.commands() {
		if _, err := shellwords.Parse(cmd); err != nil {
			return nil, fmt.Errorf("%w: command [%s]: %v", exceptions.ErrMalformedInput, cmd, err)
		}
	}
	return &f, nil
}

func validate(doc map[string]interface{}) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(schema), gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("%w: %v", exceptions.ErrMalformedInput, err)
	}
	if !result.Valid() {
		var res []string
		for _, resultError := range result.Errors() {
			res = append(res, resultError.String())
		}
		return fmt.Errorf("%w: validation failed, reasons: [%s]", exceptions.ErrMalformedInput, strings.Join(res, "; "))
	}
	return nil
}

func (f *File) commands() []string {
	if f.Executable.Python == nil {
		return nil
	}
	return f.Executable.Python.Commands
}

func (f *File) resolve(path string) string {
	if filepath.IsAbs(path) || f.baseDir == "" {
		return path
	}
	return filepath.Join(f.baseDir, path)
}

func (f *File) ExecutableSpec() xm.ExecutableSpec {
	switch {
	case f.Executable.Python != nil:
		p := f.Executable.Python
		spec := xm.PythonContainer{
			Path:               f.resolve(p.Path),
			BaseImage:          p.BaseImage,
			DockerInstructions: p.DockerInstructions,
			UseDeepModule:      p.UseDeepModule,
		}
		if p.Module != "" {
			spec.EntryPoint = xm.ModuleName{Module: p.Module}
		} else {
			spec.EntryPoint = xm.Commands(p.Commands...)
		}
		return spec
	case f.Executable.Dockerfile != nil:
		d := f.Executable.Dockerfile
		spec := xm.Dockerfile{Path: f.resolve(d.Path)}
		if d.Dockerfile != "" {
			spec.Dockerfile = f.resolve(d.Dockerfile)
		}
		return spec
	default:
		return xm.Container{ImagePath: f.Executable.Container.ImagePath}
	}
}

func (f *File) ExecutorSpec() (xm.ExecutorSpec, error) {
	backend, err := xm.ParseBackend(f.ExecutorBlock.Backend)
	if err != nil {
		return nil, err
	}
	switch backend {
	case xm.LocalBackend:
		return xm.LocalSpec{DockerOptions: f.ExecutorBlock.DockerOptions}, nil
	case xm.ManagedCloudBackend:
		return xm.ManagedCloudSpec{PushImageTag: f.ExecutorBlock.PushImageTag}, nil
	default:
		return xm.KubernetesSpec{PushImageTag: f.ExecutorBlock.PushImageTag}, nil
	}
}

func (f *File) Executor() (xm.Executor, error) {
	resources, err := requirements.Parse(f.Requirements)
	if err != nil {
		return nil, err
	}
	backend, err := xm.ParseBackend(f.ExecutorBlock.Backend)
	if err != nil {
		return nil, err
	}
	switch backend {
	case xm.LocalBackend:
		return xm.Local{Resources: resources}, nil
	case xm.ManagedCloudBackend:
		return xm.ManagedCloud{Resources: resources, JobQueue: f.ExecutorBlock.JobQueue}, nil
	default:
		return xm.Kubernetes{Resources: resources, Namespace: f.ExecutorBlock.Namespace, Secrets: f.ExecutorBlock.Secrets}, nil
	}
}

// JobArgs reads args either as an ordered mapping of keywords or as a shell style
// string of positional tokens.
func (f *File) JobArgs() (xm.Args, error) {
	node := &f.Args
	switch node.Kind {
	case 0:
		return xm.NewArgs(), nil
	case yaml.ScalarNode:
		tokens, err := shellwords.Parse(node.Value)
		if err != nil {
			return xm.Args{}, fmt.Errorf("%w: args: %v", exceptions.ErrMalformedInput, err)
		}
		values := make([]interface{}, len(tokens))
		for i, t := range tokens {
			values[i] = t
		}
		return xm.Positional(values...), nil
	case yaml.MappingNode:
		args := xm.NewArgs()
		for i := 0; i+1 < len(node.Content); i += 2 {
			var value interface{}
			if err := node.Content[i+1].Decode(&value); err != nil {
				return xm.Args{}, fmt.Errorf("%w: args [%s]: %v", exceptions.ErrMalformedInput, node.Content[i].Value, err)
			}
			args = args.Set(node.Content[i].Value, value)
		}
		return args, nil
	default:
		return xm.Args{}, fmt.Errorf("%w: args must be a mapping or a string", exceptions.ErrMalformedInput)
	}
}

// Product is the sweep, or a single empty combination when the file has none.
func (f *File) Product() (sweep.Product, error) {
	if f.Sweep.Kind == 0 {
		return sweep.NewProduct(), nil
	}
	return sweep.FromYAML(&f.Sweep)
}

// Run packages the file's executable on exp and adds one work unit per sweep
// combination. Sweep values override args of the same name.
func Run(ctx context.Context, exp *experiment.Experiment, f *File) ([]*experiment.WorkUnit, error) {
	executorSpec, err := f.ExecutorSpec()
	if err != nil {
		return nil, err
	}
	executor, err := f.Executor()
	if err != nil {
		return nil, err
	}
	args, err := f.JobArgs()
	if err != nil {
		return nil, err
	}
	product, err := f.Product()
	if err != nil {
		return nil, err
	}

	executables, err := exp.Package(ctx, xm.Packageable{
		ExecutableSpec: f.ExecutableSpec(),
		ExecutorSpec:   executorSpec,
		Args:           args,
		EnvVars:        f.Env,
	})
	if err != nil {
		return nil, err
	}
	exe := executables[0]

	return exp.AddSweep(ctx, product, func(combination xm.Args) (xm.Launchable, error) {
		return xm.Job{
			Name:       f.Name,
			Executable: &exe,
			Executor:   executor,
			Args:       combination,
		}, nil
	})
}
