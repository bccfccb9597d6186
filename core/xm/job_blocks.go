package xm

import (
	"encoding/json"
	"fmt"
	"github.com/alienrobotwizard/xmanager/core/exceptions"
	"github.com/alienrobotwizard/xmanager/core/requirements"
	"github.com/opencontainers/go-digest"
	"path/filepath"
	"sort"
	"strings"
)

type Backend string

const (
	LocalBackend        Backend = "local"
	ManagedCloudBackend Backend = "managed_cloud"
	KubernetesBackend   Backend = "kubernetes"
)

var Backends = []Backend{LocalBackend, ManagedCloudBackend, KubernetesBackend}

func ParseBackend(name string) (Backend, error) {
	for _, b := range Backends {
		if string(b) == name {
			return b, nil
		}
	}
	return "", fmt.Errorf("%w: unknown backend [%s]", exceptions.ErrMalformedInput, name)
}

//
// ExecutableSpec describes what to run, independent of where.
//
type ExecutableSpec interface {
	Name() string
}

// EntryPoint is what entrypoint.sh runs inside a python container.
type EntryPoint interface {
	Commands() []string
}

type ModuleName struct {
	Module string `json:"module"`
}

func (m ModuleName) Commands() []string {
	return []string{fmt.Sprintf("python -m %s", m.Module)}
}

type CommandList struct {
	Cmds []string `json:"commands"`
}

func Commands(cmds ...string) CommandList {
	return CommandList{Cmds: cmds}
}

func (c CommandList) Commands() []string {
	return c.Cmds
}

type PythonContainer struct {
	Path               string     `json:"path"`
	EntryPoint         EntryPoint `json:"entrypoint"`
	BaseImage          string     `json:"base_image,omitempty"`
	DockerInstructions []string   `json:"docker_instructions,omitempty"`
	UseDeepModule      bool       `json:"use_deep_module,omitempty"`
}

func (p PythonContainer) Name() string {
	return filepath.Base(p.Path)
}

type Dockerfile struct {
	Path       string `json:"path"`
	Dockerfile string `json:"dockerfile,omitempty"`
}

func (d Dockerfile) Name() string {
	return filepath.Base(d.Path)
}

// DockerfilePath defaults to <Path>/Dockerfile.
func (d Dockerfile) DockerfilePath() string {
	if d.Dockerfile != "" {
		return d.Dockerfile
	}
	return filepath.Join(d.Path, "Dockerfile")
}

// Container is a prebuilt image.
type Container struct {
	ImagePath string `json:"image_path"`
}

func (c Container) Name() string {
	name := c.ImagePath
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.IndexAny(name, ":@"); i >= 0 {
		name = name[:i]
	}
	return name
}

//
// ExecutorSpec selects the backend at packaging time.
//
type ExecutorSpec interface {
	Backend() Backend
}

type LocalSpec struct {
	DockerOptions map[string]interface{} `json:"docker_options,omitempty"`
}

func (LocalSpec) Backend() Backend { return LocalBackend }

type ManagedCloudSpec struct {
	PushImageTag string `json:"push_image_tag"`
}

func (ManagedCloudSpec) Backend() Backend { return ManagedCloudBackend }

type KubernetesSpec struct {
	PushImageTag string `json:"push_image_tag"`
}

func (KubernetesSpec) Backend() Backend { return KubernetesBackend }

//
// Executor is the launch time configuration of a job on one backend.
//
type Executor interface {
	Backend() Backend
	Requirements() requirements.JobRequirements
	Validate() error
}

type Local struct {
	Resources     requirements.JobRequirements
	DockerOptions map[string]interface{}
}

func (l Local) Backend() Backend { return LocalBackend }
func (l Local) Requirements() requirements.JobRequirements { return l.Resources }
func (l Local) Validate() error { return l.Resources.Validate(requirements.GPUOnlyPolicy) }

type ManagedCloud struct {
	Resources requirements.JobRequirements
	JobQueue  string
}

func (c ManagedCloud) Backend() Backend { return ManagedCloudBackend }
func (c ManagedCloud) Requirements() requirements.JobRequirements { return c.Resources }
func (c ManagedCloud) Validate() error { return c.Resources.Validate(requirements.GPUOnlyPolicy) }

type Kubernetes struct {
	Resources requirements.JobRequirements
	Namespace string
	// Secrets in the namespace whose keys are exposed to the job as env vars.
	Secrets []string
}

func (k Kubernetes) Backend() Backend { return KubernetesBackend }
func (k Kubernetes) Requirements() requirements.JobRequirements { return k.Resources }
func (k Kubernetes) Validate() error { return k.Resources.Validate(requirements.DefaultPolicy) }

//
// Packageable is what to build, where it will run and its static parameters.
//
type Packageable struct {
	ExecutableSpec ExecutableSpec
	ExecutorSpec   ExecutorSpec
	Args           Args
	EnvVars        map[string]string
}

// Fingerprint identifies a packaging request; identical requests produce identical executables.
func (p Packageable) Fingerprint() (digest.Digest, error) {
	payload := struct {
		SpecType     string            `json:"spec_type"`
		Spec         ExecutableSpec    `json:"spec"`
		ExecutorType string            `json:"executor_type"`
		ExecutorSpec ExecutorSpec      `json:"executor_spec"`
		Args         Args              `json:"args"`
		EnvVars      map[string]string `json:"env_vars"`
	}{
		SpecType:     fmt.Sprintf("%T", p.ExecutableSpec),
		Spec:         p.ExecutableSpec,
		ExecutorType: fmt.Sprintf("%T", p.ExecutorSpec),
		ExecutorSpec: p.ExecutorSpec,
		Args:         p.Args,
		EnvVars:      p.EnvVars,
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return digest.FromBytes(b), nil
}

//
// Executable is the packaged, backend addressable result of a Packageable.
//
type Executable struct {
	Name        string
	ImagePath   string
	Backend     Backend
	Args        Args
	EnvVars     map[string]string
	Fingerprint digest.Digest
}

//
// Job binds an executable to an executor and runtime arguments.
//
type Job struct {
	Name       string
	Executable *Executable
	Executor   Executor
	Args       Args
	EnvVars    map[string]string
}

func (j Job) Jobs() []Job {
	return []Job{j}
}

func (j Job) ResolvedName() string {
	if j.Name != "" {
		return j.Name
	}
	if j.Executable != nil {
		return j.Executable.Name
	}
	return ""
}

// FullArgs are the executable's packaged args overridden by the job's own.
func (j Job) FullArgs() Args {
	base := NewArgs()
	if j.Executable != nil {
		base = j.Executable.Args
	}
	return base.Merge(j.Args)
}

func (j Job) FullEnv() map[string]string {
	env := make(map[string]string)
	if j.Executable != nil {
		for k, v := range j.Executable.EnvVars {
			env[k] = v
		}
	}
	for k, v := range j.EnvVars {
		env[k] = v
	}
	return env
}

// SortedEnv returns KEY=VALUE pairs in key order.
func (j Job) SortedEnv() []string {
	env := j.FullEnv()
	out := make([]string, 0, len(env))
	for _, k := range sortedKeys(env) {
		out = append(out, fmt.Sprintf("%s=%s", k, env[k]))
	}
	return out
}

func (j Job) Validate() error {
	if j.Executable == nil {
		return fmt.Errorf("%w: job [%s] has no executable", exceptions.ErrMalformedInput, j.Name)
	}
	if j.Executor == nil {
		return fmt.Errorf("%w: job [%s] has no executor", exceptions.ErrMalformedInput, j.ResolvedName())
	}
	if j.Executor.Backend() != j.Executable.Backend {
		return fmt.Errorf("%w: executable [%s] was packaged for [%s] but job targets [%s]",
			exceptions.ErrMalformedInput, j.Executable.Name, j.Executable.Backend, j.Executor.Backend())
	}
	return j.Executor.Validate()
}

//
// Launchable is either a Job or a JobGroup.
//
type Launchable interface {
	Jobs() []Job
}

type member struct {
	name string
	unit Launchable
}

//
// JobGroup is an ordered set of named jobs launched together. Groups may nest.
//
type JobGroup struct {
	members []member
}

func NewJobGroup() *JobGroup {
	return &JobGroup{}
}

func (g *JobGroup) Add(name string, unit Launchable) *JobGroup {
	g.members = append(g.members, member{name: name, unit: unit})
	return g
}

// Jobs flattens the group in insertion order, naming unnamed jobs after their key.
func (g *JobGroup) Jobs() []Job {
	var jobs []Job
	for _, m := range g.members {
		if j, ok := m.unit.(Job); ok {
			if j.Name == "" {
				j.Name = m.name
			}
			jobs = append(jobs, j)
			continue
		}
		for _, j := range m.unit.Jobs() {
			j.Name = m.name + "/" + j.ResolvedName()
			jobs = append(jobs, j)
		}
	}
	return jobs
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
