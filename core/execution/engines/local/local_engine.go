package local

import (
	"context"
	"fmt"
	"github.com/alienrobotwizard/xmanager/core/config"
	"github.com/alienrobotwizard/xmanager/core/exceptions"
	"github.com/alienrobotwizard/xmanager/core/execution/engines"
	"github.com/alienrobotwizard/xmanager/core/packaging"
	"github.com/alienrobotwizard/xmanager/core/xm"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"strings"
	"sync"
)

//
// Engine runs jobs as containers on the local docker daemon
//
type Engine struct {
	logger   *log.Entry
	docker   DockerClient
	packager *packaging.Packager

	mu sync.Mutex
	// docker_options given at packaging time, keyed by image
	specOptions map[string]map[string]interface{}
}

func NewLocalEngine(conf *config.Config) (engines.Engine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	builder, err := packaging.NewDockerBuilderWithClient(conf, cli)
	if err != nil {
		return nil, err
	}
	return NewEngine(NewDockerClient(cli), packaging.NewPackager(builder)), nil
}

func NewEngine(docker DockerClient, packager *packaging.Packager) *Engine {
	logger := log.WithField("engine", xm.LocalBackend)
	logger.Info("Initializing local execution engine")
	return &Engine{
		logger:      logger,
		docker:      docker,
		packager:    packager,
		specOptions: make(map[string]map[string]interface{}),
	}
}

func (e *Engine) Name() xm.Backend {
	return xm.LocalBackend
}

func (e *Engine) Package(ctx context.Context, p xm.Packageable) (xm.Executable, error) {
	spec, ok := p.ExecutorSpec.(xm.LocalSpec)
	if !ok {
		return xm.Executable{}, errors.Wrapf(engines.ErrWrongBackend, "local engine cannot package for %T", p.ExecutorSpec)
	}
	if _, err := DecodeDockerOptions(spec.DockerOptions); err != nil {
		return xm.Executable{}, err
	}
	exe, err := e.packager.Package(ctx, p)
	if err != nil {
		return exe, err
	}
	e.mu.Lock()
	e.specOptions[exe.ImagePath] = spec.DockerOptions
	e.mu.Unlock()
	return exe, nil
}

func (e *Engine) Launch(ctx context.Context, job xm.Job) (engines.Handle, error) {
	executor, ok := job.Executor.(xm.Local)
	if !ok {
		return engines.Handle{}, errors.Wrapf(engines.ErrWrongBackend, "local engine cannot launch %T", job.Executor)
	}
	jobName := job.ResolvedName()
	invalid := func(err error) error {
		return exceptions.NewLaunchError(exceptions.InvalidConfiguration, string(xm.LocalBackend), jobName, err)
	}

	e.mu.Lock()
	defaults := e.specOptions[job.Executable.ImagePath]
	e.mu.Unlock()
	opts, err := DecodeDockerOptions(defaults, executor.DockerOptions)
	if err != nil {
		return engines.Handle{}, invalid(err)
	}
	spec, err := e.containerSpec(job, executor, opts)
	if err != nil {
		return engines.Handle{}, invalid(err)
	}

	name := containerName(jobName)
	logger := e.logger.WithFields(log.Fields{"job": jobName, "container": name})
	logger.Info("Launching container")

	if _, err = e.docker.Run(ctx, name, spec); err != nil {
		return engines.Handle{}, exceptions.NewLaunchError(launchKind(err), string(xm.LocalBackend), jobName, err)
	}
	return engines.Handle{Backend: xm.LocalBackend, ID: name}, nil
}

func (e *Engine) containerSpec(job xm.Job, executor xm.Local, opts DockerOptions) (ContainerSpec, error) {
	exposed, bindings, err := opts.PortBindings()
	if err != nil {
		return ContainerSpec{}, err
	}
	platform, err := opts.OCIPlatform()
	if err != nil {
		return ContainerSpec{}, err
	}

	var resources container.Resources
	reqs := executor.Requirements()
	if cpu := reqs.CPU(); cpu > 0 {
		resources.NanoCPUs = int64(cpu * 1e9)
	}
	if ram := reqs.RAM(); ram > 0 {
		resources.Memory = ram
	}
	if kind, count, ok := reqs.Accelerator(); ok {
		if kind.IsTPU() {
			return ContainerSpec{}, fmt.Errorf("%s accelerators are not available on the local backend", kind)
		}
		resources.DeviceRequests = []container.DeviceRequest{{
			Driver:       "nvidia",
			Count:        count,
			Capabilities: [][]string{{"gpu"}},
		}}
	}

	return ContainerSpec{
		Config: &container.Config{
			Image:        job.Executable.ImagePath,
			Cmd:          job.FullArgs().ToList(),
			Env:          job.SortedEnv(),
			ExposedPorts: exposed,
			OpenStdin:    opts.Interactive,
			AttachStdin:  opts.Interactive,
			Tty:          opts.Interactive,
			Labels:       map[string]string{"xmanager.job": job.ResolvedName()},
		},
		Host: &container.HostConfig{
			Binds:        opts.Binds(),
			PortBindings: bindings,
			NetworkMode:  container.NetworkMode(opts.Network),
			Resources:    resources,
		},
		Platform: platform,
	}, nil
}

func (e *Engine) Query(ctx context.Context, handle engines.Handle) (xm.Status, error) {
	if handle.Backend != xm.LocalBackend {
		return xm.StatusPending, engines.ErrWrongBackend
	}
	info, err := e.docker.Info(ctx, handle.ID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return xm.StatusPending, errors.Wrapf(engines.ErrNotFound, "container [%s]", handle.ID)
		}
		return xm.StatusPending, err
	}

	state := info.State
	if state == nil {
		return xm.StatusPending, nil
	}
	switch state.Status {
	case "created":
		return xm.StatusPending, nil
	case "running", "restarting", "paused":
		return xm.StatusRunning, nil
	default:
		if state.ExitCode == 0 && state.Error == "" && !state.OOMKilled {
			return xm.StatusCompleted, nil
		}
		return xm.StatusFailed, nil
	}
}

func launchKind(err error) exceptions.LaunchKind {
	switch {
	case errdefs.IsInvalidParameter(err), errdefs.IsNotFound(err), errdefs.IsConflict(err):
		return exceptions.InvalidConfiguration
	default:
		return exceptions.TransientBackend
	}
}

// containerName is unique per launch and a valid docker name.
func containerName(jobName string) string {
	base := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.' {
			return r
		}
		return '_'
	}, jobName)
	return fmt.Sprintf("xm-%s-%s", base, uuid.New().String()[:8])
}
