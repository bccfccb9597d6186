package local

import (
	"context"
	"errors"
	"github.com/alienrobotwizard/xmanager/core/exceptions"
	"github.com/alienrobotwizard/xmanager/core/execution/engines"
	"github.com/alienrobotwizard/xmanager/core/packaging"
	"github.com/alienrobotwizard/xmanager/core/requirements"
	"github.com/alienrobotwizard/xmanager/core/xm"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

type mockDocker struct {
	runs     map[string]ContainerSpec
	states   map[string]*types.ContainerState
	runError error
}

func newMockDocker() *mockDocker {
	return &mockDocker{
		runs:   make(map[string]ContainerSpec),
		states: make(map[string]*types.ContainerState),
	}
}

func (md *mockDocker) Run(ctx context.Context, name string, spec ContainerSpec) (string, error) {
	if md.runError != nil {
		return "", md.runError
	}
	md.runs[name] = spec
	md.states[name] = &types.ContainerState{Status: "created"}
	return "id-" + name, nil
}

func (md *mockDocker) Info(ctx context.Context, name string) (types.ContainerJSON, error) {
	state, ok := md.states[name]
	if !ok {
		return types.ContainerJSON{}, engines.ErrNotFound
	}
	return types.ContainerJSON{ContainerJSONBase: &types.ContainerJSONBase{State: state}}, nil
}

type noopBuilder struct{}

func (noopBuilder) Build(ctx context.Context, req packaging.BuildRequest) error { return nil }
func (noopBuilder) Pull(ctx context.Context, image string) error { return nil }
func (noopBuilder) Tag(ctx context.Context, source string, target string) error { return nil }
func (noopBuilder) Push(ctx context.Context, image string) error { return nil }

func setUp(t *testing.T) (*Engine, *mockDocker, xm.Executable) {
	md := newMockDocker()
	engine := NewEngine(md, packaging.NewPackager(noopBuilder{}))
	exe, err := engine.Package(context.Background(), xm.Packageable{
		ExecutableSpec: xm.Container{ImagePath: "python:3.11"},
		ExecutorSpec:   xm.LocalSpec{DockerOptions: map[string]interface{}{"network": "host"}},
		Args:           xm.Keywords(xm.KV{Name: "epochs", Value: 3}),
		EnvVars:        map[string]string{"SEED": "1"},
	})
	require.NoError(t, err)
	return engine, md, exe
}

func TestEngine_Launch(t *testing.T) {
	engine, md, exe := setUp(t)

	handle, err := engine.Launch(context.Background(), xm.Job{
		Name:       "trainer",
		Executable: &exe,
		Executor: xm.Local{
			Resources: requirements.New(map[requirements.ResourceKind]float64{
				requirements.CPU: 2, requirements.RAM: 1 << 30, requirements.T4: 1,
			}),
			DockerOptions: map[string]interface{}{"ports": map[interface{}]interface{}{8080: 9090}},
		},
		Args:    xm.Keywords(xm.KV{Name: "batch_size", Value: 64}),
		EnvVars: map[string]string{"DEBUG": "true"},
	})
	require.NoError(t, err)
	assert.Equal(t, xm.LocalBackend, handle.Backend)

	spec, ok := md.runs[handle.ID]
	require.True(t, ok)
	assert.Equal(t, "python:3.11", spec.Config.Image)
	assert.Equal(t, []string{"--epochs=3", "--batch_size=64"}, []string(spec.Config.Cmd))
	assert.Equal(t, []string{"DEBUG=true", "SEED=1"}, spec.Config.Env)
	assert.Equal(t, int64(2e9), spec.Host.Resources.NanoCPUs)
	assert.Equal(t, int64(1<<30), spec.Host.Resources.Memory)
	require.Len(t, spec.Host.Resources.DeviceRequests, 1)
	assert.Equal(t, 1, spec.Host.Resources.DeviceRequests[0].Count)
	assert.Equal(t, "host", string(spec.Host.NetworkMode))
	assert.Equal(t, "9090", spec.Host.PortBindings[nat.Port("8080/tcp")][0].HostPort)
}

func TestEngine_LaunchErrors(t *testing.T) {
	engine, md, exe := setUp(t)

	_, err := engine.Launch(context.Background(), xm.Job{
		Executable: &exe,
		Executor: xm.Local{Resources: requirements.New(map[requirements.ResourceKind]float64{
			requirements.TPUV2: 8,
		})},
	})
	assert.True(t, errors.Is(err, exceptions.ErrInvalidConfiguration))

	_, err = engine.Launch(context.Background(), xm.Job{
		Executable: &exe,
		Executor:   xm.Local{DockerOptions: map[string]interface{}{"gpus": "all"}},
	})
	assert.True(t, errors.Is(err, exceptions.ErrInvalidConfiguration))

	md.runError = errdefs.NotFound(errors.New("no such image"))
	_, err = engine.Launch(context.Background(), xm.Job{Executable: &exe, Executor: xm.Local{}})
	assert.True(t, errors.Is(err, exceptions.ErrInvalidConfiguration))
	assert.False(t, exceptions.IsRetryable(err))

	md.runError = errors.New("connection reset")
	_, err = engine.Launch(context.Background(), xm.Job{Executable: &exe, Executor: xm.Local{}})
	assert.True(t, errors.Is(err, exceptions.ErrTransientBackend))
	assert.True(t, exceptions.IsRetryable(err))
}

func TestEngine_Query(t *testing.T) {
	engine, md, exe := setUp(t)
	ctx := context.Background()

	handle, err := engine.Launch(ctx, xm.Job{Executable: &exe, Executor: xm.Local{}})
	require.NoError(t, err)

	status, err := engine.Query(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, xm.StatusPending, status)

	md.states[handle.ID] = &types.ContainerState{Status: "running"}
	status, _ = engine.Query(ctx, handle)
	assert.Equal(t, xm.StatusRunning, status)

	md.states[handle.ID] = &types.ContainerState{Status: "exited", ExitCode: 0}
	status, _ = engine.Query(ctx, handle)
	assert.Equal(t, xm.StatusCompleted, status)

	md.states[handle.ID] = &types.ContainerState{Status: "exited", ExitCode: 137}
	status, _ = engine.Query(ctx, handle)
	assert.Equal(t, xm.StatusFailed, status)

	_, err = engine.Query(ctx, engines.Handle{Backend: xm.LocalBackend, ID: "missing"})
	assert.True(t, errors.Is(err, engines.ErrNotFound))

	_, err = engine.Query(ctx, engines.Handle{Backend: xm.KubernetesBackend, ID: handle.ID})
	assert.True(t, errors.Is(err, engines.ErrWrongBackend))
}

func TestDecodeDockerOptions(t *testing.T) {
	opts, err := DecodeDockerOptions(
		map[string]interface{}{"network": "bridge", "platform": "linux/arm64/v8"},
		map[string]interface{}{"network": "host", "volumes": map[string]interface{}{"/data": "/mnt/data"}},
	)
	require.NoError(t, err)
	assert.Equal(t, "host", opts.Network)
	assert.Equal(t, []string{"/data:/mnt/data"}, opts.Binds())

	platform, err := opts.OCIPlatform()
	require.NoError(t, err)
	assert.Equal(t, "linux", platform.OS)
	assert.Equal(t, "arm64", platform.Architecture)
	assert.Equal(t, "v8", platform.Variant)

	_, err = DecodeDockerOptions(map[string]interface{}{"unknown": 1})
	assert.True(t, errors.Is(err, exceptions.ErrMalformedInput))
}
