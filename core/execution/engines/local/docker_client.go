package local

import (
	"context"
	"github.com/alienrobotwizard/xmanager/core/execution/engines"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

//
// DockerClient is the slice of the docker API the local engine needs
//
type DockerClient interface {
	Run(ctx context.Context, name string, spec ContainerSpec) (containerID string, err error)
	Info(ctx context.Context, name string) (types.ContainerJSON, error)
}

// ContainerSpec is everything needed to create one container.
type ContainerSpec struct {
	Config   *container.Config
	Host     *container.HostConfig
	Platform *ocispec.Platform
}

type dockerClient struct {
	cli client.APIClient
}

func NewDockerClient(cli client.APIClient) DockerClient {
	return &dockerClient{cli: cli}
}

func (dc *dockerClient) Run(ctx context.Context, name string, spec ContainerSpec) (containerID string, err error) {
	resp, err := dc.cli.ContainerCreate(ctx, spec.Config, spec.Host, nil, spec.Platform, name)
	if err != nil {
		return
	}
	return resp.ID, dc.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{})
}

func (dc *dockerClient) getContainerID(ctx context.Context, name string) (string, error) {
	containers, err := dc.cli.ContainerList(ctx, types.ContainerListOptions{
		All:     true,
		Limit:   1,
		Filters: filters.NewArgs(filters.Arg("name", "^/"+name+"$")),
	})
	if err != nil {
		return "", err
	}
	if len(containers) == 0 {
		return "", engines.ErrNotFound
	}
	return containers[0].ID, nil
}

func (dc *dockerClient) Info(ctx context.Context, name string) (types.ContainerJSON, error) {
	if containerID, err := dc.getContainerID(ctx, name); err != nil {
		return types.ContainerJSON{}, err
	} else {
		return dc.cli.ContainerInspect(ctx, containerID)
	}
}
