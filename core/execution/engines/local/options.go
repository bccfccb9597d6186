package local

import (
	"fmt"
	"github.com/alienrobotwizard/xmanager/core/exceptions"
	"github.com/docker/go-connections/nat"
	"github.com/mitchellh/mapstructure"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"sort"
	"strings"
)

//
// DockerOptions are the recognized keys of a local executor's docker_options.
//
type DockerOptions struct {
	// container port to host port
	Ports map[string]string `mapstructure:"ports"`
	// host path to container path
	Volumes     map[string]string `mapstructure:"volumes"`
	Interactive bool              `mapstructure:"interactive"`
	Platform    string            `mapstructure:"platform"`
	Network     string            `mapstructure:"network"`
}

// DecodeDockerOptions merges the layers left to right and decodes the result. Unknown keys are rejected.
func DecodeDockerOptions(layers ...map[string]interface{}) (DockerOptions, error) {
	merged := make(map[string]interface{})
	for _, layer := range layers {
		for k, v := range layer {
			merged[k] = v
		}
	}

	var opts DockerOptions
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           &opts,
	})
	if err != nil {
		return opts, err
	}
	if err = decoder.Decode(merged); err != nil {
		return opts, fmt.Errorf("%w: docker_options: %v", exceptions.ErrMalformedInput, err)
	}
	return opts, nil
}

// PortBindings renders Ports with go-connections.
func (o DockerOptions) PortBindings() (nat.PortSet, nat.PortMap, error) {
	containerPorts := make([]string, 0, len(o.Ports))
	for p := range o.Ports {
		containerPorts = append(containerPorts, p)
	}
	sort.Strings(containerPorts)

	specs := make([]string, 0, len(o.Ports))
	for _, p := range containerPorts {
		specs = append(specs, fmt.Sprintf("%s:%s", o.Ports[p], p))
	}
	exposed, bindings, err := nat.ParsePortSpecs(specs)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: docker_options ports: %v", exceptions.ErrMalformedInput, err)
	}
	return exposed, bindings, nil
}

func (o DockerOptions) Binds() []string {
	hostPaths := make([]string, 0, len(o.Volumes))
	for h := range o.Volumes {
		hostPaths = append(hostPaths, h)
	}
	sort.Strings(hostPaths)

	binds := make([]string, 0, len(o.Volumes))
	for _, h := range hostPaths {
		binds = append(binds, fmt.Sprintf("%s:%s", h, o.Volumes[h]))
	}
	return binds
}

// OCIPlatform parses os[/arch[/variant]]; nil when unset.
func (o DockerOptions) OCIPlatform() (*ocispec.Platform, error) {
	if o.Platform == "" {
		return nil, nil
	}
	parts := strings.Split(o.Platform, "/")
	if len(parts) > 3 || parts[0] == "" {
		return nil, fmt.Errorf("%w: docker_options platform [%s]", exceptions.ErrMalformedInput, o.Platform)
	}
	p := &ocispec.Platform{OS: parts[0]}
	if len(parts) > 1 {
		p.Architecture = parts[1]
	}
	if len(parts) > 2 {
		p.Variant = parts[2]
	}
	return p, nil
}
