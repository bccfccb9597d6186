package packaging

import (
	"context"
	"fmt"
	"github.com/alienrobotwizard/xmanager/core/exceptions"
	"github.com/alienrobotwizard/xmanager/core/xm"
	"github.com/docker/distribution/reference"
	"github.com/docker/docker/pkg/archive"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// stager copies project sources into build contexts keeping the caller's ownership.
var stager = &archive.Archiver{
	Untar: func(r io.Reader, dest string, opts *archive.TarOptions) error {
		opts.NoLchown = true
		return archive.Untar(r, dest, opts)
	},
}

//
// Packager turns a Packageable into an image the target backend can address.
// Local images stay in the daemon; remote images are pushed to the executor's push tag.
//
type Packager struct {
	builder ImageBuilder
	// env var to flag name, rendered into entrypoint.sh
	addressFlags map[string]string
	tmpRoot      string
	logger       *log.Entry
}

type Option func(*Packager)

// WithAddressFlags sets the backend assigned env vars translated into entry point flags.
func WithAddressFlags(flags map[string]string) Option {
	return func(p *Packager) {
		p.addressFlags = flags
	}
}

// WithTempRoot sets where build contexts are staged. Defaults to os.TempDir.
func WithTempRoot(dir string) Option {
	return func(p *Packager) {
		p.tmpRoot = dir
	}
}

func NewPackager(builder ImageBuilder, opts ...Option) *Packager {
	p := &Packager{
		builder: builder,
		logger:  log.WithField("component", "packager"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Packager) Package(ctx context.Context, pk xm.Packageable) (xm.Executable, error) {
	if pk.ExecutableSpec == nil || pk.ExecutorSpec == nil {
		return xm.Executable{}, fmt.Errorf("%w: packageable needs an executable spec and an executor spec",
			exceptions.ErrMalformedInput)
	}
	name := pk.ExecutableSpec.Name()
	fingerprint, err := pk.Fingerprint()
	if err != nil {
		return xm.Executable{}, exceptions.NewPackagingError(name, err)
	}

	target, push, err := targetImage(pk, fingerprint.Encoded())
	if err != nil {
		return xm.Executable{}, err
	}
	logger := p.logger.WithFields(log.Fields{"spec": name, "image": target})

	switch spec := pk.ExecutableSpec.(type) {
	case xm.PythonContainer:
		err = p.buildPython(ctx, spec, pk.EnvVars, target)
	case xm.Dockerfile:
		err = p.buildDockerfile(ctx, spec, target)
	case xm.Container:
		err = p.retag(ctx, spec, target)
	default:
		return xm.Executable{}, fmt.Errorf("%w: unsupported executable spec %T", exceptions.ErrMalformedInput, spec)
	}
	if err != nil {
		return xm.Executable{}, exceptions.NewPackagingError(name, err)
	}

	if push {
		if err = p.builder.Push(ctx, target); err != nil {
			return xm.Executable{}, exceptions.NewPackagingError(name, errors.Wrapf(err, "pushing [%s]", target))
		}
	}
	logger.Info("Packaged executable")

	return xm.Executable{
		Name:        name,
		ImagePath:   target,
		Backend:     pk.ExecutorSpec.Backend(),
		Args:        pk.Args,
		EnvVars:     pk.EnvVars,
		Fingerprint: fingerprint,
	}, nil
}

// targetImage picks the image reference to produce and whether it must be pushed.
func targetImage(pk xm.Packageable, fingerprint string) (string, bool, error) {
	switch es := pk.ExecutorSpec.(type) {
	case xm.ManagedCloudSpec:
		return es.PushImageTag, true, ValidatePushTag(es.PushImageTag)
	case xm.KubernetesSpec:
		return es.PushImageTag, true, ValidatePushTag(es.PushImageTag)
	}
	if c, ok := pk.ExecutableSpec.(xm.Container); ok {
		return c.ImagePath, false, nil
	}
	return fmt.Sprintf("xm-%s:%s", imageName(pk.ExecutableSpec.Name()), fingerprint[:12]), false, nil
}

// ValidatePushTag requires a fully qualified registry/project/image:tag reference.
func ValidatePushTag(tag string) error {
	if tag == "" {
		return fmt.Errorf("%w: push_image_tag is required for remote executors", exceptions.ErrMalformedInput)
	}
	named, err := reference.ParseNormalizedNamed(tag)
	if err != nil {
		return fmt.Errorf("%w: push_image_tag [%s]: %v", exceptions.ErrMalformedInput, tag, err)
	}
	if _, ok := named.(reference.Tagged); !ok {
		return fmt.Errorf("%w: push_image_tag [%s] has no tag", exceptions.ErrMalformedInput, tag)
	}
	// the registry must be explicit and the path must carry a project
	first := strings.SplitN(tag, "/", 2)[0]
	if !strings.Contains(tag, "/") || (!strings.ContainsAny(first, ".:") && first != "localhost") {
		return fmt.Errorf("%w: push_image_tag [%s] does not name a registry", exceptions.ErrMalformedInput, tag)
	}
	if !strings.Contains(reference.Path(named), "/") {
		return fmt.Errorf("%w: push_image_tag [%s] does not name a project", exceptions.ErrMalformedInput, tag)
	}
	return nil
}

func (p *Packager) buildPython(ctx context.Context, spec xm.PythonContainer, env map[string]string, target string) error {
	dockerfile, err := RenderDockerfile(spec, env)
	if err != nil {
		return err
	}
	entrypoint, err := RenderEntrypoint(spec.EntryPoint, p.addressFlags)
	if err != nil {
		return err
	}

	buildDir, err := os.MkdirTemp(p.tmpRoot, "xm-build-")
	if err != nil {
		return err
	}
	defer func() {
		if rmErr := os.RemoveAll(buildDir); rmErr != nil {
			p.logger.WithError(rmErr).WithField("dir", buildDir).Warn("Unable to remove build context")
		}
	}()

	if err = stager.CopyWithTar(spec.Path, filepath.Join(buildDir, spec.Name())); err != nil {
		return errors.Wrapf(err, "staging [%s]", spec.Path)
	}
	if err = os.WriteFile(filepath.Join(buildDir, "Dockerfile"), []byte(dockerfile), 0644); err != nil {
		return err
	}
	if err = os.WriteFile(filepath.Join(buildDir, "entrypoint.sh"), []byte(entrypoint), 0755); err != nil {
		return err
	}
	return p.builder.Build(ctx, BuildRequest{ContextDir: buildDir, Dockerfile: "Dockerfile", Tag: target})
}

func (p *Packager) buildDockerfile(ctx context.Context, spec xm.Dockerfile, target string) error {
	rel, err := filepath.Rel(spec.Path, spec.DockerfilePath())
	if err != nil || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("dockerfile [%s] must live inside [%s]", spec.DockerfilePath(), spec.Path)
	}
	return p.builder.Build(ctx, BuildRequest{ContextDir: spec.Path, Dockerfile: rel, Tag: target})
}

func (p *Packager) retag(ctx context.Context, spec xm.Container, target string) error {
	if err := p.builder.Pull(ctx, spec.ImagePath); err != nil {
		return errors.Wrapf(err, "pulling [%s]", spec.ImagePath)
	}
	if target == spec.ImagePath {
		return nil
	}
	return p.builder.Tag(ctx, spec.ImagePath, target)
}

// imageName lowercases and strips characters docker refuses in repository names.
func imageName(name string) string {
	name = strings.ToLower(name)
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.' {
			return r
		}
		return '-'
	}, name)
}
