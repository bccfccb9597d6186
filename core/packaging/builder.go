package packaging

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"github.com/alienrobotwizard/xmanager/core/config"
	"github.com/alienrobotwizard/xmanager/core/exceptions"
	dockerconfig "github.com/docker/cli/cli/config"
	"github.com/docker/cli/cli/config/configfile"
	"github.com/docker/distribution/reference"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"io"
)

//
// ImageBuilder is the image side of packaging: build, pull, tag and push.
//
type ImageBuilder interface {
	Build(ctx context.Context, req BuildRequest) error
	Pull(ctx context.Context, image string) error
	Tag(ctx context.Context, source string, target string) error
	Push(ctx context.Context, image string) error
}

type BuildRequest struct {
	ContextDir string
	// Dockerfile is relative to ContextDir.
	Dockerfile string
	Tag        string
}

var authsKey = "engine.local.auths"

type registryCredentials struct {
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
}

// docker hub credentials are stored under the v1 index address
const dockerHubAuthKey = "https://index.docker.io/v1/"

type dockerBuilder struct {
	cli    client.APIClient
	auths  map[string]types.AuthConfig
	logger *log.Entry
	// credentials from the docker cli config, used for hosts missing from auths
	dockerConfig *configfile.ConfigFile
}

func NewDockerBuilder(c *config.Config) (ImageBuilder, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return NewDockerBuilderWithClient(c, cli)
}

func NewDockerBuilderWithClient(c *config.Config, cli client.APIClient) (ImageBuilder, error) {
	db := &dockerBuilder{
		cli:    cli,
		auths:  make(map[string]types.AuthConfig),
		logger: log.WithField("component", "docker_builder"),
	}

	// hosts contain dots, so credentials are decoded from the map rather than looked up by key
	for registryHost, raw := range c.GetStringMap(authsKey) {
		var creds registryCredentials
		if err := mapstructure.Decode(raw, &creds); err != nil {
			return nil, errors.Wrapf(exceptions.ErrBadConfig, "%s.%s: %v", authsKey, registryHost, err)
		}
		if creds.User == "" {
			return nil, exceptions.BadConfig(fmt.Sprintf("%s.%s.user", authsKey, registryHost))
		}
		if creds.Password == "" {
			return nil, exceptions.BadConfig(fmt.Sprintf("%s.%s.password", authsKey, registryHost))
		}
		db.auths[registryHost] = types.AuthConfig{
			Username:      creds.User,
			Password:      creds.Password,
			ServerAddress: registryHost,
		}
	}

	cf, err := dockerconfig.Load(dockerconfig.Dir())
	if err != nil {
		db.logger.WithError(err).Warn("unable to load docker cli config, only configured auths are used")
	} else {
		db.dockerConfig = cf
	}
	return db, nil
}

func (db *dockerBuilder) registryAuth(image string) (string, error) {
	ref, err := reference.ParseNormalizedNamed(image)
	if err != nil {
		return "", err
	}
	domain := reference.Domain(ref)
	auth, ok := db.auths[domain]
	if !ok {
		if auth, ok = db.cliAuth(domain); !ok {
			return "", nil
		}
	}
	encodedJSON, err := json.Marshal(auth)
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(encodedJSON), nil
}

func (db *dockerBuilder) cliAuth(domain string) (types.AuthConfig, bool) {
	if db.dockerConfig == nil {
		return types.AuthConfig{}, false
	}
	key := domain
	if domain == "docker.io" {
		key = dockerHubAuthKey
	}
	ac, err := db.dockerConfig.GetAuthConfig(key)
	if err != nil || (ac.Username == "" && ac.IdentityToken == "" && ac.RegistryToken == "") {
		return types.AuthConfig{}, false
	}
	return types.AuthConfig{
		Username:      ac.Username,
		Password:      ac.Password,
		Auth:          ac.Auth,
		ServerAddress: domain,
		IdentityToken: ac.IdentityToken,
		RegistryToken: ac.RegistryToken,
	}, true
}

func (db *dockerBuilder) Build(ctx context.Context, req BuildRequest) error {
	db.logger.WithField("tag", req.Tag).Info("Building Docker image, please wait...")

	buildContext, err := archive.TarWithOptions(req.ContextDir, &archive.TarOptions{})
	if err != nil {
		return err
	}
	defer buildContext.Close()

	resp, err := db.cli.ImageBuild(ctx, buildContext, types.ImageBuildOptions{
		Tags:        []string{req.Tag},
		Dockerfile:  req.Dockerfile,
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return db.stream(resp.Body)
}

func (db *dockerBuilder) Pull(ctx context.Context, image string) error {
	db.logger.WithField("image", image).Info("Pulling image")
	auth, err := db.registryAuth(image)
	if err != nil {
		return err
	}
	reader, err := db.cli.ImagePull(ctx, image, types.ImagePullOptions{RegistryAuth: auth})
	if err != nil {
		return err
	}
	defer reader.Close()
	return db.stream(reader)
}

func (db *dockerBuilder) Tag(ctx context.Context, source string, target string) error {
	return db.cli.ImageTag(ctx, source, target)
}

func (db *dockerBuilder) Push(ctx context.Context, image string) error {
	db.logger.WithField("image", image).Info("Pushing image")
	auth, err := db.registryAuth(image)
	if err != nil {
		return err
	}
	// the daemon rejects an empty auth header on push
	if auth == "" {
		auth = base64.URLEncoding.EncodeToString([]byte("{}"))
	}
	reader, err := db.cli.ImagePush(ctx, image, types.ImagePushOptions{RegistryAuth: auth})
	if err != nil {
		return err
	}
	defer reader.Close()
	return db.stream(reader)
}

// stream forwards daemon progress to the log and surfaces errors embedded in the stream.
func (db *dockerBuilder) stream(r io.Reader) error {
	w := db.logger.Writer()
	defer w.Close()
	return jsonmessage.DisplayJSONMessagesStream(r, w, 0, false, nil)
}
