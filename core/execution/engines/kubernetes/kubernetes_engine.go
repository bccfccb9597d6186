package kubernetes

import (
	"context"
	"github.com/alienrobotwizard/xmanager/core/config"
	"github.com/alienrobotwizard/xmanager/core/exceptions"
	"github.com/alienrobotwizard/xmanager/core/execution/engines"
	"github.com/alienrobotwizard/xmanager/core/packaging"
	"github.com/alienrobotwizard/xmanager/core/xm"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	_ "k8s.io/client-go/plugin/pkg/client/auth"
	"k8s.io/client-go/tools/clientcmd"
	"os"
	"strings"
)

type Engine struct {
	logger   *log.Entry
	kClient  kubernetes.Interface
	adapter  *Adapter
	packager *packaging.Packager
}

var (
	namespaceKey      = "engine.kubernetes.namespace"
	imagePullKey      = "engine.kubernetes.image_pull_secrets"
	serviceAccountKey = "engine.kubernetes.service_account"
	tpuRuntimeKey     = "engine.kubernetes.tpu_runtime"
	configPathKey     = "engine.kubernetes.kubeconf"
)

// AddressFlags are the pod env vars the entrypoint wrapper turns into flags.
var AddressFlags = map[string]string{
	"JOB_COMPLETION_INDEX":            "task_index",
	"KUBE_GOOGLE_CLOUD_TPU_ENDPOINTS": "tpu_endpoints",
}

// NewKubeClient builds a client from the kubeconfig named in config, or the default one.
func NewKubeClient(conf *config.Config) (kubernetes.Interface, error) {
	kconf := os.ExpandEnv("$HOME/.kube/config")
	if conf.IsSet(configPathKey) {
		kconf = conf.GetString(configPathKey)
	}
	c, err := clientcmd.BuildConfigFromFlags("", kconf)
	if err != nil {
		return nil, err
	}
	return kubernetes.NewForConfig(c)
}

func NewKubernetesEngine(conf *config.Config) (engines.Engine, error) {
	kClient, err := NewKubeClient(conf)
	if err != nil {
		return nil, err
	}
	builder, err := packaging.NewDockerBuilder(conf)
	if err != nil {
		return nil, err
	}
	return NewEngine(conf, kClient, packaging.NewPackager(builder, packaging.WithAddressFlags(AddressFlags))), nil
}

func NewEngine(conf *config.Config, kClient kubernetes.Interface, packager *packaging.Packager) *Engine {
	logger := log.WithField("engine", xm.KubernetesBackend)
	logger.Info("Initializing kubernetes execution engine")
	return &Engine{
		logger:  logger,
		kClient: kClient,
		adapter: &Adapter{
			imagePullSecrets: conf.GetString(imagePullKey),
			serviceAccount:   conf.GetString(serviceAccountKey),
			namespace:        conf.GetString(namespaceKey),
			tpuRuntime:       conf.GetString(tpuRuntimeKey),
			client:           kClient,
		},
		packager: packager,
	}
}

func (e *Engine) Name() xm.Backend {
	return xm.KubernetesBackend
}

func (e *Engine) Package(ctx context.Context, p xm.Packageable) (xm.Executable, error) {
	if _, ok := p.ExecutorSpec.(xm.KubernetesSpec); !ok {
		return xm.Executable{}, errors.Wrapf(engines.ErrWrongBackend, "kubernetes engine cannot package for %T", p.ExecutorSpec)
	}
	return e.packager.Package(ctx, p)
}

func (e *Engine) Launch(ctx context.Context, job xm.Job) (engines.Handle, error) {
	executor, ok := job.Executor.(xm.Kubernetes)
	if !ok {
		return engines.Handle{}, errors.Wrapf(engines.ErrWrongBackend, "kubernetes engine cannot launch %T", job.Executor)
	}
	name := job.ResolvedName()

	k8sJob, err := e.adapter.ToK8sJob(ctx, job, executor)
	if err != nil {
		return engines.Handle{}, exceptions.NewLaunchError(launchKind(err), string(xm.KubernetesBackend), name, err)
	}

	e.logger.WithFields(log.Fields{"job": name, "k8s_job": k8sJob.Name, "namespace": k8sJob.Namespace}).
		Info("Creating kubernetes job")
	launched, err := e.kClient.BatchV1().Jobs(k8sJob.Namespace).Create(ctx, &k8sJob, metav1.CreateOptions{})
	if err != nil {
		return engines.Handle{}, exceptions.NewLaunchError(launchKind(err), string(xm.KubernetesBackend), name, err)
	}
	return engines.Handle{Backend: xm.KubernetesBackend, ID: launched.Name, Namespace: launched.Namespace}, nil
}

func (e *Engine) Query(ctx context.Context, handle engines.Handle) (xm.Status, error) {
	if handle.Backend != xm.KubernetesBackend {
		return xm.StatusPending, engines.ErrWrongBackend
	}
	job, err := e.kClient.BatchV1().Jobs(handle.Namespace).Get(ctx, handle.ID, metav1.GetOptions{})
	if err != nil {
		if k8serrors.IsNotFound(err) {
			return xm.StatusPending, errors.Wrapf(engines.ErrNotFound, "job [%s]", handle)
		}
		return xm.StatusPending, err
	}
	return e.adapter.Status(job), nil
}

func launchKind(err error) exceptions.LaunchKind {
	switch {
	case k8serrors.IsForbidden(err) && strings.Contains(strings.ToLower(err.Error()), "exceeded quota"):
		return exceptions.QuotaExceeded
	case k8serrors.IsInvalid(err), k8serrors.IsBadRequest(err), k8serrors.IsAlreadyExists(err),
		k8serrors.IsForbidden(err), k8serrors.IsNotFound(err):
		return exceptions.InvalidConfiguration
	case k8serrors.IsTimeout(err), k8serrors.IsServerTimeout(err), k8serrors.IsTooManyRequests(err),
		k8serrors.IsInternalError(err), k8serrors.IsServiceUnavailable(err):
		return exceptions.TransientBackend
	}
	// adapter errors that never reached the api server
	if _, ok := err.(k8serrors.APIStatus); !ok && !isTransport(err) {
		return exceptions.InvalidConfiguration
	}
	return exceptions.TransientBackend
}

func isTransport(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection") || strings.Contains(msg, "timeout") || strings.Contains(msg, "eof")
}
