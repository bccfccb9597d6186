package kubernetes

import (
	"context"
	"fmt"
	"github.com/alienrobotwizard/xmanager/core/requirements"
	"github.com/alienrobotwizard/xmanager/core/xm"
	"github.com/google/uuid"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"sort"
	"strings"
)

const (
	gpuResource       = corev1.ResourceName("nvidia.com/gpu")
	gkeAcceleratorKey = "cloud.google.com/gke-accelerator"
	tpuVersionKey     = "tf-version.cloud-tpus.google.com"
	jobLabel          = "xmanager.job"
)

var gkeAccelerators = map[requirements.ResourceKind]string{
	requirements.P100: "nvidia-tesla-p100",
	requirements.V100: "nvidia-tesla-v100",
	requirements.P4:   "nvidia-tesla-p4",
	requirements.T4:   "nvidia-tesla-t4",
	requirements.A100: "nvidia-tesla-a100",
}

var tpuResources = map[requirements.ResourceKind]corev1.ResourceName{
	requirements.TPUV2: "cloud-tpus.google.com/v2",
	requirements.TPUV3: "cloud-tpus.google.com/v3",
}

//
// Adapter translates between xm jobs and batch/v1 Jobs
//
type Adapter struct {
	imagePullSecrets string
	serviceAccount   string
	namespace        string
	tpuRuntime       string
	client           kubernetes.Interface
}

func (a *Adapter) namespaceFor(executor xm.Kubernetes) string {
	if executor.Namespace != "" {
		return executor.Namespace
	}
	return a.namespace
}

func (a *Adapter) ToK8sJob(ctx context.Context, job xm.Job, executor xm.Kubernetes) (batchv1.Job, error) {
	var k8sJob batchv1.Job
	namespace := a.namespaceFor(executor)

	env := a.handleEnv(job.FullEnv())
	secrets, err := a.handleSecrets(ctx, namespace, executor.Secrets)
	if err != nil {
		return k8sJob, err
	}
	env = append(env, secrets...)

	resources, selectors, annotations, err := a.handleResourceRequirements(executor.Requirements())
	if err != nil {
		return k8sJob, err
	}
	annotations["cluster-autoscaler.kubernetes.io/safe-to-evict"] = "false"

	container := corev1.Container{
		Name:            "main",
		Image:           job.Executable.ImagePath,
		ImagePullPolicy: corev1.PullAlways,
		Args:            job.FullArgs().ToList(),
		Env:             env,
		Resources:       resources,
	}

	podSpec := corev1.PodSpec{
		RestartPolicy:      corev1.RestartPolicyNever,
		Containers:         []corev1.Container{container},
		NodeSelector:       selectors,
		ServiceAccountName: a.serviceAccount,
	}
	if a.imagePullSecrets != "" {
		podSpec.ImagePullSecrets = []corev1.LocalObjectReference{{Name: a.imagePullSecrets}}
	}

	labels := map[string]string{jobLabel: labelValue(job.ResolvedName())}
	k8sJob = batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      jobName(job.ResolvedName()),
			Namespace: namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			Parallelism:  int32P(1),
			BackoffLimit: int32P(0),
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels:      labels,
					Annotations: annotations,
				},
				Spec: podSpec,
			},
		},
	}
	return k8sJob, nil
}

// Status maps job conditions and counters to a Status.
func (a *Adapter) Status(job *batchv1.Job) xm.Status {
	for _, c := range job.Status.Conditions {
		if c.Status != corev1.ConditionTrue {
			continue
		}
		switch c.Type {
		case batchv1.JobComplete:
			return xm.StatusCompleted
		case batchv1.JobFailed:
			return xm.StatusFailed
		}
	}
	switch {
	case job.Status.Failed > 0:
		return xm.StatusFailed
	case job.Status.Succeeded > 0 && job.Status.Active == 0:
		return xm.StatusCompleted
	case job.Status.Active > 0:
		return xm.StatusRunning
	default:
		return xm.StatusPending
	}
}

func (a *Adapter) handleSecrets(ctx context.Context, namespace string, secrets []string) ([]corev1.EnvVar, error) {
	if len(secrets) == 0 {
		return nil, nil
	}
	res, err := a.client.CoreV1().Secrets(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, err
	}

	toSet := make(map[string]bool)
	for _, s := range secrets {
		toSet[s] = true
	}

	var result []corev1.EnvVar
	for _, s := range res.Items {
		if !toSet[s.Name] {
			continue
		}
		keys := make([]string, 0, len(s.Data))
		for k := range s.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			result = append(result, corev1.EnvVar{
				Name: k,
				ValueFrom: &corev1.EnvVarSource{
					SecretKeyRef: &corev1.SecretKeySelector{
						LocalObjectReference: corev1.LocalObjectReference{Name: s.Name},
						Key:                  k,
					},
				},
			})
		}
		delete(toSet, s.Name)
	}
	if len(toSet) > 0 {
		missing := make([]string, 0, len(toSet))
		for s := range toSet {
			missing = append(missing, s)
		}
		sort.Strings(missing)
		return nil, fmt.Errorf("secrets %v not found in namespace [%s]", missing, namespace)
	}
	return result, nil
}

func (a *Adapter) handleResourceRequirements(reqs requirements.JobRequirements) (
	corev1.ResourceRequirements, map[string]string, map[string]string, error) {
	lims := corev1.ResourceList{}
	selectors := map[string]string{}
	annotations := map[string]string{}

	if cpu := reqs.CPU(); cpu > 0 {
		lims[corev1.ResourceCPU] = *resource.NewMilliQuantity(int64(cpu*1000), resource.DecimalSI)
	}
	if ram := reqs.RAM(); ram > 0 {
		lims[corev1.ResourceMemory] = *resource.NewQuantity(ram, resource.BinarySI)
	}

	if kind, count, ok := reqs.Accelerator(); ok {
		switch {
		case kind.IsTPU():
			lims[tpuResources[kind]] = *resource.NewQuantity(int64(count), resource.DecimalSI)
			annotations[tpuVersionKey] = a.tpuRuntime
		default:
			node, known := gkeAccelerators[kind]
			if !known {
				return corev1.ResourceRequirements{}, nil, nil, fmt.Errorf("no node pool label for accelerator %s", kind)
			}
			lims[gpuResource] = *resource.NewQuantity(int64(count), resource.DecimalSI)
			selectors[gkeAcceleratorKey] = node
		}
	}

	// requests mirror limits so the scheduler reserves what the job asked for
	return corev1.ResourceRequirements{Requests: lims.DeepCopy(), Limits: lims}, selectors, annotations, nil
}

func (a *Adapter) handleEnv(env map[string]string) []corev1.EnvVar {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	result := make([]corev1.EnvVar, len(keys))
	for i, k := range keys {
		result[i] = corev1.EnvVar{Name: k, Value: env[k]}
	}
	return result
}

// jobName is a unique DNS-1123 label derived from the xm job name.
func jobName(name string) string {
	base := labelValue(strings.ToLower(name))
	base = strings.Trim(strings.Map(func(r rune) rune {
		if r == '_' || r == '.' {
			return '-'
		}
		return r
	}, base), "-")
	if len(base) > 50 {
		base = strings.Trim(base[:50], "-")
	}
	if base == "" {
		base = "job"
	}
	return fmt.Sprintf("%s-%s", base, uuid.New().String()[:8])
}

// labelValue keeps label-safe characters only.
func labelValue(name string) string {
	out := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.' {
			return r
		}
		return '-'
	}, name)
	if len(out) > 63 {
		out = out[:63]
	}
	return strings.Trim(out, "-_.")
}

func int32P(i int32) *int32 {
	return &i
}
