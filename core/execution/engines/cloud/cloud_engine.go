// Package cloud runs jobs on the managed cloud backend, AWS Batch.
package cloud

import (
	"context"
	"fmt"
	"github.com/alienrobotwizard/xmanager/core/config"
	"github.com/alienrobotwizard/xmanager/core/exceptions"
	"github.com/alienrobotwizard/xmanager/core/execution/engines"
	"github.com/alienrobotwizard/xmanager/core/packaging"
	"github.com/alienrobotwizard/xmanager/core/xm"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/batch"
	"github.com/aws/aws-sdk-go-v2/service/batch/types"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"sort"
	"strconv"
	"strings"
	"sync"
)

//
// BatchAPI is the part of the AWS Batch client the engine calls
//
type BatchAPI interface {
	RegisterJobDefinition(ctx context.Context, params *batch.RegisterJobDefinitionInput,
		optFns ...func(*batch.Options)) (*batch.RegisterJobDefinitionOutput, error)
	SubmitJob(ctx context.Context, params *batch.SubmitJobInput,
		optFns ...func(*batch.Options)) (*batch.SubmitJobOutput, error)
	DescribeJobs(ctx context.Context, params *batch.DescribeJobsInput,
		optFns ...func(*batch.Options)) (*batch.DescribeJobsOutput, error)
}

var (
	regionKey     = "engine.managed_cloud.region"
	jobQueueKey   = "engine.managed_cloud.job_queue"
	queuesKey     = "engine.managed_cloud.queues"
	jobRoleArnKey = "engine.managed_cloud.job_role_arn"
)

// AddressFlags are the multi-node env vars Batch sets, turned into entry point flags.
var AddressFlags = map[string]string{
	"AWS_BATCH_JOB_MAIN_NODE_PRIVATE_IPV4_ADDRESS": "coordinator_address",
	"AWS_BATCH_JOB_NODE_INDEX":                     "node_index",
	"AWS_BATCH_JOB_NUM_NODES":                      "num_nodes",
}

type Engine struct {
	logger     *log.Entry
	client     BatchAPI
	packager   *packaging.Packager
	jobQueue   string
	queues     map[string]string
	jobRoleArn string

	mu sync.Mutex
	// registered job definition arn per image
	definitions map[string]string
}

func NewManagedCloudEngine(ctx context.Context, conf *config.Config) (engines.Engine, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(conf.GetString(regionKey)))
	if err != nil {
		return nil, err
	}
	builder, err := packaging.NewDockerBuilder(conf)
	if err != nil {
		return nil, err
	}
	return NewEngine(conf, batch.NewFromConfig(cfg), packaging.NewPackager(builder, packaging.WithAddressFlags(AddressFlags))), nil
}

func NewEngine(conf *config.Config, client BatchAPI, packager *packaging.Packager) *Engine {
	logger := log.WithField("engine", xm.ManagedCloudBackend)
	logger.Info("Initializing managed cloud execution engine")
	return &Engine{
		logger:      logger,
		client:      client,
		packager:    packager,
		jobQueue:    conf.GetString(jobQueueKey),
		queues:      conf.GetStringMapString(queuesKey),
		jobRoleArn:  conf.GetString(jobRoleArnKey),
		definitions: make(map[string]string),
	}
}

func (e *Engine) Name() xm.Backend {
	return xm.ManagedCloudBackend
}

func (e *Engine) Package(ctx context.Context, p xm.Packageable) (xm.Executable, error) {
	if _, ok := p.ExecutorSpec.(xm.ManagedCloudSpec); !ok {
		return xm.Executable{}, errors.Wrapf(engines.ErrWrongBackend, "managed cloud engine cannot package for %T", p.ExecutorSpec)
	}
	return e.packager.Package(ctx, p)
}

func (e *Engine) Launch(ctx context.Context, job xm.Job) (engines.Handle, error) {
	executor, ok := job.Executor.(xm.ManagedCloud)
	if !ok {
		return engines.Handle{}, errors.Wrapf(engines.ErrWrongBackend, "managed cloud engine cannot launch %T", job.Executor)
	}
	name := job.ResolvedName()
	fail := func(kind exceptions.LaunchKind, err error) (engines.Handle, error) {
		return engines.Handle{}, exceptions.NewLaunchError(kind, string(xm.ManagedCloudBackend), name, err)
	}

	queue, err := e.queueFor(executor)
	if err != nil {
		return fail(exceptions.InvalidConfiguration, err)
	}
	resources, err := resourceRequirements(executor)
	if err != nil {
		return fail(exceptions.InvalidConfiguration, err)
	}
	definition, err := e.jobDefinition(ctx, job.Executable.ImagePath)
	if err != nil {
		return fail(launchKind(err), err)
	}

	env := job.FullEnv()
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	environment := make([]types.KeyValuePair, 0, len(env))
	for _, k := range keys {
		environment = append(environment, types.KeyValuePair{Name: aws.String(k), Value: aws.String(env[k])})
	}

	batchName := jobName(name)
	e.logger.WithFields(log.Fields{"job": name, "batch_job": batchName, "queue": queue}).Info("Submitting batch job")
	out, err := e.client.SubmitJob(ctx, &batch.SubmitJobInput{
		JobName:       aws.String(batchName),
		JobQueue:      aws.String(queue),
		JobDefinition: aws.String(definition),
		ContainerOverrides: &types.ContainerOverrides{
			Command:              job.FullArgs().ToList(),
			Environment:          environment,
			ResourceRequirements: resources,
		},
		Tags: map[string]string{"xmanager.job": name},
	})
	if err != nil {
		return fail(launchKind(err), err)
	}
	return engines.Handle{Backend: xm.ManagedCloudBackend, ID: aws.ToString(out.JobId)}, nil
}

func (e *Engine) Query(ctx context.Context, handle engines.Handle) (xm.Status, error) {
	if handle.Backend != xm.ManagedCloudBackend {
		return xm.StatusPending, engines.ErrWrongBackend
	}
	out, err := e.client.DescribeJobs(ctx, &batch.DescribeJobsInput{Jobs: []string{handle.ID}})
	if err != nil {
		return xm.StatusPending, err
	}
	if len(out.Jobs) == 0 {
		return xm.StatusPending, errors.Wrapf(engines.ErrNotFound, "batch job [%s]", handle.ID)
	}
	return status(out.Jobs[0].Status), nil
}

func status(s types.JobStatus) xm.Status {
	switch s {
	case types.JobStatusRunning:
		return xm.StatusRunning
	case types.JobStatusSucceeded:
		return xm.StatusCompleted
	case types.JobStatusFailed:
		return xm.StatusFailed
	default:
		return xm.StatusPending
	}
}

// queueFor prefers the executor's queue, then the configured queue for its accelerator, then the default.
func (e *Engine) queueFor(executor xm.ManagedCloud) (string, error) {
	if executor.JobQueue != "" {
		return executor.JobQueue, nil
	}
	if kind, _, ok := executor.Requirements().Accelerator(); ok {
		if q, found := e.queues[strings.ToLower(string(kind))]; found {
			return q, nil
		}
	}
	if e.jobQueue == "" {
		return "", exceptions.BadConfig(jobQueueKey)
	}
	return e.jobQueue, nil
}

// jobDefinition registers one container job definition per image and reuses it afterwards.
func (e *Engine) jobDefinition(ctx context.Context, image string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if arn, ok := e.definitions[image]; ok {
		return arn, nil
	}

	props := &types.ContainerProperties{
		Image: aws.String(image),
		ResourceRequirements: []types.ResourceRequirement{
			{Type: types.ResourceTypeVcpu, Value: aws.String("1")},
			{Type: types.ResourceTypeMemory, Value: aws.String("2048")},
		},
	}
	if e.jobRoleArn != "" {
		props.JobRoleArn = aws.String(e.jobRoleArn)
	}
	out, err := e.client.RegisterJobDefinition(ctx, &batch.RegisterJobDefinitionInput{
		JobDefinitionName:   aws.String(definitionName(image)),
		Type:                types.JobDefinitionTypeContainer,
		ContainerProperties: props,
	})
	if err != nil {
		return "", err
	}
	arn := aws.ToString(out.JobDefinitionArn)
	e.definitions[image] = arn
	return arn, nil
}

func resourceRequirements(executor xm.ManagedCloud) ([]types.ResourceRequirement, error) {
	reqs := executor.Requirements()
	var out []types.ResourceRequirement
	if cpu := reqs.CPU(); cpu > 0 {
		out = append(out, types.ResourceRequirement{
			Type: types.ResourceTypeVcpu, Value: aws.String(strconv.FormatFloat(cpu, 'f', -1, 64)),
		})
	}
	if ram := reqs.RAM(); ram > 0 {
		mib := ram >> 20
		if mib == 0 {
			mib = 1
		}
		out = append(out, types.ResourceRequirement{
			Type: types.ResourceTypeMemory, Value: aws.String(strconv.FormatInt(mib, 10)),
		})
	}
	if kind, count, ok := reqs.Accelerator(); ok {
		if kind.IsTPU() {
			return nil, fmt.Errorf("%s accelerators are not available on the managed cloud backend", kind)
		}
		out = append(out, types.ResourceRequirement{
			Type: types.ResourceTypeGpu, Value: aws.String(strconv.Itoa(count)),
		})
	}
	return out, nil
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			return r
		}
		return '-'
	}, name)
}

func jobName(name string) string {
	base := sanitize(name)
	if len(base) > 100 {
		base = base[:100]
	}
	return fmt.Sprintf("%s-%s", base, uuid.New().String()[:8])
}

func definitionName(image string) string {
	name := "xm-" + sanitize(image)
	if len(name) > 128 {
		name = name[:128]
	}
	return name
}
