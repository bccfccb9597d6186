package cloud

import (
	"context"
	"errors"
	"github.com/alienrobotwizard/xmanager/core/config"
	"github.com/alienrobotwizard/xmanager/core/exceptions"
	"github.com/alienrobotwizard/xmanager/core/execution/engines"
	"github.com/alienrobotwizard/xmanager/core/packaging"
	"github.com/alienrobotwizard/xmanager/core/requirements"
	"github.com/alienrobotwizard/xmanager/core/xm"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/batch"
	"github.com/aws/aws-sdk-go-v2/service/batch/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

type mockBatch struct {
	registered []*batch.RegisterJobDefinitionInput
	submitted  []*batch.SubmitJobInput
	statuses   map[string]types.JobStatus
	submitErr  error
}

func (mb *mockBatch) RegisterJobDefinition(ctx context.Context, params *batch.RegisterJobDefinitionInput,
	optFns ...func(*batch.Options)) (*batch.RegisterJobDefinitionOutput, error) {
	mb.registered = append(mb.registered, params)
	return &batch.RegisterJobDefinitionOutput{
		JobDefinitionArn: aws.String("arn:aws:batch:us-east-1:1:job-definition/" + aws.ToString(params.JobDefinitionName)),
	}, nil
}

func (mb *mockBatch) SubmitJob(ctx context.Context, params *batch.SubmitJobInput,
	optFns ...func(*batch.Options)) (*batch.SubmitJobOutput, error) {
	if mb.submitErr != nil {
		return nil, mb.submitErr
	}
	mb.submitted = append(mb.submitted, params)
	id := aws.ToString(params.JobName)
	mb.statuses[id] = types.JobStatusSubmitted
	return &batch.SubmitJobOutput{JobId: aws.String(id), JobName: params.JobName}, nil
}

func (mb *mockBatch) DescribeJobs(ctx context.Context, params *batch.DescribeJobsInput,
	optFns ...func(*batch.Options)) (*batch.DescribeJobsOutput, error) {
	var out batch.DescribeJobsOutput
	for _, id := range params.Jobs {
		if s, ok := mb.statuses[id]; ok {
			out.Jobs = append(out.Jobs, types.JobDetail{JobId: aws.String(id), Status: s})
		}
	}
	return &out, nil
}

func setUp(t *testing.T) (*Engine, *mockBatch) {
	conf, err := config.NewConfig(nil)
	require.NoError(t, err)
	conf.Set("engine.managed_cloud.job_queue", "default-queue")
	conf.Set("engine.managed_cloud.queues", map[string]interface{}{"a100": "a100-queue"})
	mb := &mockBatch{statuses: make(map[string]types.JobStatus)}
	return NewEngine(conf, mb, packaging.NewPackager(nil)), mb
}

func executable() *xm.Executable {
	return &xm.Executable{
		Name:      "trainer",
		ImagePath: "123.dkr.ecr.us-east-1.amazonaws.com/team/trainer:v1",
		Backend:   xm.ManagedCloudBackend,
		Args:      xm.Keywords(xm.KV{Name: "epochs", Value: 3}),
		EnvVars:   map[string]string{"B": "2", "A": "1"},
	}
}

func TestEngine_Launch(t *testing.T) {
	engine, mb := setUp(t)
	ctx := context.Background()

	job := xm.Job{
		Name:       "trainer",
		Executable: executable(),
		Executor: xm.ManagedCloud{Resources: requirements.New(map[requirements.ResourceKind]float64{
			requirements.CPU: 8, requirements.RAM: 16 << 30, requirements.A100: 1,
		})},
	}
	handle, err := engine.Launch(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, xm.ManagedCloudBackend, handle.Backend)

	_, err = engine.Launch(ctx, job)
	require.NoError(t, err)
	assert.Len(t, mb.registered, 1, "job definition is registered once per image")

	require.Len(t, mb.submitted, 2)
	submitted := mb.submitted[0]
	assert.Equal(t, "a100-queue", aws.ToString(submitted.JobQueue))
	assert.Equal(t, []string{"--epochs=3"}, submitted.ContainerOverrides.Command)
	assert.Equal(t, "A", aws.ToString(submitted.ContainerOverrides.Environment[0].Name))
	assert.ElementsMatch(t, []types.ResourceRequirement{
		{Type: types.ResourceTypeVcpu, Value: aws.String("8")},
		{Type: types.ResourceTypeMemory, Value: aws.String("16384")},
		{Type: types.ResourceTypeGpu, Value: aws.String("1")},
	}, submitted.ContainerOverrides.ResourceRequirements)
}

func TestEngine_LaunchQueueSelection(t *testing.T) {
	engine, mb := setUp(t)
	ctx := context.Background()

	_, err := engine.Launch(ctx, xm.Job{Executable: executable(), Executor: xm.ManagedCloud{}})
	require.NoError(t, err)
	_, err = engine.Launch(ctx, xm.Job{Executable: executable(), Executor: xm.ManagedCloud{JobQueue: "mine"}})
	require.NoError(t, err)

	assert.Equal(t, "default-queue", aws.ToString(mb.submitted[0].JobQueue))
	assert.Equal(t, "mine", aws.ToString(mb.submitted[1].JobQueue))
}

func TestEngine_LaunchErrorKinds(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected error
	}{
		{"client", &smithy.GenericAPIError{Code: "ClientException", Message: "bad definition"}, exceptions.ErrInvalidConfiguration},
		{"quota", &smithy.GenericAPIError{Code: "ClientException", Message: "Service quota exceeded"}, exceptions.ErrQuotaExceeded},
		{"server", &smithy.GenericAPIError{Code: "ServerException", Fault: smithy.FaultServer}, exceptions.ErrTransientBackend},
		{"network", errors.New("dial tcp: i/o timeout"), exceptions.ErrTransientBackend},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, mb := setUp(t)
			mb.submitErr = tt.err
			_, err := engine.Launch(context.Background(), xm.Job{Executable: executable(), Executor: xm.ManagedCloud{}})
			assert.True(t, errors.Is(err, tt.expected), err.Error())
		})
	}

	engine, _ := setUp(t)
	_, err := engine.Launch(context.Background(), xm.Job{
		Executable: executable(),
		Executor:   xm.ManagedCloud{Resources: requirements.New(map[requirements.ResourceKind]float64{requirements.TPUV2: 8})},
	})
	assert.True(t, errors.Is(err, exceptions.ErrInvalidConfiguration))
}

func TestEngine_Query(t *testing.T) {
	engine, mb := setUp(t)
	ctx := context.Background()

	handle, err := engine.Launch(ctx, xm.Job{Executable: executable(), Executor: xm.ManagedCloud{}})
	require.NoError(t, err)

	expected := map[types.JobStatus]xm.Status{
		types.JobStatusSubmitted: xm.StatusPending,
		types.JobStatusPending:   xm.StatusPending,
		types.JobStatusRunnable:  xm.StatusPending,
		types.JobStatusStarting:  xm.StatusPending,
		types.JobStatusRunning:   xm.StatusRunning,
		types.JobStatusSucceeded: xm.StatusCompleted,
		types.JobStatusFailed:    xm.StatusFailed,
	}
	for batchStatus, want := range expected {
		mb.statuses[handle.ID] = batchStatus
		got, err := engine.Query(ctx, handle)
		require.NoError(t, err)
		assert.Equal(t, want, got, string(batchStatus))
	}

	_, err = engine.Query(ctx, engines.Handle{Backend: xm.ManagedCloudBackend, ID: "unknown"})
	assert.True(t, errors.Is(err, engines.ErrNotFound))
}
