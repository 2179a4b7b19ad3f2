package aws

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/yairfalse/anchor/orchestrator"
)

// mockEC2Client implements EC2API for testing.
type mockEC2Client struct {
	describeSecurityGroupsFunc func(ctx context.Context, params *ec2.DescribeSecurityGroupsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error)
	describeVpcsFunc           func(ctx context.Context, params *ec2.DescribeVpcsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVpcsOutput, error)

	mu         sync.Mutex
	vpcCalls   int
	groupCalls int
}

func (m *mockEC2Client) DescribeSecurityGroups(ctx context.Context, params *ec2.DescribeSecurityGroupsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error) {
	m.mu.Lock()
	m.groupCalls++
	m.mu.Unlock()
	if m.describeSecurityGroupsFunc != nil {
		return m.describeSecurityGroupsFunc(ctx, params, optFns...)
	}
	return &ec2.DescribeSecurityGroupsOutput{}, nil
}

func (m *mockEC2Client) DescribeVpcs(ctx context.Context, params *ec2.DescribeVpcsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVpcsOutput, error) {
	m.mu.Lock()
	m.vpcCalls++
	m.mu.Unlock()
	if m.describeVpcsFunc != nil {
		return m.describeVpcsFunc(ctx, params, optFns...)
	}
	return &ec2.DescribeVpcsOutput{}, nil
}

func (m *mockEC2Client) VpcCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.vpcCalls
}

func (m *mockEC2Client) GroupCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.groupCalls
}

// groupDirectory answers DescribeSecurityGroups by group id from an id to
// name table.
func groupDirectory(groups map[string]string) func(context.Context, *ec2.DescribeSecurityGroupsInput, ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error) {
	return func(_ context.Context, params *ec2.DescribeSecurityGroupsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error) {
		out := &ec2.DescribeSecurityGroupsOutput{}
		for _, id := range params.GroupIds {
			if name, ok := groups[id]; ok {
				out.SecurityGroups = append(out.SecurityGroups, types.SecurityGroup{GroupId: aws.String(id), GroupName: aws.String(name)})
			}
		}
		return out, nil
	}
}

// vpcDirectory answers DescribeVpcs by tag:Name filter or by id from a
// name to id table.
func vpcDirectory(vpcs map[string]string) func(context.Context, *ec2.DescribeVpcsInput, ...func(*ec2.Options)) (*ec2.DescribeVpcsOutput, error) {
	return func(_ context.Context, params *ec2.DescribeVpcsInput, _ ...func(*ec2.Options)) (*ec2.DescribeVpcsOutput, error) {
		out := &ec2.DescribeVpcsOutput{}
		for name, id := range vpcs {
			vpc := types.Vpc{
				VpcId: aws.String(id),
				Tags:  []types.Tag{{Key: aws.String("Name"), Value: aws.String(name)}},
			}
			for _, f := range params.Filters {
				if aws.ToString(f.Name) == "tag:Name" && len(f.Values) > 0 && f.Values[0] == name {
					out.Vpcs = append(out.Vpcs, vpc)
				}
			}
			for _, want := range params.VpcIds {
				if want == id {
					out.Vpcs = append(out.Vpcs, vpc)
				}
			}
		}
		return out, nil
	}
}

// fakeClients implements ClientProvider with one mock per account/region.
type fakeClients map[string]*mockEC2Client

func (f fakeClients) EC2(_ context.Context, account, region string) (EC2API, error) {
	c, ok := f[account+"/"+region]
	if !ok {
		return nil, fmt.Errorf("no client for %s/%s", account, region)
	}
	return c, nil
}

// recordingOrchestrator implements orchestrator.Client and keeps every request.
type recordingOrchestrator struct {
	requests []orchestrator.OrchestrationRequest
	err      error
}

func (r *recordingOrchestrator) Submit(_ context.Context, req orchestrator.OrchestrationRequest) (orchestrator.TaskRef, error) {
	if r.err != nil {
		return orchestrator.TaskRef{}, r.err
	}
	r.requests = append(r.requests, req)
	return orchestrator.TaskRef{Ref: "/tasks/01"}, nil
}
