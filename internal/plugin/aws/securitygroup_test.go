package aws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/anchor/pkg/fault"
	"github.com/yairfalse/anchor/pkg/resource"
)

const region = "us-east-1"

var testAccounts = NewAccounts([]Account{
	{Name: "test", ID: "111111111111"},
	{Name: "other", ID: "222222222222"},
})

type fixture struct {
	test    *mockEC2Client
	other   *mockEC2Client
	orch    *recordingOrchestrator
	handler *SecurityGroupHandler
}

func newFixture() *fixture {
	f := &fixture{
		test:  &mockEC2Client{describeVpcsFunc: vpcDirectory(map[string]string{"vpc0": "vpc-0a1b2c"})},
		other: &mockEC2Client{describeVpcsFunc: vpcDirectory(map[string]string{"vpcX": "vpc-9x8y7z"})},
		orch:  &recordingOrchestrator{},
	}
	clients := fakeClients{"test/" + region: f.test, "other/" + region: f.other}
	f.handler = NewSecurityGroupHandler(HandlerConfig{
		Clients:      clients,
		Network:      NewNetwork(clients, 0),
		Accounts:     testAccounts,
		Orchestrator: f.orch,
		User:         "anchor@example.com",
	})
	return f
}

func baseGroup() SecurityGroup {
	return SecurityGroup{
		Application: "keel",
		Name:        "keel-sg",
		AccountName: "test",
		Region:      region,
		VpcName:     "vpc0",
		Description: "managed by anchor",
	}
}

func TestConverge_ResolvesVpcName(t *testing.T) {
	f := newFixture()
	sg := baseGroup()

	ref, err := f.handler.Converge(context.Background(), SecurityGroupName(sg), sg)
	require.NoError(t, err)
	assert.Equal(t, "/tasks/01", ref.Ref)

	require.Len(t, f.orch.requests, 1)
	req := f.orch.requests[0]
	require.Len(t, req.Job, 1)
	assert.Equal(t, "upsertSecurityGroup", req.Job[0].Type)
	assert.Equal(t, "vpc-0a1b2c", req.Job[0].Payload["vpcId"])
	assert.NotEqual(t, "vpc0", req.Job[0].Payload["vpcId"])
}

func TestConverge_Payload(t *testing.T) {
	f := newFixture()
	sg := baseGroup()
	sg.InboundRules = []Rule{
		CIDRRule(ProtocolTCP, 80, 80, "10.0.0.0/8"),
		ReferenceRule(ProtocolTCP, 443, 443, "", "other", "vpcX"),
	}
	name := SecurityGroupName(sg)

	_, err := f.handler.Converge(context.Background(), name, sg)
	require.NoError(t, err)
	require.Len(t, f.orch.requests, 1)

	req := f.orch.requests[0]
	assert.Equal(t, "Upsert security group keel-sg in test/us-east-1", req.Name)
	assert.Equal(t, req.Name, req.Description)
	assert.Equal(t, "keel", req.Application)
	assert.Equal(t, name.String(), req.Trigger.CorrelationID)
	assert.Equal(t, "anchor", req.Trigger.Type)
	assert.Equal(t, "anchor@example.com", req.Trigger.User)

	p := req.Job[0].Payload
	assert.Equal(t, "keel", p["application"])
	assert.Equal(t, "test", p["credentials"])
	assert.Equal(t, "aws", p["cloudProvider"])
	assert.Equal(t, "keel-sg", p["name"])
	assert.Equal(t, []string{region}, p["regions"])
	assert.Equal(t, "managed by anchor", p["description"])
	assert.Equal(t, true, p["ingressAppendOnly"])
	assert.Equal(t, "test", p["accountName"])

	assert.Equal(t, []map[string]any{{
		"type":      "TCP",
		"startPort": 80,
		"endPort":   80,
		"cidr":      "10.0.0.0/8",
	}}, p["ipIngress"])

	assert.Equal(t, []map[string]any{{
		"type":                "TCP",
		"startPort":           443,
		"endPort":             443,
		"name":                "keel-sg",
		"accountName":         "other",
		"crossAccountEnabled": true,
		"vpcId":               "vpc-9x8y7z",
	}}, p["securityGroupIngress"])
}

func TestConverge_SameAccountReferenceHasNoCrossAccountMarkers(t *testing.T) {
	f := newFixture()
	sg := baseGroup()
	sg.InboundRules = []Rule{
		ReferenceRule(ProtocolTCP, 7001, 7002, "api", "", ""),
		ReferenceRule(ProtocolTCP, 7101, 7101, "api", "test", "vpc0"),
	}

	_, err := f.handler.Converge(context.Background(), SecurityGroupName(sg), sg)
	require.NoError(t, err)

	ingress := f.orch.requests[0].Job[0].Payload["securityGroupIngress"].([]map[string]any)
	require.Len(t, ingress, 2)
	for _, entry := range ingress {
		assert.NotContains(t, entry, "crossAccountEnabled")
		assert.Equal(t, "api", entry["name"])
	}
	assert.Empty(t, f.orch.requests[0].Job[0].Payload["ipIngress"])
}

func TestConverge_Idempotent(t *testing.T) {
	f := newFixture()
	sg := baseGroup()
	sg.InboundRules = []Rule{
		CIDRRule(ProtocolTCP, 80, 80, "10.0.0.0/8"),
		ReferenceRule(ProtocolTCP, 443, 443, "", "other", "vpcX"),
	}

	first, err := f.handler.Converge(context.Background(), SecurityGroupName(sg), sg)
	require.NoError(t, err)
	second, err := f.handler.Converge(context.Background(), SecurityGroupName(sg), sg)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	require.Len(t, f.orch.requests, 2)

	a, err := json.Marshal(f.orch.requests[0])
	require.NoError(t, err)
	b, err := json.Marshal(f.orch.requests[1])
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestConverge_UnresolvableVpc(t *testing.T) {
	f := newFixture()
	sg := baseGroup()
	sg.VpcName = "vpc-missing"

	_, err := f.handler.Converge(context.Background(), SecurityGroupName(sg), sg)
	require.Error(t, err)
	assert.True(t, fault.IsConfiguration(err))
	assert.Empty(t, f.orch.requests)
}

func TestConverge_SubmitError(t *testing.T) {
	f := newFixture()
	f.orch.err = fault.Transient("orchestrator returned 503", nil)

	_, err := f.handler.Converge(context.Background(), "n", baseGroup())
	assert.True(t, fault.IsTransient(err))
}

func TestDelete_Payload(t *testing.T) {
	f := newFixture()
	sg := baseGroup()

	_, err := f.handler.Delete(context.Background(), SecurityGroupName(sg), sg)
	require.NoError(t, err)
	require.Len(t, f.orch.requests, 1)

	req := f.orch.requests[0]
	assert.Equal(t, "Delete security group keel-sg in test/us-east-1", req.Name)
	assert.Equal(t, "deleteSecurityGroup", req.Job[0].Type)
	assert.Equal(t, map[string]any{
		"application":       "keel",
		"credentials":       "test",
		"cloudProvider":     "aws",
		"securityGroupName": "keel-sg",
		"regions":           []string{region},
		"vpcId":             "vpc-0a1b2c",
		"accountName":       "test",
	}, req.Job[0].Payload)
}

func TestDelete_WithoutVpc(t *testing.T) {
	f := newFixture()
	sg := baseGroup()
	sg.VpcName = ""

	_, err := f.handler.Delete(context.Background(), SecurityGroupName(sg), sg)
	require.NoError(t, err)
	assert.Nil(t, f.orch.requests[0].Job[0].Payload["vpcId"])
	assert.Zero(t, f.test.VpcCalls())
}

func TestCurrent_Absent(t *testing.T) {
	tests := []struct {
		name string
		fn   func(context.Context, *ec2.DescribeSecurityGroupsInput, ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error)
	}{
		{
			name: "not found error",
			fn: func(context.Context, *ec2.DescribeSecurityGroupsInput, ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error) {
				return nil, &smithy.GenericAPIError{Code: "InvalidGroup.NotFound", Message: "The security group does not exist"}
			},
		},
		{
			name: "wrapped not found error",
			fn: func(context.Context, *ec2.DescribeSecurityGroupsInput, ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error) {
				return nil, fmt.Errorf("operation error EC2: %w", &smithy.GenericAPIError{Code: "InvalidGroup.NotFound"})
			},
		},
		{
			name: "empty result",
			fn: func(context.Context, *ec2.DescribeSecurityGroupsInput, ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error) {
				return &ec2.DescribeSecurityGroupsOutput{}, nil
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.test.describeSecurityGroupsFunc = tt.fn

			current, err := f.handler.Current(context.Background(), baseGroup())
			require.NoError(t, err)
			assert.Nil(t, current)
		})
	}
}

func TestCurrent_OtherErrorPropagates(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"throttled", &smithy.GenericAPIError{Code: "RequestLimitExceeded"}},
		{"network", errors.New("dial tcp: i/o timeout")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.test.describeSecurityGroupsFunc = func(context.Context, *ec2.DescribeSecurityGroupsInput, ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error) {
				return nil, tt.err
			}

			current, err := f.handler.Current(context.Background(), baseGroup())
			require.Error(t, err)
			assert.Nil(t, current)
			assert.True(t, fault.IsTransient(err))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestCurrent_FiltersByNameAndVpc(t *testing.T) {
	f := newFixture()
	var got *ec2.DescribeSecurityGroupsInput
	f.test.describeSecurityGroupsFunc = func(_ context.Context, params *ec2.DescribeSecurityGroupsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error) {
		got = params
		return &ec2.DescribeSecurityGroupsOutput{}, nil
	}

	_, err := f.handler.Current(context.Background(), baseGroup())
	require.NoError(t, err)

	require.NotNil(t, got)
	require.Len(t, got.Filters, 2)
	assert.Equal(t, "group-name", aws.ToString(got.Filters[0].Name))
	assert.Equal(t, []string{"keel-sg"}, got.Filters[0].Values)
	assert.Equal(t, "vpc-id", aws.ToString(got.Filters[1].Name))
	assert.Equal(t, []string{"vpc-0a1b2c"}, got.Filters[1].Values)
}

func liveGroup() types.SecurityGroup {
	return types.SecurityGroup{
		GroupName:   aws.String("keel-sg"),
		GroupId:     aws.String("sg-123"),
		Description: aws.String("managed by anchor"),
		VpcId:       aws.String("vpc-0a1b2c"),
		Tags:        []types.Tag{{Key: aws.String("application"), Value: aws.String("keel")}},
		IpPermissions: []types.IpPermission{
			{
				IpProtocol: aws.String("tcp"),
				FromPort:   aws.Int32(80),
				ToPort:     aws.Int32(80),
				IpRanges:   []types.IpRange{{CidrIp: aws.String("10.0.0.0/8")}},
			},
			{
				IpProtocol: aws.String("tcp"),
				FromPort:   aws.Int32(443),
				ToPort:     aws.Int32(443),
				UserIdGroupPairs: []types.UserIdGroupPair{
					{GroupName: aws.String("keel-sg"), UserId: aws.String("111111111111")},
					{GroupName: aws.String("api"), UserId: aws.String("222222222222"), VpcId: aws.String("vpc-9x8y7z")},
				},
			},
		},
	}
}

func TestCurrent_TranslatesLiveGroup(t *testing.T) {
	f := newFixture()
	f.test.describeSecurityGroupsFunc = func(context.Context, *ec2.DescribeSecurityGroupsInput, ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error) {
		return &ec2.DescribeSecurityGroupsOutput{SecurityGroups: []types.SecurityGroup{liveGroup()}}, nil
	}

	desired := baseGroup()
	desired.InboundRules = []Rule{
		ReferenceRule(ProtocolTCP, 443, 443, "api", "other", "vpcX"),
		CIDRRule(ProtocolTCP, 80, 80, "10.0.0.0/8"),
		ReferenceRule(ProtocolTCP, 443, 443, "", "", ""),
	}

	current, err := f.handler.Current(context.Background(), desired)
	require.NoError(t, err)
	require.NotNil(t, current)

	assert.Equal(t, "keel", current.Application)
	assert.Equal(t, "vpc0", current.VpcName)
	assert.Len(t, current.InboundRules, 3)
	assert.Empty(t, f.handler.Diff(desired, *current))
}

func TestCurrent_ResolvesGroupIdOnlyReferences(t *testing.T) {
	f := newFixture()
	g := liveGroup()
	g.IpPermissions[1].UserIdGroupPairs = []types.UserIdGroupPair{
		{GroupId: aws.String("sg-123"), UserId: aws.String("111111111111")},
		{GroupId: aws.String("sg-456"), UserId: aws.String("111111111111")},
		{GroupId: aws.String("sg-789"), UserId: aws.String("222222222222"), VpcId: aws.String("vpc-9x8y7z")},
		{GroupId: aws.String("sg-gone"), UserId: aws.String("111111111111")},
	}
	byName := groupDirectory(map[string]string{"sg-456": "db"})
	f.test.describeSecurityGroupsFunc = func(ctx context.Context, params *ec2.DescribeSecurityGroupsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error) {
		if len(params.GroupIds) > 0 {
			return byName(ctx, params, optFns...)
		}
		return &ec2.DescribeSecurityGroupsOutput{SecurityGroups: []types.SecurityGroup{g}}, nil
	}
	f.other.describeSecurityGroupsFunc = groupDirectory(map[string]string{"sg-789": "api"})

	desired := baseGroup()
	desired.InboundRules = []Rule{
		CIDRRule(ProtocolTCP, 80, 80, "10.0.0.0/8"),
		ReferenceRule(ProtocolTCP, 443, 443, "", "", ""),
		ReferenceRule(ProtocolTCP, 443, 443, "db", "", ""),
		ReferenceRule(ProtocolTCP, 443, 443, "api", "other", "vpcX"),
	}

	current, err := f.handler.Current(context.Background(), desired)
	require.NoError(t, err)
	require.NotNil(t, current)

	assert.Contains(t, current.InboundRules, ReferenceRule(ProtocolTCP, 443, 443, "keel-sg", "test", ""))
	assert.Contains(t, current.InboundRules, ReferenceRule(ProtocolTCP, 443, 443, "db", "test", ""))
	assert.Contains(t, current.InboundRules, ReferenceRule(ProtocolTCP, 443, 443, "api", "other", "vpcX"))
	assert.Contains(t, current.InboundRules, ReferenceRule(ProtocolTCP, 443, 443, "sg-gone", "test", ""))
	assert.Empty(t, f.handler.Diff(desired, *current))

	// Resolved names are cached.
	testCalls, otherCalls := f.test.GroupCalls(), f.other.GroupCalls()
	_, err = f.handler.Current(context.Background(), desired)
	require.NoError(t, err)
	assert.Equal(t, testCalls+2, f.test.GroupCalls(), "one lookup for the group, one for the unresolvable id")
	assert.Equal(t, otherCalls, f.other.GroupCalls())
}

func TestCurrent_GroupIdLookupErrorIsTransient(t *testing.T) {
	f := newFixture()
	g := liveGroup()
	g.IpPermissions[1].UserIdGroupPairs = []types.UserIdGroupPair{
		{GroupId: aws.String("sg-456"), UserId: aws.String("111111111111")},
	}
	f.test.describeSecurityGroupsFunc = func(_ context.Context, params *ec2.DescribeSecurityGroupsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error) {
		if len(params.GroupIds) > 0 {
			return nil, &smithy.GenericAPIError{Code: "RequestLimitExceeded"}
		}
		return &ec2.DescribeSecurityGroupsOutput{SecurityGroups: []types.SecurityGroup{g}}, nil
	}

	_, err := f.handler.Current(context.Background(), baseGroup())
	require.Error(t, err)
	assert.True(t, fault.IsTransient(err))
}

func TestCurrent_ApplicationFromName(t *testing.T) {
	f := newFixture()
	g := liveGroup()
	g.Tags = nil
	g.GroupName = aws.String("keel-sg")
	f.test.describeSecurityGroupsFunc = func(context.Context, *ec2.DescribeSecurityGroupsInput, ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error) {
		return &ec2.DescribeSecurityGroupsOutput{SecurityGroups: []types.SecurityGroup{g}}, nil
	}

	current, err := f.handler.Current(context.Background(), baseGroup())
	require.NoError(t, err)
	assert.Equal(t, "keel", current.Application)
}

func TestDiff(t *testing.T) {
	h := newFixture().handler
	cidr := CIDRRule(ProtocolTCP, 80, 80, "10.0.0.0/8")
	self := ReferenceRule(ProtocolTCP, 443, 443, "", "", "")
	selfExplicit := ReferenceRule(ProtocolTCP, 443, 443, "keel-sg", "test", "vpc0")

	with := func(mutate func(*SecurityGroup)) SecurityGroup {
		sg := baseGroup()
		sg.InboundRules = []Rule{cidr, self}
		mutate(&sg)
		return sg
	}

	tests := []struct {
		name       string
		current    SecurityGroup
		wantFields []string
	}{
		{"identical", with(func(*SecurityGroup) {}), nil},
		{"rule order ignored", with(func(sg *SecurityGroup) { sg.InboundRules = []Rule{self, cidr} }), nil},
		{"duplicates ignored", with(func(sg *SecurityGroup) { sg.InboundRules = []Rule{cidr, self, cidr} }), nil},
		{"reference defaults filled", with(func(sg *SecurityGroup) { sg.InboundRules = []Rule{cidr, selfExplicit} }), nil},
		{"description", with(func(sg *SecurityGroup) { sg.Description = "old" }), []string{"description"}},
		{"vpc", with(func(sg *SecurityGroup) { sg.VpcName = "vpc1" }), []string{"vpcName", "inboundRules"}},
		{"missing rule", with(func(sg *SecurityGroup) { sg.InboundRules = []Rule{cidr} }), []string{"inboundRules"}},
		{"extra rule ignored", with(func(sg *SecurityGroup) {
			sg.InboundRules = append(sg.InboundRules, CIDRRule(ProtocolUDP, 53, 53, "0.0.0.0/0"))
		}), nil},
		{"superset of desired rules", with(func(sg *SecurityGroup) {
			sg.InboundRules = []Rule{
				CIDRRule(ProtocolTCP, 22, 22, "0.0.0.0/0"),
				self,
				ReferenceRule(ProtocolTCP, 443, 443, "api", "other", "vpcX"),
				cidr,
			}
		}), nil},
		{"missing rule beside extra", with(func(sg *SecurityGroup) {
			sg.InboundRules = []Rule{cidr, CIDRRule(ProtocolUDP, 53, 53, "0.0.0.0/0")}
		}), []string{"inboundRules"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desired := with(func(*SecurityGroup) {})

			changes := h.Diff(desired, tt.current)

			var fields []string
			for _, c := range changes {
				fields = append(fields, c.Field)
			}
			assert.Equal(t, tt.wantFields, fields)
		})
	}
}

func TestDiff_DescribesRuleChanges(t *testing.T) {
	h := newFixture().handler
	desired := baseGroup()
	desired.InboundRules = []Rule{CIDRRule(ProtocolTCP, 80, 80, "10.0.0.0/8")}
	current := baseGroup()
	current.InboundRules = []Rule{CIDRRule(ProtocolTCP, 22, 22, "0.0.0.0/0")}

	changes := h.Diff(desired, current)
	assert.Equal(t, []resource.Change{
		{Field: "inboundRules", Desired: "TCP 80-80 from 10.0.0.0/8"},
	}, changes)
}

func TestSecurityGroupName(t *testing.T) {
	assert.Equal(t, resource.Name("ec2.SecurityGroup:test:us-east-1:keel-sg"), SecurityGroupName(baseGroup()))

	r, err := NewSecurityGroupResource(baseGroup())
	require.NoError(t, err)
	assert.Equal(t, SecurityGroupKind, r.Kind)
	assert.Equal(t, SecurityGroupName(baseGroup()), r.Name())
	require.NoError(t, resource.Validate(r))
}
