package aws

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/anchor/pkg/fault"
)

func TestNetwork_VpcIDIsCached(t *testing.T) {
	client := &mockEC2Client{describeVpcsFunc: vpcDirectory(map[string]string{"vpc0": "vpc-0a1b2c"})}
	n := NewNetwork(fakeClients{"test/" + region: client}, time.Minute)

	for i := 0; i < 3; i++ {
		id, err := n.VpcID(context.Background(), "test", region, "vpc0")
		require.NoError(t, err)
		assert.Equal(t, "vpc-0a1b2c", id)
	}
	assert.Equal(t, 1, client.VpcCalls())

	// The forward lookup also primes the reverse direction.
	name, err := n.VpcName(context.Background(), "test", region, "vpc-0a1b2c")
	require.NoError(t, err)
	assert.Equal(t, "vpc0", name)
	assert.Equal(t, 1, client.VpcCalls())
}

func TestNetwork_ConcurrentMissesShareOneCall(t *testing.T) {
	release := make(chan struct{})
	lookup := vpcDirectory(map[string]string{"vpc0": "vpc-0a1b2c"})
	client := &mockEC2Client{}
	client.describeVpcsFunc = func(ctx context.Context, params *ec2.DescribeVpcsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVpcsOutput, error) {
		<-release
		return lookup(ctx, params, optFns...)
	}
	n := NewNetwork(fakeClients{"test/" + region: client}, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := n.VpcID(context.Background(), "test", region, "vpc0")
			assert.NoError(t, err)
			assert.Equal(t, "vpc-0a1b2c", id)
		}()
	}

	// Let the goroutines pile up on the in-flight lookup.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, 1, client.VpcCalls())
	id, err := n.VpcID(context.Background(), "test", region, "vpc0")
	require.NoError(t, err)
	assert.Equal(t, "vpc-0a1b2c", id)
}

func TestNetwork_ScopedByAccountAndRegion(t *testing.T) {
	test := &mockEC2Client{describeVpcsFunc: vpcDirectory(map[string]string{"vpc0": "vpc-test"})}
	other := &mockEC2Client{describeVpcsFunc: vpcDirectory(map[string]string{"vpc0": "vpc-other"})}
	n := NewNetwork(fakeClients{"test/" + region: test, "other/" + region: other}, 0)

	a, err := n.VpcID(context.Background(), "test", region, "vpc0")
	require.NoError(t, err)
	b, err := n.VpcID(context.Background(), "other", region, "vpc0")
	require.NoError(t, err)

	assert.Equal(t, "vpc-test", a)
	assert.Equal(t, "vpc-other", b)
}

func TestNetwork_Errors(t *testing.T) {
	t.Run("unknown vpc", func(t *testing.T) {
		client := &mockEC2Client{}
		n := NewNetwork(fakeClients{"test/" + region: client}, 0)

		_, err := n.VpcID(context.Background(), "test", region, "nope")
		assert.True(t, fault.IsConfiguration(err))
	})

	t.Run("describe fails", func(t *testing.T) {
		client := &mockEC2Client{describeVpcsFunc: func(context.Context, *ec2.DescribeVpcsInput, ...func(*ec2.Options)) (*ec2.DescribeVpcsOutput, error) {
			return nil, errors.New("throttled")
		}}
		n := NewNetwork(fakeClients{"test/" + region: client}, 0)

		_, err := n.VpcID(context.Background(), "test", region, "vpc0")
		assert.True(t, fault.IsTransient(err))
		_, err = n.VpcName(context.Background(), "test", region, "vpc-1")
		assert.True(t, fault.IsTransient(err))
	})

	t.Run("no client", func(t *testing.T) {
		n := NewNetwork(fakeClients{}, 0)
		_, err := n.VpcID(context.Background(), "test", region, "vpc0")
		assert.Error(t, err)
	})
}

func TestNetwork_VpcNameWithoutTag(t *testing.T) {
	client := &mockEC2Client{describeVpcsFunc: func(context.Context, *ec2.DescribeVpcsInput, ...func(*ec2.Options)) (*ec2.DescribeVpcsOutput, error) {
		return &ec2.DescribeVpcsOutput{Vpcs: []types.Vpc{{VpcId: aws.String("vpc-1")}}}, nil
	}}
	n := NewNetwork(fakeClients{"test/" + region: client}, 0)

	name, err := n.VpcName(context.Background(), "test", region, "vpc-1")
	require.NoError(t, err)
	assert.Empty(t, name)
}

func TestNetwork_GroupName(t *testing.T) {
	client := &mockEC2Client{describeSecurityGroupsFunc: groupDirectory(map[string]string{"sg-456": "db"})}
	n := NewNetwork(fakeClients{"test/" + region: client}, time.Minute)

	for i := 0; i < 3; i++ {
		name, err := n.GroupName(context.Background(), "test", region, "sg-456")
		require.NoError(t, err)
		assert.Equal(t, "db", name)
	}
	assert.Equal(t, 1, client.GroupCalls())

	t.Run("unknown id", func(t *testing.T) {
		name, err := n.GroupName(context.Background(), "test", region, "sg-missing")
		require.NoError(t, err)
		assert.Empty(t, name)
	})

	t.Run("not found error", func(t *testing.T) {
		gone := &mockEC2Client{describeSecurityGroupsFunc: func(context.Context, *ec2.DescribeSecurityGroupsInput, ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error) {
			return nil, &smithy.GenericAPIError{Code: "InvalidGroup.NotFound"}
		}}
		n := NewNetwork(fakeClients{"test/" + region: gone}, 0)

		name, err := n.GroupName(context.Background(), "test", region, "sg-456")
		require.NoError(t, err)
		assert.Empty(t, name)
	})

	t.Run("describe fails", func(t *testing.T) {
		failing := &mockEC2Client{describeSecurityGroupsFunc: func(context.Context, *ec2.DescribeSecurityGroupsInput, ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error) {
			return nil, errors.New("throttled")
		}}
		n := NewNetwork(fakeClients{"test/" + region: failing}, 0)

		_, err := n.GroupName(context.Background(), "test", region, "sg-456")
		assert.True(t, fault.IsTransient(err))
	})
}

func TestAccounts(t *testing.T) {
	acct, ok := testAccounts.Lookup("other")
	require.True(t, ok)
	assert.Equal(t, "222222222222", acct.ID)

	_, ok = testAccounts.Lookup("missing")
	assert.False(t, ok)

	assert.Equal(t, "test", testAccounts.NameOf("111111111111"))
	assert.Equal(t, "999999999999", testAccounts.NameOf("999999999999"))
}

func TestClients_UnknownAccount(t *testing.T) {
	c := NewClients(testAccounts)
	_, err := c.EC2(context.Background(), "missing", region)
	require.Error(t, err)
	assert.True(t, fault.IsConfiguration(err))
}
