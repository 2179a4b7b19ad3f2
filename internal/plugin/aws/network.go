package aws

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/yairfalse/anchor/pkg/fault"
)

const (
	defaultNetworkCacheSize = 256
	defaultNetworkCacheTTL  = 10 * time.Minute
)

// Network resolves VPC names to ids and back, and security group ids to
// names. Lookups are cached for a while and concurrent misses for the same
// key share one EC2 call.
type Network struct {
	clients ClientProvider

	ids    *expirable.LRU[string, string]
	names  *expirable.LRU[string, string]
	groups *expirable.LRU[string, string]
	group  singleflight.Group
}

// NewNetwork creates a Network. A zero ttl uses the default.
func NewNetwork(clients ClientProvider, ttl time.Duration) *Network {
	if ttl <= 0 {
		ttl = defaultNetworkCacheTTL
	}
	return &Network{
		clients: clients,
		ids:     expirable.NewLRU[string, string](defaultNetworkCacheSize, nil, ttl),
		names:   expirable.NewLRU[string, string](defaultNetworkCacheSize, nil, ttl),
		groups:  expirable.NewLRU[string, string](defaultNetworkCacheSize, nil, ttl),
	}
}

// VpcID returns the id of the VPC tagged Name=vpcName in account/region.
// A name that matches no VPC is a configuration fault.
func (n *Network) VpcID(ctx context.Context, account, region, vpcName string) (string, error) {
	key := account + "/" + region + "/" + vpcName
	if id, ok := n.ids.Get(key); ok {
		return id, nil
	}

	v, err, _ := n.group.Do("id:"+key, func() (any, error) {
		client, err := n.clients.EC2(ctx, account, region)
		if err != nil {
			return "", err
		}
		out, err := client.DescribeVpcs(ctx, &ec2.DescribeVpcsInput{
			Filters: []types.Filter{{Name: aws.String("tag:Name"), Values: []string{vpcName}}},
		})
		if err != nil {
			return "", fault.Transient(fmt.Sprintf("describe vpc %s in %s/%s", vpcName, account, region), err)
		}
		if len(out.Vpcs) == 0 {
			return "", fault.Configuration(fmt.Sprintf("vpc %q not found in %s/%s", vpcName, account, region), nil)
		}

		id := aws.ToString(out.Vpcs[0].VpcId)
		n.ids.Add(key, id)
		n.names.Add(account+"/"+region+"/"+id, vpcName)
		return id, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// VpcName returns the Name tag of a VPC id, or "" when it has none.
func (n *Network) VpcName(ctx context.Context, account, region, vpcID string) (string, error) {
	key := account + "/" + region + "/" + vpcID
	if name, ok := n.names.Get(key); ok {
		return name, nil
	}

	v, err, _ := n.group.Do("name:"+key, func() (any, error) {
		client, err := n.clients.EC2(ctx, account, region)
		if err != nil {
			return "", err
		}
		out, err := client.DescribeVpcs(ctx, &ec2.DescribeVpcsInput{VpcIds: []string{vpcID}})
		if err != nil {
			return "", fault.Transient(fmt.Sprintf("describe vpc %s in %s/%s", vpcID, account, region), err)
		}

		var name string
		if len(out.Vpcs) > 0 {
			name = tagValue(out.Vpcs[0].Tags, "Name")
		}
		n.names.Add(key, name)
		if name != "" {
			n.ids.Add(account+"/"+region+"/"+name, vpcID)
		}
		return name, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// GroupName returns the name of the security group groupID in
// account/region, or "" when no such group is visible there.
func (n *Network) GroupName(ctx context.Context, account, region, groupID string) (string, error) {
	key := account + "/" + region + "/" + groupID
	if name, ok := n.groups.Get(key); ok {
		return name, nil
	}

	v, err, _ := n.group.Do("group:"+key, func() (any, error) {
		client, err := n.clients.EC2(ctx, account, region)
		if err != nil {
			return "", err
		}
		out, err := client.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{GroupIds: []string{groupID}})
		if err != nil {
			if isGroupNotFound(err) {
				return "", nil
			}
			return "", fault.Transient(fmt.Sprintf("describe security group %s in %s/%s", groupID, account, region), err)
		}

		var name string
		if len(out.SecurityGroups) > 0 {
			name = aws.ToString(out.SecurityGroups[0].GroupName)
		}
		if name != "" {
			n.groups.Add(key, name)
		}
		return name, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func tagValue(tags []types.Tag, key string) string {
	for _, t := range tags {
		if aws.ToString(t.Key) == key {
			return aws.ToString(t.Value)
		}
	}
	return ""
}
