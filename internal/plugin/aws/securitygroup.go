package aws

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/anchor/orchestrator"
	"github.com/yairfalse/anchor/pkg/fault"
	"github.com/yairfalse/anchor/pkg/resource"
)

// SecurityGroupKind is the resource kind handled by SecurityGroupHandler.
const SecurityGroupKind = "ec2.SecurityGroup"

const (
	cloudProvider    = "aws"
	triggerType      = "anchor"
	errGroupNotFound = "InvalidGroup.NotFound"
	applicationTag   = "application"
	jobUpsert        = "upsertSecurityGroup"
	jobDelete        = "deleteSecurityGroup"
)

// SecurityGroup is the desired state of an EC2 security group.
type SecurityGroup struct {
	Application  string `json:"application" validate:"required"`
	Name         string `json:"name" validate:"required"`
	AccountName  string `json:"accountName" validate:"required"`
	Region       string `json:"region" validate:"required"`
	VpcName      string `json:"vpcName,omitempty"`
	Description  string `json:"description,omitempty"`
	InboundRules []Rule `json:"inboundRules,omitempty" validate:"dive"`
}

// Validate checks field constraints and rule variants.
func (sg *SecurityGroup) Validate() error {
	if err := resource.ValidateStruct(sg); err != nil {
		return err
	}
	for i, r := range sg.InboundRules {
		if err := r.checkVariant(); err != nil {
			return fmt.Errorf("inboundRules[%d]: %w", i, err)
		}
	}
	return nil
}

// SecurityGroupName returns the conventional resource name of a group.
func SecurityGroupName(sg SecurityGroup) resource.Name {
	return resource.Name(strings.Join([]string{SecurityGroupKind, sg.AccountName, sg.Region, sg.Name}, ":"))
}

// NewSecurityGroupResource wraps sg in a resource under its conventional name.
func NewSecurityGroupResource(sg SecurityGroup) (resource.Resource, error) {
	return resource.New(SecurityGroupKind, SecurityGroupName(sg), sg)
}

// SecurityGroupHandler converges EC2 security groups by submitting jobs to
// the orchestration service. Live state is read directly from EC2.
type SecurityGroupHandler struct {
	clients      ClientProvider
	network      *Network
	accounts     *Accounts
	orchestrator orchestrator.Client
	user         string
}

// HandlerConfig holds the collaborators of SecurityGroupHandler.
type HandlerConfig struct {
	Clients      ClientProvider
	Network      *Network
	Accounts     *Accounts
	Orchestrator orchestrator.Client
	// User is recorded as the submitter of every task.
	User string
}

// NewSecurityGroupHandler creates a handler.
func NewSecurityGroupHandler(cfg HandlerConfig) *SecurityGroupHandler {
	accounts := cfg.Accounts
	if accounts == nil {
		accounts = NewAccounts(nil)
	}
	network := cfg.Network
	if network == nil {
		network = NewNetwork(cfg.Clients, 0)
	}
	return &SecurityGroupHandler{
		clients:      cfg.Clients,
		network:      network,
		accounts:     accounts,
		orchestrator: cfg.Orchestrator,
		user:         cfg.User,
	}
}

// Current returns the live group, or nil when EC2 does not know it.
func (h *SecurityGroupHandler) Current(ctx context.Context, spec SecurityGroup) (*SecurityGroup, error) {
	filters := []types.Filter{{Name: aws.String("group-name"), Values: []string{spec.Name}}}
	if spec.VpcName != "" {
		vpcID, err := h.network.VpcID(ctx, spec.AccountName, spec.Region, spec.VpcName)
		if err != nil {
			return nil, err
		}
		filters = append(filters, types.Filter{Name: aws.String("vpc-id"), Values: []string{vpcID}})
	}

	client, err := h.clients.EC2(ctx, spec.AccountName, spec.Region)
	if err != nil {
		return nil, err
	}

	out, err := client.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{Filters: filters})
	if err != nil {
		if isGroupNotFound(err) {
			return nil, nil
		}
		return nil, fault.Transient(fmt.Sprintf("describe security group %s in %s/%s", spec.Name, spec.AccountName, spec.Region), err)
	}
	if len(out.SecurityGroups) == 0 {
		return nil, nil
	}

	return h.observed(ctx, spec, out.SecurityGroups[0])
}

func isGroupNotFound(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == errGroupNotFound
}

// observed translates an EC2 group into the spec shape.
func (h *SecurityGroupHandler) observed(ctx context.Context, spec SecurityGroup, g types.SecurityGroup) (*SecurityGroup, error) {
	name := aws.ToString(g.GroupName)
	current := &SecurityGroup{
		Application: tagValue(g.Tags, applicationTag),
		Name:        name,
		AccountName: spec.AccountName,
		Region:      spec.Region,
		Description: aws.ToString(g.Description),
	}
	if current.Application == "" {
		current.Application, _, _ = strings.Cut(name, "-")
	}

	if g.VpcId != nil {
		vpcName, err := h.network.VpcName(ctx, spec.AccountName, spec.Region, aws.ToString(g.VpcId))
		if err != nil {
			return nil, err
		}
		current.VpcName = vpcName
	}

	for _, perm := range g.IpPermissions {
		proto := protocolFromEC2(aws.ToString(perm.IpProtocol))
		start, end := int(aws.ToInt32(perm.FromPort)), int(aws.ToInt32(perm.ToPort))
		if perm.FromPort == nil {
			start, end = -1, -1
		}

		for _, ipr := range perm.IpRanges {
			current.InboundRules = append(current.InboundRules, CIDRRule(proto, start, end, aws.ToString(ipr.CidrIp)))
		}
		for _, ipr := range perm.Ipv6Ranges {
			current.InboundRules = append(current.InboundRules, CIDRRule(proto, start, end, aws.ToString(ipr.CidrIpv6)))
		}
		for _, pair := range perm.UserIdGroupPairs {
			rule, err := h.observedReference(ctx, spec, g, proto, start, end, pair)
			if err != nil {
				return nil, err
			}
			current.InboundRules = append(current.InboundRules, rule)
		}
	}

	return current, nil
}

func (h *SecurityGroupHandler) observedReference(ctx context.Context, spec SecurityGroup, own types.SecurityGroup, proto Protocol, start, end int, pair types.UserIdGroupPair) (Rule, error) {
	account := spec.AccountName
	if id := aws.ToString(pair.UserId); id != "" {
		account = h.accounts.NameOf(id)
	}

	target, err := h.referencedGroupName(ctx, spec, own, account, pair)
	if err != nil {
		return Rule{}, err
	}

	var vpcName string
	if vpcID := aws.ToString(pair.VpcId); vpcID != "" {
		vpcName = vpcID
		if _, known := h.accounts.Lookup(account); known {
			name, err := h.network.VpcName(ctx, account, spec.Region, vpcID)
			if err != nil {
				return Rule{}, err
			}
			if name != "" {
				vpcName = name
			}
		}
	}

	return ReferenceRule(proto, start, end, target, account, vpcName), nil
}

// referencedGroupName names the group a pair points at. EC2 often returns
// only the group id, so the id is resolved in the referenced account. An id
// that cannot be resolved is kept as is.
func (h *SecurityGroupHandler) referencedGroupName(ctx context.Context, spec SecurityGroup, own types.SecurityGroup, account string, pair types.UserIdGroupPair) (string, error) {
	if name := aws.ToString(pair.GroupName); name != "" {
		return name, nil
	}
	id := aws.ToString(pair.GroupId)
	if id == "" {
		return "", nil
	}
	if id == aws.ToString(own.GroupId) {
		return aws.ToString(own.GroupName), nil
	}
	if _, known := h.accounts.Lookup(account); !known {
		return id, nil
	}

	name, err := h.network.GroupName(ctx, account, spec.Region, id)
	if err != nil {
		return "", err
	}
	if name == "" {
		return id, nil
	}
	return name, nil
}

// Diff compares the fields that define a group. Convergence only ever
// appends ingress, so a desired rule missing from the live group is a
// change and a live rule missing from the desired set is not.
func (h *SecurityGroupHandler) Diff(desired, current SecurityGroup) []resource.Change {
	var d resource.Differ
	d.Compare("application", desired.Application, current.Application)
	d.Compare("name", desired.Name, current.Name)
	d.Compare("accountName", desired.AccountName, current.AccountName)
	d.Compare("region", desired.Region, current.Region)
	d.Compare("vpcName", desired.VpcName, current.VpcName)
	d.Compare("description", desired.Description, current.Description)

	have := ruleSet(current)

	var missing []string
	for r := range ruleSet(desired) {
		if _, ok := have[r]; !ok {
			missing = append(missing, r.String())
		}
	}
	sort.Strings(missing)
	for _, r := range missing {
		d.Add(resource.Change{Field: "inboundRules", Desired: r})
	}

	return d.Changes()
}

func ruleSet(sg SecurityGroup) map[Rule]struct{} {
	set := make(map[Rule]struct{}, len(sg.InboundRules))
	for _, r := range sg.InboundRules {
		set[r.normalize(sg)] = struct{}{}
	}
	return set
}

// Converge submits an upsert of the group. Existing ingress is kept.
func (h *SecurityGroupHandler) Converge(ctx context.Context, name resource.Name, spec SecurityGroup) (orchestrator.TaskRef, error) {
	vpcID, err := h.vpcID(ctx, spec)
	if err != nil {
		return orchestrator.TaskRef{}, err
	}

	groupIngress, err := h.groupIngress(ctx, spec)
	if err != nil {
		return orchestrator.TaskRef{}, err
	}

	job := orchestrator.Job{
		Type: jobUpsert,
		Payload: map[string]any{
			"application":          spec.Application,
			"credentials":          spec.AccountName,
			"cloudProvider":        cloudProvider,
			"name":                 spec.Name,
			"regions":              []string{spec.Region},
			"vpcId":                vpcID,
			"description":          spec.Description,
			"ingressAppendOnly":    true,
			"securityGroupIngress": groupIngress,
			"ipIngress":            ipIngress(spec),
			"accountName":          spec.AccountName,
		},
	}

	return h.submit(ctx, name, spec, "Upsert", job)
}

// Delete submits removal of the group.
func (h *SecurityGroupHandler) Delete(ctx context.Context, name resource.Name, spec SecurityGroup) (orchestrator.TaskRef, error) {
	vpcID, err := h.vpcID(ctx, spec)
	if err != nil {
		return orchestrator.TaskRef{}, err
	}

	job := orchestrator.Job{
		Type: jobDelete,
		Payload: map[string]any{
			"application":       spec.Application,
			"credentials":       spec.AccountName,
			"cloudProvider":     cloudProvider,
			"securityGroupName": spec.Name,
			"regions":           []string{spec.Region},
			"vpcId":             vpcID,
			"accountName":       spec.AccountName,
		},
	}

	return h.submit(ctx, name, spec, "Delete", job)
}

func (h *SecurityGroupHandler) submit(ctx context.Context, name resource.Name, spec SecurityGroup, verb string, job orchestrator.Job) (orchestrator.TaskRef, error) {
	summary := fmt.Sprintf("%s security group %s in %s/%s", verb, spec.Name, spec.AccountName, spec.Region)

	ref, err := h.orchestrator.Submit(ctx, orchestrator.OrchestrationRequest{
		Name:        summary,
		Application: spec.Application,
		Description: summary,
		Job:         []orchestrator.Job{job},
		Trigger: orchestrator.Trigger{
			CorrelationID: name.String(),
			Type:          triggerType,
			User:          h.user,
		},
	})
	if err != nil {
		return orchestrator.TaskRef{}, err
	}

	log.Info().
		Str("resource", name.String()).
		Str("task", ref.Ref).
		Msgf("started task to %s security group", strings.ToLower(verb))
	return ref, nil
}

// vpcID resolves the group's VPC. A group without a vpcName has no VPC id.
func (h *SecurityGroupHandler) vpcID(ctx context.Context, spec SecurityGroup) (any, error) {
	if spec.VpcName == "" {
		return nil, nil
	}
	id, err := h.network.VpcID(ctx, spec.AccountName, spec.Region, spec.VpcName)
	if err != nil {
		return nil, err
	}
	return id, nil
}

func (h *SecurityGroupHandler) groupIngress(ctx context.Context, spec SecurityGroup) ([]map[string]any, error) {
	entries := make([]map[string]any, 0, len(spec.InboundRules))
	for _, r := range spec.InboundRules {
		if r.Type != RuleReference {
			continue
		}

		target := r.Name
		if target == "" {
			target = spec.Name
		}
		entry := map[string]any{
			"type":      string(r.Protocol),
			"startPort": r.PortRange.StartPort,
			"endPort":   r.PortRange.EndPort,
			"name":      target,
		}

		if r.crossAccount(spec) {
			vpcID, err := h.network.VpcID(ctx, r.Account, spec.Region, r.VpcName)
			if err != nil {
				return nil, err
			}
			entry["accountName"] = r.Account
			entry["crossAccountEnabled"] = true
			entry["vpcId"] = vpcID
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func ipIngress(spec SecurityGroup) []map[string]any {
	entries := make([]map[string]any, 0, len(spec.InboundRules))
	for _, r := range spec.InboundRules {
		if r.Type != RuleCIDR {
			continue
		}
		entries = append(entries, map[string]any{
			"type":      string(r.Protocol),
			"startPort": r.PortRange.StartPort,
			"endPort":   r.PortRange.EndPort,
			"cidr":      r.BlockRange,
		})
	}
	return entries
}
