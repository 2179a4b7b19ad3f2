package aws

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Protocol is an IP protocol allowed by a security group rule.
type Protocol string

// Supported protocols.
const (
	ProtocolTCP  Protocol = "TCP"
	ProtocolUDP  Protocol = "UDP"
	ProtocolICMP Protocol = "ICMP"
	ProtocolAll  Protocol = "ALL"
)

// protocolFromEC2 converts an EC2 IpProtocol value.
func protocolFromEC2(p string) Protocol {
	if p == "-1" {
		return ProtocolAll
	}
	return Protocol(strings.ToUpper(p))
}

// PortRange is an inclusive port range.
type PortRange struct {
	StartPort int `json:"startPort" validate:"gte=-1,lte=65535"`
	EndPort   int `json:"endPort" validate:"gte=-1,lte=65535,gtefield=StartPort"`
}

// RuleType discriminates the two inbound rule variants.
type RuleType string

const (
	// RuleCIDR allows traffic from an address block.
	RuleCIDR RuleType = "cidr"
	// RuleReference allows traffic from members of another security group.
	RuleReference RuleType = "reference"
)

// Rule is an inbound security group rule. CIDR rules set BlockRange.
// Reference rules may set Name, Account and VpcName; an empty Name refers
// to the owning group. Rule is comparable so rule sets can be map keys.
type Rule struct {
	Type       RuleType  `json:"type" validate:"required,oneof=cidr reference"`
	Protocol   Protocol  `json:"protocol" validate:"required,oneof=TCP UDP ICMP ALL"`
	PortRange  PortRange `json:"portRange"`
	BlockRange string    `json:"blockRange,omitempty" validate:"omitempty,cidr"`
	Name       string    `json:"name,omitempty"`
	Account    string    `json:"account,omitempty"`
	VpcName    string    `json:"vpcName,omitempty"`
}

// CIDRRule builds a CIDR rule.
func CIDRRule(protocol Protocol, start, end int, block string) Rule {
	return Rule{Type: RuleCIDR, Protocol: protocol, PortRange: PortRange{start, end}, BlockRange: block}
}

// ReferenceRule builds a rule referencing another group.
func ReferenceRule(protocol Protocol, start, end int, name, account, vpcName string) Rule {
	return Rule{
		Type:      RuleReference,
		Protocol:  protocol,
		PortRange: PortRange{start, end},
		Name:      name,
		Account:   account,
		VpcName:   vpcName,
	}
}

// UnmarshalJSON decodes a rule and rejects fields that do not belong to its
// variant.
func (r *Rule) UnmarshalJSON(data []byte) error {
	type plain Rule
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	rule := Rule(p)
	if err := rule.checkVariant(); err != nil {
		return err
	}
	*r = rule
	return nil
}

func (r Rule) checkVariant() error {
	switch r.Type {
	case RuleCIDR:
		if r.BlockRange == "" {
			return fmt.Errorf("cidr rule requires blockRange")
		}
		if r.Name != "" || r.Account != "" || r.VpcName != "" {
			return fmt.Errorf("cidr rule must not set name, account or vpcName")
		}
	case RuleReference:
		if r.BlockRange != "" {
			return fmt.Errorf("reference rule must not set blockRange")
		}
	default:
		return fmt.Errorf("unknown rule type %q", r.Type)
	}
	return nil
}

// String renders the rule for diffs and logs.
func (r Rule) String() string {
	ports := fmt.Sprintf("%s %d-%d", r.Protocol, r.PortRange.StartPort, r.PortRange.EndPort)
	if r.Type == RuleCIDR {
		return ports + " from " + r.BlockRange
	}
	target := r.Name
	if r.Account != "" {
		target = r.Account + "/" + target
	}
	if r.VpcName != "" {
		target += " (" + r.VpcName + ")"
	}
	return ports + " from " + target
}

// normalize fills reference defaults from the owning group so desired and
// observed rules compare equal.
func (r Rule) normalize(sg SecurityGroup) Rule {
	if r.Type != RuleReference {
		return r
	}
	if r.Name == "" {
		r.Name = sg.Name
	}
	if r.Account == "" {
		r.Account = sg.AccountName
	}
	if r.VpcName == "" {
		r.VpcName = sg.VpcName
	}
	return r
}

// crossAccount reports whether the rule must be submitted with cross-account
// markers.
func (r Rule) crossAccount(sg SecurityGroup) bool {
	return r.Account != "" && r.Account != sg.AccountName && r.VpcName != ""
}
