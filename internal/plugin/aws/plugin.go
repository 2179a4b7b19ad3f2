// Package aws implements anchor resource handlers backed by AWS.
package aws

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/anchor/pkg/fault"
)

// Account is a named AWS account anchor may act in.
type Account struct {
	Name    string
	ID      string
	Profile string
}

// Accounts maps between account names used in specs and AWS account ids.
type Accounts struct {
	byName map[string]Account
	byID   map[string]Account
}

// NewAccounts indexes the configured accounts.
func NewAccounts(accounts []Account) *Accounts {
	a := &Accounts{
		byName: make(map[string]Account, len(accounts)),
		byID:   make(map[string]Account, len(accounts)),
	}
	for _, acct := range accounts {
		a.byName[acct.Name] = acct
		if acct.ID != "" {
			a.byID[acct.ID] = acct
		}
	}
	return a
}

// Lookup returns the account with the given name.
func (a *Accounts) Lookup(name string) (Account, bool) {
	acct, ok := a.byName[name]
	return acct, ok
}

// NameOf returns the account name for an AWS account id. Unknown ids are
// returned unchanged so the observed state still shows where a rule points.
func (a *Accounts) NameOf(id string) string {
	if acct, ok := a.byID[id]; ok {
		return acct.Name
	}
	return id
}

// Clients creates and caches EC2 clients per account and region.
type Clients struct {
	accounts *Accounts

	mu      sync.Mutex
	clients map[string]EC2API
}

// NewClients creates a client factory for the configured accounts.
func NewClients(accounts *Accounts) *Clients {
	return &Clients{
		accounts: accounts,
		clients:  make(map[string]EC2API),
	}
}

// EC2 implements ClientProvider. Credentials come from the account's shared
// config profile, or the default chain when none is set.
func (c *Clients) EC2(ctx context.Context, account, region string) (EC2API, error) {
	acct, ok := c.accounts.Lookup(account)
	if !ok {
		return nil, fault.Configuration(fmt.Sprintf("unknown account %q", account), nil)
	}

	key := account + "/" + region
	c.mu.Lock()
	defer c.mu.Unlock()
	if client, ok := c.clients[key]; ok {
		return client, nil
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if acct.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(acct.Profile))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fault.Configuration(fmt.Sprintf("load aws config for %s", key), err)
	}

	client := ec2.NewFromConfig(awsCfg)
	c.clients[key] = client
	log.Debug().Str("account", account).Str("region", region).Msg("created ec2 client")
	return client, nil
}
