// Package broker sequences the remote objects behind each healthcheck and
// keeps the watcher/notification-group mapping consistent.
package broker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/tsuru/healthcheck-as-a-service/pkg/hcaas"
)

// Remote is the surface of the monitoring system the broker provisions
// against.
type Remote interface {
	CreateHost(ctx context.Context, name, hostGroupID string) (string, error)
	DeleteHost(ctx context.Context, id string) error
	CreateUserGroup(ctx context.Context, name, hostGroupID string) (string, error)
	DeleteUserGroup(ctx context.Context, id string) error
	UpdateUserGroupMembers(ctx context.Context, groupID string, userIDs []string) error
	CreateWebScenario(ctx context.Context, name, hostID, url, expectedString string) (string, error)
	DeleteWebScenario(ctx context.Context, id string) error
	CreateTrigger(ctx context.Context, description, expression string, priority int, comment string) (string, error)
	TriggerComment(ctx context.Context, triggerID string) (string, error)
	CreateAction(ctx context.Context, name, triggerID, groupID string) (string, error)
	DeleteAction(ctx context.Context, id string) error
	CreateUser(ctx context.Context, email, password, groupID string) (string, error)
	DeleteUser(ctx context.Context, id string) error
}

// Store is the persistence surface for the record types the broker owns.
type Store interface {
	SaveHealthCheck(ctx context.Context, hc *hcaas.HealthCheck) error
	HealthCheckByName(ctx context.Context, name string) (*hcaas.HealthCheck, error)
	DeleteHealthCheck(ctx context.Context, name string) error
	SaveItem(ctx context.Context, item *hcaas.Item) error
	ItemByURL(ctx context.Context, url string) (*hcaas.Item, error)
	DeleteItem(ctx context.Context, url string) error
	ItemsByGroup(ctx context.Context, groupID string) ([]*hcaas.Item, error)
	SaveUser(ctx context.Context, user *hcaas.User) error
	UserByEmail(ctx context.Context, email string) (*hcaas.User, error)
	DeleteUser(ctx context.Context, email string) error
	UsersByGroup(ctx context.Context, groupID string) ([]*hcaas.User, error)
}

// Broker implements the provisioning and membership workflows.
type Broker struct {
	remote      Remote
	store       Store
	logger      *slog.Logger
	hostGroupID string

	mu         sync.Mutex
	groupLocks map[string]*sync.Mutex
}

// New creates a broker. hostGroupID is the fixed global host group every
// instance's host and notification group live under.
func New(remote Remote, store Store, hostGroupID string, logger *slog.Logger) *Broker {
	return &Broker{
		remote:      remote,
		store:       store,
		logger:      logger,
		hostGroupID: hostGroupID,
		groupLocks:  make(map[string]*sync.Mutex),
	}
}

// groupLock returns the mutex serializing membership updates for one
// notification group. The read-modify-write of the remote member list is not
// atomic, so concurrent watcher changes against the same group must not
// interleave; operations on different groups still run concurrently.
func (b *Broker) groupLock(groupID string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.groupLocks[groupID]
	if !ok {
		l = &sync.Mutex{}
		b.groupLocks[groupID] = l
	}
	return l
}
