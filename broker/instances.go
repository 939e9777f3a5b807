package broker

import (
	"context"
	"fmt"

	"github.com/tsuru/healthcheck-as-a-service/pkg/hcaas"
)

// NewInstance provisions one monitoring account: a host and a notification
// group under the global host group. The record is only persisted once both
// remote objects exist.
func (b *Broker) NewInstance(ctx context.Context, name string) error {
	hostID, err := b.remote.CreateHost(ctx, name, b.hostGroupID)
	if err != nil {
		return fmt.Errorf("create host: %w", err)
	}
	groupID, err := b.remote.CreateUserGroup(ctx, name, b.hostGroupID)
	if err != nil {
		return fmt.Errorf("create notification group: %w", err)
	}

	hc := &hcaas.HealthCheck{
		Name:        name,
		HostGroupID: b.hostGroupID,
		HostID:      hostID,
		GroupID:     groupID,
	}
	if err := b.store.SaveHealthCheck(ctx, hc); err != nil {
		return fmt.Errorf("save healthcheck: %w", err)
	}

	b.logger.Info("Healthcheck created", "name", name, "host_id", hostID, "group_id", groupID)
	return nil
}

// RemoveInstance tears an account down. Children are detached first: every
// URL check is removed, then every watcher membership, and only then the
// notification group, the host and the record itself. Deleting the group or
// host earlier would make the child delete calls reference vanished objects.
func (b *Broker) RemoveInstance(ctx context.Context, name string) error {
	hc, err := b.store.HealthCheckByName(ctx, name)
	if err != nil {
		return err
	}

	items, err := b.store.ItemsByGroup(ctx, hc.GroupID)
	if err != nil {
		return fmt.Errorf("list items: %w", err)
	}
	for _, item := range items {
		if err := b.RemoveURL(ctx, name, item.URL); err != nil {
			return fmt.Errorf("remove url %s: %w", item.URL, err)
		}
	}

	users, err := b.store.UsersByGroup(ctx, hc.GroupID)
	if err != nil {
		return fmt.Errorf("list watchers: %w", err)
	}
	for _, user := range users {
		if err := b.RemoveWatcher(ctx, name, user.Email); err != nil {
			return fmt.Errorf("remove watcher %s: %w", user.Email, err)
		}
	}

	if err := b.remote.DeleteUserGroup(ctx, hc.GroupID); err != nil {
		return fmt.Errorf("delete notification group: %w", err)
	}
	if err := b.remote.DeleteHost(ctx, hc.HostID); err != nil {
		return fmt.Errorf("delete host: %w", err)
	}
	if err := b.store.DeleteHealthCheck(ctx, name); err != nil {
		return fmt.Errorf("delete healthcheck: %w", err)
	}

	b.logger.Info("Healthcheck removed", "name", name)
	return nil
}
