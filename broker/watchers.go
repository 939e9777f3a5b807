package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/tsuru/healthcheck-as-a-service/pkg/hcaas"
)

// AddWatcher subscribes an email address to an instance's notifications. A
// known watcher is appended to the group's remote member list; an unknown one
// gets a remote user created scoped to this group. The local record is always
// written last.
func (b *Broker) AddWatcher(ctx context.Context, name, email, password string) error {
	hc, err := b.store.HealthCheckByName(ctx, name)
	if err != nil {
		return err
	}

	lock := b.groupLock(hc.GroupID)
	lock.Lock()
	defer lock.Unlock()

	user, err := b.store.UserByEmail(ctx, email)
	switch {
	case errors.Is(err, hcaas.ErrUserNotFound):
		return b.addNewWatcher(ctx, hc, email, password)
	case err != nil:
		return err
	default:
		return b.addWatcherToGroup(ctx, hc, user)
	}
}

func (b *Broker) addNewWatcher(ctx context.Context, hc *hcaas.HealthCheck, email, password string) error {
	id, err := b.remote.CreateUser(ctx, email, password, hc.GroupID)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	user := &hcaas.User{
		ID:       id,
		Email:    email,
		GroupsID: []string{hc.GroupID},
	}
	if err := b.store.SaveUser(ctx, user); err != nil {
		return fmt.Errorf("save watcher: %w", err)
	}

	b.logger.Info("Watcher created", "healthcheck", hc.Name, "email", email, "user_id", id)
	return nil
}

func (b *Broker) addWatcherToGroup(ctx context.Context, hc *hcaas.HealthCheck, user *hcaas.User) error {
	members, err := b.store.UsersByGroup(ctx, hc.GroupID)
	if err != nil {
		return fmt.Errorf("list group members: %w", err)
	}
	ids := make([]string, 0, len(members)+1)
	for _, m := range members {
		if m.ID == user.ID {
			return hcaas.ErrWatcherAlreadyRegistered
		}
		ids = append(ids, m.ID)
	}
	// Existing members keep their relative order; the new id goes last.
	ids = append(ids, user.ID)

	if err := b.remote.UpdateUserGroupMembers(ctx, hc.GroupID, ids); err != nil {
		return fmt.Errorf("update group membership: %w", err)
	}

	user.GroupsID = append(user.GroupsID, hc.GroupID)
	if err := b.store.SaveUser(ctx, user); err != nil {
		return fmt.Errorf("save watcher: %w", err)
	}

	b.logger.Info("Watcher added to group", "healthcheck", hc.Name, "email", user.Email, "group_id", hc.GroupID)
	return nil
}

// RemoveWatcher unsubscribes an email address from one instance. The remote
// user is only deleted when this was its last membership; otherwise only the
// member list of this instance's group shrinks and memberships in other
// groups are untouched.
func (b *Broker) RemoveWatcher(ctx context.Context, name, email string) error {
	hc, err := b.store.HealthCheckByName(ctx, name)
	if err != nil {
		return err
	}
	user, err := b.store.UserByEmail(ctx, email)
	if err != nil {
		return err
	}
	if !user.InGroup(hc.GroupID) {
		return hcaas.ErrWatcherNotInInstance
	}

	lock := b.groupLock(hc.GroupID)
	lock.Lock()
	defer lock.Unlock()

	if len(user.GroupsID) > 1 {
		return b.removeWatcherFromGroup(ctx, hc, user)
	}
	return b.removeWatcherEntirely(ctx, hc, user)
}

func (b *Broker) removeWatcherFromGroup(ctx context.Context, hc *hcaas.HealthCheck, user *hcaas.User) error {
	members, err := b.store.UsersByGroup(ctx, hc.GroupID)
	if err != nil {
		return fmt.Errorf("list group members: %w", err)
	}
	ids := make([]string, 0, len(members))
	for _, m := range members {
		if m.ID != user.ID {
			ids = append(ids, m.ID)
		}
	}
	if err := b.remote.UpdateUserGroupMembers(ctx, hc.GroupID, ids); err != nil {
		return fmt.Errorf("update group membership: %w", err)
	}

	groups := make([]string, 0, len(user.GroupsID)-1)
	for _, g := range user.GroupsID {
		if g != hc.GroupID {
			groups = append(groups, g)
		}
	}
	user.GroupsID = groups
	if err := b.store.SaveUser(ctx, user); err != nil {
		return fmt.Errorf("save watcher: %w", err)
	}

	b.logger.Info("Watcher removed from group", "healthcheck", hc.Name, "email", user.Email, "group_id", hc.GroupID)
	return nil
}

func (b *Broker) removeWatcherEntirely(ctx context.Context, hc *hcaas.HealthCheck, user *hcaas.User) error {
	if err := b.remote.DeleteUser(ctx, user.ID); err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if err := b.store.DeleteUser(ctx, user.Email); err != nil {
		return fmt.Errorf("delete watcher: %w", err)
	}

	b.logger.Info("Watcher removed", "healthcheck", hc.Name, "email", user.Email)
	return nil
}

// ListWatchers returns the emails watching an instance, from storage only.
func (b *Broker) ListWatchers(ctx context.Context, name string) ([]string, error) {
	hc, err := b.store.HealthCheckByName(ctx, name)
	if err != nil {
		return nil, err
	}
	users, err := b.store.UsersByGroup(ctx, hc.GroupID)
	if err != nil {
		return nil, fmt.Errorf("list watchers: %w", err)
	}
	emails := make([]string, 0, len(users))
	for _, u := range users {
		emails = append(emails, u.Email)
	}
	return emails, nil
}
