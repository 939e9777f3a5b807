// Package hcaas contains the core domain records for the healthcheck service.
package hcaas

import "errors"

// Lookup and guard errors. Handlers map these to client-facing status codes;
// anything else coming out of the broker is an infrastructure failure.
var (
	ErrHealthCheckNotFound      = errors.New("healthcheck not found")
	ErrItemNotFound             = errors.New("url not found")
	ErrUserNotFound             = errors.New("watcher not found")
	ErrWatcherAlreadyRegistered = errors.New("watcher already registered")
	ErrWatcherNotInInstance     = errors.New("watcher is not registered for this healthcheck")
)

// HealthCheck is one provisioned monitoring account: a remote host plus the
// notification group its alert actions target.
type HealthCheck struct {
	Name        string `json:"name"`
	HostGroupID string `json:"host_group_id"`
	HostID      string `json:"host_id"`
	GroupID     string `json:"group_id"`
}

// Item is one monitored URL together with the three remote objects backing it.
// A persisted Item always carries all three IDs; partially provisioned chains
// are never written to storage.
type Item struct {
	URL       string `json:"url"`
	ItemID    string `json:"item_id"`
	TriggerID string `json:"trigger_id"`
	ActionID  string `json:"action_id"`
	GroupID   string `json:"group_id"`
}

// User is a notification recipient. One email address may watch several
// healthchecks, so GroupsID holds every notification group the remote user
// belongs to. The record exists iff GroupsID is non-empty.
type User struct {
	ID       string   `json:"id"`
	Email    string   `json:"email"`
	GroupsID []string `json:"groups_id"`
}

// InGroup reports whether the user belongs to the given notification group.
func (u *User) InGroup(groupID string) bool {
	for _, g := range u.GroupsID {
		if g == groupID {
			return true
		}
	}
	return false
}

// URLStatus pairs a monitored URL with the live comment on its trigger.
type URLStatus struct {
	URL     string `json:"url"`
	Comment string `json:"comment"`
}
