package broker

import (
	"context"
	"fmt"

	"github.com/tsuru/healthcheck-as-a-service/pkg/hcaas"
)

const (
	// maxCheckNameLen is the remote system's name length limit.
	maxCheckNameLen = 64
	truncationMark  = "..."

	triggerPriority = 5
)

// checkName derives the remote check name for a url, truncated with a marker
// when it would exceed the remote name length limit.
func checkName(url string) string {
	name := "hc for " + url
	if len(name) > maxCheckNameLen {
		return name[:maxCheckNameLen-len(truncationMark)] + truncationMark
	}
	return name
}

// triggerExpression builds the trigger condition for one check: status code
// mismatch, request failure and required-pattern mismatch, joined with the
// fixed separators.
func triggerExpression(hostName, itemName string) string {
	status := fmt.Sprintf("{%s:web.test.rspcode[%s,%s].last()}#200", hostName, itemName, itemName)
	failed := fmt.Sprintf("{%s:web.test.fail[%s].last()}#0", hostName, itemName)
	content := fmt.Sprintf("{%s:web.test.error[%s].str(required pattern not found)}=1", hostName, itemName)
	return status + " | " + failed + " & " + content
}

// AddURL provisions the chain backing one monitored URL: web scenario, then
// trigger, then alert action, in dependency order. The item record is written
// only after all three exist, so storage never holds a partial chain. Remote
// objects created before a failing step are left in place; there is no
// reconciliation sweep that would pick such orphans up.
func (b *Broker) AddURL(ctx context.Context, name, url, expectedString, comment string) error {
	hc, err := b.store.HealthCheckByName(ctx, name)
	if err != nil {
		return err
	}

	itemName := checkName(url)
	itemID, err := b.remote.CreateWebScenario(ctx, itemName, hc.HostID, url, expectedString)
	if err != nil {
		return fmt.Errorf("create check: %w", err)
	}
	triggerID, err := b.remote.CreateTrigger(ctx, "trigger for url "+url,
		triggerExpression(hc.Name, itemName), triggerPriority, comment)
	if err != nil {
		return fmt.Errorf("create trigger: %w", err)
	}
	actionID, err := b.remote.CreateAction(ctx, "action for url "+url, triggerID, hc.GroupID)
	if err != nil {
		return fmt.Errorf("create action: %w", err)
	}

	item := &hcaas.Item{
		URL:       url,
		ItemID:    itemID,
		TriggerID: triggerID,
		ActionID:  actionID,
		GroupID:   hc.GroupID,
	}
	if err := b.store.SaveItem(ctx, item); err != nil {
		return fmt.Errorf("save item: %w", err)
	}

	b.logger.Info("URL check created",
		"healthcheck", name,
		"url", url,
		"item_id", itemID,
		"trigger_id", triggerID,
		"action_id", actionID)
	return nil
}

// RemoveURL deletes the remote action and check, then the record. The record
// goes last so that a failed remote delete leaves it behind as the recovery
// anchor.
func (b *Broker) RemoveURL(ctx context.Context, name, url string) error {
	item, err := b.store.ItemByURL(ctx, url)
	if err != nil {
		return err
	}

	if err := b.remote.DeleteAction(ctx, item.ActionID); err != nil {
		return fmt.Errorf("delete action: %w", err)
	}
	if err := b.remote.DeleteWebScenario(ctx, item.ItemID); err != nil {
		return fmt.Errorf("delete check: %w", err)
	}
	if err := b.store.DeleteItem(ctx, url); err != nil {
		return fmt.Errorf("delete item: %w", err)
	}

	b.logger.Info("URL check removed", "healthcheck", name, "url", url)
	return nil
}

// ListURLs returns every monitored URL of an instance paired with its trigger
// comment, fetched live from the remote system rather than from storage.
func (b *Broker) ListURLs(ctx context.Context, name string) ([]hcaas.URLStatus, error) {
	hc, err := b.store.HealthCheckByName(ctx, name)
	if err != nil {
		return nil, err
	}
	items, err := b.store.ItemsByGroup(ctx, hc.GroupID)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}

	urls := make([]hcaas.URLStatus, 0, len(items))
	for _, item := range items {
		comment, err := b.remote.TriggerComment(ctx, item.TriggerID)
		if err != nil {
			return nil, fmt.Errorf("fetch trigger comment for %s: %w", item.URL, err)
		}
		urls = append(urls, hcaas.URLStatus{URL: item.URL, Comment: comment})
	}
	return urls, nil
}
