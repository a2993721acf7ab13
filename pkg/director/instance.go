package director

import (
	"context"
	"fmt"

	"github.com/cuemby/vim/pkg/events"
	"github.com/cuemby/vim/pkg/nfvi"
	"github.com/cuemby/vim/pkg/types"
)

func (d *Director) instanceVerb(verb string, uuids []string, fn func(i *types.Instance) entityCall, done Done) *Operation {
	calls := make(map[string]entityCall, len(uuids))
	for _, uuid := range uuids {
		i := d.table.Instance(uuid)
		if i == nil {
			uuid := uuid
			calls[uuid] = func(ctx context.Context) nfvi.Response {
				return nfvi.Failure(nfvi.ErrorCodeNotFound, fmt.Sprintf("instance %s not found", uuid))
			}
			continue
		}
		calls[uuid] = fn(i)
	}
	return d.run(verb, uuids, calls, func(uuid string, _ nfvi.Response) {
		d.refreshInstance(uuid)
	}, done)
}

func (d *Director) refreshInstance(uuid string) {
	d.dispatcher.Dispatch(func(ctx context.Context) nfvi.Response {
		return d.client.Compute.GetInstance(ctx, uuid)
	}, func(resp nfvi.Response) {
		fresh, ok := nfvi.As[*types.Instance](resp)
		if !ok || fresh == nil || d.publisher == nil {
			return
		}
		d.publisher.Publish(&events.Event{
			Type:         events.EventInstanceStateChanged,
			InstanceUUID: fresh.UUID,
			HostName:     fresh.HostName,
			Instance:     fresh,
		})
	})
}

// StopInstances stops each instance
func (d *Director) StopInstances(uuids []string, done Done) *Operation {
	return d.instanceVerb("stop-instances", uuids, func(i *types.Instance) entityCall {
		return func(ctx context.Context) nfvi.Response {
			return d.client.Compute.StopInstance(ctx, i.UUID)
		}
	}, done)
}

// StartInstances starts each instance
func (d *Director) StartInstances(uuids []string, done Done) *Operation {
	return d.instanceVerb("start-instances", uuids, func(i *types.Instance) entityCall {
		return func(ctx context.Context) nfvi.Response {
			return d.client.Compute.StartInstance(ctx, i.UUID)
		}
	}, done)
}

// MigrateInstances moves each instance off its host, live when the
// instance supports it and cold otherwise. Stopped instances are always
// cold migrated.
func (d *Director) MigrateInstances(uuids []string, done Done) *Operation {
	return d.instanceVerb("migrate-instances", uuids, func(i *types.Instance) entityCall {
		return func(ctx context.Context) nfvi.Response {
			if i.LiveMigrationSupport && i.IsEnabled() {
				return d.client.Compute.LiveMigrateInstance(ctx, i.UUID)
			}
			return d.client.Compute.ColdMigrateInstance(ctx, i.UUID)
		}
	}, done)
}
