/*
Package types defines the fleet data model shared by every other package.

The model mirrors what the NFVI plugins report:

  - Host: a physical server with one or more personalities (controller,
    worker, storage), administrative/operational/availability state and
    per-service state. Workers with data-port fault handling expose a
    data-port state that overrides the operational state.
  - Instance: a virtual machine bound to a host by name.
  - InstanceGroup / HostGroup / HostAggregate: placement groupings. An
    anti-affinity instance group and a storage-replication host group
    constrain which hosts may be disrupted together.
  - Alarm: an active fault-management alarm.
  - SwDeploy, KubeUpgrade, KubeRootcaUpdate: the in-progress update object
    of each orchestrated update kind, each with per-host sub-records.

All types are plain structs serialized as JSON. Clone methods return deep
copies so that snapshots handed out by the fleet table never alias the
table's own records.
*/
package types
