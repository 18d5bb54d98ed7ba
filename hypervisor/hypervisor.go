// Package hypervisor defines the collaborator boundaries of the replication
// engine. The engine never talks to a VM runtime or an orchestrator
// directly; it consumes these interfaces, which are implemented elsewhere
// (e.g. by a kubevirt adapter in production and by fakes in tests).
package hypervisor

import (
	"context"

	"github.com/mycnet/ramrepl/page"
)

// DirtyPageSource supplies the memory pages a VM dirtied since the last
// poll. Pages are returned in ascending generation order.
type DirtyPageSource interface {
	DirtyPages(ctx context.Context, vmID string) ([]*page.MemoryPage, error)
}

// VMControl executes workload control commands against the VM runtime.
type VMControl interface {
	// Throttle applies a CPU/IO slowdown to the VM. Intensity 0 removes
	// all throttling; 1 is a full stop.
	Throttle(ctx context.Context, vmID string, intensity float64) error

	// Suspend halts VM execution without capturing state. Used for the
	// emergency pause when the replication buffer fills.
	Suspend(ctx context.Context, vmID string) error

	// Resume restarts VM execution. An empty nodeID resumes in place;
	// otherwise the VM is started on the named node's backing memory image.
	Resume(ctx context.Context, vmID, nodeID string) error

	// PauseAndCapture halts the VM and returns the final authoritative
	// memory delta. Used only during the blackout phase of a migration.
	PauseAndCapture(ctx context.Context, vmID string) (*page.FinalStateSnapshot, error)
}

// Orchestrator receives replication health events. Deciding where VMs run
// and provisioning replacement backups is its responsibility, not ours.
type Orchestrator interface {
	// ReplicaDegraded reports a shrunk healthy replica set.
	ReplicaDegraded(vmID string, healthy int)

	// ProvisionReplica requests a replacement backup seeded by a
	// full-state transfer from seedNode.
	ProvisionReplica(vmID, seedNode string)

	// Escalate reports a fatal condition requiring operator intervention,
	// such as a VM left stopped after a failed blackout.
	Escalate(vmID string, err error)
}
