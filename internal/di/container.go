// Package di wires the daemon's components together. Getters build their
// dependency lazily and memoize it, so only the components a command
// actually uses are constructed.
package di

import (
	"context"

	"google.golang.org/grpc"

	"github.com/mycnet/ramrepl/engine"
	"github.com/mycnet/ramrepl/hypervisor"
	"github.com/mycnet/ramrepl/replica"
	"github.com/mycnet/ramrepl/transfer"
	"github.com/mycnet/ramrepl/utils"
)

// maxPageStreamMsgSize bounds a single chunk frame on the wire. Chunks are
// split well below this by the scheduler's share targets.
const maxPageStreamMsgSize = 64 * 1024 * 1024

type Container struct {
	cfg *utils.Config

	grpcServerOptions []grpc.ServerOption
	store             *replica.MemoryStore
	pageStreamServer  *transfer.GRPCPageStreamServer
	engineInstance    *engine.Engine

	src   hypervisor.DirtyPageSource
	vmctl hypervisor.VMControl
	orch  hypervisor.Orchestrator
}

func NewContainer(cfg *utils.Config) *Container {
	return &Container{cfg: cfg}
}

// RegisterHypervisor provides the runtime collaborators the engine drives.
// Must be called before GetEngine on hosts that replicate local VMs; backup
// only daemons never call it.
func (c *Container) RegisterHypervisor(src hypervisor.DirtyPageSource, vmctl hypervisor.VMControl,
	orch hypervisor.Orchestrator,
) {
	c.src = src
	c.vmctl = vmctl
	c.orch = orch
}

func (c *Container) GetConfig() *utils.Config {
	return c.cfg
}

func (c *Container) GetGRPCServerOptions() []grpc.ServerOption {
	if c.grpcServerOptions != nil {
		return c.grpcServerOptions
	}
	c.grpcServerOptions = []grpc.ServerOption{
		grpc.MaxRecvMsgSize(maxPageStreamMsgSize),
		grpc.MaxSendMsgSize(maxPageStreamMsgSize),
	}
	return c.grpcServerOptions
}

// GetReplicaStore returns the backing memory image store for VMs this node
// backs up.
func (c *Container) GetReplicaStore() *replica.MemoryStore {
	if c.store != nil {
		return c.store
	}
	c.store = replica.NewMemoryStore()
	return c.store
}

// GetPageStreamServer starts (once) the gRPC server that receives replicated
// pages from primaries.
func (c *Container) GetPageStreamServer() (*transfer.GRPCPageStreamServer, error) {
	if c.pageStreamServer != nil {
		return c.pageStreamServer, nil
	}
	srv, err := transfer.NewGRPCPageStreamServer(
		c.cfg.ListenHost, c.GetReplicaStore(), c.GetGRPCServerOptions()...)
	if err != nil {
		return nil, err
	}
	c.pageStreamServer = srv
	return srv, nil
}

// GetEngine returns the replication engine for locally running VMs, or nil
// when no hypervisor collaborators were registered.
func (c *Container) GetEngine() *engine.Engine {
	if c.engineInstance != nil {
		return c.engineInstance
	}
	if c.src == nil || c.vmctl == nil || c.orch == nil {
		return nil
	}
	c.engineInstance = engine.New(c.cfg.Replication, c.src, c.vmctl, c.orch, c.GetDialer())
	return c.engineInstance
}

// GetDialer opens page stream transports to backup nodes.
func (c *Container) GetDialer() engine.Dialer {
	return func(ctx context.Context, nodeID, host string) (transfer.Transport, error) {
		return transfer.DialPageStream(ctx, nodeID, host)
	}
}
