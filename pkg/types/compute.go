package types

import (
	"fmt"

	"github.com/google/uuid"
)

// NodeType distinguishes virtual machines from bare-metal hosts.
type NodeType string

const (
	NodeTypeVM NodeType = "VM"
	NodeTypeHW NodeType = "HW"
)

// PoolDriver identifies the hypervisor backend of a machine pool. The kind
// is immutable after pool creation.
type PoolDriver string

const (
	PoolDriverDummy   PoolDriver = "dummy"
	PoolDriverLibvirt PoolDriver = "libvirt"
)

// NodeSpec is the reconcile payload of a compute node target. It carries
// everything the compute driver needs to materialize a machine.
type NodeSpec struct {
	Name     string     `json:"name" validate:"required,max=255"`
	Cores    int        `json:"cores" validate:"required,min=1,max=4096"`
	RAM      int64      `json:"ram" validate:"required,min=1"`
	DiskSize int64      `json:"disk_size" validate:"min=0"`
	Image    string     `json:"image" validate:"required,max=255"`
	NodeType NodeType   `json:"node_type" validate:"required,oneof=VM HW"`
	Pool     *uuid.UUID `json:"pool,omitempty"`
	Set      *uuid.UUID `json:"node_set,omitempty"`
}

// Node is a managed host. Nodes live in the target plane under
// KindComputeNode; the flat API view merges the envelope and the spec.
type Node struct {
	Meta
	NodeSpec
}

// ToTarget projects the node into a target-plane row.
func (n *Node) ToTarget() (*TargetResource, error) {
	t, err := NewTarget(n.UUID, KindComputeNode, n.ProjectID, n.NodeSpec)
	if err != nil {
		return nil, err
	}
	if n.Set != nil {
		t.ParentUUID = n.Set
	}
	return t, nil
}

// NodeFromResource decodes a wire envelope into the flat node view.
func NodeFromResource(res Resource) (*Node, error) {
	var spec NodeSpec
	if err := res.DecodeSpec(&spec); err != nil {
		return nil, fmt.Errorf("decode node spec: %w", err)
	}
	return &Node{
		Meta: Meta{
			UUID:              res.UUID,
			Name:              spec.Name,
			ProjectID:         res.ProjectID,
			Status:            res.Status,
			StatusDescription: res.StatusDescription,
			Version:           res.Version,
		},
		NodeSpec: spec,
	}, nil
}

// MachinePool is an allocatable group of machines behind a hypervisor
// driver. Pools own zero or more nodes.
type MachinePool struct {
	Meta
	Driver      PoolDriver `json:"driver" gorm:"size:32" validate:"required,oneof=dummy libvirt"`
	MachineType NodeType   `json:"machine_type" gorm:"size:8" validate:"required,oneof=VM HW"`
	AgentUUID   *uuid.UUID `json:"agent,omitempty" gorm:"type:text;index"`
	AllCores    int        `json:"all_cores"`
	AllRAM      int64      `json:"all_ram"`
	AvailCores  int        `json:"avail_cores"`
	AvailRAM    int64      `json:"avail_ram"`
}

// TableName overrides the gorm default pluralization.
func (MachinePool) TableName() string { return "machine_pools" }

// NodeSet declares a group of identically-shaped nodes. The orchestrator
// fans a set out into Replicas node targets with deterministic identifiers.
type NodeSet struct {
	Meta
	Replicas int        `json:"replicas" validate:"required,min=1,max=1024"`
	Cores    int        `json:"cores" validate:"required,min=1,max=4096"`
	RAM      int64      `json:"ram" validate:"required,min=1"`
	DiskSize int64      `json:"disk_size" validate:"min=0"`
	Image    string     `json:"image" gorm:"size:255" validate:"required,max=255"`
	NodeType NodeType   `json:"node_type" gorm:"size:8" validate:"required,oneof=VM HW"`
	Pool     *uuid.UUID `json:"pool,omitempty" gorm:"type:text"`
}

// TableName overrides the gorm default pluralization.
func (NodeSet) TableName() string { return "node_sets" }

// MemberUUID returns the deterministic uuid of the i-th node of the set.
// Re-running fan-out therefore converges instead of duplicating nodes.
func (s *NodeSet) MemberUUID(i int) uuid.UUID {
	return uuid.NewSHA1(s.UUID, []byte(fmt.Sprintf("node-%d", i)))
}

// MemberSpec returns the node spec of the i-th member.
func (s *NodeSet) MemberSpec(i int) NodeSpec {
	set := s.UUID
	return NodeSpec{
		Name:     fmt.Sprintf("%s-%d", s.Name, i),
		Cores:    s.Cores,
		RAM:      s.RAM,
		DiskSize: s.DiskSize,
		Image:    s.Image,
		NodeType: s.NodeType,
		Pool:     s.Pool,
		Set:      &set,
	}
}

// NetworkDriver identifies the topology backend of a network.
type NetworkDriver string

const (
	NetworkDriverBridge NetworkDriver = "bridge"
	NetworkDriverDummy  NetworkDriver = "dummy"
)

// Network is a flat L2 topology that subnets attach to.
type Network struct {
	Meta
	Driver NetworkDriver `json:"driver" gorm:"size:32" validate:"required,oneof=bridge dummy"`
}

// TableName overrides the gorm default pluralization.
func (Network) TableName() string { return "networks" }

// Subnet carves an address range out of a network. The CIDR is immutable
// after creation and IP leases within it are exclusive.
type Subnet struct {
	Meta
	NetworkUUID uuid.UUID `json:"network" gorm:"type:text;index" validate:"required"`
	CIDR        string    `json:"cidr" gorm:"size:64" validate:"required,cidr"`
	Gateway     string    `json:"gateway,omitempty" gorm:"size:64" validate:"omitempty,ip"`
}

// TableName overrides the gorm default pluralization.
func (Subnet) TableName() string { return "subnets" }

// Interface attaches a node to a subnet with an exclusive IP lease.
type Interface struct {
	Meta
	NodeUUID   uuid.UUID `json:"node" gorm:"type:text;index" validate:"required"`
	SubnetUUID uuid.UUID `json:"subnet" gorm:"type:text;index:idx_ifaces_subnet_ip,unique" validate:"required"`
	IPAddress  string    `json:"ip_address,omitempty" gorm:"size:64;index:idx_ifaces_subnet_ip,unique"`
	MAC        string    `json:"mac,omitempty" gorm:"size:32"`
}

// TableName overrides the gorm default pluralization.
func (Interface) TableName() string { return "interfaces" }
