package types

import (
	"fmt"

	"github.com/google/uuid"
)

// Protocol is the listener protocol of a vhost.
type Protocol string

const (
	ProtocolHTTP  Protocol = "http"
	ProtocolHTTPS Protocol = "https"
	ProtocolTCP   Protocol = "tcp"
	ProtocolUDP   Protocol = "udp"
)

// IsL4 reports whether the protocol is a raw transport protocol.
func (p Protocol) IsL4() bool {
	return p == ProtocolTCP || p == ProtocolUDP
}

// protocolConflicts lists, per protocol, the other protocols that cannot
// share a port on the same load balancer. Identical protocols always
// conflict; http and https can coexist with udp but not with each other.
var protocolConflicts = map[Protocol][]Protocol{
	ProtocolHTTP:  {ProtocolHTTPS, ProtocolTCP},
	ProtocolHTTPS: {ProtocolHTTP, ProtocolTCP},
	ProtocolTCP:   {ProtocolHTTP, ProtocolHTTPS, ProtocolTCP},
	ProtocolUDP:   {ProtocolUDP},
}

// ConflictsWith reports whether two vhosts with these protocols may not
// coexist on the same (load balancer, port) pair.
func (p Protocol) ConflictsWith(other Protocol) bool {
	if p == other {
		return true
	}
	for _, c := range protocolConflicts[p] {
		if c == other {
			return true
		}
	}
	return false
}

// LoadBalancer is the root of the containment tree
// LoadBalancer -> Vhost -> Route -> BackendPool.
type LoadBalancer struct {
	Meta
	IPsV4 []string `json:"ipsv4,omitempty" gorm:"serializer:json"`
}

// TableName overrides the gorm default pluralization.
func (LoadBalancer) TableName() string { return "load_balancers" }

// Vhost is a listener on a load balancer. The (protocol, port) pair must not
// conflict with any other vhost of the same load balancer.
type Vhost struct {
	Meta
	LBUUID   uuid.UUID `json:"lb" gorm:"type:text;index" validate:"required"`
	Protocol Protocol  `json:"protocol" gorm:"size:8" validate:"required,oneof=http https tcp udp"`
	Port     int       `json:"port" validate:"required,min=1,max=65535"`
	Domains  []string  `json:"domains,omitempty" gorm:"serializer:json"`
	Enabled  bool      `json:"enabled"`
}

// TableName overrides the gorm default pluralization.
func (Vhost) TableName() string { return "vhosts" }

// RouteConditionKind discriminates route condition union members.
type RouteConditionKind string

const (
	RoutePrefix RouteConditionKind = "prefix"
	RouteExact  RouteConditionKind = "exact"
	RouteRegex  RouteConditionKind = "regex"
	RouteRaw    RouteConditionKind = "raw"
)

// RouteCondition decides which traffic a route captures. The union is tagged
// by Kind; http matchers carry a path expression, raw captures the whole
// stream.
type RouteCondition struct {
	Kind RouteConditionKind `json:"kind" validate:"required,oneof=prefix exact regex raw"`
	Path string             `json:"path,omitempty"`
}

// Validate checks union consistency against the vhost protocol: raw is legal
// iff the protocol is L4, and L4 protocols admit only raw.
func (c RouteCondition) Validate(protocol Protocol) error {
	switch c.Kind {
	case RouteRaw:
		if !protocol.IsL4() {
			return fmt.Errorf("raw routes require a tcp or udp vhost")
		}
	case RoutePrefix, RouteExact, RouteRegex:
		if protocol.IsL4() {
			return fmt.Errorf("%s vhosts admit only raw routes", protocol)
		}
		if c.Path == "" {
			return fmt.Errorf("%s condition requires a path", c.Kind)
		}
	default:
		return fmt.Errorf("unknown route condition kind %q", c.Kind)
	}
	return nil
}

// Route forwards captured vhost traffic to a backend pool.
type Route struct {
	Meta
	VhostUUID uuid.UUID      `json:"vhost" gorm:"type:text;index" validate:"required"`
	Condition RouteCondition `json:"condition" gorm:"serializer:json"`
	PoolUUID  uuid.UUID      `json:"pool" gorm:"type:text;index" validate:"required"`
}

// TableName overrides the gorm default pluralization.
func (Route) TableName() string { return "routes" }

// BalanceType selects the pool balancing algorithm.
type BalanceType string

const (
	BalanceRoundRobin BalanceType = "round_robin"
	BalanceLeastConn  BalanceType = "least_conn"
)

// Endpoint is one pool member.
type Endpoint struct {
	Host   string `json:"host" validate:"required"`
	Port   int    `json:"port" validate:"required,min=1,max=65535"`
	Weight int    `json:"weight" validate:"min=0,max=256"`
}

// BackendPool is a weighted set of upstream endpoints.
type BackendPool struct {
	Meta
	LBUUID    uuid.UUID   `json:"lb" gorm:"type:text;index" validate:"required"`
	Balance   BalanceType `json:"balance" gorm:"size:32" validate:"omitempty,oneof=round_robin least_conn"`
	Endpoints []Endpoint  `json:"endpoints" gorm:"serializer:json"`
}

// TableName overrides the gorm default pluralization.
func (BackendPool) TableName() string { return "backend_pools" }
