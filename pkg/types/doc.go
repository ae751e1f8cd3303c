// Package types defines the Genesis Core resource model.
//
// # Envelope
//
// Every persistent entity embeds Meta: a client-suppliable uuid, a project
// scope, a strictly monotone version counter and a lifecycle status from the
// closed set NEW, IN_PROGRESS, ACTIVE, ERROR, DELETING. Entities are created
// NEW, claimed into IN_PROGRESS by the orchestrator, converge to ACTIVE when
// the agent-observed actual matches the target, and move to ERROR with a
// recorded reason on permanent driver failure. DELETING is terminal and ends
// in physical removal once dependents are gone.
//
// # Planes
//
// Reconcilable kinds (compute nodes, service nodes, configs, passwords,
// certificates) live as paired rows: a TargetResource (desired state) and an
// ActualResource (last agent observation) linked 1:1 by uuid. Both sides of
// the agent wire contract speak the Resource envelope
//
//	{uuid, kind, project_id, version, status, spec, observed_at}
//
// with the typed payloads (NodeSpec, ServiceNodeSpec, ConfigSpec,
// PasswordSpec, CertificateSpec) carried in spec as canonical JSON. Content
// comparison uses FullHash, an order-insensitive hash of the decoded spec.
//
// Relational entities (machine pools, node sets, networks, subnets,
// interfaces, services, the load balancer tree and the IAM set) are plain
// tables; the orchestrator projects them into target rows where an agent has
// to act (NodeSet -> nodes, Service -> service nodes).
//
// # Tagged unions
//
// Hook, DeployTarget, RouteCondition, ConfigBody and OnChange are tagged
// unions discriminated by a kind field, mirroring the wire format. Each
// carries a Validate method enforcing union consistency; the API layer maps
// violations to validation errors.
package types
