// Package iam implements the authorization kernel: deny-by-default permission
// evaluation over the RoleBinding -> PermissionBinding -> Permission chain,
// executed inside the transaction of the mutation it guards. A stored
// permission matches a required dotted triple service.resource.action when
// each segment is equal or the literal wildcard *; the reserved *.*.* grants
// unconditionally. Sub-second memoization is allowed inside the trust
// boundary only because every role or permission write flushes it.
//
// The package also carries the bootstrap seed (default roles and permissions,
// the admin user holding *.*.*) and opaque bearer token issuance for the
// password grant.
package iam
