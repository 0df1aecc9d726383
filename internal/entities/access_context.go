package entities

// AccessContext carries the caller identity for one operation. It is passed
// explicitly on every service call rather than held in ambient state, and it
// is the sole basis for tenant isolation.
type AccessContext struct {
	TenantID  string // Namespace the caller operates in
	ActorID   string // Principal performing the operation, recorded in audit events
	RequestID string // Correlation ID propagated into logs and audit events
	Platform  bool   // Platform operators may touch any namespace, including "global"
}

// Validate checks if the access context is well formed
func (ac *AccessContext) Validate() error {
	if ac.Platform && ac.TenantID == "" {
		return nil
	}
	if err := ValidateNamespace(ac.TenantID); err != nil {
		return err
	}
	if ac.TenantID == NamespaceGlobal && !ac.Platform {
		return &AccessDeniedError{Namespace: NamespaceGlobal, Reason: "reserved for platform operators"}
	}
	return nil
}

// Authorize reports whether the caller may operate on the given namespace.
// Tenants are confined to their own namespace; platform callers may reach
// any namespace.
func (ac *AccessContext) Authorize(namespace string) error {
	if err := ValidateNamespace(namespace); err != nil {
		return err
	}
	if ac.Platform {
		return nil
	}
	if namespace == NamespaceGlobal {
		return &AccessDeniedError{Namespace: namespace, Reason: "reserved for platform operators"}
	}
	if namespace != ac.TenantID {
		return &AccessDeniedError{Namespace: namespace, Reason: "caller is scoped to namespace " + ac.TenantID}
	}
	return nil
}
