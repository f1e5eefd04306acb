package sessionkit

// Remote endpoints of the account service consumed by this subsystem.
const (
	EndpointLogin   = "/auth/login"
	EndpointRefresh = "/auth/refresh"
	EndpointVerify  = "/auth/verify"
	EndpointLogout  = "/auth/logout"
	EndpointProfile = "/auth/profile"
)
