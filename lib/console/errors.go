package console

import "errors"

var (
	// ErrGateway is returned for any transport failure, timeout or non-2xx response from Guacamole
	ErrGateway = errors.New("console: gateway error")

	// ErrAuth is returned when Guacamole rejects the admin credentials
	ErrAuth = errors.New("console: authentication failed")
)
