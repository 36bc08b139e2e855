package registry

import "errors"

// ErrSubdomainTaken is returned by Register when the requested subdomain is
// already bound to a live tunnel.
var ErrSubdomainTaken = errors.New("subdomain already in use")
