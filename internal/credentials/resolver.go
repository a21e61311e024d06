// Package credentials decides which identity authenticates a delivery.
package credentials

import (
	"github.com/juju/loggo/v2"

	"github.com/rezonia/xml-sender/internal/model"
)

var logger = loggo.GetLogger("xmlsender.credentials")

// Resolver picks between caller supplied credentials and the default identity
type Resolver struct {
	def model.Credentials
}

// NewResolver creates a resolver that falls back to def.
// The default identity is marked System so it is never displayed.
func NewResolver(def model.Credentials) *Resolver {
	def.System = true
	return &Resolver{def: def}
}

// Default returns the configured default identity
func (r *Resolver) Default() model.Credentials {
	return r.def
}

// Resolve returns the caller credentials when both fields are set, otherwise
// the default identity. It never fails.
func (r *Resolver) Resolve(username, password string) model.Credentials {
	if username != "" && password != "" {
		return model.Credentials{Username: username, Password: password}
	}
	if username != "" || password != "" {
		logger.Warningf("partial credentials supplied (username set: %t), using default identity", username != "")
	}
	return r.def
}
