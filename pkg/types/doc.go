// Package types defines the core shuttle entities shared by the master,
// workers and clients: shuffle identities, worker details, server groups,
// shuffle handles and the typed error kinds.
package types
