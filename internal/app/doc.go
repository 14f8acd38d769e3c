// Package app bootstraps the bridge: configuration loading, logging
// setup, component wiring, and the serve lifecycle including graceful
// shutdown.
package app
