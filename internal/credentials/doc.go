// Package credentials caches the device and user tokens obtained during
// bootstrap so later runs can skip registration and login. Backends keep the
// in-memory, YAML file and Redis variants behind one Store interface.
package credentials
