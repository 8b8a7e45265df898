// Package containers manages the lifecycle of MCP servers that run inside
// containers owned by the gateway.
//
// The Manager pulls images on demand, creates and starts one container per
// managed-container server descriptor, and hands the container's attached
// standard streams to the session layer as the MCP transport. Every
// container is labelled with the identity of the gateway process that owns
// it, so Shutdown can remove all of them and a later process can sweep
// orphans left behind by a crash.
//
// The container engine is reached through the narrow Runtime interface.
// DockerRuntime implements it on top of the Docker Engine API.
package containers
