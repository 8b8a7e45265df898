// Package provider defines the interface the completion engine uses to talk
// to the upstream inference backend. Requests carry chat messages, the tool
// catalog and generation parameters; streaming results arrive as a channel
// of ProviderEvent values so the engine never sees wire protocol details.
package provider
