package tui

import "context"

// newCmdContext gives each bubbletea command its own background context;
// the viewer has no cancellation surface of its own to thread through.
func newCmdContext() context.Context {
	return context.Background()
}
