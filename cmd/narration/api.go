package main

import (
	"github.com/tanoshi/narration/internal/api"
	"github.com/tanoshi/narration/internal/server/endpoints"
)

// clientEndpoints builds the endpoint registry without a server, for the
// client command tree.
func clientEndpoints() *api.Registry {
	reg := api.NewRegistry()
	for _, ep := range endpoints.All(endpoints.Config{}) {
		reg.Register(ep)
	}
	return reg
}

func init() {
	rootCmd.AddCommand(clientEndpoints().BuildCommands(getServerURL))

	// The stream printer is also available at the top level.
	rootCmd.AddCommand((&endpoints.EventsEndpoint{}).Command(getServerURL))
}
