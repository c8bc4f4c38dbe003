// Package mcp exposes Tavern's personas to Model Context Protocol clients.
//
// The server offers four tools over the streamable HTTP transport:
//
//   - list_personas: list or fuzzy-search the stored personas.
//   - talk: run one dialogue turn and return the persona's reply.
//   - history: read the message history of a persona/user pair.
//   - stats: persona and conversation counters.
//
// Every tool call is counted in the tavern.tool.calls metric.
package mcp

import (
	"net/http"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/tavern/internal/dialogue"
	"github.com/MrWong99/tavern/internal/observe"
	"github.com/MrWong99/tavern/internal/personamatch"
	"github.com/MrWong99/tavern/pkg/chatstore"
)

// ServerName is the implementation name announced to clients.
const ServerName = "tavern"

// Deps are the collaborators the tools call into.
type Deps struct {
	Store    chatstore.Store
	Dialogue *dialogue.Service

	// Matcher defaults to [personamatch.New].
	Matcher *personamatch.Matcher

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// DefaultUser is used when a call names no user. Defaults to "mcp".
	DefaultUser string
}

// NewServer builds an MCP server with the persona tools registered.
func NewServer(deps Deps, version string) *mcpsdk.Server {
	if deps.Matcher == nil {
		deps.Matcher = personamatch.New()
	}
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	if deps.DefaultUser == "" {
		deps.DefaultUser = "mcp"
	}
	server := mcpsdk.NewServer(&mcpsdk.Implementation{Name: ServerName, Version: version}, nil)
	(&toolset{deps: deps}).register(server)
	return server
}

// Handler serves server over the streamable HTTP transport. Sessions are
// stateless: every request is self-contained.
func Handler(server *mcpsdk.Server) http.Handler {
	return mcpsdk.NewStreamableHTTPHandler(func(*http.Request) *mcpsdk.Server {
		return server
	}, &mcpsdk.StreamableHTTPOptions{Stateless: true})
}
