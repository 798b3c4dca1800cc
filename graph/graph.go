// Package graph defines the knowledge-graph collaborator port. The platform
// only queries it; the graph service itself lives elsewhere.
package graph

import "context"

type (
	// Result is one knowledge-graph search hit.
	Result struct {
		// ID identifies the graph node.
		ID string
		// Content is the matched text.
		Content string
		// Score is the relevance score, higher is better.
		Score float64
		// Metadata carries node attributes.
		Metadata map[string]string
	}

	// Service searches the knowledge graph.
	Service interface {
		// Search returns up to limit results for the query, ranked by
		// relevance.
		Search(ctx context.Context, tenantID, projectID, query string, limit int) ([]Result, error)
	}
)
