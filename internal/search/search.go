package search

// Result is a single search hit returned to the caller.
type Result struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Snippet   string `json:"snippet"`
	ProjectID string `json:"projectId"`
	OwnerID   string `json:"ownerId"`
}

// Query describes a search request. OwnerID scopes results to the caller's
// diagrams and is always set by the HTTP layer.
type Query struct {
	Text            string
	OwnerID         string
	FilterProjectID string
	Limit           int
	Offset          int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search over diagrams.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// DiagramRecord is the data we index for one diagram.
type DiagramRecord struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Code      string `json:"code"`
	ProjectID string `json:"projectId"`
	OwnerID   string `json:"ownerId"`
}
