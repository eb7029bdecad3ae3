package search

// Result is a single marketplace posting hit returned to the caller.
type Result struct {
	ID           string  `json:"id"`
	Number       string  `json:"number"`
	Title        string  `json:"title"`
	Snippet      string  `json:"snippet"`
	DepartmentID string  `json:"departmentId"`
	Priority     string  `json:"priority"`
	Score        float64 `json:"score,omitempty"`
}

// Query describes a marketplace search request. Only public postings that are
// still open for proposals are searchable, so there is no visibility knob.
type Query struct {
	Text         string
	DepartmentID string // empty = all departments
	Priority     string // empty = all priorities
	Limit        int
	Offset       int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search over open postings.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push postings into a search index.
type Indexer interface {
	IndexPosting(p PostingRecord) error
	DeletePosting(id string) error
}

// PostingRecord is the data we index for a public marketplace posting.
type PostingRecord struct {
	ID           string `json:"id"`
	Number       string `json:"number"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	DepartmentID string `json:"departmentId"`
	Priority     string `json:"priority"`
	Status       string `json:"status"`
}
