package tool

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/blevesearch/bleve"
	"github.com/chubes4/data-machine/internal/flow"
)

// LocalSearchName is the built-in tool that searches the packets the current
// job has gathered so far.
const LocalSearchName = "local_search"

const (
	defaultSearchLimit = 5
	maxSearchLimit     = 20
	snippetChars       = 280
)

type packetDoc struct {
	Title   string `json:"title"`
	Body    string `json:"body"`
	Type    string `json:"type"`
	Handler string `json:"handler"`
}

// SearchHit is one packet matched by local_search.
type SearchHit struct {
	Index     int     `json:"index"`
	Type      string  `json:"type"`
	Title     string  `json:"title"`
	Snippet   string  `json:"snippet"`
	SourceURL string  `json:"source_url,omitempty"`
	Score     float64 `json:"score"`
}

// LocalSearch returns the local_search definition. Each call indexes the
// job's packets in memory and runs a query string search over title and body.
func LocalSearch() Definition {
	return Definition{
		Name:        LocalSearchName,
		Description: "Full-text search over the items and drafts gathered earlier in this job.",
		Kind:        KindUtility,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"minLength":   1,
					"description": "Search terms. Supports +required, -excluded and field:term syntax.",
				},
				"limit": map[string]any{
					"type":    "integer",
					"minimum": 1,
					"maximum": maxSearchLimit,
				},
			},
			"required": []any{"query"},
		},
		Handler: func(ctx context.Context, params Params) (any, error) {
			query := strings.TrimSpace(params.String("query"))
			if query == "" {
				return nil, fmt.Errorf("%w: query is required", ErrInvalidArgs)
			}
			packets, _ := params["data"].(flow.Packets)
			hits, err := SearchPackets(ctx, packets, query, searchLimit(params["limit"]))
			if err != nil {
				return nil, err
			}
			return map[string]any{"query": query, "hits": hits}, nil
		},
	}
}

func searchLimit(v any) int {
	n := defaultSearchLimit
	switch t := v.(type) {
	case int:
		n = t
	case int64:
		n = int(t)
	case float64:
		n = int(t)
	}
	if n < 1 {
		return defaultSearchLimit
	}
	if n > maxSearchLimit {
		return maxSearchLimit
	}
	return n
}

// SearchPackets ranks packets against query and returns at most limit hits,
// best first.
func SearchPackets(ctx context.Context, packets flow.Packets, query string, limit int) ([]SearchHit, error) {
	if len(packets) == 0 {
		return []SearchHit{}, nil
	}
	index, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("open search index: %w", err)
	}
	defer index.Close()

	batch := index.NewBatch()
	for i, p := range packets {
		doc := packetDoc{Title: p.Content.Title, Body: p.Content.Body, Type: p.Type, Handler: p.Handler}
		if err := batch.Index(strconv.Itoa(i), doc); err != nil {
			return nil, fmt.Errorf("index packet %d: %w", i, err)
		}
	}
	if err := index.Batch(batch); err != nil {
		return nil, fmt.Errorf("index packets: %w", err)
	}

	req := bleve.NewSearchRequestOptions(bleve.NewQueryStringQuery(query), limit, 0, false)
	res, err := index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: search %q: %v", ErrInvalidArgs, query, err)
	}
	hits := make([]SearchHit, 0, len(res.Hits))
	for _, h := range res.Hits {
		i, err := strconv.Atoi(h.ID)
		if err != nil || i < 0 || i >= len(packets) {
			continue
		}
		p := packets[i]
		hits = append(hits, SearchHit{
			Index:     i,
			Type:      p.Type,
			Title:     p.Content.Title,
			Snippet:   snippet(p.Content.Body),
			SourceURL: p.SourceURL(),
			Score:     h.Score,
		})
	}
	return hits, nil
}

func snippet(body string) string {
	body = strings.Join(strings.Fields(body), " ")
	r := []rune(body)
	if len(r) <= snippetChars {
		return body
	}
	return string(r[:snippetChars]) + "…"
}
