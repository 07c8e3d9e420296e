package newsapi

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"unicode"
)

const maxQueryLength = 512

var endpoints = map[string]bool{
	"latest":  true,
	"news":    true,
	"archive": true,
	"crypto":  true,
	"sources": true,
}

// Query describes one upstream article search.
type Query struct {
	Endpoint string // Defaults to "latest"
	Q        string
	Category string
	Country  string
	Language string
	Page     string // Opaque nextPage token from a previous page
}

// Validate rejects queries the upstream would refuse anyway.
func (q Query) Validate() error {
	if q.Endpoint != "" && !endpoints[q.Endpoint] {
		return fmt.Errorf("%w: unknown endpoint %q", ErrInvalidQuery, q.Endpoint)
	}
	if len(q.Q) > maxQueryLength {
		return fmt.Errorf("%w: q longer than %d characters", ErrInvalidQuery, maxQueryLength)
	}
	for name, v := range map[string]string{"category": q.Category, "country": q.Country, "language": q.Language} {
		if !isCodeList(v) {
			return fmt.Errorf("%w: %s must be a comma separated list of codes", ErrInvalidQuery, name)
		}
	}
	return nil
}

// Target builds the upstream URL for q, without an API key. Parameters are
// sorted so equal queries produce equal targets.
func (q Query) Target(baseURL string) (string, error) {
	endpoint := q.Endpoint
	if endpoint == "" {
		endpoint = "latest"
	}

	u, err := url.Parse(strings.TrimRight(baseURL, "/") + "/" + endpoint)
	if err != nil {
		return "", fmt.Errorf("newsapi: parse base url: %w", err)
	}

	values := url.Values{}
	for name, v := range map[string]string{
		"q":        q.Q,
		"category": q.Category,
		"country":  q.Country,
		"language": q.Language,
		"page":     q.Page,
	} {
		if v != "" {
			values.Set(name, v)
		}
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

func isCodeList(s string) bool {
	for _, r := range s {
		if r != ',' && r != '_' && r != '-' && !unicode.IsLetter(r) {
			return false
		}
	}
	return true
}

// Article is one upstream search result.
type Article struct {
	ID          string   `json:"article_id"`
	Title       string   `json:"title"`
	Link        string   `json:"link"`
	Description string   `json:"description,omitempty"`
	ImageURL    string   `json:"image_url,omitempty"`
	PubDate     string   `json:"pubDate,omitempty"`
	Creator     []string `json:"creator,omitempty"`
	SourceName  string   `json:"source_name,omitempty"`
	SourceURL   string   `json:"source_url,omitempty"`
	SourceIcon  string   `json:"source_icon,omitempty"`
	Category    []string `json:"category,omitempty"`
	Country     []string `json:"country,omitempty"`
	Language    string   `json:"language,omitempty"`
}

// NormalizedArticle is an Article with list fields flattened for clients.
type NormalizedArticle struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Link        string `json:"link"`
	Description string `json:"description,omitempty"`
	ImageURL    string `json:"image_url,omitempty"`
	PublishedAt string `json:"publishedAt,omitempty"`
	Author      string `json:"author,omitempty"`
	SourceName  string `json:"source_name,omitempty"`
	SourceURL   string `json:"source_url,omitempty"`
	SourceIcon  string `json:"source_icon,omitempty"`
	Category    string `json:"category,omitempty"`
	Country     string `json:"country,omitempty"`
}

// Normalize joins creator, category and country lists with ", ".
func (a Article) Normalize() NormalizedArticle {
	return NormalizedArticle{
		ID:          a.ID,
		Title:       a.Title,
		Link:        a.Link,
		Description: a.Description,
		ImageURL:    a.ImageURL,
		PublishedAt: a.PubDate,
		Author:      strings.Join(a.Creator, ", "),
		SourceName:  a.SourceName,
		SourceURL:   a.SourceURL,
		SourceIcon:  a.SourceIcon,
		Category:    strings.Join(a.Category, ", "),
		Country:     strings.Join(a.Country, ", "),
	}
}

// StatusSuccess is the status of a complete upstream page.
const StatusSuccess = "success"

// ArticlesPage is one decoded page of results.
type ArticlesPage struct {
	Status       string
	TotalResults int
	Articles     []Article
	NextPage     string
}

type articlesEnvelope struct {
	Status       string          `json:"status"`
	TotalResults int             `json:"totalResults"`
	Results      json.RawMessage `json:"results"`
	NextPage     json.RawMessage `json:"nextPage"`
}

type upstreamErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DecodeArticles decodes an upstream response body. A body with status
// "error" yields *UpstreamError.
func DecodeArticles(body []byte) (ArticlesPage, error) {
	var env articlesEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return ArticlesPage{}, fmt.Errorf("newsapi: decode response: %w", err)
	}

	if env.Status == "error" {
		var ue upstreamErrorBody
		_ = json.Unmarshal(env.Results, &ue)
		return ArticlesPage{}, &UpstreamError{Code: ue.Code, Message: ue.Message}
	}

	page := ArticlesPage{Status: env.Status, TotalResults: env.TotalResults}
	if len(env.Results) > 0 && string(env.Results) != "null" {
		if err := json.Unmarshal(env.Results, &page.Articles); err != nil {
			return ArticlesPage{}, fmt.Errorf("newsapi: decode results: %w", err)
		}
	}

	// nextPage is a string token, occasionally a number, or null.
	if len(env.NextPage) > 0 && string(env.NextPage) != "null" {
		var token string
		if err := json.Unmarshal(env.NextPage, &token); err != nil {
			token = string(env.NextPage)
		}
		page.NextPage = token
	}
	return page, nil
}
