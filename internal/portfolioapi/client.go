// Package portfolioapi exposes typed wrappers over the portfolio,
// template, and profile resources. It carries no session logic of its
// own; every call goes through the authenticated request dispatcher.
package portfolioapi

import (
	"context"
	"fmt"
	"net/http"

	"github.com/tyemirov/portfolioctl/internal/sessionkit"
)

// Portfolio is one portfolio site owned by the authenticated user.
type Portfolio struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	Slug        string `json:"slug"`
	Description string `json:"description"`
	TemplateID  int64  `json:"template_id"`
	Published   bool   `json:"published"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

// Template is one entry of the public template gallery.
type Template struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Category   string `json:"category"`
	PreviewURL string `json:"preview_url"`
	Premium    bool   `json:"premium"`
}

// CreatePortfolioInput is the payload for creating a portfolio.
type CreatePortfolioInput struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	TemplateID  int64  `json:"template_id"`
}

// Client calls the portfolio resources through the dispatcher.
type Client struct {
	dispatcher *sessionkit.Dispatcher
}

// NewClient wraps the dispatcher.
func NewClient(dispatcher *sessionkit.Dispatcher) *Client {
	return &Client{dispatcher: dispatcher}
}

// ListPortfolios returns the authenticated user's portfolios.
func (client *Client) ListPortfolios(ctx context.Context) ([]Portfolio, error) {
	response, requestErr := client.dispatcher.Do(ctx, sessionkit.RequestDescriptor{
		Endpoint:     "/portfolios",
		Method:       http.MethodGet,
		RequiresAuth: true,
	})
	if requestErr != nil {
		return nil, requestErr
	}
	var portfolios []Portfolio
	if decodeErr := response.DecodeJSON(&portfolios); decodeErr != nil {
		return nil, fmt.Errorf("portfolio_api.list: %w", decodeErr)
	}
	return portfolios, nil
}

// GetPortfolio returns one portfolio by identifier.
func (client *Client) GetPortfolio(ctx context.Context, portfolioID int64) (Portfolio, error) {
	response, requestErr := client.dispatcher.Do(ctx, sessionkit.RequestDescriptor{
		Endpoint:     fmt.Sprintf("/portfolios/%d", portfolioID),
		Method:       http.MethodGet,
		RequiresAuth: true,
	})
	if requestErr != nil {
		return Portfolio{}, requestErr
	}
	var portfolio Portfolio
	if decodeErr := response.DecodeJSON(&portfolio); decodeErr != nil {
		return Portfolio{}, fmt.Errorf("portfolio_api.get: %w", decodeErr)
	}
	return portfolio, nil
}

// CreatePortfolio creates a portfolio and returns the stored entity.
func (client *Client) CreatePortfolio(ctx context.Context, input CreatePortfolioInput) (Portfolio, error) {
	response, requestErr := client.dispatcher.Do(ctx, sessionkit.RequestDescriptor{
		Endpoint:     "/portfolios",
		Method:       http.MethodPost,
		Body:         input,
		RequiresAuth: true,
	})
	if requestErr != nil {
		return Portfolio{}, requestErr
	}
	var portfolio Portfolio
	if decodeErr := response.DecodeJSON(&portfolio); decodeErr != nil {
		return Portfolio{}, fmt.Errorf("portfolio_api.create: %w", decodeErr)
	}
	return portfolio, nil
}

// DeletePortfolio removes a portfolio.
func (client *Client) DeletePortfolio(ctx context.Context, portfolioID int64) error {
	_, requestErr := client.dispatcher.Do(ctx, sessionkit.RequestDescriptor{
		Endpoint:     fmt.Sprintf("/portfolios/%d", portfolioID),
		Method:       http.MethodDelete,
		RequiresAuth: true,
	})
	return requestErr
}

// ListTemplates returns the public template gallery.
func (client *Client) ListTemplates(ctx context.Context) ([]Template, error) {
	response, requestErr := client.dispatcher.Do(ctx, sessionkit.RequestDescriptor{
		Endpoint: "/templates",
		Method:   http.MethodGet,
	})
	if requestErr != nil {
		return nil, requestErr
	}
	var templates []Template
	if decodeErr := response.DecodeJSON(&templates); decodeErr != nil {
		return nil, fmt.Errorf("portfolio_api.templates: %w", decodeErr)
	}
	return templates, nil
}
