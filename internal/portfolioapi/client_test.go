package portfolioapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zaptest"

	"github.com/tyemirov/portfolioctl/internal/sessionkit"
)

func newClientUnderTest(t *testing.T, router *gin.Engine) (*Client, func()) {
	t.Helper()
	server := httptest.NewServer(router)

	store := sessionkit.NewMemoryCredentialStore()
	if setErr := store.Set(context.Background(), sessionkit.SlotAccessToken, "a1"); setErr != nil {
		t.Fatalf("seeding access credential failed: %v", setErr)
	}
	logger := zaptest.NewLogger(t)
	coordinator := sessionkit.NewRefreshCoordinator(server.URL, http.DefaultClient, store, logger, nil)
	dispatcher := sessionkit.NewDispatcher(server.URL, http.DefaultClient, store, coordinator, sessionkit.NewBroadcaster(), logger, nil)
	return NewClient(dispatcher), server.Close
}

func requireBearer(contextGin *gin.Context) {
	if contextGin.GetHeader("Authorization") != "Bearer a1" {
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "missing credential"})
	}
}

func TestListPortfoliosSendsCredential(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.GET("/portfolios", requireBearer, func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, []gin.H{
			{"id": 1, "title": "Design Portfolio", "slug": "design-portfolio", "template_id": 3, "published": true},
		})
	})
	client, closeServer := newClientUnderTest(t, router)
	defer closeServer()

	portfolios, listErr := client.ListPortfolios(context.Background())
	if listErr != nil {
		t.Fatalf("list failed: %v", listErr)
	}
	if len(portfolios) != 1 || portfolios[0].Title != "Design Portfolio" || !portfolios[0].Published {
		t.Fatalf("unexpected portfolios: %+v", portfolios)
	}
}

func TestCreatePortfolioRoundTrip(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.POST("/portfolios", requireBearer, func(contextGin *gin.Context) {
		var input CreatePortfolioInput
		if bindErr := contextGin.BindJSON(&input); bindErr != nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"detail": "bad payload"})
			return
		}
		contextGin.JSON(http.StatusCreated, gin.H{
			"id":          9,
			"title":       input.Title,
			"slug":        "new-portfolio",
			"template_id": input.TemplateID,
		})
	})
	client, closeServer := newClientUnderTest(t, router)
	defer closeServer()

	portfolio, createErr := client.CreatePortfolio(context.Background(), CreatePortfolioInput{
		Title:      "New Portfolio",
		TemplateID: 3,
	})
	if createErr != nil {
		t.Fatalf("create failed: %v", createErr)
	}
	if portfolio.ID != 9 || portfolio.Title != "New Portfolio" || portfolio.TemplateID != 3 {
		t.Fatalf("unexpected created portfolio: %+v", portfolio)
	}
}

func TestGetPortfolioAddressesByIdentifier(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.GET("/portfolios/:id", requireBearer, func(contextGin *gin.Context) {
		portfolioID, _ := strconv.ParseInt(contextGin.Param("id"), 10, 64)
		contextGin.JSON(http.StatusOK, gin.H{"id": portfolioID, "title": "One Portfolio"})
	})
	client, closeServer := newClientUnderTest(t, router)
	defer closeServer()

	portfolio, getErr := client.GetPortfolio(context.Background(), 42)
	if getErr != nil {
		t.Fatalf("get failed: %v", getErr)
	}
	if portfolio.ID != 42 {
		t.Fatalf("expected portfolio 42, got %+v", portfolio)
	}
}

func TestDeletePortfolioSurfacesNotFound(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.DELETE("/portfolios/:id", requireBearer, func(contextGin *gin.Context) {
		contextGin.AbortWithStatusJSON(http.StatusNotFound, gin.H{"detail": "no such portfolio"})
	})
	client, closeServer := newClientUnderTest(t, router)
	defer closeServer()

	deleteErr := client.DeletePortfolio(context.Background(), 404)
	var httpErr *sessionkit.HTTPError
	if !errors.As(deleteErr, &httpErr) {
		t.Fatalf("expected an HTTP error, got %v", deleteErr)
	}
	if httpErr.StatusCode != http.StatusNotFound || httpErr.Message != "no such portfolio" {
		t.Fatalf("unexpected HTTP error: %+v", httpErr)
	}
}

func TestListTemplatesIsPublic(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.GET("/templates", func(contextGin *gin.Context) {
		if contextGin.GetHeader("Authorization") != "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"detail": "unexpected credential"})
			return
		}
		contextGin.JSON(http.StatusOK, []gin.H{
			{"id": 3, "name": "Minimal", "category": "design", "premium": false},
		})
	})
	client, closeServer := newClientUnderTest(t, router)
	defer closeServer()

	templates, listErr := client.ListTemplates(context.Background())
	if listErr != nil {
		t.Fatalf("templates failed: %v", listErr)
	}
	if len(templates) != 1 || templates[0].Name != "Minimal" {
		t.Fatalf("unexpected templates: %+v", templates)
	}
}
