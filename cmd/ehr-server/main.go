package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/fhirgraph/server/internal/config"
	"github.com/fhirgraph/server/internal/graph"
	"github.com/fhirgraph/server/internal/platform/fhir"
	"github.com/fhirgraph/server/internal/platform/middleware"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ehr-server",
		Short: "FHIR R6 resource server backed by a property graph",
	}
	rootCmd.AddCommand(serveCmd())
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo, err := graph.NewNeo4jRepo(ctx, graph.Neo4jConfig{
		URI:                       cfg.Neo4jURI(),
		Username:                  cfg.Username,
		Password:                  cfg.Password,
		Database:                  cfg.Database,
		EnableSSL:                 cfg.EnableSSLBool(),
		PoolSize:                  cfg.PoolSize,
		MaxInProcessPerConnection: cfg.MaxInProcessPerConnection,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to graph backend")
	}
	defer repo.Close(ctx)
	logger.Info().Str("uri", cfg.Neo4jURI()).Msg("connected to graph backend")

	validator := fhir.NewValidator(cfg.SchemaPath)
	materializer := fhir.NewRefMaterializer(repo, logger)
	persistence := fhir.NewPersistence(repo, validator, materializer, logger)
	versioning := fhir.NewVersioning(repo)
	history := fhir.NewHistoryService(repo, validator)
	everything := fhir.NewEverythingService(repo)
	facade := fhir.NewFacade(persistence, versioning, history, everything, cfg.BaseURL, logger)
	bundleProcessor := fhir.NewFHIRBundleProcessor(persistence, logger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit("1MB", "16MB"))
	e.Use(middleware.RequestTimeout(time.Duration(cfg.RequestTimeoutSeconds) * time.Second))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "If-Match", "If-None-Exist"},
	}))

	fhirGroup := e.Group("/fhir")

	resources := &resourceHandler{facade: facade, persistence: persistence, baseURL: cfg.BaseURL}
	resources.RegisterRoutes(fhirGroup)

	fhir.NewHistoryHandler(history).RegisterRoutes(fhirGroup)
	fhir.NewEverythingHandler(everything).RegisterRoutes(fhirGroup)
	fhir.NewBundleHandler(bundleProcessor, logger).RegisterRoutes(fhirGroup)

	fhirGroup.GET("/metadata", func(c echo.Context) error {
		statement := fhir.NewDynamicCapabilityStatement(cfg.BaseURL, cfg.FHIRVersion, validator.ListSupportedTypes())
		return c.JSON(http.StatusOK, statement)
	})

	fhirGroup.POST("/:resourceType/$validate", func(c echo.Context) error {
		var doc map[string]interface{}
		if err := json.NewDecoder(c.Request().Body).Decode(&doc); err != nil {
			return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome("invalid JSON body: "+err.Error()))
		}
		result := facade.Validate(doc)
		return c.JSON(result.StatusCode, result.Outcome)
	})

	go func() {
		addr := ":" + cfg.HTTPPort
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return e.Shutdown(shutdownCtx)
}

// resourceHandler wires the Facade onto plain CRUD routes: create, read,
// update, patch and delete by (resourceType, id), plus a type-level search
// that calls Persistence.Search directly with the _id and identifier
// filters. The conditional create/update/delete helpers of the fhir package
// are not mounted on these routes.
type resourceHandler struct {
	facade      *fhir.Facade
	persistence *fhir.Persistence
	baseURL     string
}

func (h *resourceHandler) RegisterRoutes(g *echo.Group) {
	g.POST("/:resourceType", h.create)
	g.GET("/:resourceType/:id", h.read)
	g.PUT("/:resourceType/:id", h.update)
	g.PATCH("/:resourceType/:id", h.patch)
	g.DELETE("/:resourceType/:id", h.delete)
	g.GET("/:resourceType", h.search)
}

func (h *resourceHandler) create(c echo.Context) error {
	resourceType := c.Param("resourceType")
	var doc map[string]interface{}
	if err := json.NewDecoder(c.Request().Body).Decode(&doc); err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome("invalid JSON body: "+err.Error()))
	}
	if doc["id"] == nil {
		doc["id"] = uuid.NewString()
	}

	result, err := h.facade.Create(c.Request().Context(), resourceType, doc)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}
	applyResultHeaders(c, result.OperationResult)
	return c.JSONBlob(result.StatusCode, result.Resource)
}

func (h *resourceHandler) read(c echo.Context) error {
	result, err := h.facade.Read(c.Request().Context(), c.Param("resourceType"), c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}
	applyResultHeaders(c, *result)
	if result.Outcome != nil {
		return c.JSON(result.StatusCode, result.Outcome)
	}
	if fhir.CheckIfNoneMatch(c, fhir.ParseETag(result.ETag)) {
		return c.NoContent(http.StatusNotModified)
	}
	return c.JSONBlob(result.StatusCode, result.Resource)
}

func (h *resourceHandler) update(c echo.Context) error {
	resourceType, id := c.Param("resourceType"), c.Param("id")
	current, err := h.facade.Read(c.Request().Context(), resourceType, id)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}
	currentVersion := ""
	if current.Outcome == nil {
		currentVersion = fhir.ParseETag(current.ETag)
	}
	if _, err := fhir.CheckIfMatch(c, currentVersion); err != nil {
		return err
	}

	var doc map[string]interface{}
	if err := json.NewDecoder(c.Request().Body).Decode(&doc); err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome("invalid JSON body: "+err.Error()))
	}
	result, err := h.facade.Update(c.Request().Context(), resourceType, id, doc)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}
	applyResultHeaders(c, result.OperationResult)
	return c.JSONBlob(result.StatusCode, result.Resource)
}

func (h *resourceHandler) patch(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome("failed to read request body: "+err.Error()))
	}
	ops, err := fhir.ParseJSONPatch(body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome("invalid JSON Patch document: "+err.Error()))
	}

	result, err := h.facade.Patch(c.Request().Context(), c.Param("resourceType"), c.Param("id"), ops)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}
	applyResultHeaders(c, result.OperationResult)
	if result.Outcome != nil {
		return c.JSON(result.StatusCode, result.Outcome)
	}
	return c.JSONBlob(result.StatusCode, result.Resource)
}

func (h *resourceHandler) delete(c echo.Context) error {
	result, err := h.facade.Delete(c.Request().Context(), c.Param("resourceType"), c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}
	applyResultHeaders(c, *result)
	if result.StatusCode == http.StatusNoContent {
		return c.NoContent(result.StatusCode)
	}
	return c.JSON(result.StatusCode, result.Outcome)
}

func (h *resourceHandler) search(c echo.Context) error {
	resourceType := c.Param("resourceType")
	filters := map[string]string{}
	if id := c.QueryParam("_id"); id != "" {
		filters["id"] = id
	}
	if identifier := c.QueryParam("identifier"); identifier != "" {
		filters["identifier"] = identifier
	}

	results, total, err := h.persistence.Search(c.Request().Context(), resourceType, filters, 20, 0)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}

	docs := make([]interface{}, 0, len(results))
	for _, r := range results {
		var doc interface{}
		if err := json.Unmarshal([]byte(r.JSON), &doc); err == nil {
			docs = append(docs, doc)
		}
	}
	bundle := fhir.NewSearchBundle(docs, total, h.baseURL+"/"+resourceType)
	return c.JSON(http.StatusOK, bundle)
}

func applyResultHeaders(c echo.Context, result fhir.OperationResult) {
	if result.ETag != "" {
		c.Response().Header().Set("ETag", result.ETag)
	}
	if result.Location != "" {
		c.Response().Header().Set("Location", result.Location)
	}
	if result.LastModified != "" {
		c.Response().Header().Set("Last-Modified", result.LastModified)
	}
}
