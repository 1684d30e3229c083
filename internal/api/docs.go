package api

import (
	_ "embed"
	"fmt"
	"net/http"

	"go.uber.org/zap"
	"go.yaml.in/yaml/v3"
)

//go:embed static/swagger.html
var swaggerHTML []byte

//go:embed static/openapi.yaml
var openAPIYAML []byte

type docs struct {
	spec map[string]any
	err  error
}

func loadDocs(logger *zap.Logger) *docs {
	spec, err := parseOpenAPI(openAPIYAML)
	if err != nil {
		logger.Error("failed to load OpenAPI specification", zap.Error(err))
	}
	return &docs{spec: spec, err: err}
}

func parseOpenAPI(raw []byte) (map[string]any, error) {
	var spec map[string]any
	if err := yaml.Unmarshal(raw, &spec); err != nil {
		return nil, fmt.Errorf("parse openapi: %w", err)
	}
	return spec, nil
}

func (d *docs) serveUI(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(swaggerHTML); err != nil {
		zap.L().Error("write docs failed", zap.Error(err))
	}
}

func (d *docs) serveSpec(w http.ResponseWriter, _ *http.Request) {
	if d.err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load OpenAPI specification")
		return
	}
	writeJSON(w, http.StatusOK, envelope{Status: true, Data: d.spec})
}
