package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/cwbudde/demonsreg/internal/imageio"
)

const (
	// DefaultSteps is used by POST .../step without n.
	DefaultSteps = 1
	// MaxSteps bounds a single step request.
	MaxSteps = 100000
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		slog.Error("Request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// parseSteps parses the n query parameter.
func parseSteps(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid n %q: %w", raw, err)
	}
	if n < 1 || n > MaxSteps {
		return 0, fmt.Errorf("n must be between 1 and %d, got %d", MaxSteps, n)
	}
	return n, nil
}

func parseCoordinate(name, raw string) (int, error) {
	if raw == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, raw, err)
	}
	return v, nil
}

// parseScale parses the display scale of a buffer rendering.
func parseScale(raw string) (float64, error) {
	if raw == "" {
		return imageio.DefaultDisplayScale, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v <= 0 || math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, fmt.Errorf("invalid scale %q", raw)
	}
	return v, nil
}
