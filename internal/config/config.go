// Package config loads the server's flat environment-variable configuration
// surface, following the teacher's "file defaults, env vars always win"
// layering pattern but trimmed to the handful of settings this system needs.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds every tunable the spec names in its environment section.
type Config struct {
	ProjectID     string
	Location      string
	ServerPort    int
	HavenAddress  string
	HavenAuthKey  string

	AbsoluteMaxIterations int
	NominalMaxIterations  int
	SegmentThreshold      int

	DebugMode bool

	// SandboxDir is the root all tool I/O is confined to.
	SandboxDir string
	// VectorStoreDir holds the persistent per-session collections.
	VectorStoreDir string
	// AllowedProjectFiles is the read_project_file / list_allowed_project_files
	// whitelist, given as paths relative to the server's working directory.
	AllowedProjectFiles []string
}

// Default returns the configuration the spec documents as defaults.
func Default() Config {
	return Config{
		ServerPort:            5001,
		AbsoluteMaxIterations: 10,
		NominalMaxIterations:  3,
		SegmentThreshold:      20,
		SandboxDir:            "./sandbox",
		VectorStoreDir:        "./vectorstore",
	}
}

// Load builds a Config from .env (if present) and the process environment.
// Env vars always win over .env-supplied defaults, matching the teacher's
// config layering in internal/config.
func Load() Config {
	_ = godotenv.Load()

	cfg := Default()

	cfg.ProjectID = os.Getenv("PROJECT_ID")
	cfg.Location = os.Getenv("LOCATION")
	cfg.HavenAddress = os.Getenv("HAVEN_ADDRESS")
	cfg.HavenAuthKey = os.Getenv("HAVEN_AUTH_KEY")

	if v := os.Getenv("SERVER_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ServerPort = n
		}
	}
	if v := os.Getenv("ABSOLUTE_MAX_ITERATIONS_REASONING_LOOP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.AbsoluteMaxIterations = n
		}
	}
	if v := os.Getenv("NOMINAL_MAX_ITERATIONS_REASONING_LOOP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.NominalMaxIterations = n
		}
	}
	if v := os.Getenv("SEGMENT_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SegmentThreshold = n
		}
	}
	if v := os.Getenv("DEBUG_MODE"); v != "" {
		cfg.DebugMode = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("SANDBOX_DIR"); v != "" {
		cfg.SandboxDir = v
	}
	if v := os.Getenv("VECTORSTORE_DIR"); v != "" {
		cfg.VectorStoreDir = v
	}
	if v := os.Getenv("ALLOWED_PROJECT_FILES"); v != "" {
		for _, p := range strings.Split(v, ",") {
			p = strings.TrimSpace(p)
			if p != "" {
				cfg.AllowedProjectFiles = append(cfg.AllowedProjectFiles, filepath.Clean(p))
			}
		}
	}

	return cfg
}
