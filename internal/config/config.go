// Package config loads the server configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full configuration surface. Page size values of -1 mean
// unlimited.
type Config struct {
	Addr     string
	LogLevel string

	// BaseURL is the externally visible endpoint, used in capabilities
	// and pagination links.
	BaseURL string

	// DatabaseURL is the PostGIS connection string. Empty runs the demo
	// in-memory datastore.
	DatabaseURL string

	ServiceTitle    string
	ServiceAbstract string
	ProviderName    string

	DefaultPageSize    int
	MaxPageSizeDefault int
	MaxPageSizeGeoJSON int
	MaxPageSizeCSV     int

	CapabilitiesBoundingBox bool
	UseDbRendering          bool
	SupportedCrsOnly        bool

	// CountNumberMatched: 0 never, 1 every page, 2 first page only.
	CountNumberMatched int

	WfsStrictStandard  bool
	WrapFilterDbErrors bool

	ForceXyEpsg4326 bool
	ForceXyOldCrs   bool

	CoordinateDecimals int
	ChunkSize          int

	ShutdownTimeout time.Duration
}

// FromEnv reads WFS_* variables with sensible defaults.
func FromEnv() Config {
	return Config{
		Addr:        getstr("WFS_ADDR", ":8080"),
		LogLevel:    getstr("WFS_LOG_LEVEL", "info"),
		BaseURL:     getstr("WFS_BASE_URL", "http://localhost:8080/wfs"),
		DatabaseURL: getstr("WFS_DATABASE_URL", ""),

		ServiceTitle:    getstr("WFS_SERVICE_TITLE", "WFS server"),
		ServiceAbstract: getstr("WFS_SERVICE_ABSTRACT", ""),
		ProviderName:    getstr("WFS_PROVIDER_NAME", ""),

		DefaultPageSize:    getint("WFS_DEFAULT_PAGE_SIZE", 5000),
		MaxPageSizeDefault: getint("WFS_MAX_PAGE_SIZE", 5000),
		MaxPageSizeGeoJSON: getint("WFS_MAX_PAGE_SIZE_GEOJSON", -1),
		MaxPageSizeCSV:     getint("WFS_MAX_PAGE_SIZE_CSV", -1),

		CapabilitiesBoundingBox: getbool("WFS_CAPABILITIES_BOUNDING_BOX", false),
		UseDbRendering:          getbool("WFS_USE_DB_RENDERING", false),
		SupportedCrsOnly:        getbool("WFS_SUPPORTED_CRS_ONLY", false),

		CountNumberMatched: getint("WFS_COUNT_NUMBER_MATCHED", 1),

		WfsStrictStandard:  getbool("WFS_STRICT_STANDARD", false),
		WrapFilterDbErrors: getbool("WFS_WRAP_FILTER_DB_ERRORS", true),

		ForceXyEpsg4326: getbool("WFS_FORCE_XY_EPSG_4326", true),
		ForceXyOldCrs:   getbool("WFS_FORCE_XY_OLD_CRS", true),

		CoordinateDecimals: getint("WFS_COORDINATE_DECIMALS", 6),
		ChunkSize:          getint("WFS_CHUNK_SIZE", 500),

		ShutdownTimeout: getdur("WFS_SHUTDOWN_TIMEOUT", 10*time.Second),
	}
}

func getstr(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return d
		}
	}
	return def
}
