package main

import (
	"encoding/json"
	"log"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type StaticRule struct {
	Prefix string `json:"prefix"`
	Dir    string `json:"dir"`
}

type RouteRule struct {
	Prefix string   `json:"prefix"`
	Script string   `json:"script"`
	Args   []string `json:"args"`
	Dir    string   `json:"dir"`
}

type GatewayConfig struct {
	Listen           string       `json:"listen"`
	RequestTimeoutMs int          `json:"request_timeout_ms"`
	MaxConcurrent    int          `json:"max_concurrent"`
	HotReload        bool         `json:"hot_reload"`
	WatchDirs        []string     `json:"watch_dirs"`
	Routes           []RouteRule  `json:"routes"`
	Static           []StaticRule `json:"static"`
}

// listenPort extracts the numeric port from the listen address, for
// the SERVER_PORT meta-variable.
func (c *GatewayConfig) listenPort() int {
	_, portStr, err := net.SplitHostPort(c.Listen)
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0
	}
	return port
}

// defaultConfig returns sane defaults when cgi_gateway.json
// is missing or invalid.
func defaultConfig() *GatewayConfig {
	return &GatewayConfig{
		Listen:           ":8080",
		RequestTimeoutMs: 10000, // 10s
		MaxConcurrent:    8,
		HotReload:        false,
		Routes: []RouteRule{
			{Prefix: "/", Script: "cgi-bin/app.cgi"},
		},
		Static: []StaticRule{
			{Prefix: "/assets/", Dir: "public/assets"},
			{Prefix: "/css/", Dir: "public/css"},
			{Prefix: "/js/", Dir: "public/js"},
			{Prefix: "/images/", Dir: "public/images"},
		},
	}
}

// loadConfig tries to read cgi_gateway.json from projectRoot;
// falls back to defaults on any error.
func loadConfig(projectRoot string) *GatewayConfig {
	cfgPath := filepath.Join(projectRoot, "cgi_gateway.json")

	data, err := os.ReadFile(cfgPath)
	if err != nil {
		log.Printf("[config] no cgi_gateway.json found at %s, using defaults: %v", cfgPath, err)
		return defaultConfig()
	}

	var cfg GatewayConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		log.Printf("[config] invalid cgi_gateway.json (%s), using defaults: %v", cfgPath, err)
		return defaultConfig()
	}

	// Pull a copy of defaults for use below
	def := defaultConfig()

	//
	// -------------------------
	// Core config validation
	// -------------------------
	//

	if cfg.Listen == "" {
		log.Printf("[config] listen is empty, falling back to %s", def.Listen)
		cfg.Listen = def.Listen
	}

	if cfg.RequestTimeoutMs <= 0 {
		log.Printf("[config] request_timeout_ms=%d is invalid, falling back to %dms", cfg.RequestTimeoutMs, def.RequestTimeoutMs)
		cfg.RequestTimeoutMs = def.RequestTimeoutMs
	}

	if cfg.MaxConcurrent < 0 {
		log.Printf("[config] max_concurrent=%d is invalid, falling back to %d", cfg.MaxConcurrent, def.MaxConcurrent)
		cfg.MaxConcurrent = def.MaxConcurrent
	}

	//
	// -------------------------
	// Route table validation
	// -------------------------
	//

	if len(cfg.Routes) == 0 {
		log.Printf("[config] no routes configured, using default route table")
		cfg.Routes = def.Routes
	} else {
		valid := cfg.Routes[:0]
		for i, rule := range cfg.Routes {
			if !strings.HasPrefix(rule.Prefix, "/") {
				log.Printf("[config] routes[%d].prefix=%q does not start with '/', fixing", i, rule.Prefix)
				rule.Prefix = "/" + rule.Prefix
			}

			if rule.Script == "" {
				log.Printf("[config] routes[%d].script is empty, dropping this route", i)
				continue
			}
			valid = append(valid, rule)
		}
		cfg.Routes = valid
	}

	//
	// -------------------------
	// Static rules validation
	// -------------------------
	//

	for i, rule := range cfg.Static {
		if !strings.HasPrefix(rule.Prefix, "/") {
			log.Printf("[config] static[%d].prefix=%q does not start with '/', fixing", i, rule.Prefix)
			cfg.Static[i].Prefix = "/" + rule.Prefix
		}

		if rule.Dir == "" {
			log.Printf("[config] static[%d].dir is empty, this rule will be ignored at runtime.", i)
		}
	}

	return &cfg
}
