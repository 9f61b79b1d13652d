package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
)

type rawJSON = json.RawMessage

// Cookie names the upstream expects for an authenticated session.
const (
	cookieCSRFToken    = "next-auth.csrf-token"
	cookieSessionToken = "__Secure-next-auth.session-token"
)

const defaultPoolConfigName = "token_pool_config.json"

// loadPoolFromConfig builds a pool from the master JSON config. Token order
// in the file defines round-robin order. Unknown top-level fields are kept
// aside and written back on save.
func loadPoolFromConfig(path string, factory SessionFactory, debug bool) (*Pool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var root map[string]rawJSON
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	p := newPool(factory, debug)
	p.configPath = path

	if mc, ok := root["monitor"]; ok {
		cfg := MonitorConfig{Interval: 6}
		if err := json.Unmarshal(mc, &cfg); err != nil {
			return nil, fmt.Errorf("parse monitor config: %w", err)
		}
		p.monitorCfg = cfg
	}
	if fc, ok := root["fallback"]; ok {
		cfg := FallbackConfig{FallbackToAuto: true}
		if err := json.Unmarshal(fc, &cfg); err != nil {
			return nil, fmt.Errorf("parse fallback config: %w", err)
		}
		p.fallbackCfg = cfg
	}

	var tokens []TokenEntry
	if tc, ok := root["tokens"]; ok {
		if err := json.Unmarshal(tc, &tokens); err != nil {
			return nil, fmt.Errorf("parse tokens: %w", err)
		}
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("no tokens found in config file: %s", path)
	}
	for _, t := range tokens {
		if t.ID == "" || t.CSRFToken == "" || t.SessionToken == "" {
			return nil, fmt.Errorf("invalid token entry in config: id=%q", t.ID)
		}
		if err := p.addClientLocked(t.ID, TokenCredentials{CSRFToken: t.CSRFToken, SessionToken: t.SessionToken}); err != nil {
			return nil, err
		}
	}

	// Preserve anything we don't own.
	delete(root, "monitor")
	delete(root, "fallback")
	delete(root, "tokens")
	if len(root) > 0 {
		p.extraConfig = root
	}

	if fi, err := os.Stat(path); err == nil {
		p.configMtime = fi.ModTime()
	}
	return p, nil
}

// loadPool resolves the pool source in priority order: explicit path, the
// PPLX_TOKEN_POOL_CONFIG env var, the default config file, a single token
// from env vars, and finally an anonymous client.
func loadPool(configPath string, factory SessionFactory, debug bool) (*Pool, error) {
	candidates := []string{configPath, os.Getenv("PPLX_TOKEN_POOL_CONFIG"), defaultPoolConfigName}
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if _, err := os.Stat(c); err != nil {
			continue
		}
		return loadPoolFromConfig(c, factory, debug)
	}

	p := newPool(factory, debug)
	if csrf, session := os.Getenv("PPLX_NEXT_AUTH_CSRF_TOKEN"), os.Getenv("PPLX_SESSION_TOKEN"); csrf != "" && session != "" {
		if err := p.addClientLocked("default", TokenCredentials{CSRFToken: csrf, SessionToken: session}); err != nil {
			return nil, err
		}
		log.Printf("pool initialised from environment token")
		return p, nil
	}

	if err := p.addClientLocked("anonymous", TokenCredentials{}); err != nil {
		return nil, err
	}
	log.Printf("no token config found, running with a single anonymous client")
	return p, nil
}

// saveConfig writes the master config atomically, preserving unknown
// top-level fields and token order.
func (p *Pool) saveConfig() {
	p.mu.Lock()
	path := p.configPath
	writable := p.configWritable
	if path == "" || !writable {
		p.mu.Unlock()
		return
	}
	root := map[string]any{}
	for k, v := range p.extraConfig {
		root[k] = v
	}
	root["monitor"] = p.monitorCfg
	root["fallback"] = p.fallbackCfg
	tokens := make([]TokenEntry, 0, len(p.order))
	for _, id := range p.order {
		w := p.clients[id]
		tokens = append(tokens, TokenEntry{
			ID:           id,
			CSRFToken:    w.Credentials.CSRFToken,
			SessionToken: w.Credentials.SessionToken,
		})
	}
	root["tokens"] = tokens
	p.mu.Unlock()

	if err := atomicWriteJSON(path, root); err != nil {
		log.Printf("failed to save config: %v", err)
		return
	}

	p.mu.Lock()
	if fi, err := os.Stat(path); err == nil {
		// Remember our own write so reloadConfig skips it.
		p.configMtime = fi.ModTime()
	}
	p.mu.Unlock()
	log.Printf("config saved to %s", path)
}

// reloadConfig re-reads the master config if its mtime changed, adding new
// tokens and dropping removed ones. Returns true when something was applied.
func (p *Pool) reloadConfig() bool {
	p.mu.Lock()
	path := p.configPath
	lastMtime := p.configMtime
	p.mu.Unlock()
	if path == "" {
		return false
	}
	fi, err := os.Stat(path)
	if err != nil {
		return false
	}
	if fi.ModTime().Equal(lastMtime) {
		return false
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	var cfg struct {
		Fallback *FallbackConfig `json:"fallback"`
		Tokens   []TokenEntry    `json:"tokens"`
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		log.Printf("corrupted config file, ignoring: %v", err)
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	configIDs := map[string]bool{}
	for _, t := range cfg.Tokens {
		if t.ID == "" || t.CSRFToken == "" || t.SessionToken == "" {
			continue
		}
		configIDs[t.ID] = true
		if _, ok := p.clients[t.ID]; !ok {
			if err := p.addClientLocked(t.ID, TokenCredentials{CSRFToken: t.CSRFToken, SessionToken: t.SessionToken}); err == nil {
				log.Printf("[%s] hot-reloaded new client from config", t.ID)
			}
		}
	}
	for _, id := range p.sortedIDsLocked() {
		if configIDs[id] {
			continue
		}
		if len(p.clients) <= 1 {
			break
		}
		if err := p.removeClientLocked(id); err == nil {
			log.Printf("[%s] removed client (no longer in config)", id)
		}
	}
	if cfg.Fallback != nil {
		p.fallbackCfg = *cfg.Fallback
	}
	p.configMtime = fi.ModTime()
	log.Printf("config reloaded from %s (tokens: %d, pool: %d)", path, len(configIDs), len(p.clients))
	return true
}

// atomicWriteJSON writes data to a sibling temp file and renames it into
// place. On failure the temp file is unlinked and the error returned.
func atomicWriteJSON(filePath string, data any) error {
	updated, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(filePath)
	tmp, err := os.CreateTemp(dir, "*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(updated); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, filePath)
}
