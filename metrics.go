package main

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
)

type metrics struct {
	mu       sync.Mutex
	requests map[string]int64            // outcome -> count
	byClient map[string]map[string]int64 // client -> outcome -> count
}

func newMetrics() *metrics {
	return &metrics{
		requests: make(map[string]int64),
		byClient: make(map[string]map[string]int64),
	}
}

func (m *metrics) inc(outcome string, client string) {
	m.mu.Lock()
	m.requests[outcome]++
	if client != "" {
		mp, ok := m.byClient[client]
		if !ok {
			mp = make(map[string]int64)
			m.byClient[client] = mp
		}
		mp[outcome]++
	}
	m.mu.Unlock()
}

func (m *metrics) serve(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	m.mu.Lock()
	defer m.mu.Unlock()
	// overall
	outcomes := make([]string, 0, len(m.requests))
	for s := range m.requests {
		outcomes = append(outcomes, s)
	}
	sort.Strings(outcomes)
	for _, s := range outcomes {
		fmt.Fprintf(w, "pplxpool_requests_total{outcome=\"%s\"} %d\n", s, m.requests[s])
	}
	// per client
	clients := make([]string, 0, len(m.byClient))
	for c := range m.byClient {
		clients = append(clients, c)
	}
	sort.Strings(clients)
	for _, c := range clients {
		st := m.byClient[c]
		sts := make([]string, 0, len(st))
		for s := range st {
			sts = append(sts, s)
		}
		sort.Strings(sts)
		for _, s := range sts {
			fmt.Fprintf(w, "pplxpool_client_requests_total{client=\"%s\",outcome=\"%s\"} %d\n", c, s, st[s])
		}
	}
}
