// Package main implements a mock Gemini server for local development and
// wiring tests. It serves generateContent responses from JSON fixture files,
// routed by the model segment of the request path, so the full pipeline can
// run offline and deterministically.
//
// Usage:
//
//	mock-llm -fixtures /path/to/fixtures -addr :9090
//
// Point GEMINI_BASE_URL at the mock. A fixture file named after the model
// (e.g. "gemini-1.5-pro.json") is returned as the candidate text. Numbered
// fixtures ("gemini-1.5-pro.1.json", "gemini-1.5-pro.2.json", ...) are served
// in call order, so the first call gets the parse-matrix payload and later
// calls the generation batches; once exhausted, the base fixture repeats.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
)

type generateContentRequest struct {
	Contents []struct {
		Parts []struct {
			Text string `json:"text"`
		} `json:"parts"`
	} `json:"contents"`
}

type generateContentResponse struct {
	Candidates    []candidate   `json:"candidates"`
	UsageMetadata usageMetadata `json:"usageMetadata"`
}

type candidate struct {
	Content struct {
		Parts []part `json:"parts"`
		Role  string `json:"role"`
	} `json:"content"`
	FinishReason string `json:"finishReason"`
}

type part struct {
	Text string `json:"text"`
}

type usageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

var modelPath = regexp.MustCompile(`^/v1beta/models/([^:/]+):generateContent$`)

// fixtureServer serves fixtures by model, tracking per-model call counts for
// sequential fixtures.
type fixtureServer struct {
	dir string

	mu    sync.Mutex
	calls map[string]int
}

func newFixtureServer(dir string) *fixtureServer {
	return &fixtureServer{dir: dir, calls: make(map[string]int)}
}

func (s *fixtureServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	m := modelPath.FindStringSubmatch(r.URL.Path)
	if m == nil {
		http.NotFound(w, r)
		return
	}
	model := m[1]

	var req generateContentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf(`{"error":{"message":"invalid request: %v"}}`, err), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	n := s.calls[model]
	s.calls[model] = n + 1
	s.mu.Unlock()

	text, err := s.fixtureFor(model, n)
	if err != nil {
		log.Printf("no fixture for model %q (call %d): %v", model, n+1, err)
		http.Error(w, fmt.Sprintf(`{"error":{"message":"no fixture for model %s"}}`, model), http.StatusNotFound)
		return
	}
	log.Printf("served fixture for model %q (call %d, %d bytes)", model, n+1, len(text))

	var resp generateContentResponse
	c := candidate{FinishReason: "STOP"}
	c.Content.Role = "model"
	c.Content.Parts = []part{{Text: text}}
	resp.Candidates = []candidate{c}
	resp.UsageMetadata = usageMetadata{PromptTokenCount: 100, CandidatesTokenCount: len(text) / 4}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("encode response: %v", err)
	}
}

// fixtureFor returns the fixture text for the n-th call (0-based) to a model.
// Numbered fixtures win while they last; the base file is the fallback.
func (s *fixtureServer) fixtureFor(model string, n int) (string, error) {
	numbered, err := s.numberedFixtures(model)
	if err != nil {
		return "", err
	}
	if n < len(numbered) {
		data, err := os.ReadFile(numbered[n])
		return string(data), err
	}

	data, err := os.ReadFile(filepath.Join(s.dir, model+".json"))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *fixtureServer) numberedFixtures(model string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, model+".*.json"))
	if err != nil {
		return nil, err
	}

	type numbered struct {
		n    int
		path string
	}
	var files []numbered
	for _, m := range matches {
		base := strings.TrimSuffix(filepath.Base(m), ".json")
		seq := strings.TrimPrefix(base, model+".")
		n, err := strconv.Atoi(seq)
		if err != nil {
			continue
		}
		files = append(files, numbered{n: n, path: m})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].n < files[j].n })

	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.path
	}
	return paths, nil
}

func main() {
	fixtures := flag.String("fixtures", "fixtures", "directory of fixture files")
	addr := flag.String("addr", ":9090", "listen address")
	flag.Parse()

	if _, err := os.Stat(*fixtures); err != nil {
		log.Fatalf("fixtures directory: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/", newFixtureServer(*fixtures))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, "ok")
	})

	log.Printf("mock Gemini server on %s, fixtures from %s", *addr, *fixtures)
	log.Fatal(http.ListenAndServe(*addr, mux))
}
