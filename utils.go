package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
)

const maxQueryLength = 10000

func randomID() string {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "unknown"
	}
	return hex.EncodeToString(b[:])
}

func safeText(b []byte) string {
	s := string(b)
	s = strings.ReplaceAll(s, "\n", "\\n")
	s = strings.ReplaceAll(s, "\r", "\\r")
	return s
}

// sanitizeQuery trims and bounds the query string.
func sanitizeQuery(query string) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", validationError("Query cannot be empty")
	}
	if len(query) > maxQueryLength {
		return "", validationError("Query is too long (max %d characters)", maxQueryLength)
	}
	return query, nil
}

// validateFiles checks the attachment map before any upload round trip.
func validateFiles(files map[string][]byte) error {
	for name, data := range files {
		if strings.TrimSpace(name) == "" {
			return validationError("Filename cannot be empty")
		}
		if len(data) == 0 {
			return validationError("File %q is empty", name)
		}
	}
	return nil
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func joinStrings(list []string) string {
	return strings.Join(list, ", ")
}

func respondJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	_ = enc.Encode(v)
}

func respondError(w http.ResponseWriter, status int, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":  "error",
		"message": fmt.Sprintf(format, args...),
	})
}

// tailFile reads the last n lines of a file without loading all of it.
func tailFile(path string, n int) ([]string, int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, 0, err
	}
	size := fi.Size()
	if size == 0 {
		return nil, 0, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	const bufferSize = 8192
	var (
		lines     []string
		buffer    []byte
		remaining = size
	)
	for remaining > 0 && len(lines) <= n {
		readSize := int64(bufferSize)
		if readSize > remaining {
			readSize = remaining
		}
		remaining -= readSize
		chunk := make([]byte, readSize)
		if _, err := f.ReadAt(chunk, remaining); err != nil {
			return nil, 0, err
		}
		buffer = append(chunk, buffer...)
		lines = strings.Split(string(buffer), "\n")
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, size, nil
}
