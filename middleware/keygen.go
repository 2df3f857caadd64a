package middleware

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/protobuf/proto"
)

// KeyGenerator derives a cache key from an RPC method and its request.
// Keys should start with a prefix the duration policy and dependency
// graph know about, so cached responses age and invalidate like any
// other entry.
type KeyGenerator interface {
	GenerateKey(method string, req any) (string, error)
}

// RouteKeyGenerator maps RPC methods to cache-key prefixes and appends
// a digest of the request so distinct arguments get distinct keys.
type RouteKeyGenerator struct {
	prefixes map[string]string
}

// NewRouteKeyGenerator creates a generator with no routes; unrouted
// methods fall back to a prefix derived from the method name.
func NewRouteKeyGenerator() *RouteKeyGenerator {
	return &RouteKeyGenerator{prefixes: make(map[string]string)}
}

// Route assigns prefix to an RPC method. Returns the generator for
// chaining.
func (g *RouteKeyGenerator) Route(method, prefix string) *RouteKeyGenerator {
	g.prefixes[method] = prefix
	return g
}

// GenerateKey builds "<prefix>_<request digest>".
func (g *RouteKeyGenerator) GenerateKey(method string, req any) (string, error) {
	prefix, ok := g.prefixes[method]
	if !ok {
		prefix = methodPrefix(method)
	}

	digest, err := requestDigest(req)
	if err != nil {
		return "", err
	}
	return prefix + "_" + digest, nil
}

// FuncKeyGenerator adapts a plain function to the interface.
type FuncKeyGenerator func(method string, req any) (string, error)

// GenerateKey calls the function.
func (f FuncKeyGenerator) GenerateKey(method string, req any) (string, error) {
	return f(method, req)
}

// methodPrefix turns "/sched.TeamService/ListTeams" into
// "rpc_teamservice_listteams".
func methodPrefix(method string) string {
	cleaned := strings.TrimPrefix(method, "/")
	cleaned = strings.NewReplacer("/", "_", ".", "_").Replace(cleaned)
	cleaned = strings.ToLower(cleaned)
	if i := strings.Index(cleaned, "_"); i >= 0 {
		// Drop the package qualifier, keep service and method.
		cleaned = cleaned[i+1:]
	}
	return "rpc_" + cleaned
}

// requestDigest hashes the request into a short stable hex string.
// Proto messages are serialized deterministically; everything else
// goes through JSON.
func requestDigest(req any) (string, error) {
	var raw []byte
	var err error

	if pm, ok := req.(proto.Message); ok {
		raw, err = proto.MarshalOptions{Deterministic: true}.Marshal(pm)
	} else {
		raw, err = json.Marshal(req)
	}
	if err != nil {
		return "", fmt.Errorf("middleware: hashing request: %w", err)
	}

	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:8]), nil
}
