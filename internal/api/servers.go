package api

import (
	"fmt"
	"sort"
	"strings"
)

// Endpoints are the REST and WebSocket base URLs of one environment
type Endpoints struct {
	REST      string
	WebSocket string
}

var environments = map[string]Endpoints{
	"qa":      {REST: "https://qa.api.deepaffex.ai:9443", WebSocket: "wss://qa.api.deepaffex.ai:9080"},
	"dev":     {REST: "https://dev.api.deepaffex.ai:9443", WebSocket: "wss://dev.api.deepaffex.ai:9080"},
	"demo":    {REST: "https://demo.api.deepaffex.ai:9443", WebSocket: "wss://demo.api.deepaffex.ai:9080"},
	"prod":    {REST: "https://api.deepaffex.ai:9443", WebSocket: "wss://api.deepaffex.ai:9080"},
	"prod-cn": {REST: "https://api.deepaffex.cn:9443", WebSocket: "wss://api.deepaffex.cn:9080"},
	"demo-cn": {REST: "https://demo.api.deepaffex.cn:9443", WebSocket: "wss://demo.api.deepaffex.cn:9080"},
}

// Lookup returns the endpoints of a named environment
func Lookup(server string) (Endpoints, error) {
	ep, ok := environments[strings.ToLower(server)]
	if !ok {
		return Endpoints{}, fmt.Errorf("unknown server %q (valid: %s)", server, strings.Join(Servers(), ", "))
	}
	return ep, nil
}

// Servers lists the known environment names
func Servers() []string {
	names := make([]string, 0, len(environments))
	for name := range environments {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
