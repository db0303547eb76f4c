// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/mcprt/runtime/auth"
	"github.com/mcprt/runtime/mcp"
)

func main() {
	host := flag.String("host", "localhost", "host to connect to or listen on")
	port := flag.String("port", "8080", "port to connect to or listen on")
	requireBearerToken := flag.String("require-bearer-token", "", "if set, require this exact bearer token on every request to the Streamable HTTP endpoint")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s <client|server> [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Demonstrates the session multiplexer and transports over a WebSocket\n")
		fmt.Fprintf(os.Stderr, "connection; the same process also mounts the Streamable HTTP handler\n")
		fmt.Fprintf(os.Stderr, "at / for curl-driven POST/GET/DELETE exercise.\n\n")
		flag.PrintDefaults()
		os.Exit(1)
	}
	if len(os.Args) < 2 {
		flag.Usage()
	}
	mode := os.Args[1]
	os.Args = append(os.Args[:1], os.Args[2:]...)
	flag.Parse()

	switch mode {
	case "server":
		runServer(*host, *port, *requireBearerToken)
	case "client":
		runClient(*host, *port)
	default:
		fmt.Fprintf(os.Stderr, "Error: mode must be 'client' or 'server', got %q\n\n", mode)
		flag.Usage()
	}
}

// echoParams is the payload of the example/echo method this demo registers
// directly via Session.RegisterRequestHandler, bypassing the tool/resource
// registration surface that is out of scope for this runtime.
type echoParams struct {
	Text string `json:"text"`
}

func newServer() *mcp.Server {
	return mcp.NewServer(&mcp.Implementation{Name: "mcp-runtime-demo", Version: "0.1.0"}, &mcp.ServerCapabilities{})
}

func runServer(host, port, requireBearerToken string) {
	addr := fmt.Sprintf("%s:%s", host, port)

	mux := http.NewServeMux()

	// Streamable HTTP (C5): POST/GET/DELETE at "/". Exercise with:
	//   curl -i -H 'Content-Type: application/json' \
	//     -H 'Accept: application/json, text/event-stream' \
	//     -d '{"jsonrpc":"2.0","id":1,"method":"ping"}' http://<addr>/
	var httpHandler http.Handler = mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return newServer()
	}, mcp.SessionRegistryOptions{IdleTimeout: 10 * time.Minute, MaxIdleSessionCount: 1000})

	// Optionally gate the endpoint behind a bearer token, per §6's
	// credential-extractor collaborator and the MCP authorization spec's
	// protected-resource-metadata challenge.
	if requireBearerToken != "" {
		verifier := func(_ context.Context, token string, _ *http.Request) (*auth.TokenInfo, error) {
			if token != requireBearerToken {
				return nil, auth.ErrInvalidToken
			}
			return &auth.TokenInfo{Expiration: time.Now().Add(24 * time.Hour)}, nil
		}
		httpHandler = auth.RequireBearerToken(verifier, &auth.RequireBearerTokenOptions{
			ResourceMetadataURL: fmt.Sprintf("http://%s/.well-known/oauth-protected-resource", addr),
		})(httpHandler)
	}
	mux.Handle("/", httpHandler)

	// WebSocket (C2, a second Connection implementation): registers the demo
	// echo handler once the initialize handshake completes.
	mux.Handle("/ws", wsEchoHandler())

	log.Printf("mcp-runtime demo server listening on http://%s (Streamable HTTP at /, WebSocket at /ws)", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

// wsEchoHandler upgrades each request to a WebSocket connection, accepts it
// as a new session, and registers the example/echo handler directly via
// Session.RegisterRequestHandler — the raw RequestHandler collaborator
// interface of §6, rather than the (out of scope) typed tool-registration
// API that gates on declared capabilities.
func wsEchoHandler() http.Handler {
	t := mcp.NewWebSocketServerTransport(nil)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := t.Upgrade(w, r)
		if err != nil {
			return
		}
		srv := newServer()
		ss, err := srv.Connect(r.Context(), conn)
		if err != nil {
			conn.Close()
			return
		}
		ss.RegisterRequestHandler("example/echo", echoHandler)
	})
}

func echoHandler(ctx context.Context, s *mcp.Session, params json.RawMessage) (mcp.Result, error) {
	var p echoParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, mcp.NewProtocolError(-32602, "invalid params")
	}
	return mcp.NewRawResult(map[string]string{"echo": p.Text})
}

func runClient(host, port string) {
	ctx := context.Background()
	url := fmt.Sprintf("ws://%s:%s/ws", host, port)

	client := mcp.NewClient(&mcp.Implementation{Name: "mcp-runtime-demo-client", Version: "0.1.0"}, nil)
	transport := &mcp.WebSocketClientTransport{URL: url}

	sess, err := client.Connect(ctx, transport, 0)
	if err != nil {
		log.Fatalf("connect failed: %v", err)
	}
	defer sess.Close()

	log.Printf("connected; server is %s %s", sess.ServerInfo.Name, sess.ServerInfo.Version)

	params, _ := json.Marshal(echoParams{Text: "hello from the demo client"})
	res, err := sess.SendRequest(ctx, "example/echo", params)
	if err != nil {
		log.Fatalf("example/echo failed: %v", err)
	}
	log.Printf("example/echo reply: %s", string(res))
}
