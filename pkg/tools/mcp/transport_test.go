package mcp

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/rhuss/mcpbridge/pkg/api"
	"github.com/rhuss/mcpbridge/pkg/config"
	"github.com/rhuss/mcpbridge/pkg/containers"
)

func echoServer() *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: "echo-server", Version: "1.0.0"}, nil)
	server.AddTool(&mcp.Tool{
		Name:        "echo",
		Description: "Echoes its arguments",
		InputSchema: map[string]any{"type": "object"},
	}, func(_ context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(req.Params.Arguments)}},
		}, nil
	})
	return server
}

// pipeStarter serves an in-process MCP server over pipes standing in for
// the attached streams of a container.
type pipeStarter struct {
	t *testing.T

	mu       sync.Mutex
	starts   int
	restarts int
	failWith error
}

func (p *pipeStarter) handle() *containers.Handle {
	serverIn, clientOut := io.Pipe()
	clientIn, serverOut := io.Pipe()

	ctx, cancel := context.WithCancel(context.Background())
	p.t.Cleanup(cancel)
	go func() {
		_ = echoServer().Run(ctx, &mcp.IOTransport{Reader: serverIn, Writer: serverOut})
	}()

	return &containers.Handle{
		ServerID: "boxed",
		Name:     "mcpbridge-boxed",
		Stdio:    &containers.Stdio{Stdout: clientIn, Stdin: clientOut},
	}
}

func (p *pipeStarter) Start(_ context.Context, _ config.ServerDescriptor) (*containers.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWith != nil {
		return nil, p.failWith
	}
	p.starts++
	return p.handle(), nil
}

func (p *pipeStarter) Restart(_ context.Context, _ string) (*containers.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.restarts++
	return p.handle(), nil
}

func connectAndEcho(t *testing.T, d Dialer) {
	t.Helper()
	ctx := context.Background()
	client := mcp.NewClient(Implementation, nil)

	session, err := d.Connect(ctx, client)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer session.Close()

	params, err := CallParams("echo", `{"msg":"hi"}`)
	if err != nil {
		t.Fatal(err)
	}
	result, err := session.CallTool(ctx, params)
	if err != nil {
		t.Fatalf("CallTool failed: %v", err)
	}
	if got := ConvertResult("c1", result).Output; got != `{"msg":"hi"}` {
		t.Errorf("Output = %q", got)
	}
}

func TestNewDialer_Kinds(t *testing.T) {
	starter := &pipeStarter{t: t}
	tests := []struct {
		kind    config.TransportKind
		starter ContainerStarter
		want    string
		wantErr bool
	}{
		{config.KindLocalProcess, nil, "*mcp.processDialer", false},
		{config.KindManagedContainer, starter, "*mcp.containerDialer", false},
		{config.KindManagedContainer, nil, "mcp.unavailableDialer", false},
		{config.KindRemoteStream, nil, "*mcp.remoteDialer", false},
		{"carrier-pigeon", nil, "", true},
	}

	for _, tt := range tests {
		d, err := NewDialer(config.ServerDescriptor{ID: "x", Kind: tt.kind}, tt.starter)
		if tt.wantErr {
			if err == nil {
				t.Errorf("kind %q: expected error", tt.kind)
			}
			continue
		}
		if err != nil {
			t.Errorf("kind %q: %v", tt.kind, err)
			continue
		}
		if got := typeName(d); got != tt.want {
			t.Errorf("kind %q: dialer %s, want %s", tt.kind, got, tt.want)
		}
	}
}

func typeName(d Dialer) string {
	switch d.(type) {
	case *processDialer:
		return "*mcp.processDialer"
	case *containerDialer:
		return "*mcp.containerDialer"
	case *remoteDialer:
		return "*mcp.remoteDialer"
	case unavailableDialer:
		return "mcp.unavailableDialer"
	}
	return "unknown"
}

func TestNewDialer_ContainerWithoutRuntime(t *testing.T) {
	d, err := NewDialer(config.ServerDescriptor{ID: "boxed", Kind: config.KindManagedContainer}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err = d.Connect(context.Background(), mcp.NewClient(&mcp.Implementation{Name: "test"}, nil))
	if !errors.Is(err, containers.ErrNoRuntime) {
		t.Fatalf("expected ErrNoRuntime, got %v", err)
	}
	if kind := api.KindOf(err); kind != api.KindContainer {
		t.Errorf("kind = %q, want %q", kind, api.KindContainer)
	}
}

func TestContainerDialer_StartsThenRestarts(t *testing.T) {
	ps := &pipeStarter{t: t}
	d, err := NewDialer(config.ServerDescriptor{ID: "boxed", Kind: config.KindManagedContainer}, ps)
	if err != nil {
		t.Fatal(err)
	}

	connectAndEcho(t, d)
	connectAndEcho(t, d)

	if ps.starts != 1 || ps.restarts != 1 {
		t.Errorf("starts=%d restarts=%d, want 1 and 1", ps.starts, ps.restarts)
	}
}

func TestContainerDialer_StartFailureRetriesStart(t *testing.T) {
	ps := &pipeStarter{t: t, failWith: errors.New("image pull failed")}
	d, _ := NewDialer(config.ServerDescriptor{ID: "boxed", Kind: config.KindManagedContainer}, ps)

	if _, err := d.Connect(context.Background(), mcp.NewClient(Implementation, nil)); err == nil {
		t.Fatal("expected start failure")
	}

	ps.failWith = nil
	connectAndEcho(t, d)
	if ps.starts != 1 || ps.restarts != 0 {
		t.Errorf("starts=%d restarts=%d, want a fresh start after a failed one", ps.starts, ps.restarts)
	}
}

func TestRemoteDialer_StreamableWithHeaders(t *testing.T) {
	handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return echoServer() }, nil)

	var mu sync.Mutex
	var apiKeys []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		apiKeys = append(apiKeys, r.Header.Get("X-Api-Key"))
		mu.Unlock()
		handler.ServeHTTP(w, r)
	}))
	defer srv.Close()

	d, err := NewDialer(config.ServerDescriptor{
		ID:        "remote",
		Kind:      config.KindRemoteStream,
		Transport: config.TransportStreamableHTTP,
		URL:       srv.URL,
		Headers:   map[string]string{"X-Api-Key": "secret"},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	connectAndEcho(t, d)

	mu.Lock()
	defer mu.Unlock()
	if len(apiKeys) == 0 {
		t.Fatal("server saw no requests")
	}
	for _, k := range apiKeys {
		if k != "secret" {
			t.Errorf("request without configured header: %q", k)
		}
	}
}

func TestRemoteDialer_UnreachableReportsBothTransports(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	d, _ := NewDialer(config.ServerDescriptor{
		ID:        "remote",
		Kind:      config.KindRemoteStream,
		Transport: config.TransportStreamableHTTP,
		URL:       srv.URL,
	}, nil)

	_, err := d.Connect(context.Background(), mcp.NewClient(Implementation, nil))
	if err == nil {
		t.Fatal("expected connect error")
	}
	if msg := err.Error(); !strings.Contains(msg, "streamable HTTP") || !strings.Contains(msg, "SSE") {
		t.Errorf("error %q should report both attempts", msg)
	}
}
