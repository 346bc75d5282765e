package scanner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/exec"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/gzhole/counteragent/internal/session"
	"github.com/gzhole/counteragent/internal/transport"
)

// ClientName identifies the audit client to servers.
const ClientName = "counteragent-audit"

// ErrNoServerInfo is returned when the initialize result is empty.
var ErrNoServerInfo = errors.New("server returned no initialize result")

// ClientTransport builds the go-sdk transport for target.
func ClientTransport(target transport.Target, client *http.Client) (sdk.Transport, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	if client == nil {
		client = http.DefaultClient
	}
	switch target.Transport {
	case session.TransportSSE:
		return &sdk.SSEClientTransport{Endpoint: target.URL, HTTPClient: client}, nil
	case session.TransportStreamableHTTP:
		return &sdk.StreamableClientTransport{Endpoint: target.URL, HTTPClient: client, MaxRetries: -1}, nil
	default:
		return &sdk.CommandTransport{Command: exec.Command(target.Command[0], target.Command[1:]...)}, nil
	}
}

// Discover connects over t, initializes, and lists whatever the server
// advertises. Lists the server does not advertise are left empty.
func Discover(ctx context.Context, t sdk.Transport, version string) (*ServerDescription, error) {
	if version == "" {
		version = "dev"
	}
	client := sdk.NewClient(&sdk.Implementation{Name: ClientName, Version: version}, nil)
	cs, err := client.Connect(ctx, t, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	defer cs.Close()

	initRes := cs.InitializeResult()
	if initRes == nil {
		return nil, ErrNoServerInfo
	}
	desc := &ServerDescription{
		ProtocolVersion: initRes.ProtocolVersion,
		Instructions:    initRes.Instructions,
	}
	if initRes.ServerInfo != nil {
		desc.Name = initRes.ServerInfo.Name
		desc.Version = initRes.ServerInfo.Version
	}

	caps := initRes.Capabilities
	if caps == nil {
		return desc, nil
	}
	if caps.Tools != nil {
		for tool, err := range cs.Tools(ctx, nil) {
			if err != nil {
				return nil, fmt.Errorf("failed to list tools: %w", err)
			}
			desc.Tools = append(desc.Tools, tool)
		}
	}
	if caps.Resources != nil {
		for res, err := range cs.Resources(ctx, nil) {
			if err != nil {
				return nil, fmt.Errorf("failed to list resources: %w", err)
			}
			desc.Resources = append(desc.Resources, res)
		}
	}
	if caps.Prompts != nil {
		for p, err := range cs.Prompts(ctx, nil) {
			if err != nil {
				return nil, fmt.Errorf("failed to list prompts: %w", err)
			}
			desc.Prompts = append(desc.Prompts, p)
		}
	}
	return desc, nil
}
