package podexec

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"k8s.io/client-go/rest"
)

// channel.k8s.io frame channel indices: three multiplexed byte streams
// plus the resize channel the keepalive loop drives.
const (
	channelStdin  = 0
	channelStdout = 1
	channelStderr = 2
	channelError  = 3
	channelResize = 4
)

var execSubprotocols = []string{"v4.channel.k8s.io", "channel.k8s.io"}

// execWebSocketURL builds the attach/exec subresource URL for pod/container.
func execWebSocketURL(host, namespace, pod, container string, command []string, stdin bool) (string, error) {
	u, err := url.Parse(host)
	if err != nil {
		return "", fmt.Errorf("invalid API server host %q: %w", host, err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = path.Join(u.Path, fmt.Sprintf("/api/v1/namespaces/%s/pods/%s/exec", namespace, pod))

	q := u.Query()
	q.Set("container", container)
	for _, c := range command {
		q.Add("command", c)
	}
	q.Set("stdin", strconv.FormatBool(stdin))
	q.Set("stdout", "true")
	q.Set("stderr", "true")
	q.Set("tty", "false")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// dialExec opens the websocket exec channel for cfg, reusing the same
// *rest.Config the rest of the client talks with, but over gorilla/websocket
// against the channel.k8s.io subprotocol family rather than SPDY.
func dialExec(cfg *rest.Config, namespace, pod, container string, command []string, stdin bool) (*websocket.Conn, *http.Response, error) {
	wsURL, err := execWebSocketURL(cfg.Host, namespace, pod, container, command, stdin)
	if err != nil {
		return nil, nil, err
	}

	tlsConfig, err := rest.TLSConfigFor(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build TLS config: %w", err)
	}

	dialer := &websocket.Dialer{
		TLSClientConfig: tlsConfig,
		Subprotocols:    execSubprotocols,
	}

	header := http.Header{}
	if token := bearerToken(cfg); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	return dialer.Dial(wsURL, header)
}

// bearerToken resolves the config's bearer token, falling back to reading
// BearerTokenFile directly the way client-go's own transport config does
// for service-account token mounts.
func bearerToken(cfg *rest.Config) string {
	if cfg.BearerToken != "" {
		return cfg.BearerToken
	}
	if cfg.BearerTokenFile == "" {
		return ""
	}
	data, err := os.ReadFile(cfg.BearerTokenFile)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
