package amqp091

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ParseURI parses an amqp:// URI into factory options. Recognized query
// parameters: channel_max, frame_max, connect_timeout (seconds).
//
// TLS is not supported; amqps:// URIs are rejected.
func ParseURI(uri string) ([]Option, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("parse uri: %w", err)
	}

	switch u.Scheme {
	case "amqp":
	case "amqps":
		return nil, fmt.Errorf("amqps is not supported: this client does not speak TLS")
	default:
		return nil, fmt.Errorf("unsupported scheme: %q", u.Scheme)
	}

	var opts []Option

	if host := u.Hostname(); host != "" {
		opts = append(opts, WithHost(host))
	}

	if portStr := u.Port(); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid port %q", portStr)
		}
		opts = append(opts, WithPort(port))
	}

	if u.User != nil {
		username := u.User.Username()
		password, _ := u.User.Password()
		opts = append(opts, WithCredentials(username, password))
	}

	if vhost := vhostFromPath(u.Path); vhost != "" {
		opts = append(opts, WithVHost(vhost))
	}

	query := u.Query()

	if v := query.Get("channel_max"); v != "" {
		max, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid channel_max %q", v)
		}
		opts = append(opts, WithChannelMax(uint16(max)))
	}

	if v := query.Get("frame_max"); v != "" {
		max, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid frame_max %q", v)
		}
		opts = append(opts, WithFrameMax(uint32(max)))
	}

	if v := query.Get("connect_timeout"); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid connect_timeout %q", v)
		}
		opts = append(opts, WithConnectTimeout(time.Duration(seconds)*time.Second))
	}

	return opts, nil
}

// vhostFromPath extracts the vhost from a URI path. "/" means the default
// vhost and an empty path means no vhost was given; "/%2f" decodes to "/".
func vhostFromPath(path string) string {
	if path == "" {
		return ""
	}
	vhost := strings.TrimPrefix(path, "/")
	if vhost == "" {
		return "/"
	}
	return vhost
}
