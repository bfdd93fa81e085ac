package config

import (
	"fmt"
	"os"
	"strings"
)

// Kinds lists the template names Template accepts.
var Kinds = []string{"keyserver", "proxy", "bench"}

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "keyserver":
		return keyServerTemplate, nil
	case "proxy":
		return proxyTemplate, nil
	case "bench":
		return benchTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

// Validate loads path as kind and reports the first problem.
func Validate(path, kind string) error {
	var err error
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "keyserver":
		_, err = LoadKeyServerConfig(path)
	case "proxy":
		_, err = LoadProxyConfig(path)
	case "bench":
		_, err = LoadBenchConfig(path)
	default:
		err = fmt.Errorf("unknown config kind: %s", kind)
	}
	return err
}

const keyServerTemplate = `node_id = "keyless.local"
max_connections = 1024

[listen]
network = "tcp"
address = ":2407"
security_mode = "development"
handshake_timeout = "5s"

[listen.tls]
enabled = false
cert_file = "certs/keyserver.crt"
key_file = "certs/keyserver.key"
ca_file = "certs/ca.crt"
mutual = false

[session]
max_in_flight = 128
queue_depth = 256
op_timeout = "2s"
write_timeout = "5s"

[keys]
dir = "keys"
watch = true

[admin]
addr = "127.0.0.1:9240"
token = ""
cors_origins = ["http://localhost:3000"]
`

const proxyTemplate = `node_id = "proxy.local"
max_connections = 1024

[listen]
network = "tcp"
address = ":2408"
security_mode = "development"

[session]
max_in_flight = 128
op_timeout = "2s"

[upstream]
network = "tcp"
address = "127.0.0.1:2407"
security_mode = "development"
connect_timeout = "5s"
max_connect_attempts = 0
ping_interval = "10s"

[upstream.tls]
enabled = false
server_name = "keyserver"

[upstream.session]
mode = "multiplex"
max_in_flight = 512
response_timeout = "10s"
late_response_window = "30s"

[admin]
addr = "127.0.0.1:9241"
`

const benchTemplate = `opcode = "ping"
cert_file = ""
ski = ""
message = "keyless bench"
concurrency = 8
requests = 10000
duration = "0s"
rate = 0.0
pool = 0
timeout = "5s"

[target]
network = "tcp"
address = "127.0.0.1:2407"

[target.tls]
enabled = false

[session]
mode = "multiplex"
max_in_flight = 128
`
