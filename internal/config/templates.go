package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "sortctl", "":
		return sortctlTemplate, nil
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

const sortctlTemplate = `id = "sorter.local"
admin_addr = "127.0.0.1:7020"
cors_origins = ["http://localhost:3000"]
journal_path = "local/sortctl.db"
restore_counts = false

[serial]
port = ""
baud = 115200
dtr = false
usb_only = false
read_timeout = "5s"
write_timeout = "1s"
settle_delay = "5.5s"
retries = 5
max_frame_bytes = 4096
retry_delay = "2s"
retry_multiplier = 1.0
retry_max_delay = "0s"
retry_jitter = false

[classifier]
kind = "random"
interval = "0s"

[mqtt]
broker = ""
client_id = "sortctl"
topic = "sortctl"
qos = 1

[[cages]]
name = "Cage 1"
capacity = 20000
male_percentage = 30
fire_action = "1"

[[cages]]
name = "Cage 2"
capacity = 20000
male_percentage = 30
fire_action = "2"

[[cages]]
name = "Trash"
capacity = 0
male_percentage = 30
fire_action = "3"
`

const benchTemplate = `id = "sorter.bench"
admin_addr = "127.0.0.1:7020"
journal_path = "local/bench.db"

[serial]
read_timeout = "500ms"
settle_delay = "0s"
retries = 3
retry_delay = "100ms"
retry_multiplier = 2.0
retry_max_delay = "1s"

[classifier]
kind = "random"
interval = "250ms"

[[cages]]
name = "Bench A"
capacity = 20
male_percentage = 50
fire_action = "1"

[[cages]]
name = "Bench Trash"
capacity = 0
male_percentage = 50
fire_action = "2"
`
