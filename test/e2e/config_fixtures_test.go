package e2e

import (
	"fmt"
	"strings"
)

// e2eConfig builds service config with quiet logging and an ephemeral HTTP port.
// Params: store section body and optional extra sections.
// Returns: TOML document.
func e2eConfig(store string, extra ...string) string {
	sections := []string{
		`[service]
name = "linkroute-e2e"`,
		`[log.console]
enabled = true
level = "error"
format = "line"`,
		`[api.http]
enabled = true
listen = "127.0.0.1:0"`,
		"[store]\n" + store,
	}
	sections = append(sections, extra...)
	return strings.Join(sections, "\n\n") + "\n"
}

// natsSections enables NATS API and KV backend on one server.
// Params: NATS URL and KV bucket name.
// Returns: store body and extra sections for e2eConfig.
func natsSections(natsURL, bucket string) (string, []string) {
	store := fmt.Sprintf("backend = \"nats\"\nbucket = %q", bucket)
	extra := []string{
		"[api.nats]\nenabled = true",
		fmt.Sprintf("[nats]\nurl = [%q]", natsURL),
	}
	return store, extra
}

const personalSeeds = `[account.personal.no_match]
mode = "system_browser"

[[account.personal.domain]]
pattern = "https://example.com/app/"
mode = "service_running_tab"
target = "svc-mail"`
