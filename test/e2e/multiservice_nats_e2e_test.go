package e2e

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"linkroute/internal/api"
	"linkroute/internal/domain"
	"linkroute/test/testutil"
)

func TestMultiServiceNATSSharedRules(t *testing.T) {
	if testing.Short() {
		t.Skip("skip e2e test in short mode")
	}
	natsURL := startLocalNATSServer(t)
	store, extra := natsSections(natsURL, "rules_e2e")

	serviceA := newServiceFromConfig(t, e2eConfig(store, extra...))
	urlA := runService(t, serviceA)
	serviceB := newServiceFromConfig(t, e2eConfig(store, extra...))
	urlB := runService(t, serviceB)

	status := callJSON(t, http.MethodPost, urlA+"/v1/remember", domain.RememberRequest{
		AccountID: "team@example.com",
		Scope:     domain.ScopeDomain,
		Mode:      domain.ModeCustomProvider,
		Target:    "docs-provider",
		Pattern:   "https://docs.example.com/d/",
	}, nil)
	if status != http.StatusNoContent {
		t.Fatalf("remember on A: %d", status)
	}

	waitFor(t, 5*time.Second, func() bool {
		var outcome domain.Outcome
		callJSON(t, http.MethodPost, urlB+"/v1/resolve", domain.LinkOpenRequest{
			TargetURL: "https://docs.example.com/d/42",
			AccountID: "team@example.com",
		}, &outcome)
		return outcome.IsDecided() && outcome.Decision.Target == "docs-provider"
	})

	nc := testutil.Connect(t, natsURL)
	msg, err := nc.Request(api.Subject("linkroute", "rules"), []byte(`{"account_id":"team@example.com"}`), 2*time.Second)
	if err != nil {
		t.Fatalf("nats rules request: %v", err)
	}
	var set domain.AccountRuleSet
	if err := json.Unmarshal(msg.Data, &set); err != nil {
		t.Fatalf("decode nats rules reply: %v", err)
	}
	if set.Version != 1 || len(set.DomainRules) != 1 {
		t.Fatalf("unexpected rule set over nats %+v", set)
	}

	msg, err = nc.Request(api.Subject("linkroute", "resolve"), []byte(`{"account_id":"team@example.com","target_url":"https://docs.example.com/d/7","is_command_trigger":true}`), 2*time.Second)
	if err != nil {
		t.Fatalf("nats resolve request: %v", err)
	}
	var outcome domain.Outcome
	if err := json.Unmarshal(msg.Data, &outcome); err != nil {
		t.Fatalf("decode nats resolve reply: %v", err)
	}
	if outcome.Reason != domain.ReasonCommandTrigger {
		t.Fatalf("command trigger must ask, got %+v", outcome)
	}
}
