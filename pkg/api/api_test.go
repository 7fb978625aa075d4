package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"calmweb/pkg/configdoc"
	"calmweb/pkg/database"
	"calmweb/pkg/filtering"
	"calmweb/pkg/logger"
	"calmweb/pkg/metrics"
	"calmweb/pkg/registry"
	"calmweb/pkg/settings"
	"calmweb/pkg/snapshot"
	"calmweb/pkg/sources"
	"calmweb/pkg/stats"
	"calmweb/pkg/updater"
)

type fakeUpdater struct {
	status    updater.Status
	triggered int
	err       error
}

func (f *fakeUpdater) Status() updater.Status { return f.status }

func (f *fakeUpdater) Trigger(context.Context) error {
	if f.err != nil {
		return f.err
	}
	f.triggered++
	return nil
}

type testAPI struct {
	handler   http.Handler
	publisher *snapshot.Publisher
	updates   *fakeUpdater
	logs      *logger.Buffer
}

func newTestAPI(t *testing.T, opts Options) *testAPI {
	t.Helper()
	return newTestAPIWithKV(t, opts, nil)
}

// newTestAPIWithKV lets wrap intercept the settings persistence channel.
func newTestAPIWithKV(t *testing.T, opts Options, wrap func(settings.KV) settings.KV) *testAPI {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := database.Open(ctx, filepath.Join(dir, "calmweb.db"), log)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	kv := database.NewKV(db)

	var settingsKV settings.KV = kv
	if wrap != nil {
		settingsKV = wrap(kv)
	}
	store, err := settings.Open(ctx, settingsKV, settings.Options{Log: log})
	if err != nil {
		t.Fatalf("open settings: %v", err)
	}
	m := metrics.New()
	aggregator, err := stats.Open(ctx, stats.NewSQLEventLog(db), kv, stats.Options{Log: log, Metrics: m})
	if err != nil {
		t.Fatalf("open stats: %v", err)
	}
	t.Cleanup(func() { _ = aggregator.Close() })

	publisher := snapshot.New(snapshot.Options{
		Document: configdoc.NewStore(filepath.Join(dir, "custom.cfg"), time.Second, log),
		Settings: store,
		Stats:    aggregator,
		Metrics:  m,
		Log:      log,
		StatsTTL: time.Nanosecond,
	})
	if err := publisher.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	catalog, err := sources.Open(ctx, kv, sources.Options{
		Configured: []filtering.Source{
			{ID: "ads", Location: "https://lists.example/ads.txt", Kind: filtering.KindBlock, Enabled: true},
			{ID: "trusted", Location: "https://lists.example/trusted.txt", Kind: filtering.KindAllow, Enabled: true},
		},
		Catalog: map[string]filtering.ListDefinition{},
		Log:     log,
	})
	if err != nil {
		t.Fatalf("open sources: %v", err)
	}

	a := &testAPI{
		publisher: publisher,
		updates:   &fakeUpdater{status: updater.Status{State: updater.StateIdle, LastUpdateHuman: "Never", IntervalHours: 24}},
		logs:      logger.NewBuffer(10),
	}
	opts.Publisher = publisher
	opts.Events = aggregator
	opts.Updater = a.updates
	opts.Sources = catalog
	opts.Logs = a.logs
	opts.Metrics = m
	opts.Log = log
	opts.Version = "test"
	a.handler = NewRouter(opts)
	return a
}

func (a *testAPI) do(t *testing.T, method, path, contentType, body string) (int, gjson.Result, string) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	raw := rec.Body.String()
	return rec.Code, gjson.Parse(raw), raw
}

func (a *testAPI) post(t *testing.T, path, body string) (int, gjson.Result) {
	t.Helper()
	code, res, _ := a.do(t, http.MethodPost, path, "application/json", body)
	return code, res
}

func (a *testAPI) get(t *testing.T, path string) (int, gjson.Result) {
	t.Helper()
	code, res, _ := a.do(t, http.MethodGet, path, "", "")
	return code, res
}

func TestDomainLifecycle(t *testing.T) {
	a := newTestAPI(t, Options{})

	code, res := a.post(t, "/api/domains/add", `{"domain":"Evil.COM.","list_type":"blocked"}`)
	if code != http.StatusOK || !res.Get("added").Bool() || res.Get("domain").String() != "evil.com" {
		t.Fatalf("add: %d %s", code, res.Raw)
	}
	code, res = a.post(t, "/api/domains/add", `{"domain":"evil.com","list_type":"block"}`)
	if code != http.StatusOK || res.Get("added").Bool() {
		t.Errorf("duplicate add should succeed without adding: %d %s", code, res.Raw)
	}

	_, res = a.get(t, "/api/domains")
	if got := res.Get("manual_blocked").String(); got != `["evil.com"]` {
		t.Errorf("unexpected manual_blocked %s", got)
	}
	if res.Get("counts.total_blocked").Int() != 1 || res.Get("counts.manual_blocked").Int() != 1 {
		t.Errorf("unexpected counts %s", res.Get("counts").Raw)
	}
	if !res.Get("manual_allowed").IsArray() || len(res.Get("manual_allowed").Array()) != 0 {
		t.Errorf("manual_allowed should be an empty array, got %s", res.Get("manual_allowed").Raw)
	}

	code, res = a.post(t, "/api/domains/remove", `{"domain":"evil.com","list_type":"blocked"}`)
	if code != http.StatusOK || !res.Get("removed").Bool() {
		t.Errorf("remove: %d %s", code, res.Raw)
	}
	code, res = a.post(t, "/api/domains/remove", `{"domain":"evil.com","list_type":"blocked"}`)
	if code != http.StatusOK || res.Get("removed").Bool() {
		t.Errorf("removing an absent domain should be a no-op: %d %s", code, res.Raw)
	}
}

func TestDomainRequestErrors(t *testing.T) {
	a := newTestAPI(t, Options{})
	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"invalid domain", "/api/domains/add", `{"domain":"not a domain","list_type":"blocked"}`, http.StatusBadRequest},
		{"missing domain", "/api/domains/add", `{"list_type":"blocked"}`, http.StatusBadRequest},
		{"unknown list", "/api/domains/add", `{"domain":"a.example","list_type":"greylist"}`, http.StatusBadRequest},
		{"malformed json", "/api/domains/add", `{"domain":`, http.StatusBadRequest},
		{"missing clear list", "/api/domains/clear", `{}`, http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			code, res := a.post(t, tc.path, tc.body)
			if code != tc.want {
				t.Errorf("expected %d, got %d %s", tc.want, code, res.Raw)
			}
			if res.Get("success").Bool() || res.Get("error").String() == "" {
				t.Errorf("expected an error body, got %s", res.Raw)
			}
		})
	}
}

func TestRemoveExternalDomainConflicts(t *testing.T) {
	a := newTestAPI(t, Options{})
	if _, err := a.publisher.RefreshExternal(registry.Blocked, []string{"ads.example"}); err != nil {
		t.Fatalf("refresh external: %v", err)
	}
	before := a.publisher.Current().Version

	code, res := a.post(t, "/api/domains/remove", `{"domain":"ads.example","list_type":"blocked"}`)
	if code != http.StatusConflict {
		t.Errorf("expected 409, got %d %s", code, res.Raw)
	}
	if a.publisher.Current().Version != before {
		t.Error("a rejected removal must not publish a new state")
	}
}

func TestDomainsDisplayLimit(t *testing.T) {
	a := newTestAPI(t, Options{MaxExternalBlocked: 2})
	if _, err := a.publisher.RefreshExternal(registry.Blocked, []string{"a.example", "b.example", "c.example"}); err != nil {
		t.Fatalf("refresh external: %v", err)
	}
	_, res := a.get(t, "/api/domains")
	if !res.Get("display_limited").Bool() {
		t.Error("expected display_limited")
	}
	if n := len(res.Get("blocked").Array()); n != 2 {
		t.Errorf("expected 2 displayed blocked entries, got %d", n)
	}
	if res.Get("counts.external_blocked").Int() != 3 {
		t.Errorf("counts must cover the full list, got %s", res.Get("counts").Raw)
	}
}

func TestClearBothLists(t *testing.T) {
	a := newTestAPI(t, Options{})
	a.post(t, "/api/domains/add", `{"domain":"evil.com","list_type":"blocked"}`)
	a.post(t, "/api/domains/add", `{"domain":"good.com","list_type":"allowed"}`)

	code, res := a.post(t, "/api/domains/clear", `{"list_type":"both"}`)
	if code != http.StatusOK || res.Get("cleared_count").Int() != 2 {
		t.Fatalf("clear: %d %s", code, res.Raw)
	}
	_, res = a.get(t, "/api/domains")
	if res.Get("counts.total_blocked").Int() != 0 || res.Get("counts.total_allowed").Int() != 0 {
		t.Errorf("expected empty lists, got %s", res.Get("counts").Raw)
	}
}

func TestSettingsUpdate(t *testing.T) {
	a := newTestAPI(t, Options{})

	_, res := a.get(t, "/api/settings")
	if !res.Get("block_ip_direct").Bool() || !res.Get("protection_enabled").Bool() {
		t.Fatalf("unexpected defaults %s", res.Raw)
	}

	code, res := a.post(t, "/api/settings", `{"block_ip_direct":false,"block_http_traffic":true}`)
	if code != http.StatusOK {
		t.Fatalf("update: %d %s", code, res.Raw)
	}
	if got := res.Get("changed").String(); got != `["block_ip_direct"]` {
		t.Errorf("unexpected changed %s", got)
	}
	if res.Get("settings.block_ip_direct").Bool() {
		t.Errorf("expected block_ip_direct off, got %s", res.Raw)
	}

	_, _, text := a.do(t, http.MethodGet, "/api/config", "", "")
	if !strings.Contains(text, "block_ip_direct = 0") {
		t.Errorf("config projection not updated:\n%s", text)
	}

	code, _ = a.post(t, "/api/settings/update", `{"block_ip_direct":"yes"}`)
	if code != http.StatusBadRequest {
		t.Errorf("non-boolean value: expected 400, got %d", code)
	}
	code, _ = a.post(t, "/api/settings", `{"block_everything":true}`)
	if code != http.StatusBadRequest {
		t.Errorf("unknown key: expected 400, got %d", code)
	}
}

type protectionFailKV struct {
	settings.KV
}

func (f protectionFailKV) SetMany(ctx context.Context, values map[string]string) error {
	if _, ok := values["protection_enabled"]; ok {
		return errors.New("disk unavailable")
	}
	return f.KV.SetMany(ctx, values)
}

func TestSettingsWithProtectionIsOneWrite(t *testing.T) {
	a := newTestAPI(t, Options{})
	before := a.publisher.Current().Version

	code, res := a.post(t, "/api/settings", `{"block_ip_direct":false,"protection_enabled":false}`)
	if code != http.StatusOK {
		t.Fatalf("update: %d %s", code, res.Raw)
	}
	if got := res.Get("changed").String(); got != `["block_ip_direct","protection_enabled"]` {
		t.Errorf("unexpected changed %s", got)
	}
	if got := a.publisher.Current().Version; got != before+1 {
		t.Errorf("expected one published state, version went from %d to %d", before, got)
	}
}

func TestSettingsFailedSaveKeepsPreviousState(t *testing.T) {
	a := newTestAPIWithKV(t, Options{}, func(kv settings.KV) settings.KV { return protectionFailKV{KV: kv} })
	before := a.publisher.Current().Version

	code, _ := a.post(t, "/api/settings", `{"block_ip_direct":false,"protection_enabled":false}`)
	if code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", code)
	}
	_, res := a.get(t, "/api/settings")
	if !res.Get("block_ip_direct").Bool() || !res.Get("protection_enabled").Bool() {
		t.Errorf("a failed save must leave settings untouched, got %s", res.Raw)
	}
	if a.publisher.Current().Version != before {
		t.Error("a failed save must not publish a new state")
	}
}

func TestProtectionToggleAndCheck(t *testing.T) {
	a := newTestAPI(t, Options{})
	a.post(t, "/api/domains/add", `{"domain":"evil.com","list_type":"blocked"}`)

	_, res := a.get(t, "/api/check?domain=evil.com")
	if !res.Get("blocked").Bool() || res.Get("reason").String() != "blocklist" {
		t.Errorf("expected a blocklist decision, got %s", res.Raw)
	}

	code, res := a.post(t, "/api/protection/toggle", "")
	if code != http.StatusOK || res.Get("protection_enabled").Bool() {
		t.Fatalf("toggle: %d %s", code, res.Raw)
	}
	_, res = a.get(t, "/api/check?domain=evil.com")
	if res.Get("blocked").Bool() || res.Get("reason").String() != "protection_disabled" {
		t.Errorf("expected protection off, got %s", res.Raw)
	}

	_, res = a.post(t, "/api/protection/toggle", `{"enabled":true}`)
	if !res.Get("protection_enabled").Bool() {
		t.Errorf("expected protection on, got %s", res.Raw)
	}

	code, _ = a.get(t, "/api/check")
	if code != http.StatusBadRequest {
		t.Errorf("missing domain: expected 400, got %d", code)
	}
}

func TestConfigRoundTrip(t *testing.T) {
	a := newTestAPI(t, Options{})
	doc := "[BLOCK]\nevil.com\nnot a domain\n[WHITELIST]\ngood.com\n[OPTIONS]\nblock_ip_direct = 0\n"

	code, res, _ := a.do(t, http.MethodPost, "/api/config", "text/plain", doc)
	if code != http.StatusOK || !res.Get("success").Bool() {
		t.Fatalf("save config: %d %s", code, res.Raw)
	}
	if got := res.Get("rejected").String(); got != `["not a domain"]` {
		t.Errorf("unexpected rejected %s", got)
	}

	_, _, text := a.do(t, http.MethodGet, "/api/config", "", "")
	if text != string(a.publisher.Document()) {
		t.Errorf("GET /api/config should serve the document projection")
	}
	parsed, err := configdoc.Parse([]byte(text))
	if err != nil {
		t.Fatalf("parse served document: %v", err)
	}
	if len(parsed.Blocked) != 1 || parsed.Blocked[0] != "evil.com" || parsed.Settings.BlockIPDirect {
		t.Errorf("unexpected served document %+v", parsed)
	}

	code, _, _ = a.do(t, http.MethodPost, "/api/config", "application/json", `{"content":"[BLOCK]\nother.com\n"}`)
	if code != http.StatusOK {
		t.Fatalf("save JSON config: %d", code)
	}
	if got := a.publisher.Current().Domains.Manual(registry.Blocked); len(got) != 1 || got[0] != "other.com" {
		t.Errorf("expected the document to replace the manual lists, got %v", got)
	}
}

func TestEventsFeedStats(t *testing.T) {
	a := newTestAPI(t, Options{})

	code, res := a.post(t, "/api/events", `[
		{"outcome":"blocked","domain":"ads.example","source_address":"10.0.0.2"},
		{"outcome":"blocked","domain":"ads.example"},
		{"outcome":"allowed","domain":"news.example","timestamp":"`+time.Now().Format(time.RFC3339)+`"}
	]`)
	if code != http.StatusAccepted || res.Get("recorded").Int() != 3 {
		t.Fatalf("record: %d %s", code, res.Raw)
	}

	_, res = a.get(t, "/api/stats")
	if res.Get("blocked_today").Int() != 2 || res.Get("allowed_today").Int() != 1 {
		t.Errorf("unexpected daily counters %s", res.Raw)
	}
	if res.Get("lifetime_stats.total_requests").Int() != 3 {
		t.Errorf("unexpected lifetime counters %s", res.Get("lifetime_stats").Raw)
	}
	if got := res.Get("lifetime_stats.top_blocked_domains.0.domain").String(); got != "ads.example" {
		t.Errorf("unexpected top domain %q", got)
	}
	if !res.Get("protection_enabled").Exists() {
		t.Error("stats should report the protection flag")
	}

	_, legacy := a.get(t, "/data.json")
	if legacy.Get("blocked_today").Int() != 2 {
		t.Errorf("/data.json should serve the same report, got %s", legacy.Raw)
	}
}

func TestEventsRejectBadBatch(t *testing.T) {
	a := newTestAPI(t, Options{})
	code, _ := a.post(t, "/api/events", `[{"outcome":"blocked","domain":"a.example"},{"outcome":"maybe","domain":"b.example"}]`)
	if code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
	_, res := a.get(t, "/api/stats")
	if res.Get("total_requests").Int() != 0 {
		t.Errorf("a rejected batch must record nothing, got %s", res.Raw)
	}
}

func TestUpdateEndpoints(t *testing.T) {
	a := newTestAPI(t, Options{})

	_, res := a.get(t, "/api/update/status")
	if res.Get("status").String() != "idle" || res.Get("update_interval_hours").Float() != 24 {
		t.Errorf("unexpected status %s", res.Raw)
	}

	code, res := a.post(t, "/api/update/trigger", "")
	if code != http.StatusAccepted || a.updates.triggered != 1 {
		t.Errorf("trigger: %d %s", code, res.Raw)
	}

	a.updates.err = updater.ErrInProgress
	code, _ = a.post(t, "/api/update/trigger", "")
	if code != http.StatusConflict {
		t.Errorf("expected 409 while running, got %d", code)
	}
}

func TestLogsNewestLast(t *testing.T) {
	a := newTestAPI(t, Options{})
	_, _ = a.logs.Write([]byte("first\n"))
	_, _ = a.logs.Write([]byte("second\n"))

	_, res := a.get(t, "/api/logs")
	lines := res.Array()
	if len(lines) != 2 || !strings.HasSuffix(lines[1].String(), "second") {
		t.Errorf("expected newest last, got %s", res.Raw)
	}
}

func TestMutationsAreRateLimited(t *testing.T) {
	a := newTestAPI(t, Options{RateLimit: 1, Burst: 1})
	if code, _ := a.post(t, "/api/protection/toggle", ""); code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", code)
	}
	if code, _ := a.post(t, "/api/protection/toggle", ""); code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", code)
	}
	if code, _ := a.get(t, "/api/settings"); code != http.StatusOK {
		t.Errorf("reads must not be rate limited, got %d", code)
	}
}

func TestHealthSnapshotAndMetrics(t *testing.T) {
	a := newTestAPI(t, Options{})

	_, res := a.get(t, "/health")
	if res.Get("status").String() != "ok" || res.Get("version").String() != "test" {
		t.Errorf("unexpected health %s", res.Raw)
	}

	_, res = a.get(t, "/api/snapshot")
	state := a.publisher.Current()
	if uint64(res.Get("version").Int()) != state.Version || res.Get("instance_id").String() != state.InstanceID {
		t.Errorf("snapshot does not match the current state: %s", res.Raw)
	}

	code, _, text := a.do(t, http.MethodGet, "/metrics", "", "")
	if code != http.StatusOK || !strings.Contains(text, "calmweb_snapshot_version") {
		t.Errorf("unexpected metrics output %d", code)
	}
}

func TestBlocklistsLifecycle(t *testing.T) {
	a := newTestAPI(t, Options{})

	_, res := a.get(t, "/api/blocklists")
	if res.Get("counts.external_blocklists").Int() != 1 || res.Get("counts.external_whitelists").Int() != 1 {
		t.Fatalf("unexpected defaults %s", res.Raw)
	}
	if res.Get("blocklists.0.url").String() != "https://lists.example/ads.txt" || !res.Get("blocklists.0.enabled").Bool() {
		t.Errorf("unexpected blocklist entry %s", res.Get("blocklists.0").Raw)
	}

	code, res := a.post(t, "/api/blocklists/add", `{"url":"https://example.org/lists/bad-hosts.txt","list_type":"blocklist"}`)
	if code != http.StatusOK || res.Get("name").String() != "Bad Hosts" || !res.Get("update_started").Bool() {
		t.Fatalf("add: %d %s", code, res.Raw)
	}
	if a.updates.triggered != 1 {
		t.Errorf("adding a list should start a refresh, got %d", a.updates.triggered)
	}
	code, _ = a.post(t, "/api/blocklists/add", `{"url":"https://example.org/lists/bad-hosts.txt","list_type":"blocklist"}`)
	if code != http.StatusConflict {
		t.Errorf("duplicate url: expected 409, got %d", code)
	}

	code, res = a.post(t, "/api/blocklists/toggle", `{"url":"https://lists.example/trusted.txt","list_type":"whitelist","enabled":false}`)
	if code != http.StatusOK || res.Get("entry.enabled").Bool() {
		t.Errorf("toggle: %d %s", code, res.Raw)
	}

	code, _ = a.post(t, "/api/blocklists/remove", `{"url":"https://example.org/lists/bad-hosts.txt","list_type":"blocklist"}`)
	if code != http.StatusOK {
		t.Errorf("remove: expected 200, got %d", code)
	}
	code, _ = a.post(t, "/api/blocklists/remove", `{"url":"https://example.org/lists/bad-hosts.txt","list_type":"blocklist"}`)
	if code != http.StatusNotFound {
		t.Errorf("removing an unknown url: expected 404, got %d", code)
	}

	code, res = a.post(t, "/api/blocklists/reset", "")
	if code != http.StatusOK || res.Get("blocklist_count").Int() != 1 || res.Get("whitelist_count").Int() != 1 {
		t.Errorf("reset: %d %s", code, res.Raw)
	}
	_, res = a.get(t, "/api/blocklists")
	if !res.Get("whitelists.0.enabled").Bool() {
		t.Errorf("reset should re-enable the default whitelist, got %s", res.Raw)
	}
}

func TestBlocklistRequestErrors(t *testing.T) {
	a := newTestAPI(t, Options{})
	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"invalid url", "/api/blocklists/add", `{"url":"ftp://example.org/list.txt","list_type":"blocklist"}`, http.StatusBadRequest},
		{"missing url", "/api/blocklists/add", `{"list_type":"blocklist"}`, http.StatusBadRequest},
		{"unknown list type", "/api/blocklists/add", `{"url":"https://example.org/a.txt","list_type":"greylist"}`, http.StatusBadRequest},
		{"toggle without flag", "/api/blocklists/toggle", `{"url":"https://lists.example/ads.txt","list_type":"blocklist"}`, http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			code, res := a.post(t, tc.path, tc.body)
			if code != tc.want {
				t.Errorf("expected %d, got %d %s", tc.want, code, res.Raw)
			}
		})
	}
	if a.updates.triggered != 0 {
		t.Errorf("rejected requests must not start a refresh, got %d", a.updates.triggered)
	}
}
