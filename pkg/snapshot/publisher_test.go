package snapshot_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"calmweb/pkg/configdoc"
	"calmweb/pkg/database"
	"calmweb/pkg/errs"
	"calmweb/pkg/filtering"
	"calmweb/pkg/registry"
	"calmweb/pkg/settings"
	"calmweb/pkg/snapshot"
	"calmweb/pkg/stats"
)

const exampleDocument = "[BLOCK]\nevil.com\n[WHITELIST]\n[OPTIONS]\nblock_ip_direct = 1\nblock_http_traffic = 0\nblock_http_other_ports = 0"

type countingStats struct {
	calls   atomic.Int32
	release chan struct{}
}

func (c *countingStats) Report() stats.Report {
	c.calls.Add(1)
	if c.release != nil {
		<-c.release
	}
	return stats.Report{Daily: stats.Daily{BlockedToday: 3}}
}

type fixture struct {
	dir      string
	docPath  string
	settings *settings.Store
	doc      *configdoc.Store
}

func newFixture(docPath string) fixture {
	dir := GinkgoT().TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := database.Open(context.Background(), filepath.Join(dir, "calmweb.db"), logger)
	Expect(err).ToNot(HaveOccurred())
	DeferCleanup(db.Close)

	store, err := settings.Open(context.Background(), database.NewKV(db), settings.Options{Log: logger})
	Expect(err).ToNot(HaveOccurred())

	if docPath == "" {
		docPath = filepath.Join(dir, "custom.cfg")
	}
	return fixture{
		dir:      dir,
		docPath:  docPath,
		settings: store,
		doc:      configdoc.NewStore(docPath, time.Second, logger),
	}
}

func (f fixture) publisher(opts snapshot.Options) *snapshot.Publisher {
	opts.Document = f.doc
	opts.Settings = f.settings
	opts.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	return snapshot.New(opts)
}

var _ = Describe("Publisher", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	Describe("Bootstrap", func() {
		It("loads the example document and rewrites its projection", func() {
			f := newFixture("")
			Expect(os.WriteFile(f.docPath, []byte(exampleDocument), 0o600)).To(Succeed())

			p := f.publisher(snapshot.Options{})
			Expect(p.Bootstrap(ctx)).To(Succeed())

			state := p.Current()
			Expect(state.Domains.Manual(registry.Blocked)).To(Equal([]string{"evil.com"}))
			Expect(state.Domains.Manual(registry.Allowed)).To(BeEmpty())
			Expect(state.Settings).To(Equal(settings.Settings{BlockIPDirect: true}))
			Expect(f.settings.Persisted()).To(BeTrue())

			written, err := os.ReadFile(f.docPath)
			Expect(err).ToNot(HaveOccurred())
			Expect(written).To(Equal(p.Document()))

			reparsed, err := configdoc.Parse(written)
			Expect(err).ToNot(HaveOccurred())
			Expect(reparsed.Blocked).To(Equal([]string{"evil.com"}))
			Expect(reparsed.Settings).To(Equal(state.Settings))
		})

		It("keeps stored settings over document options", func() {
			f := newFixture("")
			_, err := f.settings.Update(ctx, map[string]bool{settings.KeyBlockHTTPTraffic: true, settings.KeyBlockIPDirect: false})
			Expect(err).ToNot(HaveOccurred())
			Expect(os.WriteFile(f.docPath, []byte(exampleDocument), 0o600)).To(Succeed())

			p := f.publisher(snapshot.Options{})
			Expect(p.Bootstrap(ctx)).To(Succeed())

			Expect(p.Current().Settings.BlockIPDirect).To(BeFalse())
			Expect(p.Current().Settings.BlockHTTPTraffic).To(BeTrue())
			Expect(string(p.Document())).To(ContainSubstring("block_ip_direct = 0"))
		})

		It("creates the document when it does not exist", func() {
			f := newFixture("")
			p := f.publisher(snapshot.Options{})
			Expect(p.Bootstrap(ctx)).To(Succeed())
			Expect(f.docPath).To(BeAnExistingFile())
		})
	})

	Describe("domain mutations", func() {
		var (
			f fixture
			p *snapshot.Publisher
		)

		BeforeEach(func() {
			f = newFixture("")
			p = f.publisher(snapshot.Options{IncludeSubdomains: true})
			Expect(p.Bootstrap(ctx)).To(Succeed())
		})

		It("keeps external entries non-removable and manual entries removable", func() {
			_, err := p.RefreshExternal(registry.Blocked, []string{"a.example", "b.example"})
			Expect(err).ToNot(HaveOccurred())
			_, err = p.AddDomain(ctx, registry.Blocked, "c.example")
			Expect(err).ToNot(HaveOccurred())

			entries := p.Current().Domains.Entries(registry.Blocked)
			Expect(entries).To(HaveLen(3))
			removable := map[string]bool{}
			for _, e := range entries {
				removable[e.Domain] = e.Removable
			}
			Expect(removable).To(Equal(map[string]bool{"a.example": false, "b.example": false, "c.example": true}))
		})

		It("rejects removal of external entries without publishing", func() {
			_, err := p.RefreshExternal(registry.Blocked, []string{"a.example"})
			Expect(err).ToNot(HaveOccurred())
			before := p.Current()

			_, err = p.RemoveDomain(ctx, registry.Blocked, "a.example")
			Expect(err).To(MatchError(errs.ErrNotRemovable))
			Expect(p.Current()).To(BeIdenticalTo(before))
		})

		It("publishes once for repeated adds and not for absent removes", func() {
			start := p.Current().Version
			for i := 0; i < 2; i++ {
				_, err := p.AddDomain(ctx, registry.Allowed, "Trusted.Example.")
				Expect(err).ToNot(HaveOccurred())
			}
			Expect(p.Current().Version).To(Equal(start + 1))

			res, err := p.RemoveDomain(ctx, registry.Allowed, "absent.example")
			Expect(err).ToNot(HaveOccurred())
			Expect(res.Removed).To(BeFalse())
			Expect(p.Current().Version).To(Equal(start + 1))
		})

		It("persists manual lists into the document", func() {
			_, err := p.AddDomain(ctx, registry.Blocked, "ads.example")
			Expect(err).ToNot(HaveOccurred())
			doc, exists, err := f.doc.Load()
			Expect(err).ToNot(HaveOccurred())
			Expect(exists).To(BeTrue())
			Expect(doc.Blocked).To(Equal([]string{"ads.example"}))

			n, err := p.ClearDomains(ctx, registry.Lists...)
			Expect(err).ToNot(HaveOccurred())
			Expect(n).To(Equal(1))
			doc, _, err = f.doc.Load()
			Expect(err).ToNot(HaveOccurred())
			Expect(doc.Blocked).To(BeEmpty())
		})

		It("compiles a policy where the allowlist wins", func() {
			_, err := p.RefreshExternal(registry.Blocked, []string{"example.com"})
			Expect(err).ToNot(HaveOccurred())
			_, err = p.AddDomain(ctx, registry.Allowed, "safe.example.com")
			Expect(err).ToNot(HaveOccurred())

			policy := p.Current().Policy()
			Expect(policy.Decide("ads.example.com").Blocked).To(BeTrue())
			Expect(policy.Decide("safe.example.com").Reason).To(Equal(filtering.ReasonAllowlist))

			_, err = p.SetProtection(ctx, false)
			Expect(err).ToNot(HaveOccurred())
			Expect(p.Current().ProtectionEnabled).To(BeFalse())
			Expect(p.Current().Policy().Decide("ads.example.com").Reason).To(Equal(filtering.ReasonProtectionOff))
		})
	})

	Describe("settings", func() {
		It("rewrites the document projection after an update", func() {
			f := newFixture("")
			p := f.publisher(snapshot.Options{})
			Expect(p.Bootstrap(ctx)).To(Succeed())

			next, err := p.UpdateSettings(ctx, map[string]bool{settings.KeyBlockIPDirect: false})
			Expect(err).ToNot(HaveOccurred())
			Expect(next.BlockIPDirect).To(BeFalse())
			Expect(p.Current().Settings).To(Equal(next))

			written, err := os.ReadFile(f.docPath)
			Expect(err).ToNot(HaveOccurred())
			Expect(string(written)).To(ContainSubstring("block_ip_direct = 0"))
		})

		It("publishes options and protection as one state", func() {
			f := newFixture("")
			p := f.publisher(snapshot.Options{})
			Expect(p.Bootstrap(ctx)).To(Succeed())
			before := p.Current().Version

			off := false
			next, enabled, err := p.ApplySettings(ctx, map[string]bool{settings.KeyBlockHTTPTraffic: false}, &off)
			Expect(err).ToNot(HaveOccurred())
			Expect(enabled).To(BeFalse())
			Expect(p.Current().Version).To(Equal(before + 1))
			Expect(p.Current().Settings).To(Equal(next))
			Expect(p.Current().ProtectionEnabled).To(BeFalse())
		})

		It("toggles protection", func() {
			f := newFixture("")
			p := f.publisher(snapshot.Options{})
			enabled, err := p.ToggleProtection(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(enabled).To(BeFalse())
			Expect(p.Current().ProtectionEnabled).To(BeFalse())
		})
	})

	Describe("ApplyDocument", func() {
		It("applies options and domains as one publication", func() {
			f := newFixture("")
			p := f.publisher(snapshot.Options{})
			Expect(p.Bootstrap(ctx)).To(Succeed())
			start := p.Current().Version

			doc, err := p.ApplyText(ctx, []byte("[BLOCK]\nads.example\nnot a domain\n[WHITELIST]\nsafe.example\n[OPTIONS]\nblock_http_traffic = 0\n"))
			Expect(err).ToNot(HaveOccurred())
			Expect(doc.Rejected).To(Equal([]string{"not a domain"}))

			state := p.Current()
			Expect(state.Version).To(Equal(start + 1))
			Expect(state.Domains.Manual(registry.Blocked)).To(Equal([]string{"ads.example"}))
			Expect(state.Domains.Manual(registry.Allowed)).To(Equal([]string{"safe.example"}))
			Expect(state.Settings.BlockHTTPTraffic).To(BeFalse())
		})

		It("restores settings when the document cannot be written", func() {
			dir := GinkgoT().TempDir()
			blocker := filepath.Join(dir, "not-a-dir")
			Expect(os.WriteFile(blocker, nil, 0o600)).To(Succeed())
			f := newFixture(filepath.Join(blocker, "custom.cfg"))
			p := f.publisher(snapshot.Options{})
			before := p.Current()

			_, err := p.ApplyText(ctx, []byte("[BLOCK]\nads.example\n[OPTIONS]\nblock_ip_direct = 0\n"))
			Expect(err).To(MatchError(errs.ErrPersist))
			Expect(f.settings.Get()).To(Equal(settings.Defaults()))
			Expect(p.Current()).To(BeIdenticalTo(before))

			_, err = p.AddDomain(ctx, registry.Blocked, "ads.example")
			Expect(err).To(MatchError(errs.ErrPersist))
			Expect(p.Current().Domains.Manual(registry.Blocked)).To(BeEmpty())
		})
	})

	Describe("Snapshot", func() {
		It("never shows torn states to concurrent readers", func() {
			f := newFixture("")
			p := f.publisher(snapshot.Options{})
			Expect(p.Bootstrap(ctx)).To(Succeed())
			base := p.Current().Version

			const writes = 40
			var wg sync.WaitGroup
			done := make(chan struct{})
			for r := 0; r < 4; r++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					var last uint64
					for {
						snap, err := p.Snapshot(ctx)
						Expect(err).ToNot(HaveOccurred())
						Expect(snap.Version).To(BeNumerically(">=", last))
						last = snap.Version
						Expect(uint64(snap.Domains.Counts().ManualBlocked)).To(Equal(snap.Version - base))
						select {
						case <-done:
							return
						default:
						}
					}
				}()
			}

			for i := 0; i < writes; i++ {
				_, err := p.AddDomain(ctx, registry.Blocked, "site"+string(rune('a'+i%26))+string(rune('a'+i/26))+".example")
				Expect(err).ToNot(HaveOccurred())
			}
			close(done)
			wg.Wait()
			Expect(p.Current().Version).To(Equal(base + writes))
		})

		It("caches statistics reports for the configured TTL", func() {
			now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
			source := &countingStats{}
			f := newFixture("")
			p := f.publisher(snapshot.Options{Stats: source, StatsTTL: time.Second, Now: func() time.Time { return now }})

			snap, err := p.Snapshot(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(snap.Stats.BlockedToday).To(BeEquivalentTo(3))
			_, err = p.Snapshot(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(source.calls.Load()).To(BeEquivalentTo(1))

			now = now.Add(2 * time.Second)
			_, err = p.Snapshot(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(source.calls.Load()).To(BeEquivalentTo(2))
		})

		It("coalesces concurrent statistics requests", func() {
			source := &countingStats{release: make(chan struct{})}
			f := newFixture("")
			p := f.publisher(snapshot.Options{Stats: source, StatsTTL: time.Minute})

			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					_, err := p.Snapshot(ctx)
					Expect(err).ToNot(HaveOccurred())
				}()
			}
			Eventually(source.calls.Load).Should(BeEquivalentTo(1))
			time.Sleep(50 * time.Millisecond)
			close(source.release)
			wg.Wait()
			Expect(source.calls.Load()).To(BeEquivalentTo(1))
		})

		It("gives up waiting when the context ends", func() {
			source := &countingStats{release: make(chan struct{})}
			defer close(source.release)
			f := newFixture("")
			p := f.publisher(snapshot.Options{Stats: source})

			cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
			defer cancel()
			_, err := p.Snapshot(cctx)
			Expect(err).To(MatchError(context.DeadlineExceeded))
		})
	})
})
