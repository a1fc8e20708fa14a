package policy

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vectaiot/edgeagent/clock"
	"github.com/vectaiot/edgeagent/decode"
	"github.com/vectaiot/edgeagent/dictionary"
	"github.com/vectaiot/edgeagent/fault"
	"github.com/vectaiot/edgeagent/fetch"
	"github.com/vectaiot/edgeagent/inspection"
	"github.com/vectaiot/edgeagent/persistence"
	"github.com/vectaiot/edgeagent/telemetry"
)

// mailboxMsg is the single pending message a one-slot mailbox holds;
// a later Submit overwrites an unconsumed one: single-slot,
// latest-wins, per inbound kind.
type mailboxMsg struct {
	data []byte
}

// Manager is the Policy Manager: it owns the Idle/Enabled scheme maps,
// the Timeline, and the three published artifacts, and is driven by a
// single goroutine running Run.
type Manager struct {
	store        persistence.Store
	interfaceIDs map[string]uint32
	listener     Listener
	clock        clock.Clock
	counters     *fault.Counters
	idleTimeout  time.Duration

	manifestMailbox      atomic.Pointer[mailboxMsg]
	schemesMailbox       atomic.Pointer[mailboxMsg]
	stateTemplateMailbox atomic.Pointer[mailboxMsg]
	wake                 chan struct{}

	mu              sync.Mutex
	firstPassDone   bool
	currentManifest *Manifest
	idle            map[string]*Scheme
	enabled         map[string]*Scheme
	timeline        timelineHeap

	dict        atomic.Pointer[dictionary.Dictionary]
	matrix      atomic.Pointer[inspection.Matrix]
	fetchMatrix atomic.Pointer[fetch.Matrix]
}

// NewManager returns a Manager with empty state. interfaceIDs maps a
// manifest's wire interface_id strings to the numeric IDs the
// decode/dictionary packages key on (config.Config.Interfaces).
// idleTimeout bounds how long Run sleeps when the Timeline is empty.
func NewManager(store persistence.Store, interfaceIDs map[string]uint32, listener Listener, clk clock.Clock, idleTimeout time.Duration) *Manager {
	return &Manager{
		store:        store,
		interfaceIDs: interfaceIDs,
		listener:     listener,
		clock:        clk,
		counters:     &fault.Counters{},
		idleTimeout:  idleTimeout,
		wake:         make(chan struct{}, 1),
		idle:         map[string]*Scheme{},
		enabled:      map[string]*Scheme{},
	}
}

// Counters returns the Manager's schema/parse-error counters.
func (m *Manager) Counters() *fault.Counters { return m.counters }

// Dictionary returns the most recently published Decoder Dictionary.
func (m *Manager) Dictionary() *dictionary.Dictionary {
	if d := m.dict.Load(); d != nil {
		return d
	}
	return dictionary.Empty()
}

// InspectionMatrix returns the most recently published Inspection
// Matrix.
func (m *Manager) InspectionMatrix() *inspection.Matrix {
	if mx := m.matrix.Load(); mx != nil {
		return mx
	}
	return &inspection.Matrix{}
}

// FetchMatrix returns the most recently published Fetch Matrix.
func (m *Manager) FetchMatrix() *fetch.Matrix {
	if fm := m.fetchMatrix.Load(); fm != nil {
		return fm
	}
	return &fetch.Matrix{}
}

// SubmitDecoderManifest enqueues a wire-encoded DecoderManifest for the
// next rebuild pass, overwriting any unconsumed manifest already
// waiting.
func (m *Manager) SubmitDecoderManifest(data []byte) {
	m.manifestMailbox.Store(&mailboxMsg{data: data})
	m.signalWake()
}

// SubmitCollectionSchemes enqueues a wire-encoded CollectionSchemes
// list for the next rebuild pass.
func (m *Manager) SubmitCollectionSchemes(data []byte) {
	m.schemesMailbox.Store(&mailboxMsg{data: data})
	m.signalWake()
}

// SubmitStateTemplateDiff enqueues a state-template diff. The agent
// does not otherwise act on state templates; the
// Manager only persists the latest diff so a future feature can read
// it back from persistence.KeyStateTemplateList without protocol
// changes.
func (m *Manager) SubmitStateTemplateDiff(data []byte) {
	m.stateTemplateMailbox.Store(&mailboxMsg{data: data})
	m.signalWake()
}

func (m *Manager) signalWake() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Restore repopulates the mailboxes from persistence so a restart
// resumes with the last artifacts the cloud delivered, before Run's
// first pass.
func (m *Manager) Restore(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	if data, ok, err := m.store.Get(ctx, persistence.KeyDecoderManifest); err != nil {
		return err
	} else if ok {
		m.manifestMailbox.Store(&mailboxMsg{data: data})
	}
	if data, ok, err := m.store.Get(ctx, persistence.KeyCollectionSchemeList); err != nil {
		return err
	} else if ok {
		m.schemesMailbox.Store(&mailboxMsg{data: data})
	}
	return nil
}

// Run drives the Manager's rebuild loop until ctx is canceled: one pass
// immediately, then one pass per wake signal or Timeline deadline,
// whichever comes first.
func (m *Manager) Run(ctx context.Context) error {
	m.rebuild(ctx)
	for {
		wait := m.nextWakeDuration()
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-m.wake:
			timer.Stop()
		case <-timer.C:
		}
		m.rebuild(ctx)
	}
}

// nextWakeDuration returns how long Run sleeps: until the next
// Timeline deadline, capped at idleTimeout when the Timeline is empty
// or its head is further out than that.
func (m *Manager) nextWakeDuration() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timeline.Len() == 0 {
		return m.idleTimeout
	}
	delta := m.timeline[0].WallTimeMs - m.clock.NowMs()
	if delta <= 0 {
		return 0
	}
	d := time.Duration(delta) * time.Millisecond
	if d > m.idleTimeout {
		return m.idleTimeout
	}
	return d
}

// rebuild runs the six-step pass: drain mailboxes, pop-and-flip the
// Timeline, re-extract the three artifacts if anything changed, and
// publish.
func (m *Manager) rebuild(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	changed := false

	if msg := m.manifestMailbox.Swap(nil); msg != nil {
		if m.applyManifest(ctx, msg.data) {
			changed = true
		}
	}

	if msg := m.schemesMailbox.Swap(nil); msg != nil {
		if m.applySchemes(ctx, msg.data) {
			changed = true
		}
	}

	if msg := m.stateTemplateMailbox.Swap(nil); msg != nil {
		m.applyStateTemplateDiff(ctx, msg.data)
	}

	if m.flipTimeline() {
		changed = true
	}

	// The first pass after startup always publishes, so consumers see
	// (possibly empty) artifacts before any schema arrives.
	if changed || !m.firstPassDone {
		m.firstPassDone = true
		m.publishLocked()
	}
}

func (m *Manager) applyManifest(ctx context.Context, data []byte) bool {
	raw, err := telemetry.DecodeManifest(data)
	if err != nil {
		m.counters.Incr(fault.KindSchemaInvalid)
		slog.Warn("policy: malformed decoder manifest envelope", "error", err)
		return false
	}
	if m.currentManifest != nil && m.currentManifest.ID == raw.SyncID {
		return false
	}
	parsed, err := parseManifest(raw, m.interfaceIDs)
	if err != nil {
		m.counters.Incr(fault.KindSchemaInvalid)
		slog.Warn("policy: rejecting decoder manifest", "sync_id", raw.SyncID, "error", err)
		return false
	}
	if m.store != nil {
		if err := m.store.Put(ctx, persistence.KeyDecoderManifest, data); err != nil {
			slog.Warn("policy: failed to persist decoder manifest", "error", err)
		}
	}
	m.currentManifest = parsed
	return true
}

func (m *Manager) applySchemes(ctx context.Context, data []byte) bool {
	raw, err := telemetry.DecodeSchemes(data)
	if err != nil {
		m.counters.Incr(fault.KindSchemaInvalid)
		slog.Warn("policy: malformed collection scheme list envelope", "error", err)
		return false
	}

	idle := map[string]*Scheme{}
	enabled := map[string]*Scheme{}
	now := m.clock.NowMs()

	for _, cs := range raw.CollectionSchemes {
		sc, err := parseScheme(cs)
		if err != nil {
			m.counters.Incr(fault.KindSchemaInvalid)
			slog.Warn("policy: dropping malformed collection scheme", "campaign_sync_id", cs.CampaignSyncID, "error", err)
			continue
		}
		// A scheme whose decoder_manifest_sync_id doesn't match the
		// loaded manifest is still placed by its time window; the
		// Inspection Matrix compiler excludes its condition until the
		// manifests line up.
		switch {
		case now >= sc.ExpiryTimeMs:
			// Already expired on arrival: dropped, never loaded.
		case now < sc.StartTimeMs:
			sc.State = SchemeIdle
			idle[sc.ID] = sc
		default:
			sc.State = SchemeEnabled
			enabled[sc.ID] = sc
		}
	}

	m.idle = idle
	m.enabled = enabled
	m.rebuildTimeline()

	if m.store != nil {
		if err := m.store.Put(ctx, persistence.KeyCollectionSchemeList, data); err != nil {
			slog.Warn("policy: failed to persist collection scheme list", "error", err)
		}
	}
	return true
}

func (m *Manager) applyStateTemplateDiff(ctx context.Context, data []byte) {
	if m.store == nil {
		return
	}
	if err := m.store.Put(ctx, persistence.KeyStateTemplateList, data); err != nil {
		slog.Warn("policy: failed to persist state template diff", "error", err)
	}
}

// rebuildTimeline pushes the next boundary for each currently known
// scheme: an Idle scheme's future start, or an Enabled scheme's future
// expiry. Entries already on the heap are never updated in place;
// entries obsoleted by this update are detected as stale when popped,
// by comparing the popped time against the scheme's current
// start/expiry.
func (m *Manager) rebuildTimeline() {
	now := m.clock.NowMs()
	for _, sc := range m.idle {
		if sc.StartTimeMs > now {
			heap.Push(&m.timeline, timelineEntry{WallTimeMs: sc.StartTimeMs, SchemeID: sc.ID})
		}
	}
	for _, sc := range m.enabled {
		if sc.ExpiryTimeMs > now {
			heap.Push(&m.timeline, timelineEntry{WallTimeMs: sc.ExpiryTimeMs, SchemeID: sc.ID})
		}
	}
}

// flipTimeline pops every due entry and flips the matching scheme's
// state, discarding entries that no longer match current state (a
// scheme-list rebuild since the entry was queued, or the scheme no
// longer existing at all).
func (m *Manager) flipTimeline() bool {
	now := m.clock.NowMs()
	changed := false
	for m.timeline.Len() > 0 && m.timeline[0].WallTimeMs <= now {
		entry := heap.Pop(&m.timeline).(timelineEntry)

		if sc, ok := m.idle[entry.SchemeID]; ok && sc.StartTimeMs == entry.WallTimeMs {
			delete(m.idle, sc.ID)
			sc.State = SchemeEnabled
			m.enabled[sc.ID] = sc
			if sc.ExpiryTimeMs > now {
				heap.Push(&m.timeline, timelineEntry{WallTimeMs: sc.ExpiryTimeMs, SchemeID: sc.ID})
			}
			changed = true
			continue
		}
		if sc, ok := m.enabled[entry.SchemeID]; ok && sc.ExpiryTimeMs == entry.WallTimeMs {
			// Expiry drops the scheme entirely rather than parking it
			// back in Idle; an expired scheme can never re-enable.
			delete(m.enabled, sc.ID)
			changed = true
			continue
		}
		// Stale entry: the scheme it referred to has since been
		// rebuilt away or already flipped by another entry.
	}
	return changed
}

// publishLocked re-extracts the Decoder Dictionary, Inspection Matrix,
// and Fetch Matrix from the current Enabled set and publishes them,
// plus a Checkin naming every currently loaded document.
func (m *Manager) publishLocked() {
	enabledSignalIDs := map[decode.SignalID]bool{}
	var schemeInputs []inspection.SchemeInput
	perSchemeFetch := map[string][]fetch.Directive{}
	var syncIDs []string

	for _, sc := range m.enabled {
		syncIDs = append(syncIDs, sc.ID)
		for _, sig := range sc.Signals {
			enabledSignalIDs[sig.SignalID] = true
		}
		for _, d := range sc.FetchDirectives {
			enabledSignalIDs[d.TargetSignalID] = true
		}
		schemeInputs = append(schemeInputs, inspection.SchemeInput{
			SchemeID:                 sc.ID,
			ManifestID:               sc.ManifestID,
			Tree:                     sc.Tree,
			Signals:                  sc.Signals,
			MinimumTriggerIntervalMs: sc.MinimumTriggerIntervalMs,
			TriggerMode:              sc.TriggerMode,
			AfterDurationMs:          sc.AfterDurationMs,
			IncludeDTCs:              sc.IncludeDTCs,
			Priority:                 sc.Priority,
			SignalsCollected:         sc.SignalsCollected,
			PersistFlag:              sc.PersistFlag,
			CompressFlag:             sc.CompressFlag,
		})
		if len(sc.FetchDirectives) > 0 {
			perSchemeFetch[sc.ID] = sc.FetchDirectives
		}
	}

	manifestID := ""
	if m.currentManifest != nil {
		manifestID = m.currentManifest.ID
	}
	matrix, excluded := inspection.Compile(schemeInputs, manifestID)
	for _, ex := range excluded {
		if errors.Is(ex.Err, fault.SchemaInvalid) {
			m.counters.Incr(fault.KindSchemaInvalid)
		}
		slog.Warn("policy: scheme excluded from inspection matrix", "scheme_id", ex.SchemeID, "error", ex.Err)
	}

	var dict *dictionary.Dictionary
	if m.currentManifest != nil {
		dict = dictionary.Build(m.currentManifest.CanRules, m.currentManifest.PidRules, m.currentManifest.CustomRules, m.currentManifest.ComplexRefs, enabledSignalIDs)
	} else {
		dict = dictionary.Empty()
	}
	// Checkins list every loaded document: Enabled and Idle schemes
	// alike, plus the manifest below.
	for _, sc := range m.idle {
		syncIDs = append(syncIDs, sc.ID)
	}

	fm := fetch.Gather(perSchemeFetch)

	m.dict.Store(dict)
	m.matrix.Store(matrix)
	m.fetchMatrix.Store(fm)

	if m.listener != nil {
		m.listener.OnDictionary(dict)
		m.listener.OnInspectionMatrix(matrix)
		m.listener.OnFetchMatrix(fm)
	}

	sort.Strings(syncIDs)
	docs := syncIDs
	if m.currentManifest != nil {
		docs = append([]string{m.currentManifest.ID}, syncIDs...)
	}
	if m.listener != nil {
		m.listener.OnCheckin(telemetry.Checkin{
			TimestampMsEpoch: m.clock.NowMs(),
			DocumentSyncIDs:  docs,
		})
	}
}
