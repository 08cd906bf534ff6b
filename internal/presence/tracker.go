package presence

import (
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/modelroom/backend/internal/events"
	"go.uber.org/zap"
)

const (
	// DefaultCursorThrottle bounds cursor broadcast frequency.
	DefaultCursorThrottle = 100 * time.Millisecond
	// DefaultSelectionThrottle bounds selection broadcast frequency.
	DefaultSelectionThrottle = 200 * time.Millisecond
	// DefaultPresenceTTL garbage-collects presence records not updated in time.
	DefaultPresenceTTL = 30 * time.Second

	// Viewport broadcasts are filtered to significant movement only.
	significantCenterShift = 50.0
	significantZoomDelta   = 0.1
)

var errMissingUser = errors.New("presence: user id is required")

// CursorPosition locates a user's cursor within a model grid.
type CursorPosition struct {
	CellID string  `json:"cellId"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
}

// Selection is the set of elements a user currently has selected.
type Selection struct {
	Kind     string   `json:"kind"`
	Elements []string `json:"elements"`
}

// ViewportBounds describes the visible region of a user's view.
type ViewportBounds struct {
	CenterX float64 `json:"centerX"`
	CenterY float64 `json:"centerY"`
	Width   float64 `json:"width"`
	Height  float64 `json:"height"`
	Zoom    float64 `json:"zoom"`
}

// CursorRecord is the ephemeral per-user cursor state.
type CursorRecord struct {
	UserID     string         `json:"userId"`
	Position   CursorPosition `json:"position"`
	Visible    bool           `json:"visible"`
	LastUpdate time.Time      `json:"lastUpdate"`
}

// SelectionRecord is the ephemeral per-user selection state.
type SelectionRecord struct {
	UserID     string    `json:"userId"`
	Selection  Selection `json:"selection"`
	LastUpdate time.Time `json:"lastUpdate"`
}

// ViewportRecord is the ephemeral per-user viewport state.
type ViewportRecord struct {
	UserID     string         `json:"userId"`
	Bounds     ViewportBounds `json:"bounds"`
	LastUpdate time.Time      `json:"lastUpdate"`
}

// Update rides cursor_update / selection_update / viewport_update /
// status_update events.
type Update struct {
	WorkspaceID string `json:"workspaceId"`
	UserID      string `json:"userId"`
	Kind        string `json:"kind"`
	Payload     any    `json:"payload"`
}

// SessionToucher marks the owning session active on presence updates. The
// workspace registry satisfies this through an adapter; presence never
// mutates session state itself.
type SessionToucher interface {
	TouchSession(workspaceID, userID string)
}

// TrackerConfig describes the collaborators and tunables for a Tracker.
type TrackerConfig struct {
	CursorThrottle    time.Duration
	SelectionThrottle time.Duration
	PresenceTTL       time.Duration
	Clock             func() time.Time
	Bus               *events.Bus
	Toucher           SessionToucher
	Logger            *zap.Logger
}

type throttled[T any] struct {
	value         T
	lastUpdate    time.Time
	lastBroadcast time.Time
	pending       bool
}

type workspacePresence struct {
	cursors    map[string]*throttled[CursorRecord]
	selections map[string]*throttled[SelectionRecord]
	viewports  map[string]*ViewportRecord
	statuses   map[string]string
}

// Tracker owns ephemeral presence state per workspace: cursors, selections,
// viewports and statuses, with throttled broadcasting and TTL expiry.
type Tracker struct {
	mu                sync.Mutex
	workspaces        map[string]*workspacePresence
	cursorThrottle    time.Duration
	selectionThrottle time.Duration
	presenceTTL       time.Duration
	clock             func() time.Time
	bus               *events.Bus
	toucher           SessionToucher
	logger            *zap.Logger
}

// NewTracker constructs a Tracker with defaults applied.
func NewTracker(cfg TrackerConfig) *Tracker {
	cursorThrottle := cfg.CursorThrottle
	if cursorThrottle <= 0 {
		cursorThrottle = DefaultCursorThrottle
	}
	selectionThrottle := cfg.SelectionThrottle
	if selectionThrottle <= 0 {
		selectionThrottle = DefaultSelectionThrottle
	}
	presenceTTL := cfg.PresenceTTL
	if presenceTTL <= 0 {
		presenceTTL = DefaultPresenceTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		workspaces:        make(map[string]*workspacePresence),
		cursorThrottle:    cursorThrottle,
		selectionThrottle: selectionThrottle,
		presenceTTL:       presenceTTL,
		clock:             clock,
		bus:               cfg.Bus,
		toucher:           cfg.Toucher,
		logger:            logger,
	}
}

// UpdateCursor records a cursor move. Broadcasts are coalesced to the most
// recent position per throttle window.
func (t *Tracker) UpdateCursor(workspaceID, userID string, position CursorPosition, visible bool) error {
	if userID == "" {
		return errMissingUser
	}
	t.touch(workspaceID, userID)

	t.mu.Lock()
	now := t.clock()
	state := t.workspaceLocked(workspaceID)
	entry := state.cursors[userID]
	if entry == nil {
		entry = &throttled[CursorRecord]{}
		state.cursors[userID] = entry
	}
	entry.value = CursorRecord{UserID: userID, Position: position, Visible: visible, LastUpdate: now}
	entry.lastUpdate = now

	broadcast := now.Sub(entry.lastBroadcast) >= t.cursorThrottle
	if broadcast {
		entry.lastBroadcast = now
		entry.pending = false
	} else {
		entry.pending = true
	}
	record := entry.value
	t.mu.Unlock()

	if broadcast {
		t.publish(events.EventCursorUpdate, Update{WorkspaceID: workspaceID, UserID: userID, Kind: "cursor", Payload: record})
	}
	return nil
}

// UpdateSelection records a selection change, throttled like cursors.
func (t *Tracker) UpdateSelection(workspaceID, userID string, selection Selection) error {
	if userID == "" {
		return errMissingUser
	}
	t.touch(workspaceID, userID)

	t.mu.Lock()
	now := t.clock()
	state := t.workspaceLocked(workspaceID)
	entry := state.selections[userID]
	if entry == nil {
		entry = &throttled[SelectionRecord]{}
		state.selections[userID] = entry
	}
	entry.value = SelectionRecord{UserID: userID, Selection: selection, LastUpdate: now}
	entry.lastUpdate = now

	broadcast := now.Sub(entry.lastBroadcast) >= t.selectionThrottle
	if broadcast {
		entry.lastBroadcast = now
		entry.pending = false
	} else {
		entry.pending = true
	}
	record := entry.value
	t.mu.Unlock()

	if broadcast {
		t.publish(events.EventSelectionUpdate, Update{WorkspaceID: workspaceID, UserID: userID, Kind: "selection", Payload: record})
	}
	return nil
}

// UpdateViewport records a viewport move. Only significant changes (center
// displacement beyond 50 units or zoom delta beyond 0.1) broadcast.
func (t *Tracker) UpdateViewport(workspaceID, userID string, bounds ViewportBounds) error {
	if userID == "" {
		return errMissingUser
	}
	t.touch(workspaceID, userID)

	t.mu.Lock()
	now := t.clock()
	state := t.workspaceLocked(workspaceID)
	previous := state.viewports[userID]
	significant := previous == nil || significantViewportChange(previous.Bounds, bounds)
	record := &ViewportRecord{UserID: userID, Bounds: bounds, LastUpdate: now}
	state.viewports[userID] = record
	broadcastRecord := *record
	t.mu.Unlock()

	if significant {
		t.publish(events.EventViewportUpdate, Update{WorkspaceID: workspaceID, UserID: userID, Kind: "viewport", Payload: broadcastRecord})
	}
	return nil
}

// UpdateStatus records a user's status and broadcasts it unthrottled.
func (t *Tracker) UpdateStatus(workspaceID, userID, status string) error {
	if userID == "" {
		return errMissingUser
	}
	t.touch(workspaceID, userID)

	t.mu.Lock()
	state := t.workspaceLocked(workspaceID)
	state.statuses[userID] = status
	t.mu.Unlock()

	t.publish(events.EventStatusUpdate, Update{WorkspaceID: workspaceID, UserID: userID, Kind: "status", Payload: status})
	return nil
}

// ActiveCursors returns cursor records updated within the presence TTL.
func (t *Tracker) ActiveCursors(workspaceID string) []CursorRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	state := t.workspaces[workspaceID]
	if state == nil {
		return nil
	}
	cutoff := t.clock().Add(-t.presenceTTL)
	records := make([]CursorRecord, 0, len(state.cursors))
	for _, entry := range state.cursors {
		if entry.lastUpdate.After(cutoff) {
			records = append(records, entry.value)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].UserID < records[j].UserID
	})
	return records
}

// UsersEditingElement scans current selections and returns the users whose
// selection of the given kind includes elementID.
func (t *Tracker) UsersEditingElement(workspaceID, elementID, kind string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	state := t.workspaces[workspaceID]
	if state == nil {
		return nil
	}
	cutoff := t.clock().Add(-t.presenceTTL)
	var users []string
	for userID, entry := range state.selections {
		if !entry.lastUpdate.After(cutoff) {
			continue
		}
		if kind != "" && entry.value.Selection.Kind != kind {
			continue
		}
		for _, element := range entry.value.Selection.Elements {
			if element == elementID {
				users = append(users, userID)
				break
			}
		}
	}
	sort.Strings(users)
	return users
}

// RemoveUser drops all presence records for a user. Called when the owning
// session ends so no record outlives its session.
func (t *Tracker) RemoveUser(workspaceID, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	state := t.workspaces[workspaceID]
	if state == nil {
		return
	}
	delete(state.cursors, userID)
	delete(state.selections, userID)
	delete(state.viewports, userID)
	delete(state.statuses, userID)
	if len(state.cursors) == 0 && len(state.selections) == 0 && len(state.viewports) == 0 && len(state.statuses) == 0 {
		delete(t.workspaces, workspaceID)
	}
}

// Sweep flushes coalesced broadcasts whose throttle window elapsed and
// drops presence records past the TTL.
func (t *Tracker) Sweep(now time.Time) {
	type flush struct {
		event  string
		update Update
	}

	t.mu.Lock()
	cutoff := now.Add(-t.presenceTTL)
	var flushes []flush
	for workspaceID, state := range t.workspaces {
		for userID, entry := range state.cursors {
			if !entry.lastUpdate.After(cutoff) {
				delete(state.cursors, userID)
				continue
			}
			if entry.pending && now.Sub(entry.lastBroadcast) >= t.cursorThrottle {
				entry.pending = false
				entry.lastBroadcast = now
				flushes = append(flushes, flush{
					event:  events.EventCursorUpdate,
					update: Update{WorkspaceID: workspaceID, UserID: userID, Kind: "cursor", Payload: entry.value},
				})
			}
		}
		for userID, entry := range state.selections {
			if !entry.lastUpdate.After(cutoff) {
				delete(state.selections, userID)
				continue
			}
			if entry.pending && now.Sub(entry.lastBroadcast) >= t.selectionThrottle {
				entry.pending = false
				entry.lastBroadcast = now
				flushes = append(flushes, flush{
					event:  events.EventSelectionUpdate,
					update: Update{WorkspaceID: workspaceID, UserID: userID, Kind: "selection", Payload: entry.value},
				})
			}
		}
		for userID, record := range state.viewports {
			if !record.LastUpdate.After(cutoff) {
				delete(state.viewports, userID)
			}
		}
	}
	t.mu.Unlock()

	for _, entry := range flushes {
		t.publish(entry.event, entry.update)
	}
}

func (t *Tracker) workspaceLocked(workspaceID string) *workspacePresence {
	state := t.workspaces[workspaceID]
	if state == nil {
		state = &workspacePresence{
			cursors:    make(map[string]*throttled[CursorRecord]),
			selections: make(map[string]*throttled[SelectionRecord]),
			viewports:  make(map[string]*ViewportRecord),
			statuses:   make(map[string]string),
		}
		t.workspaces[workspaceID] = state
	}
	return state
}

func (t *Tracker) touch(workspaceID, userID string) {
	if t.toucher != nil {
		t.toucher.TouchSession(workspaceID, userID)
	}
}

func (t *Tracker) publish(event string, update Update) {
	if t.bus != nil {
		t.bus.Publish(event, update)
	}
}

func significantViewportChange(previous, next ViewportBounds) bool {
	shift := math.Hypot(next.CenterX-previous.CenterX, next.CenterY-previous.CenterY)
	if shift > significantCenterShift {
		return true
	}
	return math.Abs(next.Zoom-previous.Zoom) > significantZoomDelta
}
