package negotiation

import (
	"context"
	"sync"

	"github.com/momentos/cafe-core/internal/app"
	"github.com/momentos/cafe-core/internal/db"
	svcErr "github.com/momentos/cafe-core/internal/errors"
	"github.com/momentos/cafe-core/internal/feed"
	"github.com/momentos/cafe-core/internal/repository"
)

// Snapshot is the negotiation state exposed to the view layer.
type Snapshot struct {
	State          State
	RequestID      string
	RoomID         string
	TargetNickname string
}

// IncomingRequest is surfaced to the view layer when another user asks
// this client for a session.
type IncomingRequest struct {
	RequestID      string
	RoomID         string
	SenderID       string
	SenderNickname string
}

// Negotiator drives a single client's pairwise handshakes: from intent
// to either an active room or a declined request, without duplicate
// in-flight negotiations or lost updates.
//
// One instance per client. All I/O failures are classified and the
// in-flight guard is released on every exit path; an error can never
// permanently wedge the machine.
type Negotiator struct {
	appCtx   *app.AppContext
	userID   string
	profiles *repository.ProfileRepository
	rooms    *repository.RoomRepository
	requests *repository.RequestRepository

	mu            sync.Mutex
	state         State
	pending       Snapshot
	responseWatch *feed.Handle
	incomingWatch *feed.Handle

	onState    func(Snapshot)
	onIncoming func(IncomingRequest)
}

// NewNegotiator creates a negotiator for one client identity.
func NewNegotiator(appCtx *app.AppContext, userID string) *Negotiator {
	return &Negotiator{
		appCtx:   appCtx,
		userID:   userID,
		profiles: repository.NewProfileRepository(appCtx.DB),
		rooms:    repository.NewRoomRepository(appCtx.DB, appCtx.Feed),
		requests: repository.NewRequestRepository(appCtx.DB, appCtx.Feed),
		state:    StateIdle,
	}
}

// OnStateChange registers the view-layer callback for outbound
// handshake transitions. Must be set before Initiate.
func (n *Negotiator) OnStateChange(fn func(Snapshot)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onState = fn
}

// OnIncomingRequest registers the prompt callback for inbound requests.
func (n *Negotiator) OnIncomingRequest(fn func(IncomingRequest)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onIncoming = fn
}

// Start attaches the standing inbound-request watcher: INSERTs on
// chat_requests where receiver = self. It is never torn down while the
// client is present; Close releases it.
func (n *Negotiator) Start(ctx context.Context) error {
	handle, err := n.appCtx.Feed.Subscribe(ctx, feed.Subscription{
		Table:  "chat_requests",
		Events: feed.EventInsert,
		Filter: &feed.Filter{Column: "receiver_id", Equals: n.userID},
	}, func(e feed.Event) {
		n.handleIncoming(ctx, e)
	}, func(s feed.Status, err error) {
		if s == feed.StatusError || s == feed.StatusTimedOut {
			n.appCtx.Logger.Warn("incoming-request watcher degraded", "status", s.String(), "err", err)
		}
	})
	if err != nil {
		return svcErr.Wrap(svcErr.KindTransient, "failed to watch incoming requests", err)
	}

	n.mu.Lock()
	n.incomingWatch = handle
	n.mu.Unlock()
	return nil
}

// Close releases every watcher. Safe to call on any path.
func (n *Negotiator) Close() {
	n.mu.Lock()
	resp, inc := n.responseWatch, n.incomingWatch
	n.responseWatch, n.incomingWatch = nil, nil
	n.mu.Unlock()

	resp.Unsubscribe()
	inc.Unsubscribe()
}

// Snapshot returns the current outbound handshake state.
func (n *Negotiator) Snapshot() Snapshot {
	n.mu.Lock()
	defer n.mu.Unlock()
	snap := n.pending
	snap.State = n.state
	return snap
}

// Initiate starts an outbound handshake toward targetID.
//
// Synchronous preconditions (checked before any I/O): the target is not
// self, and no other outbound negotiation is in flight for ANY target.
// Then: canonical pair ordering, find-or-create the room, insert a
// pending request, and watch UPDATEs filtered by the request id.
//
// On any step failure the machine moves to failed and the guard is
// released; a persisted row left behind is orphaned and harmless, since
// its status stays pending.
func (n *Negotiator) Initiate(ctx context.Context, targetID string) error {
	if targetID == n.userID {
		return svcErr.ErrSelfTarget
	}

	n.mu.Lock()
	if InFlight(n.state) {
		n.mu.Unlock()
		return svcErr.ErrNegotiationInFlight
	}
	n.state = Transition(n.state, EventStart)
	n.mu.Unlock()

	room, created, err := n.rooms.FindOrCreate(ctx, n.userID, targetID)
	if err != nil {
		return n.fail("failed to resolve room", err)
	}
	n.appCtx.Logger.Debug("room resolved for pair",
		"room_id", room.ID, "created", created, "target", targetID)

	targetNickname := n.profiles.Nickname(ctx, targetID)

	req, err := n.requests.Create(ctx, n.userID, targetID, room.ID)
	if err != nil {
		return n.fail("failed to create session request", err)
	}

	watch, err := n.appCtx.Feed.Subscribe(ctx, feed.Subscription{
		Table:  "chat_requests",
		Events: feed.EventUpdate,
		Filter: &feed.Filter{Column: "id", Equals: req.ID},
	}, n.handleResponse, n.handleWatchStatus)
	if err != nil {
		return n.fail("failed to watch request response", err)
	}

	n.mu.Lock()
	n.pending = Snapshot{
		RequestID:      req.ID,
		RoomID:         room.ID,
		TargetNickname: targetNickname,
	}
	n.responseWatch = watch
	n.state = Transition(n.state, EventRequestSent)
	snap := n.snapshotLocked()
	cb := n.onState
	n.mu.Unlock()

	n.appCtx.Logger.Info("session request sent",
		"request_id", req.ID, "room_id", room.ID, "target", targetID)
	emit(cb, snap)
	return nil
}

// Respond resolves an inbound pending request. Receiver-side only.
//
// A request that is already resolved (a concurrent double-respond, a
// stale prompt) yields ErrAlreadyResolved, classified as a no-op: the
// caller surfaces it as a notice, not a failure, and the first
// resolution stands.
func (n *Negotiator) Respond(ctx context.Context, requestID string, accept bool) error {
	req, err := n.requests.Get(ctx, requestID)
	if err != nil {
		return svcErr.Classify(err)
	}
	if req.ReceiverID != n.userID {
		return svcErr.ErrNotReceiver
	}

	resolved, err := n.requests.Resolve(ctx, requestID, accept)
	if err != nil {
		return svcErr.Classify(err)
	}
	if !resolved {
		n.appCtx.Logger.Info("request already resolved, respond is a no-op",
			"request_id", requestID)
		return svcErr.ErrAlreadyResolved
	}

	n.appCtx.Logger.Info("responded to session request",
		"request_id", requestID, "accepted", accept)
	return nil
}

// Reset acknowledges a terminal outcome (room entered, decline
// dismissed, failure noticed) and returns the machine to idle.
func (n *Negotiator) Reset() {
	n.mu.Lock()
	n.state = Transition(n.state, EventReset)
	n.pending = Snapshot{}
	snap := n.snapshotLocked()
	cb := n.onState
	n.mu.Unlock()
	emit(cb, snap)
}

// --- internal ---

// fail releases the in-flight guard and reports a classified error.
// Runs for every initiate step failure, so a thrown error can never
// leave the machine stuck in initiating.
func (n *Negotiator) fail(msg string, cause error) error {
	n.mu.Lock()
	n.state = Transition(n.state, EventFailed)
	n.pending = Snapshot{}
	watch := n.responseWatch
	n.responseWatch = nil
	snap := n.snapshotLocked()
	cb := n.onState
	n.mu.Unlock()

	watch.Unsubscribe()
	n.appCtx.Logger.Error(msg, "err", cause)
	emit(cb, snap)
	return svcErr.Wrap(svcErr.KindOf(svcErr.Classify(cause)), msg, cause)
}

// handleResponse consumes UPDATE notifications for the watched request.
// Re-delivery of the same UPDATE is a no-op: the transition only fires
// out of awaiting_response.
func (n *Negotiator) handleResponse(e feed.Event) {
	var req db.SessionRequest
	if err := e.DecodeNew(&req); err != nil {
		n.appCtx.Logger.Warn("undecodable request update", "err", err)
		return
	}

	n.mu.Lock()
	if n.state != StateAwaitingResponse || req.ID != n.pending.RequestID {
		n.mu.Unlock()
		return
	}

	var ev EventKind
	switch req.Status {
	case db.StatusAccepted:
		ev = EventAccepted
	case db.StatusRejected:
		ev = EventRejected
	default:
		n.mu.Unlock()
		return
	}

	n.state = Transition(n.state, ev)
	if n.state == StateDeclined {
		// nothing to enter; keep only the nickname for the notice
		n.pending = Snapshot{TargetNickname: n.pending.TargetNickname}
	}
	watch := n.responseWatch
	n.responseWatch = nil
	snap := n.snapshotLocked()
	cb := n.onState
	n.mu.Unlock()

	watch.Unsubscribe()
	n.appCtx.Logger.Info("session request resolved",
		"request_id", req.ID, "status", req.Status)
	emit(cb, snap)
}

// handleWatchStatus treats any subscription failure while waiting as an
// implicit abandonment: clear the waiting state rather than hang
// indefinitely. Deliberate unsubscribes arrive after the state already
// left awaiting_response, so they fall through.
func (n *Negotiator) handleWatchStatus(s feed.Status, err error) {
	if s == feed.StatusSubscribed {
		return
	}

	n.mu.Lock()
	if n.state != StateAwaitingResponse {
		n.mu.Unlock()
		return
	}
	n.state = Transition(n.state, EventChannelLost)
	n.pending = Snapshot{}
	watch := n.responseWatch
	n.responseWatch = nil
	snap := n.snapshotLocked()
	cb := n.onState
	n.mu.Unlock()

	watch.Unsubscribe()
	n.appCtx.Logger.Warn("response watch lost while waiting",
		"status", s.String(), "err", err)
	emit(cb, snap)
}

// handleIncoming surfaces an inbound pending request as a prompt.
func (n *Negotiator) handleIncoming(ctx context.Context, e feed.Event) {
	var req db.SessionRequest
	if err := e.DecodeNew(&req); err != nil {
		n.appCtx.Logger.Warn("undecodable incoming request", "err", err)
		return
	}
	if req.ReceiverID != n.userID || req.Status != db.StatusPending {
		return
	}

	nickname := n.profiles.Nickname(ctx, req.SenderID)

	n.mu.Lock()
	cb := n.onIncoming
	n.mu.Unlock()
	if cb != nil {
		cb(IncomingRequest{
			RequestID:      req.ID,
			RoomID:         req.RoomID,
			SenderID:       req.SenderID,
			SenderNickname: nickname,
		})
	}
}

func (n *Negotiator) snapshotLocked() Snapshot {
	snap := n.pending
	snap.State = n.state
	return snap
}

func emit(cb func(Snapshot), snap Snapshot) {
	if cb != nil {
		cb(snap)
	}
}
