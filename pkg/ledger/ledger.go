package ledger

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/fincollab/govcore/pkg/canonicalize"
	"github.com/fincollab/govcore/pkg/fault"
	"github.com/fincollab/govcore/pkg/retry"
)

const appendRetries = 3

// AuditResult is the outcome of an offline chain verification.
type AuditResult struct {
	Valid    bool   `json:"valid"`
	BrokenAt int64  `json:"brokenAt,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Break reasons reported by AuditChain.
const (
	ReasonHashMismatch      = "HASH_MISMATCH"
	ReasonLinkMismatch      = "LINK_MISMATCH"
	ReasonSequenceGap       = "SEQUENCE_GAP"
	ReasonSignatureMismatch = "SIGNATURE_MISMATCH"
	ReasonBadGenesis        = "BAD_GENESIS"
)

// Ledger is the sole constructor of audit entries. Appends are serialized
// per entity: a striped lock keeps single-process appenders ordered, and the
// store's (entityID, sequence) uniqueness backstops multi-process races.
// Transient store failures go through the shared retry handler before they
// surface.
type Ledger struct {
	store   Store
	signer  *Signer
	logger  *slog.Logger
	clock   func() time.Time
	retrier *retry.Handler

	// retention window before a chain may be purged
	retention time.Duration

	locks [64]sync.Mutex
}

// New creates a ledger over the given store and signing key.
func New(store Store, signer *Signer, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:     store,
		signer:    signer,
		logger:    logger,
		clock:     time.Now,
		retrier:   retry.New(retry.DefaultPolicy()),
		retention: 7 * 365 * 24 * time.Hour,
	}
}

// WithClock overrides the clock for testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// WithRetention overrides the retention window.
func (l *Ledger) WithRetention(d time.Duration) *Ledger {
	l.retention = d
	return l
}

// WithRetry overrides the transient-failure handler.
func (l *Ledger) WithRetry(h *retry.Handler) *Ledger {
	l.retrier = h
	return l
}

func (l *Ledger) lockFor(entityID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(entityID))
	return &l.locks[h.Sum32()%uint32(len(l.locks))]
}

// AppendInput describes a mutation or security event to record.
type AppendInput struct {
	EntityID    string
	EntityModel string
	EventType   EventType
	Payload     map[string]interface{}
	Actor       string
	Context     EntryContext
}

// Append records a new entry at the chain head. Under concurrency the losing
// appender retries with a fresh head; after exhausting retries the conflict
// surfaces as fault.ConflictSequence.
func (l *Ledger) Append(ctx context.Context, in AppendInput) (*Entry, error) {
	meta, err := l.readMeta(ctx, in.EntityID)
	if err != nil {
		return nil, err
	}
	if meta.State == ChainPurged {
		return nil, fault.Wrap(fault.NotFound, "chain purged", ErrChainPurged)
	}

	mu := l.lockFor(in.EntityID)
	mu.Lock()
	defer mu.Unlock()

	var lastErr error
	for attempt := 0; attempt <= appendRetries; attempt++ {
		entry, err := l.buildNext(ctx, in)
		if err != nil {
			return nil, err
		}

		err = l.retrier.Do(ctx, func(ctx context.Context) error {
			if aerr := l.store.Append(ctx, entry); aerr != nil {
				if errors.Is(aerr, ErrSequenceConflict) {
					return aerr
				}
				return fault.Wrap(fault.Transient, "ledger append", aerr)
			}
			return nil
		})
		if err == nil {
			return entry, nil
		}
		if !errors.Is(err, ErrSequenceConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fault.Wrap(fault.ConflictSequence, "concurrent append lost", lastErr)
}

func (l *Ledger) buildNext(ctx context.Context, in AppendInput) (*Entry, error) {
	prevHash := GenesisHash
	var seq uint64

	var head *Entry
	err := l.retrier.Do(ctx, func(ctx context.Context) error {
		h, herr := l.store.Head(ctx, in.EntityID)
		if herr != nil {
			if errors.Is(herr, ErrEntryNotFound) {
				return herr
			}
			return fault.Wrap(fault.Transient, "ledger head read", herr)
		}
		head = h
		return nil
	})
	switch {
	case err == nil:
		prevHash = head.CurrentHash
		seq = head.Sequence + 1
	case errors.Is(err, ErrEntryNotFound):
		// first entry of the chain
	default:
		return nil, err
	}

	entry := &Entry{
		Sequence:     seq,
		EntityID:     in.EntityID,
		EntityModel:  in.EntityModel,
		EventType:    in.EventType,
		Payload:      in.Payload,
		PerformedBy:  in.Actor,
		Timestamp:    canonicalize.Timestamp(l.clock()),
		PreviousHash: prevHash,
		Context:      in.Context,
	}

	hash, err := ComputeHash(entry)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, "ledger hash", err)
	}
	entry.CurrentHash = hash
	entry.Signature = l.signer.Sign(hash)
	return entry, nil
}

// AuditChain walks entries 0..N in order, recomputing every hash and
// verifying linkage and signatures. The first break is reported.
func (l *Ledger) AuditChain(ctx context.Context, entityID string) (*AuditResult, error) {
	entries, err := l.readEntries(ctx, entityID)
	if err != nil {
		return nil, err
	}
	return l.verify(entries), nil
}

func (l *Ledger) verify(entries []*Entry) *AuditResult {
	prevHash := GenesisHash
	for i, e := range entries {
		if e.Sequence != uint64(i) {
			return &AuditResult{Valid: false, BrokenAt: int64(i), Reason: ReasonSequenceGap}
		}
		if i == 0 && e.PreviousHash != GenesisHash {
			return &AuditResult{Valid: false, BrokenAt: 0, Reason: ReasonBadGenesis}
		}
		if e.PreviousHash != prevHash {
			return &AuditResult{Valid: false, BrokenAt: int64(i), Reason: ReasonLinkMismatch}
		}
		recomputed, err := ComputeHash(e)
		if err != nil || recomputed != e.CurrentHash {
			return &AuditResult{Valid: false, BrokenAt: int64(i), Reason: ReasonHashMismatch}
		}
		if !l.signer.Verify(e.CurrentHash, e.Signature) {
			return &AuditResult{Valid: false, BrokenAt: int64(i), Reason: ReasonSignatureMismatch}
		}
		prevHash = e.CurrentHash
	}
	return &AuditResult{Valid: true}
}

// ReconstructState folds a chain into the entity state as of atSequence
// (or the full chain when atSequence < 0). Integrity is verified during the
// fold; a broken chain aborts with fault.IntegrityViolation.
func (l *Ledger) ReconstructState(ctx context.Context, entityID string, atSequence int64) (map[string]interface{}, error) {
	entries, err := l.readEntries(ctx, entityID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fault.Newf(fault.NotFound, "no chain for entity %s", entityID)
	}

	if res := l.verify(entries); !res.Valid {
		return nil, fault.New(fault.IntegrityViolation, "chain broken").
			WithDetail("brokenAt", res.BrokenAt).
			WithDetail("reason", res.Reason)
	}

	state := make(map[string]interface{})
	for _, e := range entries {
		if atSequence >= 0 && e.Sequence > uint64(atSequence) {
			break
		}
		applyEvent(state, e)
	}
	return state, nil
}

func applyEvent(state map[string]interface{}, e *Entry) {
	switch e.EventType {
	case EventCreated:
		for k, v := range e.Payload {
			state[k] = v
		}
	case EventUpdated:
		// Field-level patch: {field: {old, new}} → assign new.
		for field, raw := range e.Payload {
			if delta, ok := raw.(map[string]interface{}); ok {
				if next, ok := delta["new"]; ok {
					state[field] = next
					continue
				}
			}
			state[field] = raw
		}
	case EventDeleted:
		state["_deleted"] = true
	}
}

// Query runs a forensic query across chains.
func (l *Ledger) Query(ctx context.Context, f QueryFilter) ([]*Entry, error) {
	var entries []*Entry
	err := l.retrier.Do(ctx, func(ctx context.Context) error {
		es, qerr := l.store.Query(ctx, f)
		if qerr != nil {
			return fault.Wrap(fault.Transient, "ledger query", qerr)
		}
		entries = es
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// SetLegalHold toggles the retention hold on a chain. The hold flag never
// mutates entry content; it only blocks retention purging.
func (l *Ledger) SetLegalHold(ctx context.Context, entityID string, on bool, reason, actor string) error {
	meta, err := l.readMeta(ctx, entityID)
	if err != nil {
		return err
	}
	if meta.State == ChainPurged {
		return fault.Wrap(fault.NotFound, "chain purged", ErrChainPurged)
	}

	if on {
		meta.State = ChainLegalHold
		meta.HoldReason = reason
		meta.HoldSetBy = actor
	} else {
		meta.State = ChainOpen
		meta.HoldReason = ""
		meta.HoldSetBy = ""
	}
	if err := l.writeMeta(ctx, meta); err != nil {
		return err
	}

	_, err = l.Append(ctx, AppendInput{
		EntityID:    entityID,
		EntityModel: "LedgerChain",
		EventType:   EventCustom,
		Payload: map[string]interface{}{
			"action":  "LEGAL_HOLD",
			"enabled": on,
			"reason":  reason,
		},
		Actor: actor,
	})
	return err
}

// Purge marks a chain terminal. Only OPEN chains past the retention window
// qualify; chains under legal hold are skipped.
func (l *Ledger) Purge(ctx context.Context, entityID string) error {
	meta, err := l.readMeta(ctx, entityID)
	if err != nil {
		return err
	}
	if meta.State != ChainOpen {
		return fault.Newf(fault.ValidationFailed, "chain %s not purgeable in state %s", entityID, meta.State)
	}
	if l.clock().Sub(meta.LastAppendAt) < l.retention {
		return fault.Newf(fault.ValidationFailed, "retention window not expired for %s", entityID)
	}
	meta.State = ChainPurged
	if err := l.writeMeta(ctx, meta); err != nil {
		return err
	}
	l.logger.Info("chain purged", "entity", entityID)
	return nil
}

// readMeta loads chain retention state through the retry handler.
func (l *Ledger) readMeta(ctx context.Context, entityID string) (*ChainMeta, error) {
	var meta *ChainMeta
	err := l.retrier.Do(ctx, func(ctx context.Context) error {
		m, merr := l.store.Meta(ctx, entityID)
		if merr != nil {
			return fault.Wrap(fault.Transient, "ledger meta read", merr)
		}
		meta = m
		return nil
	})
	return meta, err
}

func (l *Ledger) readEntries(ctx context.Context, entityID string) ([]*Entry, error) {
	var entries []*Entry
	err := l.retrier.Do(ctx, func(ctx context.Context) error {
		es, rerr := l.store.Entries(ctx, entityID, -1)
		if rerr != nil {
			return fault.Wrap(fault.Transient, "ledger read", rerr)
		}
		entries = es
		return nil
	})
	return entries, err
}

func (l *Ledger) writeMeta(ctx context.Context, meta *ChainMeta) error {
	return l.retrier.Do(ctx, func(ctx context.Context) error {
		if werr := l.store.SetMeta(ctx, meta); werr != nil {
			return fault.Wrap(fault.Transient, "ledger meta write", werr)
		}
		return nil
	})
}
