// Package mongo implements projection.Store against MongoDB, grounded on
// features/run/mongo and features/memory/mongo's client/store split:
// one collection per table, upserts keyed on a natural id, and a thin
// Options struct for wiring. It uses go.mongodb.org/mongo-driver/v2, the
// version declared in go.mod.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/choiros/director/eventlog"
	"github.com/choiros/director/projection"
)

const defaultOpTimeout = 5 * time.Second

// Options configures the Mongo-backed projection store.
type Options struct {
	Client   *mongo.Client
	Database string
	Timeout  time.Duration
}

// Store implements projection.Store against a set of Mongo collections.
type Store struct {
	workItems   *mongo.Collection
	runs        *mongo.Collection
	atoms       *mongo.Collection
	attestations *mongo.Collection
	receipts    *mongo.Collection
	cursor      *mongo.Collection
	poison      *mongo.Collection
	timeout     time.Duration
}

// NewStore builds a Store, creating the indexes each table needs.
func NewStore(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("projection/mongo: client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("projection/mongo: database name is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	db := opts.Client.Database(opts.Database)
	s := &Store{
		workItems:    db.Collection("work_items"),
		runs:         db.Collection("runs"),
		atoms:        db.Collection("atoms"),
		attestations: db.Collection("attestations"),
		receipts:     db.Collection("receipts"),
		cursor:       db.Collection("projection_cursor"),
		poison:       db.Collection("projection_poison"),
		timeout:      timeout,
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	indexes := []struct {
		coll *mongo.Collection
		keys bson.D
		opts *options.IndexOptions
	}{
		{s.workItems, bson.D{{Key: "work_item_id", Value: 1}}, options.Index().SetUnique(true)},
		{s.runs, bson.D{{Key: "run_id", Value: 1}}, options.Index().SetUnique(true)},
		{s.runs, bson.D{{Key: "work_item_id", Value: 1}}, options.Index()},
		{s.atoms, bson.D{{Key: "hash", Value: 1}}, options.Index().SetUnique(true)},
		{s.attestations, bson.D{{Key: "target_atom_hash", Value: 1}}, options.Index()},
		{s.receipts, bson.D{{Key: "receipt_id", Value: 1}}, options.Index().SetUnique(true)},
		{s.receipts, bson.D{{Key: "run_id", Value: 1}}, options.Index()},
	}
	for _, idx := range indexes {
		if _, err := idx.coll.Indexes().CreateOne(ctx, mongo.IndexModel{Keys: idx.keys, Options: idx.opts}); err != nil {
			return fmt.Errorf("projection/mongo: create index: %w", err)
		}
	}
	return nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// Cursor implements projection.Store.
func (s *Store) Cursor(ctx context.Context) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc struct {
		Seq int64 `bson:"seq"`
	}
	err := s.cursor.FindOne(ctx, bson.M{"_id": "cursor"}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("projection/mongo: read cursor: %w", err)
	}
	return doc.Seq, nil
}

func (s *Store) advanceCursor(ctx context.Context, seq int64) error {
	_, err := s.cursor.UpdateOne(ctx,
		bson.M{"_id": "cursor"},
		bson.M{"$max": bson.M{"seq": seq}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("projection/mongo: advance cursor: %w", err)
	}
	return nil
}

// Apply implements projection.Store. It mirrors the canonical event-type
// dispatch in projection/inmem, but each branch is a Mongo upsert instead of
// a map write. Unlike inmem, a split only links child_work_item_ids on the
// parent; "children" descriptors in the payload are not materialized as
// work items.
func (s *Store) Apply(ctx context.Context, e *eventlog.Event) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var err error
	switch eventlog.Normalize(e.Type) {
	case "work_item.created", "work.item.created":
		err = s.applyWorkItemCreated(ctx, e)
	case "work_item.split", "work.item.split", eventlog.TypeSplitRequest, eventlog.TypeSpecChangeRequest:
		err = s.applyWorkItemSplit(ctx, e)
	case "work_item.status", "work.item.status":
		err = s.applyWorkItemStatus(ctx, e)
	case "run.start":
		err = s.applyRunStart(ctx, e)
	case "run.status":
		err = s.applyRunStatus(ctx, e)
	case "receipt.commit":
		err = s.applyCommit(ctx, e)
	case "receipt.verifier":
		err = s.applyAttestation(ctx, e)
	case "note.status":
		err = s.indexReceipt(ctx, e)
	default:
		if len(e.Type) >= 8 && e.Type[:8] == "receipt." {
			err = s.indexReceipt(ctx, e)
		}
	}
	if err != nil {
		return err
	}
	return s.advanceCursor(ctx, e.Seq)
}

// MarkPoison implements projection.Store.
func (s *Store) MarkPoison(ctx context.Context, e *eventlog.Event, cause error) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	causeMsg := ""
	if cause != nil {
		causeMsg = cause.Error()
	}
	_, err := s.poison.UpdateOne(ctx,
		bson.M{"event_id": e.ID},
		bson.M{
			"$set": bson.M{"seq": e.Seq, "error": causeMsg},
			"$inc": bson.M{"attempts": 1},
		},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("projection/mongo: mark poison: %w", err)
	}
	return s.advanceCursor(ctx, e.Seq)
}

func (s *Store) applyWorkItemCreated(ctx context.Context, e *eventlog.Event) error {
	id := str(e.Payload["work_item_id"])
	if id == "" {
		return nil
	}
	now := time.UnixMilli(e.TimestampMS)
	doc := bson.M{
		"work_item_id":        id,
		"description":         str(e.Payload["description"]),
		"acceptance_criteria": str(e.Payload["acceptance_criteria"]),
		"risk_tier":           str(e.Payload["risk_tier"]),
		"parent_work_item_id": str(e.Payload["parent_work_item_id"]),
		"required_verifiers":  strSlice(e.Payload["required_verifiers"]),
		"dependencies":        strSlice(e.Payload["dependencies"]),
		"status":              string(projection.WorkItemOpen),
		"updated_at":          now,
	}
	_, err := s.workItems.UpdateOne(ctx,
		bson.M{"work_item_id": id},
		bson.M{"$set": doc, "$setOnInsert": bson.M{"created_at": now}},
		options.UpdateOne().SetUpsert(true),
	)
	return err
}

func (s *Store) applyWorkItemStatus(ctx context.Context, e *eventlog.Event) error {
	id := str(e.Payload["work_item_id"])
	_, err := s.workItems.UpdateOne(ctx,
		bson.M{"work_item_id": id},
		bson.M{"$set": bson.M{"status": str(e.Payload["status"]), "updated_at": time.UnixMilli(e.TimestampMS)}},
	)
	return err
}

func (s *Store) applyWorkItemSplit(ctx context.Context, e *eventlog.Event) error {
	parentID := str(e.Payload["parent_work_item_id"])
	if parentID != "" {
		if _, err := s.workItems.UpdateOne(ctx,
			bson.M{"work_item_id": parentID},
			bson.M{"$set": bson.M{"status": string(projection.WorkItemSplit), "updated_at": time.UnixMilli(e.TimestampMS)}},
		); err != nil {
			return err
		}
	}
	for _, child := range strSlice(e.Payload["child_work_item_ids"]) {
		if _, err := s.workItems.UpdateOne(ctx,
			bson.M{"work_item_id": child},
			bson.M{"$set": bson.M{"parent_work_item_id": parentID}},
		); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) applyRunStart(ctx context.Context, e *eventlog.Event) error {
	id := str(e.Payload["run_id"])
	if id == "" {
		return nil
	}
	workItemID := str(e.Payload["work_item_id"])
	now := time.UnixMilli(e.TimestampMS)
	doc := bson.M{
		"run_id":       id,
		"work_item_id": workItemID,
		"mood":         str(e.Payload["mood"]),
		"sandbox_id":   str(e.Payload["sandbox_id"]),
		"status":       string(projection.RunPending),
		"updated_at":   now,
	}
	if _, err := s.runs.UpdateOne(ctx,
		bson.M{"run_id": id},
		bson.M{"$set": doc, "$setOnInsert": bson.M{"created_at": now}},
		options.UpdateOne().SetUpsert(true),
	); err != nil {
		return err
	}
	if workItemID == "" {
		return nil
	}
	_, err := s.workItems.UpdateOne(ctx,
		bson.M{"work_item_id": workItemID},
		bson.M{"$set": bson.M{"status": string(projection.WorkItemRunning), "updated_at": now}},
	)
	return err
}

func (s *Store) applyRunStatus(ctx context.Context, e *eventlog.Event) error {
	id := str(e.Payload["run_id"])
	set := bson.M{"status": str(e.Payload["status"]), "updated_at": time.UnixMilli(e.TimestampMS)}
	if reason := str(e.Payload["reason"]); reason != "" {
		set["discard_reason"] = reason
	}
	_, err := s.runs.UpdateOne(ctx, bson.M{"run_id": id}, bson.M{"$set": set})
	return err
}

func (s *Store) applyCommit(ctx context.Context, e *eventlog.Event) error {
	id := str(e.Payload["run_id"])
	now := time.UnixMilli(e.TimestampMS)
	var run runDoc
	err := s.runs.FindOneAndUpdate(ctx,
		bson.M{"run_id": id},
		bson.M{"$set": bson.M{
			"status":           string(projection.RunCommitted),
			"updated_at":       now,
			"verifier_plan_id": str(e.Payload["verifier_plan_id"]),
		}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&run)
	if err != nil && !errors.Is(err, mongo.ErrNoDocuments) {
		return err
	}
	if run.WorkItemID != "" {
		if _, err := s.workItems.UpdateOne(ctx,
			bson.M{"work_item_id": run.WorkItemID},
			bson.M{"$set": bson.M{"status": string(projection.WorkItemDone), "updated_at": now}},
		); err != nil {
			return err
		}
	}
	return s.indexReceipt(ctx, e)
}

// applyAttestation mirrors projection/inmem's promotion rule: only a passing
// attestation can move an atom to PROMOTED.
func (s *Store) applyAttestation(ctx context.Context, e *eventlog.Event) error {
	targetHash := str(e.Payload["target_atom_hash"])
	if targetHash == "" {
		return fmt.Errorf("projection/mongo: receipt.verifier missing target_atom_hash")
	}
	now := time.UnixMilli(e.TimestampMS)
	confidence, _ := e.Payload["confidence"].(float64)
	attestation := bson.M{
		"attestation_id":   str(e.Payload["attestation_id"]),
		"target_atom_hash": targetHash,
		"verifier_type":    str(e.Payload["verifier_type"]),
		"result":           str(e.Payload["result"]),
		"artifact_hash":    str(e.Payload["artifact_hash"]),
		"verifier_version": str(e.Payload["verifier_version"]),
		"confidence":       confidence,
		"run_id":           str(e.Payload["run_id"]),
		"created_at":       now,
	}
	if _, err := s.attestations.InsertOne(ctx, attestation); err != nil {
		return fmt.Errorf("projection/mongo: insert attestation: %w", err)
	}

	state := string(projection.AtomUntrusted)
	if projection.AttestationResult(str(e.Payload["result"])) == projection.ResultPass {
		state = string(projection.AtomPromoted)
	}
	update := bson.M{"$setOnInsert": bson.M{"kind": str(e.Payload["atom_kind"])}}
	if state == string(projection.AtomPromoted) {
		update["$set"] = bson.M{"state": state}
	} else {
		update["$setOnInsert"].(bson.M)["state"] = state
	}
	if _, err := s.atoms.UpdateOne(ctx,
		bson.M{"hash": targetHash},
		update,
		options.UpdateOne().SetUpsert(true),
	); err != nil {
		return fmt.Errorf("projection/mongo: upsert atom: %w", err)
	}
	return s.indexReceipt(ctx, e)
}

func (s *Store) indexReceipt(ctx context.Context, e *eventlog.Event) error {
	id := str(e.Payload["receipt_id"])
	if id == "" {
		id = e.ID
	}
	doc := bson.M{
		"receipt_id":  id,
		"kind":        e.Type,
		"run_id":      str(e.Payload["run_id"]),
		"references":  strSlice(e.Payload["references"]),
		"timestamp_ms": e.TimestampMS,
	}
	_, err := s.receipts.UpdateOne(ctx,
		bson.M{"receipt_id": id},
		bson.M{"$set": doc},
		options.UpdateOne().SetUpsert(true),
	)
	return err
}

// GetWorkItem implements projection.WorkItems.
func (s *Store) GetWorkItem(ctx context.Context, id string) (projection.WorkItem, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc workItemDoc
	err := s.workItems.FindOne(ctx, bson.M{"work_item_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return projection.WorkItem{}, projection.ErrNotFound
	}
	if err != nil {
		return projection.WorkItem{}, err
	}
	return doc.toWorkItem(), nil
}

// ListWorkItems implements projection.WorkItems.
func (s *Store) ListWorkItems(ctx context.Context, status projection.WorkItemStatus) ([]projection.WorkItem, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{}
	if status != "" {
		filter["status"] = string(status)
	}
	cur, err := s.workItems.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []projection.WorkItem
	for cur.Next(ctx) {
		var doc workItemDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toWorkItem())
	}
	return out, cur.Err()
}

// GetRun implements projection.Runs.
func (s *Store) GetRun(ctx context.Context, id string) (projection.Run, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc runDoc
	err := s.runs.FindOne(ctx, bson.M{"run_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return projection.Run{}, projection.ErrNotFound
	}
	if err != nil {
		return projection.Run{}, err
	}
	return doc.toRun(), nil
}

// ListRunsForWorkItem implements projection.Runs.
func (s *Store) ListRunsForWorkItem(ctx context.Context, workItemID string) ([]projection.Run, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.runs.Find(ctx, bson.M{"work_item_id": workItemID})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []projection.Run
	for cur.Next(ctx) {
		var doc runDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toRun())
	}
	return out, cur.Err()
}

// GetAtom implements projection.Atoms.
func (s *Store) GetAtom(ctx context.Context, hash string) (projection.Atom, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc atomDoc
	err := s.atoms.FindOne(ctx, bson.M{"hash": hash}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return projection.Atom{}, projection.ErrNotFound
	}
	if err != nil {
		return projection.Atom{}, err
	}
	return projection.Atom{Hash: doc.Hash, Kind: projection.AtomKind(doc.Kind), State: projection.AtomState(doc.State)}, nil
}

// ListAttestations implements projection.Attestations.
func (s *Store) ListAttestations(ctx context.Context, targetAtomHash string) ([]projection.Attestation, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.attestations.Find(ctx, bson.M{"target_atom_hash": targetAtomHash})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []projection.Attestation
	for cur.Next(ctx) {
		var doc attestationDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toAttestation())
	}
	return out, cur.Err()
}

// GetReceipt implements projection.Receipts.
func (s *Store) GetReceipt(ctx context.Context, id string) (projection.Receipt, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc receiptDoc
	err := s.receipts.FindOne(ctx, bson.M{"receipt_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return projection.Receipt{}, projection.ErrNotFound
	}
	if err != nil {
		return projection.Receipt{}, err
	}
	return doc.toReceipt(), nil
}

// ListReceiptsForRun implements projection.Receipts.
func (s *Store) ListReceiptsForRun(ctx context.Context, runID string) ([]projection.Receipt, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.receipts.Find(ctx, bson.M{"run_id": runID})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []projection.Receipt
	for cur.Next(ctx) {
		var doc receiptDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toReceipt())
	}
	return out, cur.Err()
}

// GetAHDB implements projection.AHDB. The AHDB vector is derived from the
// cursor plus the atom table rather than stored as its own document:
// Assert/Hypothesize/etc. membership is every PROMOTED atom of the matching
// kind, whether or not any run references it, and keeping a second copy
// would risk divergence from the atom table.
func (s *Store) GetAHDB(ctx context.Context) (projection.AHDBState, error) {
	seq, err := s.Cursor(ctx)
	if err != nil {
		return projection.AHDBState{}, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.atoms.Find(ctx, bson.M{"state": string(projection.AtomPromoted)})
	if err != nil {
		return projection.AHDBState{}, err
	}
	defer cur.Close(ctx)
	state := projection.AHDBState{LastEventSeq: seq}
	for cur.Next(ctx) {
		var doc atomDoc
		if err := cur.Decode(&doc); err != nil {
			return projection.AHDBState{}, err
		}
		switch projection.AtomKind(doc.Kind) {
		case projection.AtomClaim:
			state.Assert = append(state.Assert, doc.Hash)
		case projection.AtomExtract:
			state.Hypothesize = append(state.Hypothesize, doc.Hash)
		case projection.AtomSource:
			state.Drive = append(state.Drive, doc.Hash)
		case projection.AtomBinding:
			state.Believe = append(state.Believe, doc.Hash)
		case projection.AtomHyperthesis:
			state.Hypertheses = append(state.Hypertheses, doc.Hash)
		case projection.AtomConjecture:
			state.Conjectures = append(state.Conjectures, doc.Hash)
		}
	}
	return state, cur.Err()
}

type workItemDoc struct {
	WorkItemID         string    `bson:"work_item_id"`
	Description        string    `bson:"description"`
	AcceptanceCriteria string    `bson:"acceptance_criteria"`
	RiskTier           string    `bson:"risk_tier"`
	ParentWorkItemID   string    `bson:"parent_work_item_id"`
	RequiredVerifiers  []string  `bson:"required_verifiers"`
	Dependencies       []string  `bson:"dependencies"`
	Status             string    `bson:"status"`
	CreatedAt          time.Time `bson:"created_at"`
	UpdatedAt          time.Time `bson:"updated_at"`
}

func (d workItemDoc) toWorkItem() projection.WorkItem {
	return projection.WorkItem{
		WorkItemID:         d.WorkItemID,
		Description:        d.Description,
		AcceptanceCriteria: d.AcceptanceCriteria,
		RequiredVerifiers:  d.RequiredVerifiers,
		RiskTier:           d.RiskTier,
		Dependencies:       d.Dependencies,
		Status:             projection.WorkItemStatus(d.Status),
		ParentWorkItemID:   d.ParentWorkItemID,
		CreatedAt:          d.CreatedAt,
		UpdatedAt:          d.UpdatedAt,
	}
}

type runDoc struct {
	RunID          string    `bson:"run_id"`
	WorkItemID     string    `bson:"work_item_id"`
	Mood           string    `bson:"mood"`
	SandboxID      string    `bson:"sandbox_id"`
	VerifierPlanID string    `bson:"verifier_plan_id"`
	Status         string    `bson:"status"`
	DiscardReason  string    `bson:"discard_reason"`
	CreatedAt      time.Time `bson:"created_at"`
	UpdatedAt      time.Time `bson:"updated_at"`
}

func (d runDoc) toRun() projection.Run {
	return projection.Run{
		RunID:          d.RunID,
		WorkItemID:     d.WorkItemID,
		Mood:           d.Mood,
		SandboxID:      d.SandboxID,
		VerifierPlanID: d.VerifierPlanID,
		Status:         projection.RunStatus(d.Status),
		DiscardReason:  d.DiscardReason,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
}

type atomDoc struct {
	Hash  string `bson:"hash"`
	Kind  string `bson:"kind"`
	State string `bson:"state"`
}

type attestationDoc struct {
	AttestationID   string    `bson:"attestation_id"`
	TargetAtomHash  string    `bson:"target_atom_hash"`
	VerifierType    string    `bson:"verifier_type"`
	Result          string    `bson:"result"`
	ArtifactHash    string    `bson:"artifact_hash"`
	VerifierVersion string    `bson:"verifier_version"`
	Confidence      float64   `bson:"confidence"`
	RunID           string    `bson:"run_id"`
	CreatedAt       time.Time `bson:"created_at"`
}

func (d attestationDoc) toAttestation() projection.Attestation {
	return projection.Attestation{
		AttestationID:   d.AttestationID,
		TargetAtomHash:  d.TargetAtomHash,
		VerifierType:    d.VerifierType,
		Result:          projection.AttestationResult(d.Result),
		ArtifactHash:    d.ArtifactHash,
		VerifierVersion: d.VerifierVersion,
		Confidence:      d.Confidence,
		RunID:           d.RunID,
		CreatedAt:       d.CreatedAt,
	}
}

type receiptDoc struct {
	ReceiptID   string   `bson:"receipt_id"`
	Kind        string   `bson:"kind"`
	RunID       string   `bson:"run_id"`
	References  []string `bson:"references"`
	TimestampMS int64    `bson:"timestamp_ms"`
}

func (d receiptDoc) toReceipt() projection.Receipt {
	return projection.Receipt{
		ReceiptID:   d.ReceiptID,
		Kind:        d.Kind,
		RunID:       d.RunID,
		References:  d.References,
		TimestampMS: d.TimestampMS,
	}
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func strSlice(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
