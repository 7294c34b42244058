// Package mongo provides MongoDB-backed workflow and state repositories.
// Collections are wrapped behind narrow interfaces so repository logic is unit
// testable without a running server. The state repository implements the lease
// protocol with conditional updates: a save or claim succeeds only when the
// stored owner matches the expectation, so two orchestrator instances can
// never both own an execution.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"github.com/weftworks/loom/runtime/state"
	"github.com/weftworks/loom/runtime/store"
	"github.com/weftworks/loom/runtime/workflow"
)

const (
	defaultWorkflowsCollection = "workflows"
	defaultStatesCollection    = "execution_states"
	defaultOpTimeout           = 5 * time.Second
	storeClientName            = "loom-mongo"
)

// Options configures the Mongo store.
type Options struct {
	Client              *mongodriver.Client
	Database            string
	WorkflowsCollection string
	StatesCollection    string
	Timeout             time.Duration
}

// Store bundles the Mongo-backed repositories and the health pinger.
type Store struct {
	Workflows *WorkflowRepository
	States    *StateRepository

	mongo *mongodriver.Client
}

var _ health.Pinger = (*Store)(nil)

// WorkflowRepository is the Mongo-backed workflow definition store.
type WorkflowRepository struct {
	coll    collection
	timeout time.Duration
}

// StateRepository is the Mongo-backed execution snapshot store.
type StateRepository struct {
	coll    collection
	timeout time.Duration
}

var (
	_ store.WorkflowRepository = (*WorkflowRepository)(nil)
	_ store.StateRepository    = (*StateRepository)(nil)
)

// New connects the repositories to their collections and ensures indexes.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	workflowsName := opts.WorkflowsCollection
	if workflowsName == "" {
		workflowsName = defaultWorkflowsCollection
	}
	statesName := opts.StatesCollection
	if statesName == "" {
		statesName = defaultStatesCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	db := opts.Client.Database(opts.Database)
	workflows := mongoCollection{coll: db.Collection(workflowsName)}
	states := mongoCollection{coll: db.Collection(statesName)}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, workflows, states); err != nil {
		return nil, err
	}
	return &Store{
		Workflows: &WorkflowRepository{coll: workflows, timeout: timeout},
		States:    &StateRepository{coll: states, timeout: timeout},
		mongo:     opts.Client,
	}, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return storeClientName }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.mongo.Ping(ctx, readpref.Primary())
}

// FindByID returns the workflow or store.ErrNotFound.
func (r *WorkflowRepository) FindByID(ctx context.Context, tenantID, workflowID string) (*workflow.Workflow, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	filter := bson.M{"tenant_id": tenantID, "workflow_id": workflowID}
	var doc workflowDocument
	if err := r.coll.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return doc.toWorkflow()
}

// Save stores or replaces the workflow under its (tenant, id) key.
func (r *WorkflowRepository) Save(ctx context.Context, tenantID string, wf *workflow.Workflow) error {
	doc, err := fromWorkflow(tenantID, wf)
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	filter := bson.M{"tenant_id": tenantID, "workflow_id": wf.ID}
	_, err = r.coll.ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(true))
	return err
}

// Delete removes the workflow, reporting whether it existed.
func (r *WorkflowRepository) Delete(ctx context.Context, tenantID, workflowID string) (bool, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	filter := bson.M{"tenant_id": tenantID, "workflow_id": workflowID}
	res, err := r.coll.DeleteOne(ctx, filter)
	if err != nil {
		return false, err
	}
	return res.DeletedCount > 0, nil
}

// FindAll lists the tenant's workflows.
func (r *WorkflowRepository) FindAll(ctx context.Context, tenantID string) ([]*workflow.Workflow, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	cur, err := r.coll.Find(ctx, bson.M{"tenant_id": tenantID},
		options.Find().SetSort(bson.D{{Key: "workflow_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()
	var out []*workflow.Workflow
	for cur.Next(ctx) {
		var doc workflowDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		wf, err := doc.toWorkflow()
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Exists reports whether the workflow is stored.
func (r *WorkflowRepository) Exists(ctx context.Context, tenantID, workflowID string) (bool, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	n, err := r.coll.CountDocuments(ctx, bson.M{"tenant_id": tenantID, "workflow_id": workflowID})
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Save persists the snapshot. For non-terminal snapshots the write is
// conditional on lease ownership: when the stored document carries a
// different server node, the filter does not match, the upsert collides with
// the unique execution index, and the save reports store.ErrLeaseLost.
func (r *StateRepository) Save(ctx context.Context, tenantID string, snap *state.Snapshot) error {
	doc := fromSnapshot(tenantID, snap)
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	filter := bson.M{"tenant_id": tenantID, "execution_id": snap.ExecutionID}
	if !snap.Status.Terminal() {
		filter["server_node_id"] = bson.M{"$in": []string{snap.ServerNodeID, ""}}
	}
	_, err := r.coll.ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(true))
	if err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return store.ErrLeaseLost
		}
		return err
	}
	return nil
}

// FindByExecutionID returns the latest snapshot or store.ErrNotFound.
func (r *StateRepository) FindByExecutionID(ctx context.Context, tenantID, executionID string) (*state.Snapshot, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	filter := bson.M{"tenant_id": tenantID, "execution_id": executionID}
	var doc snapshotDocument
	if err := r.coll.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return doc.toSnapshot(), nil
}

// FindPaused lists paused snapshots for the tenant.
func (r *StateRepository) FindPaused(ctx context.Context, tenantID string) ([]*state.Snapshot, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	filter := bson.M{"tenant_id": tenantID, "status": string(state.StatusPaused)}
	cur, err := r.coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()
	var out []*state.Snapshot
	for cur.Next(ctx) {
		var doc snapshotDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toSnapshot())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateHeartbeats refreshes the heartbeat of every in-flight execution owned
// by serverNodeID.
func (r *StateRepository) UpdateHeartbeats(ctx context.Context, serverNodeID string, now time.Time) (int, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	filter := bson.M{
		"server_node_id": serverNodeID,
		"status":         string(state.StatusCheckpoint),
	}
	update := bson.M{"$set": bson.M{"last_heartbeat_at": now.UTC()}}
	res, err := r.coll.UpdateMany(ctx, filter, update)
	if err != nil {
		return 0, err
	}
	return int(res.ModifiedCount), nil
}

// ClaimStaleExecutions transfers ownership of in-flight executions whose
// heartbeat predates staleBefore. Each claim is one conditional update keyed
// on the observed owner and heartbeat, so racing sweepers cannot both win.
func (r *StateRepository) ClaimStaleExecutions(ctx context.Context, serverNodeID string, staleBefore time.Time) ([]*state.Snapshot, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	filter := bson.M{
		"status":            string(state.StatusCheckpoint),
		"last_heartbeat_at": bson.M{"$lt": staleBefore.UTC()},
	}
	cur, err := r.coll.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()
	var candidates []snapshotDocument
	for cur.Next(ctx) {
		var doc snapshotDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		candidates = append(candidates, doc)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var claimed []*state.Snapshot
	for _, doc := range candidates {
		claimFilter := bson.M{
			"tenant_id":         doc.TenantID,
			"execution_id":      doc.ExecutionID,
			"server_node_id":    doc.ServerNodeID,
			"status":            string(state.StatusCheckpoint),
			"last_heartbeat_at": doc.LastHeartbeatAt,
		}
		update := bson.M{"$set": bson.M{
			"server_node_id":    serverNodeID,
			"last_heartbeat_at": now,
		}}
		var won snapshotDocument
		err := r.coll.FindOneAndUpdate(ctx, claimFilter, update,
			options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&won)
		if err != nil {
			if errors.Is(err, mongodriver.ErrNoDocuments) {
				// Another sweeper claimed it, or the owner heartbeat in time.
				continue
			}
			return nil, err
		}
		claimed = append(claimed, won.toSnapshot())
	}
	return claimed, nil
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

func ensureIndexes(ctx context.Context, workflows, states collection) error {
	workflowIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "tenant_id", Value: 1},
			{Key: "workflow_id", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	}
	if _, err := workflows.Indexes().CreateOne(ctx, workflowIndex); err != nil {
		return err
	}
	executionIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "tenant_id", Value: 1},
			{Key: "execution_id", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	}
	if _, err := states.Indexes().CreateOne(ctx, executionIndex); err != nil {
		return err
	}
	leaseIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "status", Value: 1},
			{Key: "last_heartbeat_at", Value: 1},
		},
	}
	if _, err := states.Indexes().CreateOne(ctx, leaseIndex); err != nil {
		return err
	}
	ownerIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "server_node_id", Value: 1},
			{Key: "status", Value: 1},
		},
	}
	if _, err := states.Indexes().CreateOne(ctx, ownerIndex); err != nil {
		return err
	}
	return nil
}

// collection narrows *mongodriver.Collection to the operations the
// repositories use so tests can substitute fakes.
type collection interface {
	FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult
	Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error)
	ReplaceOne(ctx context.Context, filter any, replacement any,
		opts ...*options.ReplaceOptions) (*mongodriver.UpdateResult, error)
	UpdateMany(ctx context.Context, filter any, update any,
		opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error)
	FindOneAndUpdate(ctx context.Context, filter any, update any,
		opts ...*options.FindOneAndUpdateOptions) singleResult
	DeleteOne(ctx context.Context, filter any, opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error)
	CountDocuments(ctx context.Context, filter any, opts ...*options.CountOptions) (int64, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel,
		opts ...*options.CreateIndexesOptions) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type cursor interface {
	Close(ctx context.Context) error
	Decode(val any) error
	Err() error
	Next(ctx context.Context) bool
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult {
	return mongoSingleResult{res: c.coll.FindOne(ctx, filter, opts...)}
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return mongoCursor{cur: cur}, nil
}

func (c mongoCollection) ReplaceOne(ctx context.Context, filter any, replacement any,
	opts ...*options.ReplaceOptions) (*mongodriver.UpdateResult, error) {
	return c.coll.ReplaceOne(ctx, filter, replacement, opts...)
}

func (c mongoCollection) UpdateMany(ctx context.Context, filter any, update any,
	opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateMany(ctx, filter, update, opts...)
}

func (c mongoCollection) FindOneAndUpdate(ctx context.Context, filter any, update any,
	opts ...*options.FindOneAndUpdateOptions) singleResult {
	return mongoSingleResult{res: c.coll.FindOneAndUpdate(ctx, filter, update, opts...)}
}

func (c mongoCollection) DeleteOne(ctx context.Context, filter any, opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error) {
	return c.coll.DeleteOne(ctx, filter, opts...)
}

func (c mongoCollection) CountDocuments(ctx context.Context, filter any, opts ...*options.CountOptions) (int64, error) {
	return c.coll.CountDocuments(ctx, filter, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoSingleResult struct {
	res *mongodriver.SingleResult
}

func (r mongoSingleResult) Decode(val any) error { return r.res.Decode(val) }

type mongoCursor struct {
	cur *mongodriver.Cursor
}

func (c mongoCursor) Close(ctx context.Context) error { return c.cur.Close(ctx) }
func (c mongoCursor) Decode(val any) error            { return c.cur.Decode(val) }
func (c mongoCursor) Err() error                      { return c.cur.Err() }
func (c mongoCursor) Next(ctx context.Context) bool   { return c.cur.Next(ctx) }

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel,
	opts ...*options.CreateIndexesOptions) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
