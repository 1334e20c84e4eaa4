// Package mongo implements store.Store on MongoDB. Commit runs in a
// multi-document transaction, so the deployment must be a replica set or a
// sharded cluster.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/bonus"
	"github.com/xraph/bonus/id"
	"github.com/xraph/bonus/ledger"
	"github.com/xraph/bonus/payout"
	bonusstore "github.com/xraph/bonus/store"
	"github.com/xraph/bonus/tree"
	"github.com/xraph/bonus/volume"
)

// Collection name constants.
const (
	colNodes         = "bonus_nodes"
	colLedgers       = "bonus_ledgers"
	colPayouts       = "bonus_payouts"
	colVolumeEntries = "bonus_volume_entries"
)

// compile-time interface check
var _ bonusstore.Store = (*Store)(nil)

// Store implements store.Store using the MongoDB driver directly.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

// New creates a store on database dbName of client.
func New(client *mongo.Client, dbName string) *Store {
	return &Store{
		client: client,
		db:     client.Database(dbName),
	}
}

// Open connects to uri and returns a store on dbName.
func Open(uri, dbName string) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("bonus/mongo: connect: %w", err)
	}
	return New(client, dbName), nil
}

// DB returns the underlying database for direct access.
func (s *Store) DB() *mongo.Database { return s.db }

// Migrate creates indexes for all bonus collections.
func (s *Store) Migrate(ctx context.Context) error {
	for col, models := range migrationIndexes() {
		if len(models) == 0 {
			continue
		}
		if _, err := s.db.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("%w: %s indexes: %w", bonus.ErrMigrationFailed, col, err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close disconnects the client.
func (s *Store) Close() error {
	return s.client.Disconnect(context.Background())
}

// ==================== Tree ====================

func (s *Store) GetNode(ctx context.Context, userID string) (*tree.Node, error) {
	var m nodeModel
	err := s.db.Collection(colNodes).FindOne(ctx, bson.M{"_id": userID}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, fmt.Errorf("%w: %s", bonus.ErrNodeNotFound, userID)
		}
		return nil, fmt.Errorf("bonus/mongo: get node: %w", err)
	}
	return fromNodeModel(&m), nil
}

func (s *Store) PutNode(ctx context.Context, n *tree.Node) error {
	if n.ID == "" {
		return bonus.ValidationError{Field: "id", Message: "required"}
	}
	m := toNodeModel(n)
	_, err := s.db.Collection(colNodes).ReplaceOne(ctx, bson.M{"_id": m.ID}, m, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("bonus/mongo: put node: %w", err)
	}
	return nil
}

func (s *Store) GetParent(ctx context.Context, userID string) (*tree.Node, error) {
	n, err := s.GetNode(ctx, userID)
	if err != nil {
		return nil, err
	}
	if n.IsRoot() {
		return nil, fmt.Errorf("%w: %s has no parent", bonus.ErrNodeNotFound, userID)
	}
	return s.GetNode(ctx, n.ParentID)
}

func (s *Store) GetChild(ctx context.Context, userID string, leg tree.Leg) (*tree.Node, error) {
	n, err := s.GetNode(ctx, userID)
	if err != nil {
		return nil, err
	}
	childID := n.ChildID(leg)
	if childID == "" {
		return nil, fmt.Errorf("%w: %s %s slot is free", bonus.ErrNodeNotFound, userID, leg)
	}
	c, err := s.GetNode(ctx, childID)
	if err != nil {
		return nil, err
	}
	if !c.IsChildOf(n) {
		return nil, fmt.Errorf("%w: %s %s slot is free", bonus.ErrNodeNotFound, userID, leg)
	}
	return c, nil
}

// ==================== Ledger ====================

func (s *Store) GetLedger(ctx context.Context, userID string) (*ledger.Ledger, error) {
	var m ledgerModel
	err := s.db.Collection(colLedgers).FindOne(ctx, bson.M{"_id": userID}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, fmt.Errorf("%w: %s", bonus.ErrLedgerNotFound, userID)
		}
		return nil, fmt.Errorf("bonus/mongo: get ledger: %w", err)
	}
	return fromLedgerModel(&m)
}

func (s *Store) ListUserIDs(ctx context.Context, opts ledger.ListOpts) ([]string, error) {
	filter := bson.M{}
	switch opts.Filter {
	case ledger.FilterDailyClosings:
		filter["$or"] = bson.A{
			bson.M{"fast_track.daily_closings": bson.M{"$gt": 0}},
			bson.M{"star_match.daily_closings": bson.M{"$gt": 0}},
		}
	case ledger.FilterWeeklyEarnings:
		filter["wallet.weekly_earnings"] = bson.M{"$gt": 0}
	}

	findOpts := options.Find().
		SetProjection(bson.M{"_id": 1}).
		SetSort(bson.D{{Key: "_id", Value: 1}})
	if opts.Limit > 0 {
		findOpts.SetLimit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		findOpts.SetSkip(int64(opts.Offset))
	}

	cur, err := s.db.Collection(colLedgers).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("bonus/mongo: list user ids: %w", err)
	}
	var rows []struct {
		ID string `bson:"_id"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("bonus/mongo: list user ids: %w", err)
	}

	result := make([]string, len(rows))
	for i, r := range rows {
		result[i] = r.ID
	}
	return result, nil
}

// ==================== Payouts and volume ====================

func (s *Store) GetPayout(ctx context.Context, payoutID id.PayoutID) (*payout.Record, error) {
	var m payoutModel
	err := s.db.Collection(colPayouts).FindOne(ctx, bson.M{"_id": payoutID.String()}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, fmt.Errorf("%w: %s", bonus.ErrPayoutNotFound, payoutID)
		}
		return nil, fmt.Errorf("bonus/mongo: get payout: %w", err)
	}
	return fromPayoutModel(&m)
}

func (s *Store) ListPayouts(ctx context.Context, userID string, opts payout.ListOpts) ([]*payout.Record, error) {
	filter := bson.M{"user_id": userID}
	if opts.Type != "" {
		filter["type"] = string(opts.Type)
	}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}
	if tf := timeRange(opts.Start, opts.End); tf != nil {
		filter["created_at"] = tf
	}

	var models []payoutModel
	if err := s.find(ctx, colPayouts, filter, opts.Limit, opts.Offset, &models); err != nil {
		return nil, fmt.Errorf("bonus/mongo: list payouts: %w", err)
	}

	result := make([]*payout.Record, len(models))
	for i := range models {
		r, err := fromPayoutModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = r
	}
	return result, nil
}

func (s *Store) ListVolumeEntries(ctx context.Context, userID string, opts volume.ListOpts) ([]*volume.Entry, error) {
	filter := bson.M{"user_id": userID}
	if opts.SourceUserID != "" {
		filter["source_user_id"] = opts.SourceUserID
	}
	if opts.ReferenceID != "" {
		filter["reference_id"] = opts.ReferenceID
	}
	if tf := timeRange(opts.Start, opts.End); tf != nil {
		filter["created_at"] = tf
	}

	var models []volumeEntryModel
	if err := s.find(ctx, colVolumeEntries, filter, opts.Limit, opts.Offset, &models); err != nil {
		return nil, fmt.Errorf("bonus/mongo: list volume entries: %w", err)
	}

	result := make([]*volume.Entry, len(models))
	for i := range models {
		e, err := fromVolumeEntryModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = e
	}
	return result, nil
}

// find runs a newest-first paged query and decodes every document into out.
func (s *Store) find(ctx context.Context, col string, filter bson.M, limit, offset int, out any) error {
	findOpts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	if limit > 0 {
		findOpts.SetLimit(int64(limit))
	}
	if offset > 0 {
		findOpts.SetSkip(int64(offset))
	}

	cur, err := s.db.Collection(col).Find(ctx, filter, findOpts)
	if err != nil {
		return err
	}
	return cur.All(ctx, out)
}

// ==================== Commit ====================

// Commit applies c inside a transaction. The transaction body may be
// retried by the driver on transient errors, so it does not mutate c; the
// ledger version is bumped only after the commit succeeded.
func (s *Store) Commit(ctx context.Context, c *bonusstore.Commit) error {
	sess, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("%w: start session: %w", bonus.ErrTransactionFailed, err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		return nil, s.apply(ctx, c)
	})
	if err != nil {
		if isDomainError(err) {
			return err
		}
		return fmt.Errorf("%w: %w", bonus.ErrTransactionFailed, err)
	}

	if c.Ledger != nil {
		c.Ledger.Version++
	}
	return nil
}

func (s *Store) apply(ctx context.Context, c *bonusstore.Commit) error {
	if l := c.Ledger; l != nil {
		m := toLedgerModel(l)
		m.Version = l.Version + 1
		col := s.db.Collection(colLedgers)

		if l.Version == 0 {
			if _, err := col.InsertOne(ctx, m); err != nil {
				if mongo.IsDuplicateKeyError(err) {
					return fmt.Errorf("%w: ledger %s already exists", bonus.ErrConflict, l.UserID)
				}
				return fmt.Errorf("bonus/mongo: insert ledger: %w", err)
			}
		} else {
			res, err := col.ReplaceOne(ctx, bson.M{"_id": l.UserID, "version": l.Version}, m)
			if err != nil {
				return fmt.Errorf("bonus/mongo: replace ledger: %w", err)
			}
			if res.MatchedCount == 0 {
				return fmt.Errorf("%w: ledger %s version %d is stale", bonus.ErrConflict, l.UserID, l.Version)
			}
		}
	}

	if len(c.Payouts) > 0 {
		docs := make([]any, len(c.Payouts))
		for i, r := range c.Payouts {
			docs[i] = toPayoutModel(r)
		}
		if _, err := s.db.Collection(colPayouts).InsertMany(ctx, docs); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return fmt.Errorf("%w: payout: %w", bonus.ErrAlreadyExists, err)
			}
			return fmt.Errorf("bonus/mongo: insert payouts: %w", err)
		}
	}

	if len(c.Entries) > 0 {
		docs := make([]any, len(c.Entries))
		for i, e := range c.Entries {
			docs[i] = toVolumeEntryModel(e)
		}
		if _, err := s.db.Collection(colVolumeEntries).InsertMany(ctx, docs); err != nil {
			return fmt.Errorf("bonus/mongo: insert volume entries: %w", err)
		}
	}

	for _, t := range c.Transitions {
		col := s.db.Collection(colPayouts)
		res, err := col.UpdateOne(ctx,
			bson.M{"_id": t.ID.String(), "status": string(t.From)},
			bson.M{"$set": bson.M{"status": string(t.To), "updated_at": t.At.UTC()}},
		)
		if err != nil {
			return fmt.Errorf("bonus/mongo: transition payout: %w", err)
		}
		if res.MatchedCount > 0 {
			continue
		}
		n, err := col.CountDocuments(ctx, bson.M{"_id": t.ID.String()})
		if err != nil {
			return fmt.Errorf("bonus/mongo: transition payout: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", bonus.ErrPayoutNotFound, t.ID)
		}
		return fmt.Errorf("%w: payout %s is no longer %s", bonus.ErrConflict, t.ID, t.From)
	}
	return nil
}

// ==================== Helpers ====================

// isNoDocuments checks if an error wraps mongo.ErrNoDocuments.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

// timeRange builds a [start, end) filter, or nil when both bounds are zero.
func timeRange(start, end time.Time) bson.M {
	if start.IsZero() && end.IsZero() {
		return nil
	}
	f := bson.M{}
	if !start.IsZero() {
		f["$gte"] = start.UTC()
	}
	if !end.IsZero() {
		f["$lt"] = end.UTC()
	}
	return f
}

func isDomainError(err error) bool {
	return errors.Is(err, bonus.ErrConflict) ||
		errors.Is(err, bonus.ErrAlreadyExists) ||
		errors.Is(err, bonus.ErrPayoutNotFound)
}

// migrationIndexes returns the index definitions for all bonus collections.
func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colNodes: {
			{Keys: bson.D{{Key: "parent_id", Value: 1}}},
			{Keys: bson.D{{Key: "sponsor_id", Value: 1}}},
		},
		colLedgers: {
			{Keys: bson.D{{Key: "fast_track.daily_closings", Value: 1}}},
			{Keys: bson.D{{Key: "star_match.daily_closings", Value: 1}}},
			{Keys: bson.D{{Key: "wallet.weekly_earnings", Value: 1}}},
		},
		colPayouts: {
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}},
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "type", Value: 1}}},
			{Keys: bson.D{{Key: "type", Value: 1}, {Key: "status", Value: 1}}},
		},
		colVolumeEntries: {
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}},
			{Keys: bson.D{{Key: "source_user_id", Value: 1}}},
			{
				Keys:    bson.D{{Key: "reference_id", Value: 1}},
				Options: options.Index().SetSparse(true),
			},
		},
	}
}
