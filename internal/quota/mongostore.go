package quota

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// settingsDocID is the fixed document id for the singleton quota ledger
// document — there is exactly one QuotaLedger per deployment.
const settingsDocID = "serpapi_quota_ledger"

// mongoDoc mirrors Snapshot under the key space named in §6.
type mongoDoc struct {
	ID                        string `bson:"_id"`
	SerpapiMonthlyQuota       int    `bson:"serpapi_monthly_quota"`
	SerpapiUsedQuota          int    `bson:"serpapi_used_quota"`
	SerpapiRemainingQuota     int    `bson:"serpapi_remaining_quota"`
	SerpapiLastResetMonth     int    `bson:"serpapi_last_reset_month"`
	SerpapiLastResetYear      int    `bson:"serpapi_last_reset_year"`
	SerpapiDailyLimit         int    `bson:"serpapi_daily_limit"`
	SerpapiHourlyLimit        int    `bson:"serpapi_hourly_limit"`
	SerpapiCallsToday         int    `bson:"serpapi_calls_today"`
	SerpapiCallsThisHour      int    `bson:"serpapi_calls_this_hour"`
	SerpapiLastHourlyReset    int    `bson:"serpapi_last_hourly_reset"`
	SerpapiLastDailyReset     string `bson:"serpapi_last_daily_reset"`
	SerpapiFreeTierMode       bool   `bson:"serpapi_free_tier_mode"`
	SerpapiHighValueOnly      bool   `bson:"serpapi_high_value_queries_only"`
}

// MongoStore is the durable QuotaLedger settings store backend — the one
// place in the core where state survives process restarts.
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	logger     *slog.Logger
}

// NewMongoStore connects to uri and returns a MongoStore backed by
// database.collection.
func NewMongoStore(uri, database, collection string, logger *slog.Logger) (*MongoStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongodb connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("mongodb ping: %w", err)
	}

	return &MongoStore{
		client:     client,
		collection: client.Database(database).Collection(collection),
		logger:     logger.With("component", "quota_mongo_store"),
	}, nil
}

func (s *MongoStore) Load(ctx context.Context) (*Snapshot, error) {
	var doc mongoDoc
	err := s.collection.FindOne(ctx, map[string]any{"_id": settingsDocID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mongodb find quota ledger: %w", err)
	}

	return &Snapshot{
		MonthlyQuota:    doc.SerpapiMonthlyQuota,
		UsedThisMonth:   doc.SerpapiUsedQuota,
		Remaining:       doc.SerpapiRemainingQuota,
		DailyLimit:      doc.SerpapiDailyLimit,
		CallsToday:      doc.SerpapiCallsToday,
		HourlyLimit:     doc.SerpapiHourlyLimit,
		CallsThisHour:   doc.SerpapiCallsThisHour,
		LastHourlyReset: doc.SerpapiLastHourlyReset,
		LastDailyReset:  doc.SerpapiLastDailyReset,
		LastResetMonth:  doc.SerpapiLastResetMonth,
		LastResetYear:   doc.SerpapiLastResetYear,
		FreeTierMode:    doc.SerpapiFreeTierMode,
		HighValueOnly:   doc.SerpapiHighValueOnly,
	}, nil
}

func (s *MongoStore) Save(ctx context.Context, snap Snapshot) error {
	doc := mongoDoc{
		ID:                     settingsDocID,
		SerpapiMonthlyQuota:    snap.MonthlyQuota,
		SerpapiUsedQuota:       snap.UsedThisMonth,
		SerpapiRemainingQuota:  snap.Remaining,
		SerpapiLastResetMonth:  snap.LastResetMonth,
		SerpapiLastResetYear:   snap.LastResetYear,
		SerpapiDailyLimit:      snap.DailyLimit,
		SerpapiHourlyLimit:     snap.HourlyLimit,
		SerpapiCallsToday:      snap.CallsToday,
		SerpapiCallsThisHour:   snap.CallsThisHour,
		SerpapiLastHourlyReset: snap.LastHourlyReset,
		SerpapiLastDailyReset:  snap.LastDailyReset,
		SerpapiFreeTierMode:    snap.FreeTierMode,
		SerpapiHighValueOnly:   snap.HighValueOnly,
	}

	opts := options.Replace().SetUpsert(true)
	_, err := s.collection.ReplaceOne(ctx, map[string]any{"_id": settingsDocID}, doc, opts)
	if err != nil {
		return fmt.Errorf("mongodb save quota ledger: %w", err)
	}
	s.logger.Debug("quota ledger persisted", "remaining", snap.Remaining, "used_this_month", snap.UsedThisMonth)
	return nil
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
