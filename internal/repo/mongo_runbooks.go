package repo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ariastack/aria-engine/internal/cache"
	"github.com/ariastack/aria-engine/internal/config"
	"github.com/ariastack/aria-engine/internal/metrics"
	"github.com/ariastack/aria-engine/internal/models"
	"github.com/ariastack/aria-engine/internal/utils"
)

// DefaultRunbookLimit is the number of runbooks matched per incident.
const DefaultRunbookLimit = 3

var errNoRunbooks = errors.New("no runbooks matched")

type runbookDoc struct {
	Service         string   `bson:"service"`
	Tags            []string `bson:"tags"`
	Title           string   `bson:"title"`
	Summary         string   `bson:"summary"`
	Steps           []string `bson:"steps"`
	LastUsedAt      string   `bson:"lastUsedAt"`
	SimilarityScore float64  `bson:"similarityScore"`
}

// runbookFinder returns stored runbooks tagged with service, best score first.
type runbookFinder interface {
	find(ctx context.Context, service string, limit int) ([]runbookDoc, error)
	close(ctx context.Context) error
}

type mongoFinder struct {
	client     *mongo.Client
	collection *mongo.Collection
}

func (f *mongoFinder) find(ctx context.Context, service string, limit int) ([]runbookDoc, error) {
	filter := bson.M{"$or": bson.A{
		bson.M{"service": service},
		bson.M{"tags": service},
	}}
	opts := options.Find().
		SetLimit(int64(limit)).
		SetSort(bson.D{{Key: "similarityScore", Value: -1}})

	cur, err := f.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var docs []runbookDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

func (f *mongoFinder) close(ctx context.Context) error {
	return f.client.Disconnect(ctx)
}

// MongoRunbooks matches stored runbooks to an incident.
type MongoRunbooks struct {
	finder   runbookFinder
	fixtures *RunbookFixtures
	timeout  time.Duration
	cache    cache.Provider
	ttl      time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewMongoRunbooks constructs the runbook connector. fixtures may be nil.
func NewMongoRunbooks(ctx context.Context, cfg config.MongoDBConfig, live bool, fixtures *RunbookFixtures, provider cache.Provider, ttl time.Duration, logger *slog.Logger) (*MongoRunbooks, error) {
	r := &MongoRunbooks{
		fixtures: fixtures,
		timeout:  cfg.Timeout,
		cache:    provider,
		ttl:      ttl,
		logger:   utils.Component(logger, "mongodb"),
		now:      time.Now,
	}
	if r.cache == nil {
		r.cache = cache.NoopProvider{}
	}
	if !live {
		return r, nil
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("mongodb connect: %w", err)
	}
	database := cfg.Database
	if database == "" {
		database = "aria"
	}
	collection := cfg.Collection
	if collection == "" {
		collection = "runbooks"
	}
	r.finder = &mongoFinder{client: client, collection: client.Database(database).Collection(collection)}
	return r, nil
}

// Live reports whether lookups query MongoDB.
func (r *MongoRunbooks) Live() bool { return r != nil && r.finder != nil }

// Close disconnects the client.
func (r *MongoRunbooks) Close(ctx context.Context) error {
	if !r.Live() {
		return nil
	}
	return r.finder.close(ctx)
}

// FetchRunbooks returns up to limit runbooks for service. Runbooks with equal
// similarity are ordered by how many query tokens their title and summary
// share. It never fails: errors and empty results yield the offline set.
func (r *MongoRunbooks) FetchRunbooks(ctx context.Context, service, query string, limit int) []models.Runbook {
	if limit <= 0 {
		limit = DefaultRunbookLimit
	}
	if !r.Live() {
		return rankRunbooks(OfflineRunbooks(service, r.now(), r.fixtures), query, limit)
	}

	key := "runbooks:" + service + ":" + strconv.Itoa(limit) + ":" + strings.ToLower(strings.TrimSpace(query))
	var cached []models.Runbook
	if cache.GetJSON(ctx, r.cache, key, &cached) {
		return cached
	}

	runbooks, err := r.query(ctx, service, limit)
	if err != nil {
		if !errors.Is(err, errNoRunbooks) {
			r.logger.Warn("mongodb query failed, using offline runbooks",
				slog.String("service", service),
				slog.Any("error", err),
			)
			metrics.ObserveConnectorFallback(config.ConnectorMongoDB)
		}
		return rankRunbooks(OfflineRunbooks(service, r.now(), r.fixtures), query, limit)
	}

	ranked := rankRunbooks(runbooks, query, limit)
	if err := cache.SetJSON(ctx, r.cache, key, ranked, r.ttl); err != nil {
		r.logger.Debug("runbook cache write failed", slog.Any("error", err))
	}
	return ranked
}

func (r *MongoRunbooks) query(ctx context.Context, service string, limit int) ([]models.Runbook, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	docs, err := r.finder.find(ctx, service, limit)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, errNoRunbooks
	}
	out := make([]models.Runbook, 0, len(docs))
	for _, d := range docs {
		steps := d.Steps
		if steps == nil {
			steps = []string{}
		}
		out = append(out, models.Runbook{
			Title:           d.Title,
			Summary:         d.Summary,
			Steps:           steps,
			LastUsedAt:      d.LastUsedAt,
			SimilarityScore: d.SimilarityScore,
		})
	}
	return out, nil
}

// rankRunbooks sorts by similarity descending, breaking ties by query token
// overlap, then truncates to limit.
func rankRunbooks(runbooks []models.Runbook, query string, limit int) []models.Runbook {
	tokens := queryTokens(query)
	overlap := make([]int, len(runbooks))
	for i, rb := range runbooks {
		overlap[i] = tokenOverlap(tokens, rb.Title+" "+rb.Summary)
	}
	idx := make([]int, len(runbooks))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		ra, rb := runbooks[idx[a]], runbooks[idx[b]]
		if ra.SimilarityScore != rb.SimilarityScore {
			return ra.SimilarityScore > rb.SimilarityScore
		}
		return overlap[idx[a]] > overlap[idx[b]]
	})
	if limit > 0 && len(idx) > limit {
		idx = idx[:limit]
	}
	out := make([]models.Runbook, len(idx))
	for i, j := range idx {
		out[i] = runbooks[j]
	}
	return out
}

func queryTokens(text string) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, field := range strings.FieldsFunc(strings.ToLower(text), isTokenSeparator) {
		if len(field) > 2 {
			tokens[field] = struct{}{}
		}
	}
	return tokens
}

func tokenOverlap(tokens map[string]struct{}, text string) int {
	if len(tokens) == 0 {
		return 0
	}
	n := 0
	for field := range queryTokens(text) {
		if _, ok := tokens[field]; ok {
			n++
		}
	}
	return n
}

func isTokenSeparator(r rune) bool {
	return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
}
