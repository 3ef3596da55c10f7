package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/huangang/reviewpulse/internal/config"
	"github.com/huangang/reviewpulse/internal/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ProductMetadata describes an analysis target as known to the catalogue.
type ProductMetadata struct {
	ProductID string    `bson:"_id" json:"product_id"`
	Name      string    `bson:"name" json:"name"`
	URL       string    `bson:"url" json:"url"`
	Platform  string    `bson:"platform" json:"platform"`
	UpdatedAt time.Time `bson:"updatedAt" json:"updated_at"`
}

// ResultArchive is the document store for product metadata and analysis history. Writes are
// best-effort from the coordinator's point of view.
type ResultArchive interface {
	GetProduct(ctx context.Context, productID string) (*ProductMetadata, error)
	SaveProduct(ctx context.Context, product *ProductMetadata) error
	ArchiveResult(ctx context.Context, job *models.AnalysisJob, result *models.AnalysisResult) error
	Close(ctx context.Context) error
}

// resultDocument is the archived shape of a completed job.
type resultDocument struct {
	JobID            string                    `bson:"_id"`
	Target           string                    `bson:"target"`
	RequesterID      string                    `bson:"requesterId"`
	Kind             models.JobKind            `bson:"kind"`
	Sentiment        models.SentimentBreakdown `bson:"sentiment"`
	Summary          string                    `bson:"summary"`
	Keywords         []string                  `bson:"keywords"`
	ReviewCount      int                       `bson:"reviewCount"`
	Rating           float64                   `bson:"rating"`
	ProcessingTimeMs int64                     `bson:"processingTimeMs"`
	RetryCount       int                       `bson:"retryCount"`
	CreatedAt        time.Time                 `bson:"createdAt"`
	CompletedAt      *time.Time                `bson:"completedAt,omitempty"`
	ArchivedAt       time.Time                 `bson:"archivedAt"`
}

func newResultDocument(job *models.AnalysisJob, result *models.AnalysisResult, now time.Time) resultDocument {
	return resultDocument{
		JobID:            job.ID,
		Target:           job.Target,
		RequesterID:      job.RequesterID,
		Kind:             job.Kind,
		Sentiment:        result.Sentiment,
		Summary:          result.Summary,
		Keywords:         result.Keywords,
		ReviewCount:      result.ReviewCount,
		Rating:           result.Rating,
		ProcessingTimeMs: result.ProcessingTimeMs,
		RetryCount:       job.RetryCount,
		CreatedAt:        job.CreatedAt,
		CompletedAt:      job.CompletedAt,
		ArchivedAt:       now,
	}
}

// MongoResultArchive stores products and results in MongoDB.
type MongoResultArchive struct {
	client   *mongo.Client
	products *mongo.Collection
	results  *mongo.Collection
}

// NewMongoResultArchive connects to cfg.URI and verifies the server answers.
func NewMongoResultArchive(ctx context.Context, cfg *config.MongoConfig) (*MongoResultArchive, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect mongodb: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	db := client.Database(cfg.Database)
	return &MongoResultArchive{
		client:   client,
		products: db.Collection("products"),
		results:  db.Collection("analysis_results"),
	}, nil
}

// GetProduct returns the product or nil when the catalogue has no entry.
func (a *MongoResultArchive) GetProduct(ctx context.Context, productID string) (*ProductMetadata, error) {
	var product ProductMetadata
	err := a.products.FindOne(ctx, bson.M{"_id": productID}).Decode(&product)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &product, nil
}

func (a *MongoResultArchive) SaveProduct(ctx context.Context, product *ProductMetadata) error {
	product.UpdatedAt = time.Now().UTC()
	_, err := a.products.ReplaceOne(ctx, bson.M{"_id": product.ProductID}, product, options.Replace().SetUpsert(true))
	return err
}

// ArchiveResult upserts the result document keyed by job id.
func (a *MongoResultArchive) ArchiveResult(ctx context.Context, job *models.AnalysisJob, result *models.AnalysisResult) error {
	doc := newResultDocument(job, result, time.Now().UTC())
	_, err := a.results.ReplaceOne(ctx, bson.M{"_id": doc.JobID}, doc, options.Replace().SetUpsert(true))
	return err
}

func (a *MongoResultArchive) Close(ctx context.Context) error {
	return a.client.Disconnect(ctx)
}

// NopResultArchive is used when no document store is configured.
type NopResultArchive struct{}

func (NopResultArchive) GetProduct(context.Context, string) (*ProductMetadata, error) { return nil, nil }
func (NopResultArchive) SaveProduct(context.Context, *ProductMetadata) error          { return nil }
func (NopResultArchive) ArchiveResult(context.Context, *models.AnalysisJob, *models.AnalysisResult) error {
	return nil
}
func (NopResultArchive) Close(context.Context) error { return nil }
