package mongo

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/robertarktes/concert-seat-admission/internal/clock"
	"github.com/robertarktes/concert-seat-admission/internal/domain"
	"github.com/robertarktes/concert-seat-admission/internal/observability"
)

// Connect returns the named database after a successful ping.
func Connect(ctx context.Context, uri, database string) (*mongo.Database, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.Wrap(err, "connect mongo")
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, domain.Transient(errors.Wrap(err, "ping mongo"))
	}
	return client.Database(database), nil
}

// CatalogRepository reads concerts and their seat maps. Prices live on the
// grade, seats only name their grade.
type CatalogRepository struct {
	coll   *mongo.Collection
	clock  clock.Clock
	logger observability.Logger
}

func NewCatalogRepository(db *mongo.Database, clk clock.Clock, logger observability.Logger) *CatalogRepository {
	return &CatalogRepository{
		coll:   db.Collection("concerts"),
		clock:  clk,
		logger: logger,
	}
}

type ConcertDoc struct {
	ID        string     `bson:"_id"`
	Name      string     `bson:"name"`
	Venue     string     `bson:"venue"`
	StartsAt  time.Time  `bson:"starts_at"`
	OnSale    bool       `bson:"on_sale"`
	Grades    []GradeDoc `bson:"grades"`
	Seats     []SeatDoc  `bson:"seats"`
	CreatedAt time.Time  `bson:"created_at"`
	UpdatedAt time.Time  `bson:"updated_at"`
}

// GradeDoc keeps the price as a decimal string.
type GradeDoc struct {
	Name  string `bson:"name"`
	Price string `bson:"price"`
}

type SeatDoc struct {
	ID      string `bson:"id"`
	Grade   string `bson:"grade"`
	Section string `bson:"section"`
	Row     string `bson:"row"`
	Number  string `bson:"number"`
}

func (c *ConcertDoc) price(grade string) (decimal.Decimal, error) {
	for _, g := range c.Grades {
		if g.Name == grade {
			return decimal.NewFromString(g.Price)
		}
	}
	return decimal.Zero, errors.Newf("concert %s has no grade %q", c.ID, grade)
}

func (c *ConcertDoc) seatInfo(s SeatDoc) (domain.SeatInfo, error) {
	price, err := c.price(s.Grade)
	if err != nil {
		return domain.SeatInfo{}, err
	}
	return domain.SeatInfo{ID: s.ID, ConcertID: c.ID, Grade: s.Grade, Price: price}, nil
}

// EnsureIndexes makes seat ids unique across concerts.
func (c *CatalogRepository) EnsureIndexes(ctx context.Context) error {
	_, err := c.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "seats.id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "on_sale", Value: 1}}},
	})
	return errors.Wrap(err, "create catalog indexes")
}

func (c *CatalogRepository) CreateConcert(ctx context.Context, concert ConcertDoc) error {
	now := c.clock.Now()
	concert.CreatedAt = now
	concert.UpdatedAt = now
	_, err := c.coll.InsertOne(ctx, concert)
	if err != nil {
		c.logger.WithError(err).WithField("concert_id", concert.ID).Error("failed to create concert")
		return errors.Wrap(err, "insert concert")
	}
	return nil
}

func (c *CatalogRepository) SetOnSale(ctx context.Context, concertID string, onSale bool) error {
	res, err := c.coll.UpdateOne(
		ctx,
		bson.M{"_id": concertID},
		bson.M{"$set": bson.M{"on_sale": onSale, "updated_at": c.clock.Now()}},
	)
	if err != nil {
		c.logger.WithError(err).WithField("concert_id", concertID).Error("failed to update concert")
		return errors.Wrap(err, "update concert")
	}
	if res.MatchedCount == 0 {
		return errors.Mark(errors.Newf("concert %s not found", concertID), domain.ErrNotFound)
	}
	return nil
}

// Seat returns nil when no concert lists seatID.
func (c *CatalogRepository) Seat(ctx context.Context, seatID string) (*domain.SeatInfo, error) {
	var concert ConcertDoc
	err := c.coll.FindOne(ctx,
		bson.M{"seats.id": seatID},
		options.FindOne().SetProjection(bson.M{"grades": 1, "seats.$": 1}),
	).Decode(&concert)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.Transient(errors.Wrapf(err, "find seat %s", seatID))
	}
	if len(concert.Seats) == 0 {
		return nil, nil
	}
	info, err := concert.seatInfo(concert.Seats[0])
	if err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *CatalogRepository) SeatsByGrade(ctx context.Context, concertID, grade string) ([]domain.SeatInfo, error) {
	var concert ConcertDoc
	err := c.coll.FindOne(ctx, bson.M{"_id": concertID}).Decode(&concert)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.Transient(errors.Wrapf(err, "find concert %s", concertID))
	}
	var seats []domain.SeatInfo
	for _, s := range concert.Seats {
		if s.Grade != grade {
			continue
		}
		info, err := concert.seatInfo(s)
		if err != nil {
			return nil, err
		}
		seats = append(seats, info)
	}
	return seats, nil
}

// OpenConcerts lists the ids of concerts currently on sale.
func (c *CatalogRepository) OpenConcerts(ctx context.Context) ([]string, error) {
	cur, err := c.coll.Find(ctx,
		bson.M{"on_sale": true},
		options.Find().SetProjection(bson.M{"_id": 1}).SetSort(bson.M{"_id": 1}),
	)
	if err != nil {
		return nil, domain.Transient(errors.Wrap(err, "find open concerts"))
	}
	defer cur.Close(ctx)

	var ids []string
	for cur.Next(ctx) {
		var doc struct {
			ID string `bson:"_id"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		ids = append(ids, doc.ID)
	}
	return ids, cur.Err()
}
