package cartstore

import (
	"context"
	"time"

	pb "github.com/norun9/cartservice/genproto"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	cartsCollection = "carts"
	maxUpsertTries  = 3
)

type cartDocument struct {
	UserID    string             `bson:"user_id"`
	Items     []cartItemDocument `bson:"items"`
	UpdatedAt time.Time          `bson:"updated_at"`
}

type cartItemDocument struct {
	ProductID string `bson:"product_id"`
	Quantity  int32  `bson:"quantity"`
}

// MongoCartStore keeps one document per user in the carts collection.
type MongoCartStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	log        logrus.FieldLogger
}

// NewMongoCartStore creates the client. The driver connects lazily, so the
// server does not have to be reachable until Initialize.
func NewMongoCartStore(ctx context.Context, uri, database string, log logrus.FieldLogger) (*MongoCartStore, error) {
	clientOpts := options.Client().
		ApplyURI(uri).
		SetConnectTimeout(10 * time.Second).
		SetServerSelectionTimeout(5 * time.Second).
		SetMaxPoolSize(100)

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to MongoDB")
	}

	return &MongoCartStore{
		client:     client,
		collection: client.Database(database).Collection(cartsCollection),
		log:        log.WithFields(logrus.Fields{"store": "mongo", "database": database}),
	}, nil
}

// Initialize pings the server and makes sure the user_id index exists.
func (m *MongoCartStore) Initialize(ctx context.Context) error {
	m.log.Info("initializing connection")

	if err := m.client.Ping(ctx, nil); err != nil {
		return errors.Wrap(err, "failed to ping MongoDB")
	}

	index := mongo.IndexModel{
		Keys:    bson.D{{Key: "user_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := m.collection.Indexes().CreateOne(ctx, index); err != nil {
		return errors.Wrap(err, "failed to create indexes")
	}

	m.log.Info("MongoCartStore initialized")
	return nil
}

// AddItem increments the quantity of an existing item, or pushes a new one,
// creating the document if needed. A duplicate key error means another
// request created the cart or the item in between, so the sequence is retried.
func (m *MongoCartStore) AddItem(ctx context.Context, userID, productID string, quantity int32) error {
	m.log.WithFields(logrus.Fields{
		"user_id":    userID,
		"product_id": productID,
		"quantity":   quantity,
	}).Debug("AddItem called")

	for i := 0; i < maxUpsertTries; i++ {
		now := time.Now()

		res, err := m.collection.UpdateOne(ctx,
			bson.M{"user_id": userID, "items.product_id": productID},
			bson.M{
				"$inc": bson.M{"items.$.quantity": quantity},
				"$set": bson.M{"updated_at": now},
			},
		)
		if err != nil {
			return errors.Wrap(err, "failed to update existing item")
		}
		if res.MatchedCount > 0 {
			return nil
		}

		_, err = m.collection.UpdateOne(ctx,
			bson.M{"user_id": userID, "items.product_id": bson.M{"$ne": productID}},
			bson.M{
				"$push": bson.M{"items": cartItemDocument{ProductID: productID, Quantity: quantity}},
				"$set":  bson.M{"updated_at": now},
			},
			options.Update().SetUpsert(true),
		)
		if mongo.IsDuplicateKeyError(err) {
			continue
		}
		if err != nil {
			return errors.Wrap(err, "failed to add new item")
		}
		return nil
	}
	return errors.Errorf("failed to add item for user %s after %d attempts", userID, maxUpsertTries)
}

// EmptyCart clears the items of an existing cart.
func (m *MongoCartStore) EmptyCart(ctx context.Context, userID string) error {
	m.log.WithField("user_id", userID).Debug("EmptyCart called")

	_, err := m.collection.UpdateOne(ctx,
		bson.M{"user_id": userID},
		bson.M{"$set": bson.M{"items": bson.A{}, "updated_at": time.Now()}},
	)
	if err != nil {
		return errors.Wrap(err, "failed to empty cart")
	}
	return nil
}

func (m *MongoCartStore) GetCart(ctx context.Context, userID string) (*pb.Cart, error) {
	m.log.WithField("user_id", userID).Debug("GetCart called")

	var doc cartDocument
	err := m.collection.FindOne(ctx, bson.M{"user_id": userID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return newEmptyCart(userID), nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get cart")
	}

	cart := newEmptyCart(userID)
	for _, item := range doc.Items {
		cart.Items = append(cart.Items, &pb.CartItem{
			ProductId: item.ProductID,
			Quantity:  item.Quantity,
		})
	}
	return cart, nil
}

func (m *MongoCartStore) Ping(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := m.client.Ping(pingCtx, nil); err != nil {
		m.log.WithError(err).Warn("ping failed")
		return false
	}
	return true
}

func (m *MongoCartStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}
