package cartstore

import (
	"context"
	"sync"

	pb "github.com/norun9/cartservice/genproto"
	"github.com/sirupsen/logrus"
)

// LocalCartStore is a simple in-memory cart storage guarded by a sync.RWMutex.
// Carts are cloned on the way out so callers never share state with the store.
type LocalCartStore struct {
	mu    sync.RWMutex
	carts map[string]*pb.Cart
	log   logrus.FieldLogger
}

// NewLocalCartStore constructor
func NewLocalCartStore(log logrus.FieldLogger) *LocalCartStore {
	return &LocalCartStore{
		carts: make(map[string]*pb.Cart),
		log:   log.WithField("store", "local"),
	}
}

// Initialize does nothing in this implementation.
func (l *LocalCartStore) Initialize(ctx context.Context) error {
	l.log.Info("LocalCartStore initialized")
	return nil
}

// AddItem adds a product to the user's cart.
func (l *LocalCartStore) AddItem(ctx context.Context, userID, productID string, quantity int32) error {
	l.log.WithFields(logrus.Fields{
		"user_id":    userID,
		"product_id": productID,
		"quantity":   quantity,
	}).Debug("AddItem called")
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	cart, exists := l.carts[userID]
	if !exists {
		cart = newEmptyCart(userID)
		l.carts[userID] = cart
	}
	mergeItem(cart, productID, quantity)
	return nil
}

// EmptyCart empties a user's cart.
func (l *LocalCartStore) EmptyCart(ctx context.Context, userID string) error {
	l.log.WithField("user_id", userID).Debug("EmptyCart called")
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.carts, userID)
	return nil
}

// GetCart retrieves a user's cart.
func (l *LocalCartStore) GetCart(ctx context.Context, userID string) (*pb.Cart, error) {
	l.log.WithField("user_id", userID).Debug("GetCart called")
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	if cart, exists := l.carts[userID]; exists {
		return cloneCart(cart), nil
	}
	return newEmptyCart(userID), nil
}

// Ping always succeeds.
func (l *LocalCartStore) Ping(ctx context.Context) bool {
	return true
}

func (l *LocalCartStore) Close() error {
	return nil
}
