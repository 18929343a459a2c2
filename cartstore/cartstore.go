package cartstore

import (
	"context"

	pb "github.com/norun9/cartservice/genproto"
	"google.golang.org/protobuf/proto"
)

// ICartStore is an interface for cart storage operations.
// Implementations must be safe for concurrent use.
type ICartStore interface {
	Initialize(ctx context.Context) error

	// AddItem merges quantity into the user's entry for productID,
	// creating the cart or the entry when missing.
	AddItem(ctx context.Context, userID, productID string, quantity int32) error
	// EmptyCart removes every item. It is a no-op for unknown users.
	EmptyCart(ctx context.Context, userID string) error
	// GetCart returns an empty cart, not an error, for unknown users.
	GetCart(ctx context.Context, userID string) (*pb.Cart, error)

	Ping(ctx context.Context) bool
	Close() error
}

// mergeItem adds quantity to the matching item or appends a new one.
func mergeItem(cart *pb.Cart, productID string, quantity int32) {
	for _, item := range cart.Items {
		if item.ProductId == productID {
			item.Quantity += quantity
			return
		}
	}
	cart.Items = append(cart.Items, &pb.CartItem{
		ProductId: productID,
		Quantity:  quantity,
	})
}

func newEmptyCart(userID string) *pb.Cart {
	return &pb.Cart{
		UserId: userID,
		Items:  []*pb.CartItem{},
	}
}

func cloneCart(cart *pb.Cart) *pb.Cart {
	return proto.Clone(cart).(*pb.Cart)
}
