// README: Swap notifications published as JSON events on a RabbitMQ topic exchange.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fleetswap/internal/types"
)

// Publisher is implemented by infra.Broker.
type Publisher interface {
	PublishJSON(ctx context.Context, exchange, routingKey string, msg any) error
}

type Event struct {
	UserID types.ID  `json:"user_id"`
	Title  string    `json:"title"`
	Body   string    `json:"body"`
	At     time.Time `json:"at"`
}

type AMQP struct {
	pub      Publisher
	exchange string
	now      func() time.Time
}

func NewAMQP(pub Publisher, exchange string) *AMQP {
	return &AMQP{pub: pub, exchange: exchange, now: time.Now}
}

// RoutingKey lets consumers bind to one driver or, with swap.driver.*, to all.
func RoutingKey(userID types.ID) string {
	return "swap.driver." + string(userID)
}

func (a *AMQP) Notify(ctx context.Context, userIDs []types.ID, title, body string) error {
	at := a.now().UTC()
	var errs []error
	for _, id := range userIDs {
		ev := Event{UserID: id, Title: title, Body: body, At: at}
		if err := a.pub.PublishJSON(ctx, a.exchange, RoutingKey(id), ev); err != nil {
			errs = append(errs, fmt.Errorf("amqp %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
