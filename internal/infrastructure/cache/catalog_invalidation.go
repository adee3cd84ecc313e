// Package cache propaga la invalidación del catálogo de tarifas entre
// instancias mediante Redis Pub/Sub.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	// DefaultChannel canal Pub/Sub del catálogo.
	DefaultChannel = "fiscal:tax-catalog"

	defaultPingTimeout = 5 * time.Second
)

// Reloader recibe la señal; *taxcatalog.Catalog lo implementa.
type Reloader interface {
	HandleInvalidation(ctx context.Context)
}

// invalidationMessage payload publicado. Origin evita recargar dos veces en la
// instancia que originó el cambio.
type invalidationMessage struct {
	Origin    string `json:"origin"`
	Timestamp int64  `json:"timestamp"`
}

// CatalogInvalidator publica y escucha invalidaciones del catálogo.
type CatalogInvalidator struct {
	client     *redis.Client
	ownsClient bool
	channel    string
	origin     string
	log        zerolog.Logger

	mu      sync.Mutex
	running bool
}

// Option configura el invalidator.
type Option func(*CatalogInvalidator)

// WithChannel cambia el canal Pub/Sub.
func WithChannel(ch string) Option {
	return func(i *CatalogInvalidator) {
		if ch != "" {
			i.channel = ch
		}
	}
}

// WithOrigin fija el identificador de instancia.
func WithOrigin(origin string) Option { return func(i *CatalogInvalidator) { i.origin = origin } }

// Dial conecta a Redis y verifica con PING.
func Dial(ctx context.Context, addr, password string, db int, log zerolog.Logger, opts ...Option) (*CatalogInvalidator, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})

	pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("conectar a Redis: %w", err)
	}
	inv := NewWithClient(client, log, opts...)
	inv.ownsClient = true
	return inv, nil
}

// NewWithClient usa un cliente existente; el llamador lo cierra.
func NewWithClient(client *redis.Client, log zerolog.Logger, opts ...Option) *CatalogInvalidator {
	i := &CatalogInvalidator{
		client:  client,
		channel: DefaultChannel,
		origin:  uuid.NewString(),
		log:     log.With().Str("component", "catalog-invalidation").Logger(),
	}
	for _, o := range opts {
		o(i)
	}
	return i
}

// PublishInvalidation implementa taxcatalog.Notifier.
func (i *CatalogInvalidator) PublishInvalidation(ctx context.Context) error {
	data, err := json.Marshal(invalidationMessage{Origin: i.origin, Timestamp: time.Now().UnixNano()})
	if err != nil {
		return err
	}
	if err := i.client.Publish(ctx, i.channel, data).Err(); err != nil {
		return fmt.Errorf("publicar invalidación: %w", err)
	}
	i.log.Debug().Str("channel", i.channel).Msg("invalidación publicada")
	return nil
}

// Listen bloquea hasta que ctx termine, llamando a r por cada señal ajena.
func (i *CatalogInvalidator) Listen(ctx context.Context, r Reloader) error {
	i.mu.Lock()
	if i.running {
		i.mu.Unlock()
		return errors.New("suscripción ya activa")
	}
	i.running = true
	i.mu.Unlock()
	defer func() {
		i.mu.Lock()
		i.running = false
		i.mu.Unlock()
	}()

	pubsub := i.client.Subscribe(ctx, i.channel)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("suscribir a %s: %w", i.channel, err)
	}
	i.log.Info().Str("channel", i.channel).Msg("escuchando invalidaciones del catálogo")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				i.log.Warn().Msg("canal de invalidación cerrado")
				return nil
			}
			i.handle(ctx, msg.Payload, r)
		}
	}
}

func (i *CatalogInvalidator) handle(ctx context.Context, payload string, r Reloader) bool {
	var m invalidationMessage
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		i.log.Warn().Err(err).Str("payload", payload).Msg("mensaje de invalidación ilegible")
		return false
	}
	if m.Origin == i.origin {
		return false
	}
	r.HandleInvalidation(ctx)
	return true
}

// Close cierra el cliente solo si lo creó Dial.
func (i *CatalogInvalidator) Close() error {
	if i.ownsClient {
		return i.client.Close()
	}
	return nil
}
