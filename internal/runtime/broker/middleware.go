package broker

import (
	"errors"
	"fmt"
	"time"

	wmmetrics "github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	idspkg "github.com/mkd-tools/mkd/internal/runtime/ids"
	loggingpkg "github.com/mkd-tools/mkd/internal/runtime/logging"
)

// MiddlewareBuilder constructs a handler middleware using the broker instance.
type MiddlewareBuilder func(*Broker) (message.HandlerMiddleware, error)

// MiddlewareRegistration captures how a middleware is registered on the
// command router.
type MiddlewareRegistration struct {
	Name       string
	Middleware message.HandlerMiddleware
	Builder    MiddlewareBuilder
}

// RetryConfig customises the retry middleware.
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	RetryIf         func(error) bool
}

func (cfg RetryConfig) withDefaults() RetryConfig {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 100 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = time.Second
	}
	return cfg
}

func defaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		correlationIDMiddleware(),
		logCommandsMiddleware(),
		tracerMiddleware(),
		metricsMiddleware(),
		retryMiddleware(RetryConfig{}),
		poisonQueueMiddleware(),
		recovererMiddleware(),
	}
}

func (b *Broker) registerDefaultMiddlewares() error {
	for _, reg := range defaultMiddlewares() {
		if err := b.RegisterMiddleware(reg); err != nil {
			return fmt.Errorf("registering middleware %s: %w", reg.Name, err)
		}
	}
	return nil
}

// RegisterMiddleware attaches a middleware to the command router.
func (b *Broker) RegisterMiddleware(reg MiddlewareRegistration) error {
	var mw message.HandlerMiddleware
	switch {
	case reg.Middleware != nil:
		mw = reg.Middleware
	case reg.Builder != nil:
		var err error
		mw, err = reg.Builder(b)
		if err != nil {
			return err
		}
	default:
		return errors.New("middleware registration requires Middleware or Builder")
	}

	if mw == nil {
		return nil
	}
	b.router.AddMiddleware(mw)
	return nil
}

// correlationIDMiddleware injects a correlation ID into the message metadata
// when missing.
func correlationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "correlation_id",
		Middleware: func(h message.HandlerFunc) message.HandlerFunc {
			return func(msg *message.Message) ([]*message.Message, error) {
				if _, ok := msg.Metadata["correlation_id"]; !ok {
					msg.Metadata["correlation_id"] = idspkg.CreateULID()
				}
				return h(msg)
			}
		},
	}
}

// logCommandsMiddleware logs the payload and metadata of handled messages.
func logCommandsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_commands",
		Builder: func(b *Broker) (message.HandlerMiddleware, error) {
			return func(h message.HandlerFunc) message.HandlerFunc {
				return func(msg *message.Message) ([]*message.Message, error) {
					b.logger.Debug("processing command message", loggingpkg.LogFields{
						"message_uuid": msg.UUID,
						"command":      msg.Metadata.Get("command"),
						"metadata":     msg.Metadata,
					})
					return h(msg)
				}
			}, nil
		},
	}
}

// tracerMiddleware wraps message handling in an OpenTelemetry span.
func tracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "tracer",
		Middleware: func(h message.HandlerFunc) message.HandlerFunc {
			return func(msg *message.Message) ([]*message.Message, error) {
				tracer := otel.Tracer("mkd/broker")
				ctx, span := tracer.Start(msg.Context(), "DispatchCommand")
				defer span.End()
				msg.SetContext(ctx)

				span.SetAttributes(
					attribute.String("message.uuid", msg.UUID),
					attribute.String("command", msg.Metadata.Get("command")),
				)
				return h(msg)
			}
		},
	}
}

// metricsMiddleware adds Prometheus router metrics when a registerer is
// configured.
func metricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(b *Broker) (message.HandlerMiddleware, error) {
			if b.opts.Registerer == nil {
				return nil, nil
			}

			builder := wmmetrics.NewPrometheusMetricsBuilder(b.opts.Registerer, "mkd", "broker")
			builder.AddPrometheusRouterMetrics(b.router)
			return builder.NewRouterMiddleware().Middleware, nil
		},
	}
}

// retryMiddleware retries handler execution with exponential backoff.
func retryMiddleware(cfg RetryConfig) MiddlewareRegistration {
	normalized := cfg.withDefaults()
	return MiddlewareRegistration{
		Name: "retry",
		Middleware: middleware.Retry{
			MaxRetries:      normalized.MaxRetries,
			InitialInterval: normalized.InitialInterval,
			MaxInterval:     normalized.MaxInterval,
			ShouldRetry: func(params middleware.RetryParams) bool {
				if normalized.RetryIf != nil {
					return normalized.RetryIf(params.Err)
				}
				var unprocessable *UnprocessableCommandError
				return !errors.As(params.Err, &unprocessable)
			},
		}.Middleware,
	}
}

// poisonQueueMiddleware parks messages that can never be processed on the
// poison topic instead of retrying them forever.
func poisonQueueMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "poison_queue",
		Builder: func(b *Broker) (message.HandlerMiddleware, error) {
			return middleware.PoisonQueueWithFilter(
				b.pubsub,
				b.opts.PoisonTopic,
				func(err error) bool {
					var unprocessable *UnprocessableCommandError
					return errors.As(err, &unprocessable)
				},
			)
		},
	}
}

// recovererMiddleware converts handler panics into errors.
func recovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "recoverer",
		Middleware: middleware.Recoverer,
	}
}
