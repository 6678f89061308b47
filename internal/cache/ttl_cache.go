package cache

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultRetryAfterFailure é o intervalo até a próxima tentativa quando um
// reload falha e o snapshot anterior continua servindo.
const DefaultRetryAfterFailure = 10 * time.Second

// LoadFunc carrega um snapshot completo do valor cacheado
type LoadFunc[T any] func(ctx context.Context) (T, error)

// LoadObserver recebe o resultado de cada load (métricas)
type LoadObserver interface {
	ObserveCacheLoad(cache string, err error)
}

// TTLCache mantém um único snapshot imutável com expiração.
//
// Loads concorrentes são colapsados via singleflight, com a chave derivada da
// geração de invalidação: um load iniciado depois de Invalidate nunca aguarda
// um load anterior à invalidação.
type TTLCache[T any] struct {
	name string
	load LoadFunc[T]
	ttl  func() time.Duration

	mu         sync.RWMutex
	value      T
	loaded     bool
	expiresAt  time.Time
	lastErr    error
	generation uint64

	group    singleflight.Group
	now      func() time.Time
	retry    time.Duration
	observer LoadObserver
}

// Option configura um TTLCache
type Option func(*options)

type options struct {
	now      func() time.Time
	retry    time.Duration
	observer LoadObserver
}

// WithClock injeta o relógio usado para expiração
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithRetryAfterFailure altera o intervalo de nova tentativa após falha
func WithRetryAfterFailure(d time.Duration) Option {
	return func(o *options) { o.retry = d }
}

// WithObserver registra um observador de loads
func WithObserver(observer LoadObserver) Option {
	return func(o *options) { o.observer = observer }
}

// NewTTLCache cria um cache cujo TTL é lido a cada load. TTL <= 0 faz toda
// leitura recarregar (ainda deduplicada).
func NewTTLCache[T any](name string, load LoadFunc[T], ttl func() time.Duration, opts ...Option) *TTLCache[T] {
	o := options{now: time.Now, retry: DefaultRetryAfterFailure}
	for _, opt := range opts {
		opt(&o)
	}

	return &TTLCache[T]{
		name:     name,
		load:     load,
		ttl:      ttl,
		now:      o.now,
		retry:    o.retry,
		observer: o.observer,
	}
}

type loadResult[T any] struct {
	value T
	err   error
}

// Get devolve o snapshot vigente, recarregando quando expirado.
//
// Em falha de load com snapshot anterior disponível, o snapshot é devolvido
// junto com o erro e reaproveitado até a próxima tentativa. Sem snapshot, o
// valor devolvido é o zero de T e o mesmo erro é repetido até a próxima
// tentativa, sem novo acesso ao store.
func (c *TTLCache[T]) Get(ctx context.Context) (T, error) {
	c.mu.RLock()
	if c.now().Before(c.expiresAt) {
		value, err := c.value, c.lastErr
		c.mu.RUnlock()
		return value, err
	}
	generation := c.generation
	c.mu.RUnlock()

	key := strconv.FormatUint(generation, 10)
	ch := c.group.DoChan(key, func() (interface{}, error) {
		value, err := c.refresh(ctx, generation)
		return loadResult[T]{value: value, err: err}, nil
	})

	select {
	case res := <-ch:
		result := res.Val.(loadResult[T])
		return result.value, result.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (c *TTLCache[T]) refresh(ctx context.Context, generation uint64) (T, error) {
	// o load não herda o cancelamento do primeiro chamador: outros aguardam o mesmo resultado
	value, err := c.load(context.WithoutCancel(ctx))
	if c.observer != nil {
		c.observer.ObserveCacheLoad(c.name, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if err != nil {
		if c.generation == generation {
			c.expiresAt = now.Add(c.retry)
			// com snapshot a janela de retry serve o snapshot sem erro
			if !c.loaded {
				c.lastErr = err
			}
		}
		return c.value, err
	}

	c.value = value
	c.loaded = true
	c.lastErr = nil
	if c.generation == generation {
		c.expiresAt = now.Add(c.ttl())
	} else {
		// invalidado durante o load: o próximo Get recarrega
		c.expiresAt = time.Time{}
	}
	return value, nil
}

// Peek devolve o snapshot atual sem disparar load
func (c *TTLCache[T]) Peek() (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.value, c.loaded
}

// Invalidate força o próximo Get a recarregar. O snapshot anterior continua
// disponível como fallback.
func (c *TTLCache[T]) Invalidate() {
	c.mu.Lock()
	c.generation++
	c.expiresAt = time.Time{}
	c.mu.Unlock()
}
